package runtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tabula/internal/descriptor"
)

// ErrSchemaNotReady is returned when a reader gives up waiting for a mapping
// build. Transient: callers may retry after backoff.
var ErrSchemaNotReady = errors.New("runtime: schema not ready, retry later")

// State of one registry entry. Per entity the lifecycle is
// UNREGISTERED → BUILDING → ACTIVE → STALE (new version) → BUILDING → ...
type State string

const (
	StateUnregistered State = "UNREGISTERED"
	StateBuilding     State = "BUILDING"
	StateActive       State = "ACTIVE"
	StateStale        State = "STALE"
)

type entry struct {
	mapping    atomic.Pointer[Mapping]
	minVersion atomic.Int64  // floor set by Invalidate; mappings below it are stale
	building   chan struct{} // capacity 1: one build per entity at a time
}

// Registry owns every generated mapping. Mappings are immutable and replaced
// by atomic pointer swap, so any number of readers can hold one while a new
// version is being built.
type Registry struct {
	mu           sync.RWMutex
	entries      map[string]*entry
	buildTimeout time.Duration
}

func NewRegistry(buildTimeout time.Duration) *Registry {
	if buildTimeout <= 0 {
		buildTimeout = 10 * time.Second
	}
	return &Registry{
		entries:      make(map[string]*entry),
		buildTimeout: buildTimeout,
	}
}

func (r *Registry) entry(key string) *entry {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[key]; ok {
		return e
	}
	e = &entry{building: make(chan struct{}, 1)}
	r.entries[key] = e
	return e
}

// Mapping returns the ACTIVE mapping for the descriptor, building it first if
// the entity is unregistered or stale. Concurrent readers of a stale entity
// block until the single in-flight build finishes or the timeout elapses,
// in which case they get ErrSchemaNotReady.
func (r *Registry) Mapping(ctx context.Context, d *descriptor.EntityDescriptor) (*Mapping, error) {
	e := r.entry(d.Key())
	want := d.Version
	if min := e.minVersion.Load(); min > want {
		want = min
	}
	if m := e.mapping.Load(); m != nil && m.Version >= want {
		return m, nil
	}

	timer := time.NewTimer(r.buildTimeout)
	defer timer.Stop()
	select {
	case e.building <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrSchemaNotReady
	case <-timer.C:
		return nil, ErrSchemaNotReady
	}
	defer func() { <-e.building }()

	// someone else may have finished the build while we waited
	if m := e.mapping.Load(); m != nil && m.Version >= want {
		return m, nil
	}
	m, err := Build(d)
	if err != nil {
		return nil, err
	}
	e.mapping.Store(m) // atomic swap, never in-place
	return m, nil
}

// Invalidate marks the entity stale as of version. The next Mapping call with
// a descriptor at or above that version rebuilds; reads of the old version
// keep working until then (lazy rebuild).
func (r *Registry) Invalidate(name, tenant string, version int64) {
	e := r.entry(descriptor.Key(name, tenant))
	for {
		cur := e.minVersion.Load()
		if version <= cur || e.minVersion.CompareAndSwap(cur, version) {
			return
		}
	}
}

// Forget drops the entry entirely (entity was dropped).
func (r *Registry) Forget(name, tenant string) {
	r.mu.Lock()
	delete(r.entries, descriptor.Key(name, tenant))
	r.mu.Unlock()
}

// State reports the lifecycle state of one entity, for operational tooling.
func (r *Registry) State(name, tenant string) State {
	r.mu.RLock()
	e, ok := r.entries[descriptor.Key(name, tenant)]
	r.mu.RUnlock()
	if !ok {
		return StateUnregistered
	}
	m := e.mapping.Load()
	building := len(e.building) > 0
	switch {
	case m == nil && building:
		return StateBuilding
	case m == nil:
		return StateUnregistered
	case m.Version < e.minVersion.Load():
		if building {
			return StateBuilding
		}
		return StateStale
	default:
		return StateActive
	}
}
