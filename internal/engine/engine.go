// Package engine ties the descriptor store, schema differ, migration
// executor, runtime registry and cluster notifier into the submission and
// self-healing pipelines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tabula/internal/cluster"
	"tabula/internal/descriptor"
	"tabula/internal/runtime"
	"tabula/internal/schema"
)

// ValidationError carries the structured field errors of a rejected
// descriptor. Destructive is set when the rejection would go away with
// allowDestructive=true.
type ValidationError struct {
	Errors      []descriptor.FieldError
	Destructive bool
}

func (e *ValidationError) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("engine: descriptor rejected: %s (%s)", e.Errors[0].Message, e.Errors[0].Code)
	}
	return fmt.Sprintf("engine: descriptor rejected with %d errors", len(e.Errors))
}

const submitAttempts = 3

// Engine is the dynamic entity engine facade.
type Engine struct {
	store    *descriptor.Store
	exec     *schema.Executor
	registry *runtime.Registry
	notifier cluster.Notifier
	stop     func()
}

// New wires the engine and starts consuming cluster events: a version bump
// marks the local mapping stale so the next access rebuilds it, a drop
// discards the cached mapping outright so a later recreate starts fresh.
func New(store *descriptor.Store, exec *schema.Executor, registry *runtime.Registry, notifier cluster.Notifier) *Engine {
	e := &Engine{store: store, exec: exec, registry: registry, notifier: notifier}
	events, cancel := notifier.Subscribe(64)
	e.stop = cancel
	go func() {
		for ev := range events {
			if ev.Deleted {
				registry.Forget(ev.Entity, ev.Tenant)
				continue
			}
			registry.Invalidate(ev.Entity, ev.Tenant, ev.Version)
		}
	}()
	return e
}

// Close stops the event consumer.
func (e *Engine) Close() { e.stop() }

// SubmitDescriptor runs the full pipeline: validate → save under the row
// lock → diff against the last applied shape → apply DDL → rebuild the
// mapping → broadcast. Concurrent-modification losses are retried internally
// by re-reading and re-diffing, a bounded number of times.
//
// On success the returned descriptor's version is fully applied: the marker
// equals the descriptor version and the mapping is ACTIVE.
func (e *Engine) SubmitDescriptor(ctx context.Context, candidate *descriptor.EntityDescriptor, allowDestructive bool) (*descriptor.EntityDescriptor, error) {
	var lastErr error
	for attempt := 1; attempt <= submitAttempts; attempt++ {
		prev, err := e.store.FindByName(ctx, candidate.Name, candidate.TenantScope)
		if err != nil && !errors.Is(err, descriptor.ErrNotFound) {
			return nil, err
		}

		if vr := descriptor.Validate(candidate, prev, allowDestructive); !vr.OK() {
			return nil, &ValidationError{Errors: vr.Errors, Destructive: vr.HasDestructive()}
		}

		var base int64
		if prev != nil {
			base = prev.Version
		}
		saved, err := e.store.Save(ctx, candidate, base)
		if errors.Is(err, descriptor.ErrConcurrentModification) {
			lastErr = err
			log.Printf("engine: save of %s lost a concurrent race (attempt %d/%d), re-reading",
				candidate.Key(), attempt, submitAttempts)
			select {
			case <-time.After(100 * time.Millisecond * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := e.synchronize(ctx, saved); err != nil {
			return saved, err
		}
		return saved, nil
	}
	return nil, lastErr
}

// DropEntity removes the descriptor and, explicitly, the physical table.
func (e *Engine) DropEntity(ctx context.Context, name, tenant string) error {
	d, err := e.store.FindByName(ctx, name, tenant)
	if err != nil {
		return err
	}
	if err := e.exec.Drop(ctx, d); err != nil {
		return err
	}
	if err := e.store.Delete(ctx, name, tenant); err != nil && !errors.Is(err, descriptor.ErrNotFound) {
		return err
	}
	e.registry.Forget(name, tenant)
	e.notifier.Publish(cluster.Event{Entity: d.Name, Tenant: d.TenantScope, Version: d.Version, Deleted: true})
	return nil
}

// Descriptor loads one descriptor.
func (e *Engine) Descriptor(ctx context.Context, name, tenant string) (*descriptor.EntityDescriptor, error) {
	return e.store.FindByName(ctx, name, tenant)
}

// List returns all descriptors.
func (e *Engine) List(ctx context.Context) ([]*descriptor.EntityDescriptor, error) {
	return e.store.ListAll(ctx)
}

// EnsureCurrent is the self-healing resolve used before every repository
// operation: if the applied version trails the descriptor version, migrate
// synchronously, then return the ACTIVE mapping.
func (e *Engine) EnsureCurrent(ctx context.Context, name, tenant string) (*runtime.Mapping, error) {
	d, err := e.store.FindByName(ctx, name, tenant)
	if err != nil {
		return nil, err
	}
	marker, err := e.exec.Marker(ctx, name, tenant)
	if err != nil {
		return nil, err
	}
	if marker.AppliedVersion < d.Version {
		log.Printf("engine: %s applied version %d trails descriptor version %d, healing",
			d.Key(), marker.AppliedVersion, d.Version)
		if err := e.synchronize(ctx, d); err != nil {
			return nil, err
		}
	}
	return e.registry.Mapping(ctx, d)
}

// synchronize brings the physical schema and the local mapping to the
// descriptor's version and broadcasts the change.
func (e *Engine) synchronize(ctx context.Context, d *descriptor.EntityDescriptor) error {
	marker, err := e.exec.Marker(ctx, d.Name, d.TenantScope)
	if err != nil {
		return err
	}
	if marker.AppliedVersion < d.Version {
		ops := schema.Diff(marker.AppliedDescriptor(d.Name, d.TenantScope), d)
		if err := e.exec.Apply(ctx, d, ops, d.Version); err != nil {
			return err
		}
	}
	e.registry.Invalidate(d.Name, d.TenantScope, d.Version)
	if _, err := e.registry.Mapping(ctx, d); err != nil {
		return err
	}
	e.notifier.Publish(cluster.Event{Entity: d.Name, Tenant: d.TenantScope, Version: d.Version})
	return nil
}

// EntityStatus is one row of the migration status report.
type EntityStatus struct {
	Name               string        `json:"name"`
	TenantScope        string        `json:"tenantScope,omitempty"`
	DescriptorVersion  int64         `json:"descriptorVersion"`
	AppliedVersion     int64         `json:"appliedVersion"`
	LastMigrationError string        `json:"lastMigrationError,omitempty"`
	MappingState       runtime.State `json:"mappingState"`
}

// Status reports, per entity, the descriptor version, the applied version and
// the last migration error, for operational tooling.
func (e *Engine) Status(ctx context.Context) ([]EntityStatus, error) {
	descriptors, err := e.store.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	markers, err := e.exec.Markers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]EntityStatus, 0, len(descriptors))
	for _, d := range descriptors {
		st := EntityStatus{
			Name:              d.Name,
			TenantScope:       d.TenantScope,
			DescriptorVersion: d.Version,
			MappingState:      e.registry.State(d.Name, d.TenantScope),
		}
		if m, ok := markers[d.Key()]; ok {
			st.AppliedVersion = m.AppliedVersion
			st.LastMigrationError = m.LastError
		}
		out = append(out, st)
	}
	return out, nil
}
