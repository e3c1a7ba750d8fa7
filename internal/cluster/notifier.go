// Package cluster broadcasts "schema generation changed" events between
// application instances. Delivery is best effort: the database stays the
// single authority and the repository self-heals on access, so a missed
// event only widens the convergence window.
package cluster

import (
	"sync"

	"github.com/google/uuid"
)

// Event announces that an entity's schema moved to a new version, or that
// the entity was dropped entirely (Deleted). Drops must be distinguishable:
// a version bump raises the subscriber's staleness floor, a drop discards
// the cached mapping instead.
type Event struct {
	Entity  string `json:"entity"`
	Tenant  string `json:"tenant,omitempty"`
	Version int64  `json:"version"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Notifier is the transport contract. The in-process Bus implements it alone
// for single-node runs; PGNotifier federates buses across the cluster.
type Notifier interface {
	Publish(Event)
	Subscribe(buffer int) (<-chan Event, func())
}

type subscriber struct {
	ch chan Event
}

// Bus is an in-process fan-out notifier. Sends never block: a subscriber
// whose buffer is full loses the event and relies on lazy self-healing.
type Bus struct {
	subscribers sync.Map // id -> *subscriber
}

func NewBus() *Bus { return &Bus{} }

// Publish delivers the event to every subscriber, dropping on full buffers.
func (b *Bus) Publish(ev Event) {
	b.subscribers.Range(func(_, value any) bool {
		sub := value.(*subscriber)
		select {
		case sub.ch <- ev:
		default:
			// full buffer: drop, do not block the publisher
		}
		return true
	})
}

// Subscribe registers a listener and returns its channel plus a cancel
// function that unsubscribes and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.NewString()
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.subscribers.Store(id, sub)
	return sub.ch, func() {
		if v, ok := b.subscribers.LoadAndDelete(id); ok {
			close(v.(*subscriber).ch)
		}
	}
}
