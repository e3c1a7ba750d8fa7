package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	ev := Event{Entity: "invoice", Tenant: "acme", Version: 2}
	bus.Publish(ev)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, ev, got)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive the event")
		}
	}
}

func TestBusDropsOnFullBuffer(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(Event{Entity: "invoice", Version: 1})
	bus.Publish(Event{Entity: "invoice", Version: 2}) // buffer full: dropped
	bus.Publish(Event{Entity: "invoice", Version: 3}) // dropped too

	got := <-ch
	assert.Equal(t, int64(1), got.Version)
	select {
	case ev, ok := <-ch:
		if ok {
			t.Fatalf("expected no further events, got %+v", ev)
		}
	default:
	}
}

func TestBusCancelClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel() // idempotent

	_, ok := <-ch
	require.False(t, ok, "channel closes on unsubscribe")

	// publishing after cancel must not panic on the closed channel
	bus.Publish(Event{Entity: "invoice", Version: 1})
}

func TestBusMinimumBuffer(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(0)
	defer cancel()

	// a zero buffer would make every publish a drop; the bus floors it
	bus.Publish(Event{Entity: "invoice", Version: 1})
	select {
	case got := <-ch:
		assert.Equal(t, int64(1), got.Version)
	case <-time.After(time.Second):
		t.Fatal("event was dropped despite the default buffer")
	}
}
