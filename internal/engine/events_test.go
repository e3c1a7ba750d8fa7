package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tabula/internal/cluster"
	"tabula/internal/descriptor"
	"tabula/internal/runtime"
)

func waitForState(t *testing.T, r *runtime.Registry, name, tenant string, want runtime.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State(name, tenant) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("registry never reached state %v, stuck at %v", want, r.State(name, tenant))
}

// A version-bump event marks the cached mapping stale; a drop event discards
// it, so recreating the entity at version 1 must not leave the registry
// chasing the dropped generation forever.
func TestClusterEventsSteerTheRegistry(t *testing.T) {
	registry := runtime.NewRegistry(time.Second)
	bus := cluster.NewBus()
	eng := New(nil, nil, registry, bus)
	t.Cleanup(eng.Close)
	ctx := context.Background()

	d := &descriptor.EntityDescriptor{
		Name:    "invoice",
		Version: 1,
		Fields:  []descriptor.FieldDescriptor{{Name: "number", Type: descriptor.TypeText}},
	}
	_, err := registry.Mapping(ctx, d)
	require.NoError(t, err)
	require.Equal(t, runtime.StateActive, registry.State("invoice", ""))

	bus.Publish(cluster.Event{Entity: "invoice", Version: 2})
	waitForState(t, registry, "invoice", "", runtime.StateStale)

	bus.Publish(cluster.Event{Entity: "invoice", Version: 2, Deleted: true})
	waitForState(t, registry, "invoice", "", runtime.StateUnregistered)

	// recreate at version 1: the floor from the dropped generation is gone
	fresh, err := registry.Mapping(ctx, d)
	require.NoError(t, err)
	again, err := registry.Mapping(ctx, d)
	require.NoError(t, err)
	assert.Same(t, fresh, again, "recreated mapping is cached, not rebuilt per access")
	assert.Equal(t, runtime.StateActive, registry.State("invoice", ""))
}
