package echo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
)

func newHost(t *testing.T) (*modhost.EventBus, *modhost.Manager) {
	t.Helper()
	bus := modhost.NewEventBus()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	factory := modhost.NewStaticFactory()
	factory.MustRegister("echo", "", func() (modhost.Module, error) { return New(), nil })
	return bus, modhost.NewManager(bus, factory)
}

func TestEchoAnswersRequests(t *testing.T) {
	bus, manager := newHost(t)
	require.NoError(t, manager.Load(context.Background(), "echo"))

	resp, err := bus.Request(context.Background(), modhost.Event{
		Name:    RequestEvent,
		Payload: map[string]any{"ping": true},
		Source:  "test",
	}, time.Second)
	require.NoError(t, err)

	payload := resp.Payload.(map[string]any)
	assert.Equal(t, map[string]any{"ping": true}, payload["echo"])
	assert.Equal(t, "test", payload["from"])
	assert.Equal(t, uint64(1), payload["answered"])
}

func TestEchoIgnoresPlainPublishes(t *testing.T) {
	bus, manager := newHost(t)
	require.NoError(t, manager.Load(context.Background(), "echo"))

	require.NoError(t, bus.Publish(context.Background(), modhost.Event{
		Name:    RequestEvent,
		Payload: "fire and forget",
	}))

	inst, ok := manager.Instance("echo")
	require.True(t, ok)
	assert.Zero(t, inst.(*Module).Answered())
}

func TestEchoStopsAnsweringAfterUnload(t *testing.T) {
	bus, manager := newHost(t)
	require.NoError(t, manager.Load(context.Background(), "echo"))
	require.NoError(t, manager.Unload(context.Background(), "echo", false))

	_, err := bus.Request(context.Background(), modhost.Event{Name: RequestEvent}, 50*time.Millisecond)
	require.ErrorIs(t, err, modhost.ErrRequestTimeout)
}

func TestEchoCounterResetsOnReload(t *testing.T) {
	bus, manager := newHost(t)
	require.NoError(t, manager.Load(context.Background(), "echo"))

	_, err := bus.Request(context.Background(), modhost.Event{Name: RequestEvent}, time.Second)
	require.NoError(t, err)

	require.NoError(t, manager.Reload(context.Background(), "echo", true))
	resp, err := bus.Request(context.Background(), modhost.Event{Name: RequestEvent}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), resp.Payload.(map[string]any)["answered"],
		"a reloaded instance starts counting from zero")
}
