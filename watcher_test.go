package modhost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherTriggersAutoReload(t *testing.T) {
	bus := newTestBus(t)
	factory := NewStaticFactory()
	src := filepath.Join(t.TempDir(), "alpha.conf")
	require.NoError(t, os.WriteFile(src, []byte("v1"), 0o644))
	require.NoError(t, factory.Register("alpha", src, func() (Module, error) {
		return &fakeModule{name: "alpha"}, nil
	}))
	manager := NewManager(bus, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, manager.Load(ctx, "alpha"))

	w, err := NewSourceWatcher(manager, WithDebounce(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, w.WatchModuleSources(factory))
	require.NoError(t, w.Start(ctx))
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer stopCancel()
		_ = w.Stop(stopCtx)
	}()

	require.NoError(t, os.WriteFile(src, []byte("v2"), 0o644))

	require.Eventually(t, func() bool {
		status, ok := manager.Status("alpha")
		return ok && status.ReloadCount == 1
	}, 5*time.Second, 25*time.Millisecond, "the write should debounce into one reload")

	assert.Equal(t, StateReady, manager.State("alpha"))
}

func TestWatcherRejectsMissingPath(t *testing.T) {
	manager := NewManager(newTestBus(t), NewStaticFactory())
	w, err := NewSourceWatcher(manager)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	}()

	assert.Error(t, w.Watch(filepath.Join(t.TempDir(), "absent")))
}

func TestWatcherSkipsSourcelessModules(t *testing.T) {
	factory := NewStaticFactory()
	require.NoError(t, factory.Register("virtual", "", func() (Module, error) {
		return &fakeModule{name: "virtual"}, nil
	}))
	manager := NewManager(newTestBus(t), factory)

	w, err := NewSourceWatcher(manager)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = w.Stop(ctx)
	}()

	assert.NoError(t, w.WatchModuleSources(factory))
}
