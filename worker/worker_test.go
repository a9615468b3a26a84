package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
)

func newTestBus(t *testing.T) *modhost.EventBus {
	t.Helper()
	bus := modhost.NewEventBus()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

func newTestManager(t *testing.T, bus *modhost.EventBus) *Manager {
	t.Helper()
	m := NewManager(bus)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func TestRegisterValidation(t *testing.T) {
	m := newTestManager(t, newTestBus(t))

	err := m.RegisterInterval("ticker", 0, func(context.Context) error { return nil })
	require.Error(t, err)

	err = m.RegisterInterval("ticker", time.Millisecond, nil)
	require.Error(t, err)

	err = m.RegisterCron("cronny", "not a cron spec", func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrInvalidSchedule)

	require.NoError(t, m.RegisterInterval("ticker", time.Millisecond, func(context.Context) error { return nil }))
	err = m.RegisterInterval("ticker", time.Millisecond, func(context.Context) error { return nil })
	require.ErrorIs(t, err, ErrDuplicateWorker)
}

func TestIntervalWorkerRuns(t *testing.T) {
	m := newTestManager(t, newTestBus(t))

	var runs atomic.Int64
	require.NoError(t, m.RegisterInterval("counter", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool { return runs.Load() >= 3 },
		time.Second, time.Millisecond)

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "counter", statuses[0].Name)
	assert.Equal(t, "interval", statuses[0].Kind)
	assert.True(t, statuses[0].Running)
	assert.GreaterOrEqual(t, statuses[0].Runs, uint64(3))
	assert.Zero(t, statuses[0].Failures)
}

func TestCronWorkerRegistersAndRuns(t *testing.T) {
	m := newTestManager(t, newTestBus(t))

	var runs atomic.Int64
	require.NoError(t, m.RegisterCron("scan", "@every 1s", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))

	statuses := m.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, "cron", statuses[0].Kind)
	assert.Equal(t, "@every 1s", statuses[0].Schedule)
	assert.True(t, statuses[0].Running)

	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		3*time.Second, 10*time.Millisecond)
}

func TestFailingRunPublishesWorkerError(t *testing.T) {
	bus := newTestBus(t)
	m := newTestManager(t, bus)

	errCh := make(chan modhost.Event, 8)
	_, err := bus.Subscribe(modhost.EventWorkerError, func(_ context.Context, e modhost.Event) error {
		select {
		case errCh <- e:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	boom := errors.New("boom")
	require.NoError(t, m.RegisterInterval("flaky", 5*time.Millisecond, func(context.Context) error {
		return boom
	}))
	require.NoError(t, m.Start(context.Background()))

	select {
	case e := <-errCh:
		payload := e.Payload.(map[string]any)
		assert.Equal(t, "flaky", payload["worker"])
		assert.Equal(t, "boom", payload["error"])
	case <-time.After(time.Second):
		t.Fatal("no worker.error event")
	}

	require.Eventually(t, func() bool {
		return m.Statuses()[0].Failures >= 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, "boom", m.Statuses()[0].LastErr)
}

func TestPanickingRunIsContained(t *testing.T) {
	m := newTestManager(t, newTestBus(t))

	require.NoError(t, m.RegisterInterval("panicky", 5*time.Millisecond, func(context.Context) error {
		panic("kaboom")
	}))
	require.NoError(t, m.Start(context.Background()))

	require.Eventually(t, func() bool {
		s := m.Statuses()[0]
		return s.Failures >= 2 // the schedule keeps going after a panic
	}, time.Second, time.Millisecond)
}

func TestStopAndRestartWorker(t *testing.T) {
	bus := newTestBus(t)
	m := newTestManager(t, bus)

	events := make(chan modhost.Event, 8)
	_, err := bus.Subscribe("worker.*", func(_ context.Context, e modhost.Event) error {
		select {
		case events <- e:
		default:
		}
		return nil
	})
	require.NoError(t, err)

	var runs atomic.Int64
	require.NoError(t, m.RegisterInterval("counter", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, m.StopWorker(context.Background(), "counter"))
	assert.False(t, m.Statuses()[0].Running)

	waitForEvent(t, events, modhost.EventWorkerStopped)

	stopped := runs.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load(), "stopped worker must not keep running")

	require.NoError(t, m.StartWorker(context.Background(), "counter"))
	waitForEvent(t, events, modhost.EventWorkerStarted)
	require.Eventually(t, func() bool { return runs.Load() > stopped },
		time.Second, time.Millisecond)
}

func TestUnknownWorkerControl(t *testing.T) {
	m := newTestManager(t, newTestBus(t))
	require.NoError(t, m.Start(context.Background()))

	require.ErrorIs(t, m.StartWorker(context.Background(), "ghost"), ErrUnknownWorker)
	require.ErrorIs(t, m.StopWorker(context.Background(), "ghost"), ErrUnknownWorker)
}

func TestBusControlEvents(t *testing.T) {
	bus := newTestBus(t)
	m := newTestManager(t, bus)

	var runs atomic.Int64
	require.NoError(t, m.RegisterInterval("counter", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))
	require.Eventually(t, func() bool { return runs.Load() >= 1 }, time.Second, time.Millisecond)

	err := bus.Publish(context.Background(), modhost.Event{
		Name:    modhost.EventWorkerStop,
		Payload: map[string]any{"worker": "counter"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !m.Statuses()[0].Running },
		time.Second, time.Millisecond)

	err = bus.Publish(context.Background(), modhost.Event{
		Name:    modhost.EventWorkerStart,
		Payload: map[string]any{"worker": "counter"},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return m.Statuses()[0].Running },
		time.Second, time.Millisecond)
}

func TestRegisterAfterStartRunsImmediately(t *testing.T) {
	m := newTestManager(t, newTestBus(t))
	require.NoError(t, m.Start(context.Background()))

	var runs atomic.Int64
	require.NoError(t, m.RegisterInterval("late", 5*time.Millisecond, func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.Eventually(t, func() bool { return runs.Load() >= 1 },
		time.Second, time.Millisecond)
}

func TestStopWaitsForWorkers(t *testing.T) {
	m := NewManager(newTestBus(t))

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, m.RegisterInterval("slow", time.Millisecond, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}))
	require.NoError(t, m.Start(context.Background()))
	<-started

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(release)
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))
	assert.False(t, m.Statuses()[0].Running)
}

func waitForEvent(t *testing.T, ch <-chan modhost.Event, name string) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-ch:
			if e.Name == name {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}
