// Package worker schedules recurring background jobs for the module host:
// fixed-interval tickers and cron expressions, individually startable and
// stoppable over the event bus.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/GoCodeAlone/modhost"
)

var (
	ErrUnknownWorker   = errors.New("worker not registered")
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrInvalidSchedule = errors.New("invalid cron schedule")
)

const busOwner = "workers"

// Job is one unit of recurring work. The context is the manager's run
// context; jobs must return promptly once it is cancelled.
type Job func(ctx context.Context) error

// Status is a point-in-time view of one worker.
type Status struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"`
	Schedule string    `json:"schedule"`
	Running  bool      `json:"running"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	LastRun  time.Time `json:"lastRun"`
	LastErr  string    `json:"lastError,omitempty"`
}

const (
	kindInterval = "interval"
	kindCron     = "cron"
)

type worker struct {
	name     string
	kind     string
	schedule string
	interval time.Duration
	job      Job

	entryID cron.EntryID
	stopCh  chan struct{}

	running  atomic.Bool
	runs     atomic.Uint64
	failures atomic.Uint64

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// Manager owns the registered workers. Register before Start; after
// Start, individual workers can be stopped and restarted directly or via
// worker.stop and worker.start events carrying {"worker": name}.
type Manager struct {
	bus    *modhost.EventBus
	logger modhost.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	workers map[string]*worker
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option customises a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger modhost.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates a worker manager publishing on bus.
func NewManager(bus *modhost.EventBus, opts ...Option) *Manager {
	m := &Manager{
		bus:     bus,
		logger:  modhost.NopLogger{},
		cron:    cron.New(),
		workers: make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterInterval adds a worker that runs every interval.
func (m *Manager) RegisterInterval(name string, every time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("worker %q: interval must be positive", name)
	}
	return m.register(&worker{
		name:     name,
		kind:     kindInterval,
		schedule: every.String(),
		interval: every,
		job:      job,
	})
}

// RegisterCron adds a worker scheduled by a cron expression. Standard
// five-field specs and @every descriptors are accepted.
func (m *Manager) RegisterCron(name, spec string, job Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	return m.register(&worker{
		name:     name,
		kind:     kindCron,
		schedule: spec,
		job:      job,
	})
}

func (m *Manager) register(w *worker) error {
	if w.job == nil {
		return fmt.Errorf("worker %q: job cannot be nil", w.name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workers[w.name]; exists {
		return fmt.Errorf("%w: %q", ErrDuplicateWorker, w.name)
	}
	m.workers[w.name] = w
	if m.started {
		return m.startWorkerLocked(context.Background(), w)
	}
	return nil
}

// Start brings every registered worker up and wires the bus control
// subscriptions. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.cron.Start()
	for _, w := range m.workers {
		if err := m.startWorkerLocked(ctx, w); err != nil {
			return err
		}
	}
	m.started = true
	return m.subscribeControls()
}

func (m *Manager) subscribeControls() error {
	control := func(action func(context.Context, string) error) modhost.EventHandler {
		return func(ctx context.Context, e modhost.Event) error {
			name := workerName(e.Payload)
			if name == "" {
				return fmt.Errorf("%w: event %q names no worker", ErrUnknownWorker, e.Name)
			}
			return action(ctx, name)
		}
	}
	if _, err := m.bus.Subscribe(modhost.EventWorkerStart, control(m.StartWorker), modhost.WithOwner(busOwner)); err != nil {
		return err
	}
	if _, err := m.bus.Subscribe(modhost.EventWorkerStop, control(m.StopWorker), modhost.WithOwner(busOwner)); err != nil {
		return err
	}
	return nil
}

func workerName(payload any) string {
	fields, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	name, _ := fields["worker"].(string)
	return name
}

// StartWorker starts one stopped worker and publishes worker.started.
func (m *Manager) StartWorker(ctx context.Context, name string) error {
	m.mu.Lock()
	w, ok := m.workers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	if !m.started {
		m.mu.Unlock()
		return fmt.Errorf("worker manager not started")
	}
	err := m.startWorkerLocked(ctx, w)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	m.publish(ctx, modhost.EventWorkerStarted, name, nil)
	return nil
}

func (m *Manager) startWorkerLocked(_ context.Context, w *worker) error {
	if !w.running.CompareAndSwap(false, true) {
		return nil
	}
	switch w.kind {
	case kindCron:
		id, err := m.cron.AddFunc(w.schedule, func() { m.runJob(w) })
		if err != nil {
			w.running.Store(false)
			return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, w.schedule, err)
		}
		w.entryID = id
	default:
		w.stopCh = make(chan struct{})
		m.wg.Add(1)
		go m.runInterval(w)
	}
	m.logger.Info("worker started", "worker", w.name, "kind", w.kind, "schedule", w.schedule)
	return nil
}

// StopWorker stops one running worker and publishes worker.stopped. The
// registration is kept so the worker can be started again.
func (m *Manager) StopWorker(ctx context.Context, name string) error {
	m.mu.Lock()
	w, ok := m.workers[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownWorker, name)
	}
	m.stopWorkerLocked(w)
	m.mu.Unlock()
	m.publish(ctx, modhost.EventWorkerStopped, name, nil)
	return nil
}

func (m *Manager) stopWorkerLocked(w *worker) {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	switch w.kind {
	case kindCron:
		m.cron.Remove(w.entryID)
	default:
		close(w.stopCh)
	}
	m.logger.Info("worker stopped", "worker", w.name)
}

// Stop shuts every worker down and waits for in-flight runs, bounded by
// ctx.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	for _, w := range m.workers {
		m.stopWorkerLocked(w)
	}
	m.started = false
	m.cancel()
	m.mu.Unlock()

	cronDone := m.cron.Stop()
	select {
	case <-cronDone.Done():
	case <-ctx.Done():
		return fmt.Errorf("stopping cron workers: %w", ctx.Err())
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stopping interval workers: %w", ctx.Err())
	}
}

// Statuses returns a snapshot of every worker, sorted by name.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	statuses := make([]Status, 0, len(workers))
	for _, w := range workers {
		w.mu.Lock()
		s := Status{
			Name:     w.name,
			Kind:     w.kind,
			Schedule: w.schedule,
			Running:  w.running.Load(),
			Runs:     w.runs.Load(),
			Failures: w.failures.Load(),
			LastRun:  w.lastRun,
		}
		if w.lastErr != nil {
			s.LastErr = w.lastErr.Error()
		}
		w.mu.Unlock()
		statuses = append(statuses, s)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (m *Manager) runInterval(w *worker) {
	defer m.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			m.runJob(w)
		}
	}
}

// runJob executes one run with panic containment. A failed run is
// counted, logged and published as worker.error; the schedule keeps
// going.
func (m *Manager) runJob(w *worker) {
	w.runs.Add(1)
	w.mu.Lock()
	w.lastRun = time.Now()
	w.mu.Unlock()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker panic: %v", r)
			}
		}()
		return w.job(m.ctx)
	}()
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
	if err == nil {
		return
	}
	w.failures.Add(1)
	m.logger.Error("worker run failed", "worker", w.name, "error", err)
	m.publish(m.ctx, modhost.EventWorkerError, w.name, map[string]any{"error": err.Error()})
}

func (m *Manager) publish(ctx context.Context, event, name string, extra map[string]any) {
	payload := map[string]any{"worker": name}
	for k, v := range extra {
		payload[k] = v
	}
	err := m.bus.Publish(ctx, modhost.Event{Name: event, Payload: payload, Source: busOwner})
	if err != nil {
		m.logger.Debug("worker event not published", "event", event, "error", err)
	}
}
