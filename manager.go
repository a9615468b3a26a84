package modhost

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

const lifecycleSource = "lifecycle"

// DefaultTeardownTimeout bounds how long an unload waits for a module's
// background tasks after cancelling its context.
const DefaultTeardownTimeout = 10 * time.Second

// Manager drives modules through their lifecycle: construct via the
// factory, wire dependencies, init, run, and tear down. Every state
// transition is announced on the bus before and after it completes, and a
// module's failure never takes down the manager or its siblings.
type Manager struct {
	bus      *EventBus
	factory  ModuleFactory
	logger   Logger
	graph    *DependencyGraph
	detector *ChangeDetector

	configs         map[string]map[string]any
	teardownTimeout time.Duration

	mu      sync.RWMutex
	records map[string]*moduleRecord
}

// moduleRecord is the manager's book-keeping for one module name. It
// outlives unloads so state history (reload count, last error) persists
// for as long as the manager does.
type moduleRecord struct {
	name string

	// transMu serialises lifecycle transitions for this module. It is
	// acquired with TryLock so a concurrent transition surfaces as
	// ErrTransitionInProgress instead of queueing.
	transMu sync.Mutex

	mu          sync.RWMutex
	state       ModuleState
	instance    Module
	mctx        *ModuleContext
	lastErr     error
	loadedAt    time.Time
	reloadCount int
}

func (r *moduleRecord) snapshot() (ModuleState, Module, *ModuleContext) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.instance, r.mctx
}

// ModuleStatus is an externally visible snapshot of one module.
type ModuleStatus struct {
	Name         string      `json:"name"`
	State        ModuleState `json:"state"`
	Source       string      `json:"source,omitempty"`
	LoadedAt     time.Time   `json:"loadedAt"`
	ReloadCount  int         `json:"reloadCount"`
	Dependencies []string    `json:"dependencies,omitempty"`
	Dependents   []string    `json:"dependents,omitempty"`
	Tasks        []string    `json:"tasks,omitempty"`
	Error        string      `json:"error,omitempty"`
}

// ReloadOutcome classifies one module's result within a reload sweep.
type ReloadOutcome string

const (
	// ReloadOutcomeReloaded means a fresh instance reached ready.
	ReloadOutcomeReloaded ReloadOutcome = "reloaded"
	// ReloadOutcomeUnchanged means the unforced sweep skipped the module
	// because its source fingerprint matched the last load.
	ReloadOutcomeUnchanged ReloadOutcome = "unchanged"
	// ReloadOutcomeError means the reload failed; Error carries the cause.
	ReloadOutcomeError ReloadOutcome = "error"
)

// ReloadResult reports one module's outcome from ReloadAll or AutoReload.
type ReloadResult struct {
	Outcome ReloadOutcome `json:"outcome"`
	Error   string        `json:"error,omitempty"`
}

// ManagerOption customises a Manager at construction time.
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithModuleConfigs provides per-module config sections handed to
// Configurable modules before Init.
func WithModuleConfigs(configs map[string]map[string]any) ManagerOption {
	return func(m *Manager) {
		for name, cfg := range configs {
			m.configs[name] = cfg
		}
	}
}

// WithTeardownTimeout bounds the wait for a module's background tasks
// during unload.
func WithTeardownTimeout(timeout time.Duration) ManagerOption {
	return func(m *Manager) {
		if timeout > 0 {
			m.teardownTimeout = timeout
		}
	}
}

// NewManager creates a manager publishing on bus and constructing modules
// through factory.
func NewManager(bus *EventBus, factory ModuleFactory, opts ...ManagerOption) *Manager {
	m := &Manager{
		bus:             bus,
		factory:         factory,
		logger:          NopLogger{},
		graph:           NewDependencyGraph(),
		detector:        NewChangeDetector(),
		configs:         make(map[string]map[string]any),
		teardownTimeout: DefaultTeardownTimeout,
		records:         make(map[string]*moduleRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) record(name string) *moduleRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[name]
	if !ok {
		rec = &moduleRecord{name: name, state: StateUnloaded}
		m.records[name] = rec
	}
	return rec
}

func (m *Manager) lookup(name string) (*moduleRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	return rec, ok
}

// Load takes the named module from unloaded to ready, publishing
// module.loading, module.loaded, module.initializing and module.ready
// along the way. A failure at any stage parks the module in the error
// state and publishes module.error instead of the stage's success event.
func (m *Manager) Load(ctx context.Context, name string) error {
	if !m.factory.Has(name) {
		return fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	rec := m.record(name)
	if !rec.transMu.TryLock() {
		return fmt.Errorf("%w: %q", ErrTransitionInProgress, name)
	}
	defer rec.transMu.Unlock()

	if st, _, _ := rec.snapshot(); st.Active() {
		return fmt.Errorf("%w: %q is %s", ErrAlreadyLoaded, name, st)
	}
	return m.loadLocked(ctx, rec)
}

// Unload takes an active module back to unloaded: module.unloading is
// published, the module's Stop hook runs, its context is cancelled, its
// subscriptions are removed, and its background tasks are awaited bounded
// by the teardown timeout. With force false the unload is refused while
// ready dependents exist. A failed Stop hook or an overrun teardown parks
// the module in the error state after cleanup rather than reporting it
// unloaded.
func (m *Manager) Unload(ctx context.Context, name string, force bool) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	if !rec.transMu.TryLock() {
		return fmt.Errorf("%w: %q", ErrTransitionInProgress, name)
	}
	defer rec.transMu.Unlock()
	return m.unloadLocked(ctx, rec, force)
}

// Reload replaces a module with a freshly constructed instance. Force
// always rebuilds; without it an unchanged source fingerprint keeps the
// existing healthy instance, a module in the error state is rebuilt, and
// the reload is refused while ready dependents exist.
func (m *Manager) Reload(ctx context.Context, name string, force bool) error {
	rec, ok := m.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	if !rec.transMu.TryLock() {
		return fmt.Errorf("%w: %q", ErrTransitionInProgress, name)
	}
	defer rec.transMu.Unlock()
	_, err := m.reloadLocked(ctx, rec, force, false)
	return err
}

// ReloadAll reloads every active module in dependency order, dependencies
// before dependents. With force false a module whose source fingerprint
// is unchanged is skipped and reported as unchanged; force rebuilds
// everything. Individual failures are collected in the result map, not
// fatal to the sweep, and module.reload_all_complete carries the full
// per-module results.
func (m *Manager) ReloadAll(ctx context.Context, force bool) (map[string]ReloadResult, error) {
	order, err := m.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	results := make(map[string]ReloadResult)
	var errs []error
	for _, name := range order {
		rec, ok := m.lookup(name)
		if !ok {
			continue
		}
		if st, _, _ := rec.snapshot(); !st.Active() {
			continue
		}
		if !rec.transMu.TryLock() {
			err := fmt.Errorf("%w: %q", ErrTransitionInProgress, name)
			results[name] = ReloadResult{Outcome: ReloadOutcomeError, Error: err.Error()}
			errs = append(errs, err)
			continue
		}
		skipped, err := m.reloadLocked(ctx, rec, force, true)
		rec.transMu.Unlock()
		switch {
		case err != nil:
			results[name] = ReloadResult{Outcome: ReloadOutcomeError, Error: err.Error()}
			errs = append(errs, fmt.Errorf("reloading %q: %w", name, err))
		case skipped:
			results[name] = ReloadResult{Outcome: ReloadOutcomeUnchanged}
		default:
			results[name] = ReloadResult{Outcome: ReloadOutcomeReloaded}
		}
	}
	reloaded, failed := 0, 0
	for _, r := range results {
		switch r.Outcome {
		case ReloadOutcomeReloaded:
			reloaded++
		case ReloadOutcomeError:
			failed++
		}
	}
	m.publishModuleEvent(ctx, EventModuleReloadAllComplete, "", map[string]any{
		"results":  results,
		"reloaded": reloaded,
		"failed":   failed,
	})
	return results, errors.Join(errs...)
}

// AutoReload fingerprints every recorded module, publishes
// module.changes_detected when anything differs, and reloads exactly the
// changed modules in dependency order, reporting each outcome.
func (m *Manager) AutoReload(ctx context.Context) (map[string]ReloadResult, error) {
	changed := m.detector.Changed()
	if len(changed) == 0 {
		return nil, nil
	}
	m.publishModuleEvent(ctx, EventModuleChangesDetected, "", map[string]any{
		"modules": changed,
	})

	changedSet := make(map[string]struct{}, len(changed))
	for _, name := range changed {
		changedSet[name] = struct{}{}
	}
	order, err := m.graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	results := make(map[string]ReloadResult, len(changed))
	var errs []error
	for _, name := range order {
		if _, ok := changedSet[name]; !ok {
			continue
		}
		rec, ok := m.lookup(name)
		if !ok {
			continue
		}
		if !rec.transMu.TryLock() {
			err := fmt.Errorf("%w: %q", ErrTransitionInProgress, name)
			results[name] = ReloadResult{Outcome: ReloadOutcomeError, Error: err.Error()}
			errs = append(errs, err)
			continue
		}
		_, err := m.reloadLocked(ctx, rec, false, true)
		rec.transMu.Unlock()
		if err != nil {
			results[name] = ReloadResult{Outcome: ReloadOutcomeError, Error: err.Error()}
			errs = append(errs, fmt.Errorf("reloading %q: %w", name, err))
			continue
		}
		results[name] = ReloadResult{Outcome: ReloadOutcomeReloaded}
	}
	return results, errors.Join(errs...)
}

// RegisterDependency records that dependent requires dependency, outside
// of what the modules declare themselves. An edge that would close a
// cycle is rejected with ErrCyclicDependency and nothing is recorded.
func (m *Manager) RegisterDependency(dependent, dependency string) error {
	return m.graph.AddEdge(dependent, dependency)
}

// ChangedModules returns the recorded modules whose source fingerprints
// no longer match, sorted.
func (m *Manager) ChangedModules() []string {
	return m.detector.Changed()
}

// GraphSnapshot returns the dependency adjacency, node to sorted
// dependency list.
func (m *Manager) GraphSnapshot() map[string][]string {
	return m.graph.Snapshot()
}

// State returns the module's current state; a name the manager has never
// seen is unloaded.
func (m *Manager) State(name string) ModuleState {
	rec, ok := m.lookup(name)
	if !ok {
		return StateUnloaded
	}
	st, _, _ := rec.snapshot()
	return st
}

// Instance returns the live module instance, if the module currently has
// one.
func (m *Manager) Instance(name string) (Module, bool) {
	rec, ok := m.lookup(name)
	if !ok {
		return nil, false
	}
	_, inst, _ := rec.snapshot()
	if inst == nil {
		return nil, false
	}
	return inst, true
}

// Status returns the externally visible snapshot for one module.
func (m *Manager) Status(name string) (ModuleStatus, bool) {
	rec, ok := m.lookup(name)
	if !ok {
		return ModuleStatus{}, false
	}
	return m.statusOf(rec), true
}

// Modules returns a status snapshot for every module the manager has
// seen, sorted by name.
func (m *Manager) Modules() []ModuleStatus {
	m.mu.RLock()
	recs := make([]*moduleRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	statuses := make([]ModuleStatus, 0, len(recs))
	for _, rec := range recs {
		statuses = append(statuses, m.statusOf(rec))
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

func (m *Manager) statusOf(rec *moduleRecord) ModuleStatus {
	rec.mu.RLock()
	status := ModuleStatus{
		Name:        rec.name,
		State:       rec.state,
		LoadedAt:    rec.loadedAt,
		ReloadCount: rec.reloadCount,
	}
	if rec.lastErr != nil {
		status.Error = rec.lastErr.Error()
	}
	if rec.mctx != nil {
		status.Tasks = rec.mctx.TaskNames()
	}
	rec.mu.RUnlock()

	if src, ok := m.factory.Source(rec.name); ok {
		status.Source = src
	}
	status.Dependencies = m.graph.Dependencies(rec.name)
	status.Dependents = m.graph.Dependents(rec.name)
	return status
}

// Deregister removes all record of an unloaded module: its graph node,
// its fingerprint, and its status history. Active modules must be
// unloaded first.
func (m *Manager) Deregister(name string) error {
	rec, ok := m.lookup(name)
	if ok {
		if !rec.transMu.TryLock() {
			return fmt.Errorf("%w: %q", ErrTransitionInProgress, name)
		}
		defer rec.transMu.Unlock()
		if st, _, _ := rec.snapshot(); st.Active() {
			return fmt.Errorf("%w: %q is %s, unload first", ErrAlreadyLoaded, name, st)
		}
	}
	m.graph.RemoveNode(name)
	m.detector.Forget(name)
	m.mu.Lock()
	delete(m.records, name)
	m.mu.Unlock()
	return nil
}

// Shutdown unloads every active module in reverse dependency order,
// dependents before their dependencies, forcing past dependent checks.
// Failures are collected so every module gets its teardown.
func (m *Manager) Shutdown(ctx context.Context) error {
	order, err := m.graph.TopologicalOrder()
	if err != nil {
		return err
	}
	slices.Reverse(order)

	var errs []error
	for _, name := range order {
		rec, ok := m.lookup(name)
		if !ok {
			continue
		}
		if st, _, _ := rec.snapshot(); !st.Active() {
			continue
		}
		rec.transMu.Lock()
		if err := m.unloadLocked(ctx, rec, true); err != nil {
			errs = append(errs, fmt.Errorf("unloading %q: %w", name, err))
		}
		rec.transMu.Unlock()
	}
	return errors.Join(errs...)
}

// RegisterBusHandlers subscribes the manager's request/response surface:
// module.list_request, module.check_changes and
// module.dependency_graph_request each answer via the reply address on
// the incoming event.
func (m *Manager) RegisterBusHandlers() error {
	handlers := map[string]func() any{
		EventModuleListRequest:  func() any { return map[string]any{"modules": m.Modules()} },
		EventModuleCheckChanges: func() any { return map[string]any{"changed": m.ChangedModules()} },
		EventModuleGraphRequest: func() any { return map[string]any{"graph": m.GraphSnapshot()} },
	}
	for name, build := range handlers {
		build := build
		_, err := m.bus.Subscribe(name, func(ctx context.Context, e Event) error {
			if e.ReplyTo == "" {
				return nil
			}
			return m.bus.Respond(ctx, e, build())
		}, WithOwner(lifecycleSource))
		if err != nil {
			return fmt.Errorf("subscribing %q: %w", name, err)
		}
	}
	return nil
}

// loadLocked runs the load sequence. Caller holds rec.transMu and has
// verified the module is not active.
func (m *Manager) loadLocked(ctx context.Context, rec *moduleRecord) error {
	name := rec.name
	m.setState(ctx, rec, StateLoading, nil)

	mod, err := m.factory.Construct(name)
	if err != nil {
		return m.failTransition(ctx, rec, "load", err)
	}

	m.graph.AddNode(name)
	if da, ok := mod.(DependencyAware); ok {
		for _, dep := range da.Dependencies() {
			if err := m.graph.AddEdge(name, dep); err != nil {
				return m.failTransition(ctx, rec, "load", err)
			}
		}
	}

	cfg := m.configs[name]
	if c, ok := mod.(Configurable); ok {
		if err := c.Configure(cfg); err != nil {
			return m.failTransition(ctx, rec, "load", fmt.Errorf("configuring %q: %w", name, err))
		}
	}
	m.setState(ctx, rec, StateLoaded, nil)

	for _, dep := range m.graph.Dependencies(name) {
		if st := m.State(dep); st != StateReady {
			err := fmt.Errorf("%w: %q requires %q (state %s)", ErrDependencyNotReady, name, dep, st)
			return m.failTransition(ctx, rec, "dependencies", err)
		}
	}

	m.setState(ctx, rec, StateInitializing, nil)
	mc := newModuleContext(context.Background(), name, m.bus, m.logger, cfg)
	if err := mod.Init(ctx, mc); err != nil {
		m.teardownContext(mc)
		wrapped := fmt.Errorf("%w: %w", ErrModuleInit, err)
		return m.failTransition(ctx, rec, "init", wrapped)
	}
	if s, ok := mod.(Startable); ok {
		if err := s.Start(ctx); err != nil {
			m.teardownContext(mc)
			wrapped := fmt.Errorf("%w: %w", ErrModuleInit, fmt.Errorf("starting %q: %w", name, err))
			return m.failTransition(ctx, rec, "init", wrapped)
		}
	}

	if src, ok := m.factory.Source(name); ok {
		if err := m.detector.Record(name, src); err != nil {
			m.logger.Warn("source fingerprint unavailable", "module", name, "error", err)
		}
	}

	rec.mu.Lock()
	rec.instance = mod
	rec.mctx = mc
	rec.lastErr = nil
	rec.loadedAt = time.Now()
	rec.mu.Unlock()
	m.setState(ctx, rec, StateReady, nil)
	m.logger.Info("module ready", "module", name)
	return nil
}

// unloadLocked runs the unload sequence. Caller holds rec.transMu.
func (m *Manager) unloadLocked(ctx context.Context, rec *moduleRecord, force bool) error {
	name := rec.name
	st, inst, mc := rec.snapshot()
	if !st.Active() {
		return fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	if !force {
		if live := m.liveDependents(name); len(live) > 0 {
			return fmt.Errorf("%w: %q is required by %s", ErrHasDependents, name, strings.Join(live, ", "))
		}
	}

	m.setState(ctx, rec, StateUnloading, nil)

	var errs []error
	if stoppable, ok := inst.(Stoppable); ok {
		stopCtx, cancel := context.WithTimeout(ctx, m.teardownTimeout)
		if err := stoppable.Stop(stopCtx); err != nil {
			errs = append(errs, fmt.Errorf("stopping %q: %w", name, err))
		}
		cancel()
	}

	if mc != nil {
		if err := m.teardownContext(mc); err != nil {
			errs = append(errs, err)
		}
	}

	// Cleanup runs regardless of hook failures so the old instance
	// never lingers half-attached.
	m.detector.Forget(name)
	m.graph.ClearDependencies(name)

	rec.mu.Lock()
	rec.instance = nil
	rec.mctx = nil
	rec.mu.Unlock()

	if err := errors.Join(errs...); err != nil {
		return m.failTransition(ctx, rec, "unload", err)
	}
	m.setState(ctx, rec, StateUnloaded, nil)
	m.logger.Info("module unloaded", "module", name)
	return nil
}

// reloadLocked runs unload then load under one transition hold so no
// other caller can interleave. The reload counter survives both halves
// and increments only when the new instance reaches ready. Force always
// rebuilds; without it an unchanged source fingerprint short-circuits
// with skipped true. waiveDependents lets full sweeps skip the dependent
// check, since they rebuild dependents too.
func (m *Manager) reloadLocked(ctx context.Context, rec *moduleRecord, force, waiveDependents bool) (bool, error) {
	name := rec.name
	st, _, _ := rec.snapshot()
	if !st.Active() {
		return false, fmt.Errorf("%w: %q", ErrNotLoaded, name)
	}
	if !force && !waiveDependents {
		if live := m.liveDependents(name); len(live) > 0 {
			return false, fmt.Errorf("%w: %q is required by %s", ErrHasDependents, name, strings.Join(live, ", "))
		}
	}
	if !force && st != StateError {
		if _, hasSource := m.factory.Source(name); hasSource {
			if changed, err := m.detector.HasChanged(name); err == nil && !changed {
				m.logger.Debug("reload skipped, source unchanged", "module", name)
				return true, nil
			}
		}
	}

	m.publishModuleEvent(ctx, EventModuleReloading, name, nil)
	if err := m.unloadLocked(ctx, rec, true); err != nil {
		m.publishModuleEvent(ctx, EventModuleReloadError, name, map[string]any{"error": err.Error()})
		return false, err
	}
	if err := m.loadLocked(ctx, rec); err != nil {
		m.publishModuleEvent(ctx, EventModuleReloadError, name, map[string]any{"error": err.Error()})
		return false, err
	}

	rec.mu.Lock()
	rec.reloadCount++
	count := rec.reloadCount
	rec.mu.Unlock()
	m.publishModuleEvent(ctx, EventModuleReloaded, name, map[string]any{"reloads": count})
	return false, nil
}

// liveDependents returns the dependents of name that are currently ready.
func (m *Manager) liveDependents(name string) []string {
	live := make([]string, 0, 2)
	for _, dep := range m.graph.Dependents(name) {
		if m.State(dep) == StateReady {
			live = append(live, dep)
		}
	}
	return live
}

func (m *Manager) teardownContext(mc *ModuleContext) error {
	tdCtx, cancel := context.WithTimeout(context.Background(), m.teardownTimeout)
	defer cancel()
	return mc.teardown(tdCtx)
}

// failTransition parks the module in the error state, publishes
// module.error, and returns err for the caller to propagate.
func (m *Manager) failTransition(ctx context.Context, rec *moduleRecord, phase string, err error) error {
	rec.mu.Lock()
	rec.state = StateError
	rec.lastErr = err
	rec.mu.Unlock()
	m.logger.Error("module transition failed", "module", rec.name, "phase", phase, "error", err)
	m.publishModuleEvent(ctx, EventModuleError, rec.name, map[string]any{
		"phase": phase,
		"error": err.Error(),
	})
	return err
}

// setState records the state and publishes its lifecycle event.
func (m *Manager) setState(ctx context.Context, rec *moduleRecord, state ModuleState, extra map[string]any) {
	rec.mu.Lock()
	rec.state = state
	rec.mu.Unlock()
	m.publishModuleEvent(ctx, stateEvent(state), rec.name, extra)
}

func stateEvent(state ModuleState) string {
	switch state {
	case StateLoading:
		return EventModuleLoading
	case StateLoaded:
		return EventModuleLoaded
	case StateInitializing:
		return EventModuleInitializing
	case StateReady:
		return EventModuleReady
	case StateUnloading:
		return EventModuleUnloading
	case StateUnloaded:
		return EventModuleUnloaded
	default:
		return EventModuleError
	}
}

func (m *Manager) publishModuleEvent(ctx context.Context, event, module string, extra map[string]any) {
	payload := make(map[string]any, len(extra)+1)
	if module != "" {
		payload["module"] = module
	}
	for k, v := range extra {
		payload[k] = v
	}
	err := m.bus.Publish(ctx, Event{
		Name:    event,
		Payload: payload,
		Source:  lifecycleSource,
	})
	if err != nil && !errors.Is(err, ErrBusNotStarted) {
		m.logger.Warn("lifecycle event not published", "event", event, "error", err)
	}
}
