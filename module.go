package modhost

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Module is the unit of hot-loadable behavior. Name must be stable across
// reloads; Init is called once per load with a context that is cancelled
// when the module unloads.
type Module interface {
	Name() string
	Init(ctx context.Context, mc *ModuleContext) error
}

// DependencyAware modules declare the modules that must be ready before
// their own Init runs. The lifecycle manager records the edges and
// rejects any that would close a cycle.
type DependencyAware interface {
	Dependencies() []string
}

// Configurable modules receive their config section before Init.
type Configurable interface {
	Configure(cfg map[string]any) error
}

// Startable modules get a Start call after Init succeeds, once the module
// is ready.
type Startable interface {
	Start(ctx context.Context) error
}

// Stoppable modules get a Stop call during unload, before their context
// is cancelled, so they can finish in-flight work cleanly.
type Stoppable interface {
	Stop(ctx context.Context) error
}

// ModuleContext is a module's handle to the host: bus access scoped to the
// module, its config section, a logger, and task spawning tied to the
// module's lifetime. Subscriptions made through it are owner-tagged and
// removed automatically at unload.
type ModuleContext struct {
	moduleName string
	bus        *EventBus
	logger     Logger
	config     map[string]any

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks sync.WaitGroup
	names []string
}

func newModuleContext(parent context.Context, name string, bus *EventBus, logger Logger, config map[string]any) *ModuleContext {
	ctx, cancel := context.WithCancel(parent)
	return &ModuleContext{
		moduleName: name,
		bus:        bus,
		logger:     logger,
		config:     config,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// ModuleName returns the owning module's name.
func (mc *ModuleContext) ModuleName() string { return mc.moduleName }

// Logger returns a logger for the module.
func (mc *ModuleContext) Logger() Logger { return mc.logger }

// Config returns the module's config section, which may be nil.
func (mc *ModuleContext) Config() map[string]any { return mc.config }

// Context returns the module's lifetime context. It is cancelled when the
// module unloads; every goroutine the module starts must observe it.
func (mc *ModuleContext) Context() context.Context { return mc.ctx }

// Publish publishes an event with the module recorded as source.
func (mc *ModuleContext) Publish(ctx context.Context, event Event) error {
	if event.Source == "" {
		event.Source = mc.moduleName
	}
	return mc.bus.Publish(ctx, event)
}

// Request performs a request/response exchange on the bus.
func (mc *ModuleContext) Request(ctx context.Context, event Event, timeout time.Duration) (Event, error) {
	if event.Source == "" {
		event.Source = mc.moduleName
	}
	return mc.bus.Request(ctx, event, timeout)
}

// Respond publishes the correlated response to a request event.
func (mc *ModuleContext) Respond(ctx context.Context, request Event, payload any) error {
	return mc.bus.Respond(ctx, request, payload)
}

// Subscribe registers an owner-tagged subscription. It is removed
// automatically when the module unloads; the returned id allows earlier
// removal via Unsubscribe.
func (mc *ModuleContext) Subscribe(pattern string, handler EventHandler, opts ...SubscribeOption) (string, error) {
	opts = append(opts, WithOwner(mc.moduleName))
	return mc.bus.Subscribe(pattern, handler, opts...)
}

// Unsubscribe removes a subscription made through this context.
func (mc *ModuleContext) Unsubscribe(id string) {
	mc.bus.Unsubscribe(id)
}

// SpawnTask runs fn on its own goroutine bound to the module's lifetime
// context. fn must return promptly once the context is cancelled; unload
// waits for all spawned tasks before the module is considered released.
// Panics are contained and logged.
func (mc *ModuleContext) SpawnTask(name string, fn func(ctx context.Context)) {
	mc.mu.Lock()
	mc.names = append(mc.names, name)
	mc.mu.Unlock()

	mc.tasks.Add(1)
	go func() {
		defer mc.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				mc.logger.Error("module task panicked",
					"module", mc.moduleName, "task", name, "panic", fmt.Sprintf("%v", r))
			}
		}()
		fn(mc.ctx)
	}()
}

// TaskNames returns the names of every task spawned during this load, in
// spawn order.
func (mc *ModuleContext) TaskNames() []string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return append([]string(nil), mc.names...)
}

// teardown cancels the module context, removes the module's
// subscriptions, and waits for spawned tasks, bounded by ctx.
func (mc *ModuleContext) teardown(ctx context.Context) error {
	mc.cancel()
	mc.bus.UnsubscribeOwned(mc.moduleName)

	done := make(chan struct{})
	go func() {
		mc.tasks.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: module %q tasks still running", ErrTeardownTimeout, mc.moduleName)
	}
}
