package modhost

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cucumber/godog"
)

func TestModuleLifecycleFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: initializeLifecycleScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}

type lifecycleWorld struct {
	bus      *EventBus
	factory  *StaticFactory
	manager  *Manager
	recorder *eventRecorder
	sources  map[string]string
	tmpDir   string
	lastErr  error
}

func initializeLifecycleScenario(ctx *godog.ScenarioContext) {
	w := &lifecycleWorld{}

	ctx.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
		*w = lifecycleWorld{sources: make(map[string]string)}
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if w.bus != nil {
			stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			_ = w.bus.Stop(stopCtx)
		}
		if w.tmpDir != "" {
			_ = os.RemoveAll(w.tmpDir)
		}
		return ctx, err
	})

	ctx.Step(`^a running module host$`, w.aRunningModuleHost)
	ctx.Step(`^a module named "([^"]*)" is registered$`, w.aModuleIsRegistered)
	ctx.Step(`^a module named "([^"]*)" is registered whose initialization fails$`, w.aFailingModuleIsRegistered)
	ctx.Step(`^a module named "([^"]*)" is registered depending on "([^"]*)"$`, w.aDependentModuleIsRegistered)
	ctx.Step(`^a module named "([^"]*)" is registered with a source file$`, w.aModuleWithSourceIsRegistered)
	ctx.Step(`^the module "([^"]*)" is loaded$`, w.theModuleIsLoaded)
	ctx.Step(`^I load the module "([^"]*)"$`, w.theModuleIsLoaded)
	ctx.Step(`^I try to load the module "([^"]*)"$`, w.iTryToLoadTheModule)
	ctx.Step(`^I try to unload the module "([^"]*)"$`, w.iTryToUnloadTheModule)
	ctx.Step(`^I force unload the module "([^"]*)"$`, w.iForceUnloadTheModule)
	ctx.Step(`^I reload the module "([^"]*)"$`, w.iReloadTheModule)
	ctx.Step(`^I force reload the module "([^"]*)"$`, w.iForceReloadTheModule)
	ctx.Step(`^the source file of "([^"]*)" changes$`, w.theSourceFileChanges)
	ctx.Step(`^the module "([^"]*)" should be in state "([^"]*)"$`, w.theModuleShouldBeInState)
	ctx.Step(`^the module "([^"]*)" should have reload count (\d+)$`, w.theModuleShouldHaveReloadCount)
	ctx.Step(`^the load should fail$`, w.theLoadShouldFail)
	ctx.Step(`^the unload should be refused because of dependents$`, w.theUnloadShouldBeRefused)
	ctx.Step(`^the lifecycle events for "([^"]*)" should be:$`, w.theLifecycleEventsShouldBe)
}

func (w *lifecycleWorld) aRunningModuleHost() error {
	w.bus = NewEventBus()
	if err := w.bus.Start(context.Background()); err != nil {
		return err
	}
	w.recorder = &eventRecorder{}
	if _, err := w.bus.Subscribe("module.*", w.recorder.handler); err != nil {
		return err
	}
	w.factory = NewStaticFactory()
	w.manager = NewManager(w.bus, w.factory)
	return nil
}

func (w *lifecycleWorld) register(name string, deps []string, initErr error, source string) error {
	return w.factory.Register(name, source, func() (Module, error) {
		return &fakeModule{name: name, deps: deps, initErr: initErr}, nil
	})
}

func (w *lifecycleWorld) aModuleIsRegistered(name string) error {
	return w.register(name, nil, nil, "")
}

func (w *lifecycleWorld) aFailingModuleIsRegistered(name string) error {
	return w.register(name, nil, errors.New("init refused"), "")
}

func (w *lifecycleWorld) aDependentModuleIsRegistered(name, dependency string) error {
	return w.register(name, []string{dependency}, nil, "")
}

func (w *lifecycleWorld) aModuleWithSourceIsRegistered(name string) error {
	if w.tmpDir == "" {
		dir, err := os.MkdirTemp("", "modhost-bdd-")
		if err != nil {
			return err
		}
		w.tmpDir = dir
	}
	source := filepath.Join(w.tmpDir, name+".conf")
	if err := os.WriteFile(source, []byte("rev 1"), 0o644); err != nil {
		return err
	}
	w.sources[name] = source
	return w.register(name, nil, nil, source)
}

func (w *lifecycleWorld) theModuleIsLoaded(name string) error {
	return w.manager.Load(context.Background(), name)
}

func (w *lifecycleWorld) iTryToLoadTheModule(name string) error {
	w.lastErr = w.manager.Load(context.Background(), name)
	return nil
}

func (w *lifecycleWorld) iTryToUnloadTheModule(name string) error {
	w.lastErr = w.manager.Unload(context.Background(), name, false)
	return nil
}

func (w *lifecycleWorld) iForceUnloadTheModule(name string) error {
	return w.manager.Unload(context.Background(), name, true)
}

func (w *lifecycleWorld) iReloadTheModule(name string) error {
	return w.manager.Reload(context.Background(), name, false)
}

func (w *lifecycleWorld) iForceReloadTheModule(name string) error {
	return w.manager.Reload(context.Background(), name, true)
}

func (w *lifecycleWorld) theSourceFileChanges(name string) error {
	source, ok := w.sources[name]
	if !ok {
		return fmt.Errorf("module %q has no source file", name)
	}
	return os.WriteFile(source, []byte("rev 2"), 0o644)
}

func (w *lifecycleWorld) theModuleShouldBeInState(name, state string) error {
	if got := w.manager.State(name); got != ModuleState(state) {
		return fmt.Errorf("module %q is %s, want %s", name, got, state)
	}
	return nil
}

func (w *lifecycleWorld) theModuleShouldHaveReloadCount(name string, want int) error {
	status, ok := w.manager.Status(name)
	if !ok {
		return fmt.Errorf("module %q has no status", name)
	}
	if status.ReloadCount != want {
		return fmt.Errorf("module %q has reload count %d, want %d", name, status.ReloadCount, want)
	}
	return nil
}

func (w *lifecycleWorld) theLoadShouldFail() error {
	if w.lastErr == nil {
		return errors.New("expected the load to fail, it succeeded")
	}
	return nil
}

func (w *lifecycleWorld) theUnloadShouldBeRefused() error {
	if !errors.Is(w.lastErr, ErrHasDependents) {
		return fmt.Errorf("expected a dependents refusal, got %v", w.lastErr)
	}
	return nil
}

func (w *lifecycleWorld) theLifecycleEventsShouldBe(name string, table *godog.Table) error {
	got := w.recorder.names(name)
	if len(got) != len(table.Rows) {
		return fmt.Errorf("recorded %d events %v, want %d", len(got), got, len(table.Rows))
	}
	for i, row := range table.Rows {
		want := row.Cells[0].Value
		if got[i] != want {
			return fmt.Errorf("event %d is %q, want %q", i, got[i], want)
		}
	}
	return nil
}
