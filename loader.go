package modhost

import (
	"fmt"
	"sort"
	"sync"
)

// ModuleFactory produces module instances by name. The lifecycle manager
// constructs a fresh instance on every load so a reload observes new
// behavior; Source ties a module to the filesystem path its change
// fingerprint is taken from.
type ModuleFactory interface {
	// Construct returns a new instance of the named module.
	Construct(name string) (Module, error)
	// Has reports whether the factory knows the name.
	Has(name string) bool
	// Source returns the filesystem path backing the module, when one
	// exists. Modules without a source are exempt from change detection.
	Source(name string) (string, bool)
	// Names returns every registered module name, sorted.
	Names() []string
}

type registration struct {
	source    string
	construct func() (Module, error)
}

// StaticFactory is a ModuleFactory backed by compiled-in constructors.
type StaticFactory struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewStaticFactory returns an empty factory.
func NewStaticFactory() *StaticFactory {
	return &StaticFactory{entries: make(map[string]registration)}
}

// Register adds a constructor under name. source may be empty for modules
// with no filesystem backing. Registering a name twice fails with
// ErrModuleAlreadyRegistered.
func (f *StaticFactory) Register(name, source string, construct func() (Module, error)) error {
	if construct == nil {
		return fmt.Errorf("%w: %q", ErrNilConstructor, name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.entries[name]; exists {
		return fmt.Errorf("%w: %q", ErrModuleAlreadyRegistered, name)
	}
	f.entries[name] = registration{source: source, construct: construct}
	return nil
}

// MustRegister is Register that panics on error, for wiring done at
// program start.
func (f *StaticFactory) MustRegister(name, source string, construct func() (Module, error)) {
	if err := f.Register(name, source, construct); err != nil {
		panic(err)
	}
}

// Construct builds a fresh instance and verifies the instance agrees
// about its own name.
func (f *StaticFactory) Construct(name string) (Module, error) {
	f.mu.RLock()
	entry, ok := f.entries[name]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModule, name)
	}
	mod, err := entry.construct()
	if err != nil {
		return nil, fmt.Errorf("constructing module %q: %w", name, err)
	}
	if mod.Name() != name {
		return nil, fmt.Errorf("%w: registered %q, instance says %q", ErrModuleNameMismatch, name, mod.Name())
	}
	return mod, nil
}

// Has reports whether name is registered.
func (f *StaticFactory) Has(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.entries[name]
	return ok
}

// Source returns the registered source path for name.
func (f *StaticFactory) Source(name string) (string, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	entry, ok := f.entries[name]
	if !ok || entry.source == "" {
		return "", false
	}
	return entry.source, true
}

// Names returns all registered names, sorted.
func (f *StaticFactory) Names() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	names := make([]string, 0, len(f.entries))
	for name := range f.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
