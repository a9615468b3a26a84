package modhost

// ModuleState names a stage in a module's lifecycle. Transitions:
//
//	unloaded -> loading -> loaded -> initializing -> ready
//	ready    -> unloading -> unloaded
//	loading | initializing -> error
//	error    -> unloading -> unloaded   (cleanup before a retry)
type ModuleState string

const (
	StateUnloaded     ModuleState = "unloaded"
	StateLoading      ModuleState = "loading"
	StateLoaded       ModuleState = "loaded"
	StateInitializing ModuleState = "initializing"
	StateReady        ModuleState = "ready"
	StateError        ModuleState = "error"
	StateUnloading    ModuleState = "unloading"
)

// Active reports whether the module currently holds resources that an
// unload would release.
func (s ModuleState) Active() bool {
	switch s {
	case StateLoaded, StateInitializing, StateReady, StateError:
		return true
	}
	return false
}

// Transitional reports whether the state is an in-flight stage rather
// than a resting one.
func (s ModuleState) Transitional() bool {
	switch s {
	case StateLoading, StateInitializing, StateUnloading:
		return true
	}
	return false
}

func (s ModuleState) String() string { return string(s) }
