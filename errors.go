package modhost

import "errors"

var (
	// Event bus errors
	ErrBusNotStarted      = errors.New("event bus not started")
	ErrBusShutdownTimeout = errors.New("event bus shutdown timed out")
	ErrEmptyEventName     = errors.New("event name cannot be empty")
	ErrHandlerNil         = errors.New("event handler cannot be nil")
	ErrInvalidPattern     = errors.New("invalid subscription pattern")
	ErrRequestTimeout     = errors.New("request timed out")
	ErrNotRequest         = errors.New("event carries no reply address")

	// Lifecycle errors
	ErrAlreadyLoaded        = errors.New("module already loaded")
	ErrNotLoaded            = errors.New("module not loaded")
	ErrHasDependents        = errors.New("module has live dependents")
	ErrTransitionInProgress = errors.New("lifecycle transition already in progress")
	ErrModuleInit           = errors.New("module initialization failed")
	ErrDependencyNotReady   = errors.New("module dependency not ready")
	ErrTeardownTimeout      = errors.New("timed out waiting for background tasks to stop")

	// Dependency graph errors
	ErrCyclicDependency = errors.New("cyclic dependency detected")

	// Module factory errors
	ErrUnknownModule           = errors.New("module not registered")
	ErrModuleAlreadyRegistered = errors.New("module already registered")
	ErrModuleNameMismatch      = errors.New("constructed module name does not match registration")
	ErrNilConstructor          = errors.New("module constructor cannot be nil")

	// Configuration errors
	ErrUnsupportedConfigFormat = errors.New("unsupported config file format")
	ErrInvalidLogLevel         = errors.New("invalid log level")
)
