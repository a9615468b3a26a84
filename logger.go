package modhost

import "log/slog"

// Logger defines the logging interface used throughout the host runtime.
// Messages are accompanied by alternating key/value pairs, compatible with
// log/slog attribute conventions:
//
//	logger.Info("module ready", "module", name, "reloadCount", count)
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
type SlogLogger struct {
	base *slog.Logger
}

// NewSlogLogger wraps the given slog logger. A nil argument wraps
// slog.Default().
func NewSlogLogger(base *slog.Logger) *SlogLogger {
	if base == nil {
		base = slog.Default()
	}
	return &SlogLogger{base: base}
}

func (l *SlogLogger) Debug(msg string, args ...any) { l.base.Debug(msg, args...) }
func (l *SlogLogger) Info(msg string, args ...any)  { l.base.Info(msg, args...) }
func (l *SlogLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, args...) }
func (l *SlogLogger) Error(msg string, args ...any) { l.base.Error(msg, args...) }

// NopLogger discards everything. Useful as a default when no logger is
// configured and in tests.
type NopLogger struct{}

func (NopLogger) Debug(string, ...any) {}
func (NopLogger) Info(string, ...any)  {}
func (NopLogger) Warn(string, ...any)  {}
func (NopLogger) Error(string, ...any) {}
