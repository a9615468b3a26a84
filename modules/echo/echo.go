// Package echo is a built-in module that answers echo.request events
// with their own payload. It exercises the request/response path end to
// end and doubles as a liveness probe for the bus.
package echo

import (
	"context"
	"sync/atomic"

	"github.com/GoCodeAlone/modhost"
)

// RequestEvent is the event name the module answers.
const RequestEvent = "echo.request"

// Module mirrors request payloads back to their callers.
type Module struct {
	answered atomic.Uint64
}

// New returns the module.
func New() *Module { return &Module{} }

func (m *Module) Name() string { return "echo" }

// Answered returns how many requests this instance has answered. The
// counter starts at zero on every load.
func (m *Module) Answered() uint64 { return m.answered.Load() }

func (m *Module) Init(_ context.Context, mc *modhost.ModuleContext) error {
	_, err := mc.Subscribe(RequestEvent, func(ctx context.Context, e modhost.Event) error {
		if e.ReplyTo == "" {
			return nil
		}
		n := m.answered.Add(1)
		return mc.Respond(ctx, e, map[string]any{
			"echo":     e.Payload,
			"answered": n,
			"from":     e.Source,
		})
	})
	return err
}
