// Package sysinfo is a built-in module that publishes process metrics on
// a fixed interval and answers system.status_request on demand.
package sysinfo

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/GoCodeAlone/modhost"
)

const defaultInterval = 10 * time.Second

// Module publishes system.metrics snapshots.
type Module struct {
	interval time.Duration
	started  time.Time
}

// New returns the module with its default interval.
func New() *Module {
	return &Module{interval: defaultInterval}
}

func (m *Module) Name() string { return "sysinfo" }

// Configure accepts {"interval": "30s"}.
func (m *Module) Configure(cfg map[string]any) error {
	raw, ok := cfg["interval"]
	if !ok {
		return nil
	}
	str, ok := raw.(string)
	if !ok {
		return fmt.Errorf("interval must be a duration string, got %T", raw)
	}
	parsed, err := time.ParseDuration(str)
	if err != nil {
		return fmt.Errorf("parsing interval: %w", err)
	}
	if parsed <= 0 {
		return fmt.Errorf("interval must be positive, got %s", parsed)
	}
	m.interval = parsed
	return nil
}

// Init answers status requests and starts the periodic publisher.
func (m *Module) Init(_ context.Context, mc *modhost.ModuleContext) error {
	m.started = time.Now()

	_, err := mc.Subscribe(modhost.EventSystemStatusRequest, func(ctx context.Context, e modhost.Event) error {
		if e.ReplyTo == "" {
			return nil
		}
		return mc.Respond(ctx, e, m.snapshot())
	})
	if err != nil {
		return err
	}

	mc.SpawnTask("metrics-publisher", func(ctx context.Context) {
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := mc.Publish(ctx, modhost.Event{
					Name:    modhost.EventSystemMetrics,
					Payload: m.snapshot(),
				})
				if err != nil {
					mc.Logger().Debug("metrics publish failed", "error", err)
				}
			}
		}
	})
	return nil
}

func (m *Module) snapshot() map[string]any {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return map[string]any{
		"goroutines":   runtime.NumGoroutine(),
		"cpus":         runtime.NumCPU(),
		"go":           runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"heapAlloc":    mem.HeapAlloc,
		"heapSys":      mem.HeapSys,
		"gcCycles":     mem.NumGC,
		"uptimeSecs":   int64(time.Since(m.started).Seconds()),
		"collectedAt":  time.Now().UTC().Format(time.RFC3339),
		"pollInterval": m.interval.String(),
	}
}
