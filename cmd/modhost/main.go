// Command modhost runs the module host: an event bus with optional Redis
// distribution, a lifecycle manager with change detection and auto
// reload, background workers, and an HTTP/WebSocket control surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/modules/echo"
	"github.com/GoCodeAlone/modhost/modules/sysinfo"
	"github.com/GoCodeAlone/modhost/server"
	"github.com/GoCodeAlone/modhost/worker"
)

const version = "0.3.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "modhost:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "path to a YAML or TOML config file")
		addr        = flag.String("addr", "", "listen address, overrides the config")
		redisURL    = flag.String("redis", "", "redis url, overrides the config and enables distribution")
		showVersion = flag.Bool("version", false, "print the version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println("modhost", version)
		return nil
	}

	cfg, err := modhost.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *redisURL != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.URL = *redisURL
	}

	slogger := cfg.Log.NewLogger()
	slog.SetDefault(slogger)
	logger := modhost.NewSlogLogger(slogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := modhost.NewEventBus(
		modhost.WithBusLogger(logger),
		modhost.WithAsyncBufferSize(cfg.Bus.AsyncBufferSize),
		modhost.WithRequestTimeout(cfg.Bus.RequestTimeout.Std()),
	)
	if cfg.Redis.Enabled {
		transport, err := modhost.NewRedisTransport(cfg.Redis.URL, bus.NodeID(),
			modhost.WithChannelPrefix(cfg.Redis.ChannelPrefix),
			modhost.WithRedisLogger(logger),
		)
		if err != nil {
			logger.Warn("redis transport not configured, running local-only", "error", err)
		} else {
			bus.AttachTransport(transport)
		}
	}
	if err := bus.Start(ctx); err != nil {
		logger.Warn("distributed transport unavailable, running local-only", "error", err)
		bus.AttachTransport(nil)
		if err := bus.Start(ctx); err != nil {
			return fmt.Errorf("starting event bus: %w", err)
		}
	}
	logger.Info("event bus started", "node", bus.NodeID(), "distributed", bus.Distributed())

	factory := modhost.NewStaticFactory()
	factory.MustRegister("sysinfo", cfg.Modules.Sources["sysinfo"], func() (modhost.Module, error) {
		return sysinfo.New(), nil
	})
	factory.MustRegister("echo", cfg.Modules.Sources["echo"], func() (modhost.Module, error) {
		return echo.New(), nil
	})

	manager := modhost.NewManager(bus, factory,
		modhost.WithManagerLogger(logger),
		modhost.WithModuleConfigs(cfg.Modules.Config),
		modhost.WithTeardownTimeout(cfg.Modules.TeardownTimeout.Std()),
	)
	if err := manager.RegisterBusHandlers(); err != nil {
		return fmt.Errorf("registering lifecycle handlers: %w", err)
	}
	for _, name := range cfg.Modules.Autoload {
		if err := manager.Load(ctx, name); err != nil {
			logger.Error("autoload failed", "module", name, "error", err)
		}
	}

	workers := worker.NewManager(bus, worker.WithLogger(logger))
	startedAt := time.Now()
	if hb := cfg.Workers.Heartbeat.Std(); hb > 0 {
		err := workers.RegisterInterval("heartbeat", hb, func(ctx context.Context) error {
			return bus.Publish(ctx, modhost.Event{
				Name:   modhost.EventSystemHeartbeat,
				Source: "workers",
				Payload: map[string]any{
					"node":   bus.NodeID(),
					"uptime": time.Since(startedAt).Round(time.Second).String(),
				},
			})
		})
		if err != nil {
			return err
		}
	}
	if spec := cfg.Workers.ChangeScanCron; spec != "" {
		err := workers.RegisterCron("change-scan", spec, func(ctx context.Context) error {
			results, err := manager.AutoReload(ctx)
			if len(results) > 0 {
				logger.Info("change scan reloaded modules", "count", len(results))
			}
			return err
		})
		if err != nil {
			return err
		}
	}
	if err := workers.Start(ctx); err != nil {
		return fmt.Errorf("starting workers: %w", err)
	}

	var watcher *modhost.SourceWatcher
	if cfg.Watcher.Enabled {
		watcher, err = modhost.NewSourceWatcher(manager,
			modhost.WithWatcherLogger(logger),
			modhost.WithDebounce(cfg.Watcher.Debounce.Std()),
		)
		if err != nil {
			return err
		}
		if err := watcher.WatchModuleSources(factory); err != nil {
			logger.Warn("not all module sources watchable", "error", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		srv = server.New(cfg.Server, bus, manager,
			server.WithWorkers(workers),
			server.WithServerLogger(logger),
		)
		if err := srv.Start(ctx); err != nil {
			return err
		}
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return shutdown(cfg, logger, srv, watcher, workers, manager, bus)
}

// shutdown tears the stack down in reverse of startup order so nothing
// publishes to a stopped bus.
func shutdown(cfg *modhost.Config, logger modhost.Logger, srv *server.Server,
	watcher *modhost.SourceWatcher, workers *worker.Manager,
	manager *modhost.Manager, bus *modhost.EventBus) error {

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	var errs []error
	if srv != nil {
		if err := srv.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if watcher != nil {
		if err := watcher.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := workers.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := manager.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := bus.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, err := range errs {
		logger.Error("shutdown step failed", "error", err)
	}
	return errors.Join(errs...)
}
