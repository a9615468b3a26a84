// Package server exposes the module host over HTTP: a REST control
// surface for the lifecycle manager, a WebSocket bridge onto the event
// bus, and Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/worker"
)

// Server is the HTTP control surface.
type Server struct {
	cfg     modhost.ServerConfig
	bus     *modhost.EventBus
	manager *modhost.Manager
	workers *worker.Manager
	logger  modhost.Logger
	hub     *Hub
	metrics *Metrics

	httpServer *http.Server
	boundAddr  string
	startedAt  time.Time
}

// Option customises a Server.
type Option func(*Server)

// WithWorkers exposes worker statuses and metrics.
func WithWorkers(w *worker.Manager) Option {
	return func(s *Server) { s.workers = w }
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger modhost.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// New builds the server. Call Start to begin listening.
func New(cfg modhost.ServerConfig, bus *modhost.EventBus, manager *modhost.Manager, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg,
		bus:     bus,
		manager: manager,
		logger:  modhost.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.hub = NewHub(bus, s.logger)
	s.metrics = NewMetrics(bus, manager, s.workers)
	return s
}

// Hub returns the WebSocket hub, available once New returns.
func (s *Server) Hub() *Hub { return s.hub }

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/ws", s.hub.Handle)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Get("/modules", s.handleModules)
		r.Route("/modules/{name}", func(r chi.Router) {
			r.Get("/", s.handleModule)
			r.Post("/load", s.handleLoad)
			r.Post("/unload", s.handleUnload)
			r.Post("/reload", s.handleReload)
		})
		r.Post("/reload-all", s.handleReloadAll)
		r.Get("/changes", s.handleChanges)
		r.Post("/auto-reload", s.handleAutoReload)
		r.Get("/dependency-graph", s.handleGraph)
		r.Get("/workers", s.handleWorkers)
	})
	return r
}

// Start binds the listener, wires the hub, and serves in the background.
// A bind failure is returned synchronously.
func (s *Server) Start(ctx context.Context) error {
	if err := s.hub.Start(); err != nil {
		return fmt.Errorf("starting websocket hub: %w", err)
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("binding %s: %w", s.cfg.Addr, err)
	}
	s.httpServer = &http.Server{
		Handler:      s.Routes(),
		ReadTimeout:  s.cfg.ReadTimeout.Std(),
		WriteTimeout: s.cfg.WriteTimeout.Std(),
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.boundAddr = listener.Addr().String()
	s.startedAt = time.Now()
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
		}
	}()
	s.logger.Info("http server listening", "addr", s.boundAddr)
	return nil
}

// Addr returns the bound address, valid after Start. Useful when the
// configured address picks an ephemeral port.
func (s *Server) Addr() string {
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return s.cfg.Addr
}

// Stop drains in-flight requests bounded by ctx and disconnects
// WebSocket clients.
func (s *Server) Stop(ctx context.Context) error {
	s.hub.Stop()
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	states := make(map[string]int)
	for _, mod := range s.manager.Modules() {
		states[mod.State.String()]++
	}
	payload := map[string]any{
		"node":        s.bus.NodeID(),
		"distributed": s.bus.Distributed(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
		"bus":         s.bus.Stats(),
		"modules":     states,
		"wsClients":   s.hub.ClientCount(),
	}
	if s.workers != nil {
		payload["workers"] = len(s.workers.Statuses())
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleModules(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"modules": s.manager.Modules()})
}

func (s *Server) handleModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	status, ok := s.manager.Status(name)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %q", modhost.ErrUnknownModule, name))
		return
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.Load(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"module": name,
		"state":  s.manager.State(name),
	})
}

func (s *Server) handleUnload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.Unload(r.Context(), name, forceParam(r)); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"module": name,
		"state":  s.manager.State(name),
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.manager.Reload(r.Context(), name, forceParam(r)); err != nil {
		s.writeError(w, err)
		return
	}
	status, _ := s.manager.Status(name)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"module":  name,
		"state":   status.State,
		"reloads": status.ReloadCount,
	})
}

func (s *Server) handleReloadAll(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.ReloadAll(r.Context(), forceParam(r))
	if results == nil && err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleChanges(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"changed": s.manager.ChangedModules()})
}

func (s *Server) handleAutoReload(w http.ResponseWriter, r *http.Request) {
	results, err := s.manager.AutoReload(r.Context())
	if results == nil && err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = map[string]modhost.ReloadResult{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (s *Server) handleGraph(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"graph": s.manager.GraphSnapshot()})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.workers == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"workers": []worker.Status{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": s.workers.Statuses()})
}

func forceParam(r *http.Request) bool {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	return force
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, httpStatusFor(err), map[string]any{"error": err.Error()})
}

// httpStatusFor maps lifecycle errors onto HTTP statuses.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, modhost.ErrUnknownModule), errors.Is(err, modhost.ErrNotLoaded):
		return http.StatusNotFound
	case errors.Is(err, modhost.ErrAlreadyLoaded),
		errors.Is(err, modhost.ErrHasDependents),
		errors.Is(err, modhost.ErrTransitionInProgress),
		errors.Is(err, modhost.ErrCyclicDependency),
		errors.Is(err, modhost.ErrDependencyNotReady):
		return http.StatusConflict
	case errors.Is(err, modhost.ErrInvalidPattern):
		return http.StatusBadRequest
	case errors.Is(err, modhost.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
