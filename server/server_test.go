package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/worker"
)

// testModule is a minimal ready-on-init module for exercising the API.
type testModule struct {
	name string
	deps []string
}

func (m *testModule) Name() string { return m.name }

func (m *testModule) Init(context.Context, *modhost.ModuleContext) error { return nil }

func (m *testModule) Dependencies() []string { return m.deps }

type fixture struct {
	bus     *modhost.EventBus
	manager *modhost.Manager
	server  *Server
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := modhost.NewEventBus()
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	factory := modhost.NewStaticFactory()
	factory.MustRegister("alpha", "", func() (modhost.Module, error) {
		return &testModule{name: "alpha"}, nil
	})
	factory.MustRegister("beta", "", func() (modhost.Module, error) {
		return &testModule{name: "beta", deps: []string{"alpha"}}, nil
	})
	manager := modhost.NewManager(bus, factory)

	workers := worker.NewManager(bus)
	require.NoError(t, workers.RegisterInterval("noop", time.Hour, func(context.Context) error { return nil }))
	require.NoError(t, workers.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = workers.Stop(ctx)
	})

	srv := New(modhost.ServerConfig{Addr: "127.0.0.1:0"}, bus, manager, WithWorkers(workers))
	require.NoError(t, srv.Hub().Start())
	t.Cleanup(srv.Hub().Stop)

	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return &fixture{bus: bus, manager: manager, server: srv, http: ts}
}

func (f *fixture) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func (f *fixture) post(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.http.URL+path, "application/json", nil)
	require.NoError(t, err)
	return decodeBody(t, resp)
}

func decodeBody(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	code, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t)
	code, body := f.get(t, "/api/status")
	require.Equal(t, http.StatusOK, code)
	assert.NotEmpty(t, body["node"])
	assert.Equal(t, false, body["distributed"])
	assert.Contains(t, body, "bus")
	assert.Equal(t, float64(1), body["workers"])
}

func TestModuleLifecycleOverHTTP(t *testing.T) {
	f := newFixture(t)

	code, body := f.post(t, "/api/modules/alpha/load")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body["state"])

	// Loading again conflicts.
	code, body = f.post(t, "/api/modules/alpha/load")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "already loaded")

	code, body = f.get(t, "/api/modules/alpha/")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "alpha", body["name"])
	assert.Equal(t, "ready", body["state"])

	code, body = f.get(t, "/api/modules")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["modules"], 1)

	code, body = f.post(t, "/api/modules/alpha/reload?force=true")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["reloads"])

	code, _ = f.post(t, "/api/modules/alpha/unload")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, modhost.StateUnloaded, f.manager.State("alpha"))
}

func TestUnloadWithDependentsConflicts(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Load(context.Background(), "alpha"))
	require.NoError(t, f.manager.Load(context.Background(), "beta"))

	code, body := f.post(t, "/api/modules/alpha/unload")
	assert.Equal(t, http.StatusConflict, code)
	assert.Contains(t, body["error"], "beta")

	code, _ = f.post(t, "/api/modules/alpha/unload?force=true")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, modhost.StateReady, f.manager.State("beta"))
}

func TestUnknownModuleIsNotFound(t *testing.T) {
	f := newFixture(t)

	code, _ := f.post(t, "/api/modules/ghost/load")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.get(t, "/api/modules/ghost/")
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.post(t, "/api/modules/ghost/unload")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestChangesAndGraphEndpoints(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Load(context.Background(), "alpha"))
	require.NoError(t, f.manager.Load(context.Background(), "beta"))

	code, body := f.get(t, "/api/changes")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["changed"])

	code, body = f.get(t, "/api/dependency-graph")
	require.Equal(t, http.StatusOK, code)
	graph := body["graph"].(map[string]any)
	assert.Equal(t, []any{"alpha"}, graph["beta"])

	code, body = f.post(t, "/api/auto-reload")
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, body["results"])
}

func TestReloadAllEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Load(context.Background(), "alpha"))

	code, body := f.post(t, "/api/reload-all")
	require.Equal(t, http.StatusOK, code)
	results := body["results"].(map[string]any)
	require.Contains(t, results, "alpha")
	assert.Equal(t, string(modhost.ReloadOutcomeReloaded), results["alpha"].(map[string]any)["outcome"])

	status, _ := f.manager.Status("alpha")
	require.Equal(t, 1, status.ReloadCount)

	code, body = f.post(t, "/api/reload-all?force=true")
	require.Equal(t, http.StatusOK, code)
	results = body["results"].(map[string]any)
	assert.Equal(t, string(modhost.ReloadOutcomeReloaded), results["alpha"].(map[string]any)["outcome"])

	status, _ = f.manager.Status("alpha")
	assert.Equal(t, 2, status.ReloadCount, "force sweeps the module again")
}

func TestWorkersEndpoint(t *testing.T) {
	f := newFixture(t)
	code, body := f.get(t, "/api/workers")
	require.Equal(t, http.StatusOK, code)
	workers := body["workers"].([]any)
	require.Len(t, workers, 1)
	assert.Equal(t, "noop", workers[0].(map[string]any)["name"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.manager.Load(context.Background(), "alpha"))

	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(raw)
	assert.Contains(t, text, "modhost_bus_events_published_total")
	assert.Contains(t, text, `modhost_module_state{module="alpha",state="ready"} 1`)
	assert.Contains(t, text, `modhost_worker_running{worker="noop"} 1`)
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{modhost.ErrUnknownModule, http.StatusNotFound},
		{modhost.ErrNotLoaded, http.StatusNotFound},
		{modhost.ErrAlreadyLoaded, http.StatusConflict},
		{modhost.ErrHasDependents, http.StatusConflict},
		{modhost.ErrTransitionInProgress, http.StatusConflict},
		{modhost.ErrCyclicDependency, http.StatusConflict},
		{modhost.ErrInvalidPattern, http.StatusBadRequest},
		{modhost.ErrRequestTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("wrapped: %w", modhost.ErrHasDependents), http.StatusConflict},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, httpStatusFor(tc.err), tc.err.Error())
	}
}

func TestServerStartStop(t *testing.T) {
	f := newFixture(t)

	srv := New(modhost.ServerConfig{Addr: "127.0.0.1:0"}, f.bus, f.manager)
	require.NoError(t, srv.Start(context.Background()))
	require.True(t, strings.HasPrefix(srv.Addr(), "127.0.0.1:"))

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
}
