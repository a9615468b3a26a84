package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/worker"
)

// Metrics exposes bus, module and worker state as Prometheus metrics. It
// snapshots the live counters on every scrape instead of double-counting
// through instrumented wrappers.
type Metrics struct {
	registry *prometheus.Registry
	bus      *modhost.EventBus
	manager  *modhost.Manager
	workers  *worker.Manager

	published       *prometheus.Desc
	delivered       *prometheus.Desc
	dropped         *prometheus.Desc
	handlerErrors   *prometheus.Desc
	remoteForwarded *prometheus.Desc
	remoteReceived  *prometheus.Desc
	subscriptions   *prometheus.Desc
	moduleState     *prometheus.Desc
	moduleReloads   *prometheus.Desc
	workerRunning   *prometheus.Desc
	workerRuns      *prometheus.Desc
	workerFailures  *prometheus.Desc
}

// NewMetrics builds the collector set on its own registry. workers may be
// nil.
func NewMetrics(bus *modhost.EventBus, manager *modhost.Manager, workers *worker.Manager) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		bus:      bus,
		manager:  manager,
		workers:  workers,

		published: prometheus.NewDesc("modhost_bus_events_published_total",
			"Events published on the bus.", nil, nil),
		delivered: prometheus.NewDesc("modhost_bus_events_delivered_total",
			"Handler deliveries completed.", nil, nil),
		dropped: prometheus.NewDesc("modhost_bus_events_dropped_total",
			"Events dropped by full async subscriber buffers.", nil, nil),
		handlerErrors: prometheus.NewDesc("modhost_bus_handler_errors_total",
			"Handler invocations that returned an error or panicked.", nil, nil),
		remoteForwarded: prometheus.NewDesc("modhost_bus_remote_forwarded_total",
			"Events forwarded to the distributed transport.", nil, nil),
		remoteReceived: prometheus.NewDesc("modhost_bus_remote_received_total",
			"Events received from the distributed transport.", nil, nil),
		subscriptions: prometheus.NewDesc("modhost_bus_subscriptions",
			"Live subscriptions.", nil, nil),
		moduleState: prometheus.NewDesc("modhost_module_state",
			"Current lifecycle state per module, 1 for the active state.",
			[]string{"module", "state"}, nil),
		moduleReloads: prometheus.NewDesc("modhost_module_reloads_total",
			"Completed reloads per module.", []string{"module"}, nil),
		workerRunning: prometheus.NewDesc("modhost_worker_running",
			"Whether the worker is scheduled, 1 or 0.", []string{"worker"}, nil),
		workerRuns: prometheus.NewDesc("modhost_worker_runs_total",
			"Runs per worker.", []string{"worker"}, nil),
		workerFailures: prometheus.NewDesc("modhost_worker_failures_total",
			"Failed runs per worker.", []string{"worker"}, nil),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	ch <- m.published
	ch <- m.delivered
	ch <- m.dropped
	ch <- m.handlerErrors
	ch <- m.remoteForwarded
	ch <- m.remoteReceived
	ch <- m.subscriptions
	ch <- m.moduleState
	ch <- m.moduleReloads
	ch <- m.workerRunning
	ch <- m.workerRuns
	ch <- m.workerFailures
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	stats := m.bus.Stats()
	ch <- prometheus.MustNewConstMetric(m.published, prometheus.CounterValue, float64(stats.Published))
	ch <- prometheus.MustNewConstMetric(m.delivered, prometheus.CounterValue, float64(stats.Delivered))
	ch <- prometheus.MustNewConstMetric(m.dropped, prometheus.CounterValue, float64(stats.Dropped))
	ch <- prometheus.MustNewConstMetric(m.handlerErrors, prometheus.CounterValue, float64(stats.HandlerErrors))
	ch <- prometheus.MustNewConstMetric(m.remoteForwarded, prometheus.CounterValue, float64(stats.RemoteForwarded))
	ch <- prometheus.MustNewConstMetric(m.remoteReceived, prometheus.CounterValue, float64(stats.RemoteReceived))
	ch <- prometheus.MustNewConstMetric(m.subscriptions, prometheus.GaugeValue, float64(m.bus.SubscriptionCount()))

	for _, mod := range m.manager.Modules() {
		ch <- prometheus.MustNewConstMetric(m.moduleState, prometheus.GaugeValue, 1,
			mod.Name, mod.State.String())
		ch <- prometheus.MustNewConstMetric(m.moduleReloads, prometheus.CounterValue,
			float64(mod.ReloadCount), mod.Name)
	}

	if m.workers == nil {
		return
	}
	for _, ws := range m.workers.Statuses() {
		running := 0.0
		if ws.Running {
			running = 1
		}
		ch <- prometheus.MustNewConstMetric(m.workerRunning, prometheus.GaugeValue, running, ws.Name)
		ch <- prometheus.MustNewConstMetric(m.workerRuns, prometheus.CounterValue, float64(ws.Runs), ws.Name)
		ch <- prometheus.MustNewConstMetric(m.workerFailures, prometheus.CounterValue, float64(ws.Failures), ws.Name)
	}
}
