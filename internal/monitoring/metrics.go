// Package monitoring exposes Prometheus metrics for the execution engine.
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is a valid no-op
// receiver so the core can run unmetered in tests.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Block metrics
	BlocksSubmitted   prometheus.Counter
	BlocksFinalized   *prometheus.CounterVec
	BlocksRunning     prometheus.Gauge
	OutputBytes       prometheus.Counter
	OutputTruncations prometheus.Counter

	// Cancellation metrics
	Cancellations prometheus.Counter
	Escalations   prometheus.Counter

	// Context metrics
	ContextsActive prometheus.Gauge
	ContextsTotal  prometheus.Counter

	// WebSocket metrics
	WSConnections prometheus.Gauge

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector on its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		registry:  registry,
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "immaterium_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "immaterium_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		BlocksSubmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "immaterium_blocks_submitted_total",
				Help: "Total number of command blocks submitted",
			},
		),
		BlocksFinalized: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "immaterium_blocks_finalized_total",
				Help: "Total number of blocks reaching a terminal state",
			},
			[]string{"state"},
		),
		BlocksRunning: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "immaterium_blocks_running",
				Help: "Number of blocks currently running",
			},
		),
		OutputBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "immaterium_output_bytes_total",
				Help: "Total output bytes drained from processes",
			},
		),
		OutputTruncations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "immaterium_output_truncations_total",
				Help: "Total number of blocks whose output hit the size cap",
			},
		),

		Cancellations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "immaterium_cancellations_total",
				Help: "Total number of cancellation sequences started",
			},
		),
		Escalations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "immaterium_cancellation_escalations_total",
				Help: "Total number of cancellations escalated to SIGKILL",
			},
		),

		ContextsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "immaterium_contexts_active",
				Help: "Number of active execution contexts",
			},
		),
		ContextsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "immaterium_contexts_total",
				Help: "Total number of execution contexts created",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "immaterium_ws_connections",
				Help: "Number of active WebSocket connections",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "immaterium_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
	}
	return m
}

// Handler returns the scrape endpoint for this collector's registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	if m == nil {
		return
	}
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}

// RecordSubmit counts a submitted block now running.
func (m *Metrics) RecordSubmit() {
	if m == nil {
		return
	}
	m.BlocksSubmitted.Inc()
	m.BlocksRunning.Inc()
}

// RecordFinalize counts a terminal transition.
func (m *Metrics) RecordFinalize(state string) {
	if m == nil {
		return
	}
	m.BlocksFinalized.WithLabelValues(state).Inc()
	m.BlocksRunning.Dec()
}

// RecordOutput counts drained output bytes.
func (m *Metrics) RecordOutput(n int) {
	if m == nil {
		return
	}
	m.OutputBytes.Add(float64(n))
}

// RecordTruncation counts a block hitting the output cap.
func (m *Metrics) RecordTruncation() {
	if m == nil {
		return
	}
	m.OutputTruncations.Inc()
}

// RecordCancel counts a started cancellation sequence.
func (m *Metrics) RecordCancel() {
	if m == nil {
		return
	}
	m.Cancellations.Inc()
}

// RecordEscalation counts a SIGKILL escalation.
func (m *Metrics) RecordEscalation() {
	if m == nil {
		return
	}
	m.Escalations.Inc()
}

// RecordContextOpen counts a new execution context.
func (m *Metrics) RecordContextOpen() {
	if m == nil {
		return
	}
	m.ContextsTotal.Inc()
	m.ContextsActive.Inc()
}

// RecordContextClose counts a closed execution context.
func (m *Metrics) RecordContextClose() {
	if m == nil {
		return
	}
	m.ContextsActive.Dec()
}

// RecordHTTPRequest records one HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// WSConnected tracks a WebSocket attach.
func (m *Metrics) WSConnected() {
	if m == nil {
		return
	}
	m.WSConnections.Inc()
}

// WSDisconnected tracks a WebSocket detach.
func (m *Metrics) WSDisconnected() {
	if m == nil {
		return
	}
	m.WSConnections.Dec()
}
