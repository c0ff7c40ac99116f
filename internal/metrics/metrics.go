// Package metrics exposes Prometheus instrumentation for the MCP server.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all mcpd Prometheus collectors.
type Metrics struct {
	Requests        *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveStreams   prometheus.Gauge
	ActiveSessions  prometheus.Gauge
	TasksActive     prometheus.Gauge
	BrokerPublished *prometheus.CounterVec
	SweptEntries    *prometheus.CounterVec
	SSEEvents       prometheus.Counter
}

// New creates mcpd metrics and registers them on the given registerer.
// Pass prometheus.DefaultRegisterer in production; a fresh
// prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpd_requests_total",
			Help: "Total JSON-RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpd_request_duration_seconds",
			Help:    "JSON-RPC request handling duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}, []string{"method"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpd_sse_streams_active",
			Help: "Currently attached SSE streams.",
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpd_sessions_active",
			Help: "Sessions currently held by the store.",
		}),
		TasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpd_tasks_active",
			Help: "Tasks in a non-terminal state.",
		}),
		BrokerPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpd_broker_published_total",
			Help: "Messages published to the broker by topic class.",
		}, []string{"topic"}),
		SweptEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpd_swept_entries_total",
			Help: "Entries removed by TTL sweepers.",
		}, []string{"kind"}),
		SSEEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mcpd_sse_events_total",
			Help: "SSE data frames written to clients.",
		}),
	}

	reg.MustRegister(
		m.Requests, m.RequestDuration, m.ActiveStreams, m.ActiveSessions,
		m.TasksActive, m.BrokerPublished, m.SweptEntries, m.SSEEvents,
	)
	return m
}

// NewNop returns metrics backed by an unregistered registry, for callers
// that do not care about instrumentation (tests, stdio transport).
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveRequest records one dispatched JSON-RPC request.
func (m *Metrics) ObserveRequest(method, outcome string, d time.Duration) {
	m.Requests.WithLabelValues(method, outcome).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}
