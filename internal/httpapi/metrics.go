package httpapi

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the hub's Prometheus registrations, grounded on the
// teacher's MetricsRegistry but scoped to the broker's own concerns:
// attached clients, broadcast volume, and envelope type mix. Each
// Server owns its own registry rather than registering into the
// global default, so building more than one Server in a process (as
// the test suite does) never panics on duplicate registration.
// No code path in the hub updates these collectors (RecordBroadcast
// has no callers), so /metrics serves them at their zero values.
type Metrics struct {
	registry           *prometheus.Registry
	ConnectedClients   prometheus.Gauge
	ActiveTopics       prometheus.Gauge
	BroadcastsTotal    *prometheus.CounterVec
	SSEDeliveryLatency *prometheus.HistogramVec
}

// NewMetrics builds and registers the hub's metric set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_connected_clients",
			Help: "Number of currently attached SSE clients",
		}),
		ActiveTopics: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "streamhub_active_topics",
			Help: "Number of topics with at least one subscriber",
		}),
		BroadcastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamhub_broadcasts_total",
			Help: "Total broadcasts sent, by envelope type",
		}, []string{"envelope_type"}),
		SSEDeliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "streamhub_sse_delivery_latency_ms",
			Help:    "Time from upstream fetch to SSE write, in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"topic_type"}),
	}
	m.registry.MustRegister(m.ConnectedClients, m.ActiveTopics, m.BroadcastsTotal, m.SSEDeliveryLatency)
	return m
}

// Handler returns the Prometheus scrape endpoint handler for this
// Server's own registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordBroadcast increments the envelope-type counter.
func (m *Metrics) RecordBroadcast(envelopeType string) {
	m.BroadcastsTotal.WithLabelValues(envelopeType).Inc()
}
