// Package metrics exposes the service counters on a private Prometheus
// registry. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clusters"

// Metrics holds the service collectors.
type Metrics struct {
	Registry *prometheus.Registry

	Events       *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec
	Pushes       *prometheus.CounterVec
	RPC          *prometheus.CounterVec
	FeedJobs     *prometheus.CounterVec
	ExecuteTime  prometheus.Histogram
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events handled, by type.",
		}, []string{"type"}),
		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected connections, by cause.",
		}, []string{"cause"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Payloads pushed to connections, by outcome.",
		}, []string{"outcome"}),
		RPC: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_total",
			Help:      "Server-initiated requests, by outcome.",
		}, []string{"outcome"}),
		FeedJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feed_jobs_total",
			Help:      "Jobs emitted by the change-feed aggregator, by kind.",
		}, []string{"kind"}),
		ExecuteTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execute_seconds",
			Help:      "Latency of synchronous requests.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
	m.Registry.MustRegister(m.Events, m.AuthFailures, m.Pushes, m.RPC, m.FeedJobs, m.ExecuteTime)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Event counts one session event.
func (m *Metrics) Event(t string) {
	if m != nil {
		m.Events.WithLabelValues(t).Inc()
	}
}

// AuthFailure counts one rejected connection.
func (m *Metrics) AuthFailure(cause string) {
	if m != nil {
		m.AuthFailures.WithLabelValues(cause).Inc()
	}
}

// Push counts one push outcome: ok, gone or error.
func (m *Metrics) Push(outcome string) {
	if m != nil {
		m.Pushes.WithLabelValues(outcome).Inc()
	}
}

// Request counts one request outcome and, when d is positive, its latency.
func (m *Metrics) Request(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.RPC.WithLabelValues(outcome).Inc()
	if d > 0 {
		m.ExecuteTime.Observe(d.Seconds())
	}
}

// FeedJob counts one job emitted by the aggregator.
func (m *Metrics) FeedJob(kind string) {
	if m != nil {
		m.FeedJobs.WithLabelValues(kind).Inc()
	}
}
