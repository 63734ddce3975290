// Package metrics exposes interception counters for Prometheus scraping.
//
// Every Metrics value owns a private registry so that several sessions (or
// tests) never collide on the default one. A nil *Metrics is valid and
// records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one process.
type Metrics struct {
	registry *prometheus.Registry

	exchangesTotal *prometheus.CounterVec
	routesIndexed  prometheus.Gauge
	eventLogSize   prometheus.Gauge
	sessionsTotal  prometheus.Counter
	exchangeTime   prometheus.Histogram
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.exchangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routetrace_exchanges_total",
			Help: "Observed exchanges, by whether a route matched",
		},
		[]string{"outcome"},
	)
	m.routesIndexed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "routetrace_routes_indexed",
		Help: "Routes in the index used by the current session",
	})
	m.eventLogSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "routetrace_event_log_entries",
		Help: "Correlation events in the current session's log",
	})
	m.sessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "routetrace_sessions_total",
		Help: "Interception sessions started",
	})
	m.exchangeTime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "routetrace_correlation_seconds",
		Help:    "Time spent correlating one exchange",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	})

	m.registry.MustRegister(
		m.exchangesTotal,
		m.routesIndexed,
		m.eventLogSize,
		m.sessionsTotal,
		m.exchangeTime,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveExchange records one correlated exchange.
func (m *Metrics) ObserveExchange(matched bool, took time.Duration, logSize int) {
	if m == nil {
		return
	}
	outcome := "unmatched"
	if matched {
		outcome = "matched"
	}
	m.exchangesTotal.WithLabelValues(outcome).Inc()
	m.exchangeTime.Observe(took.Seconds())
	m.eventLogSize.Set(float64(logSize))
}

// SessionStarted records a new session over an index of n routes.
func (m *Metrics) SessionStarted(routes int) {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.routesIndexed.Set(float64(routes))
	m.eventLogSize.Set(0)
}

// SessionStopped resets the per-session gauges.
func (m *Metrics) SessionStopped() {
	if m == nil {
		return
	}
	m.eventLogSize.Set(0)
}
