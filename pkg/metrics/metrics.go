package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Upstream patient service
	UpstreamRequests *prometheus.CounterVec
	UpstreamLatency  *prometheus.HistogramVec
	BreakerState     *prometheus.GaugeVec

	// Console
	ConsoleRequests *prometheus.CounterVec
	ConsoleLatency  *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	ChangeEvents    *prometheus.CounterVec
}

// NewMetrics creates all application metrics and registers them with reg.
// A nil reg leaves them unregistered, which is what tests want.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		UpstreamRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "requests_total",
			Help:      "Total number of requests sent to the patient service",
		}, []string{"method", "route", "status"}),
		UpstreamLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests sent to the patient service",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		}, []string{"name"}),

		ConsoleRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "requests_total",
			Help:      "Total number of console HTTP requests",
		}, []string{"method", "path", "status"}),
		ConsoleLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "request_duration_seconds",
			Help:      "Duration of console HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "console",
			Name:      "active_sessions",
			Help:      "Current number of open console sessions",
		}),
		ChangeEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "changefeed",
			Name:      "events_total",
			Help:      "Patient change events by direction and type",
		}, []string{"direction", "type"}),
	}
}

// RecordUpstream records one call to the patient service. status 0 means no response.
func (m *Metrics) RecordUpstream(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.UpstreamLatency.WithLabelValues(method, route).Observe(d.Seconds())
}

func (m *Metrics) SetBreakerState(name string, state float64) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(state)
}

func (m *Metrics) RecordConsole(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.ConsoleRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.ConsoleLatency.WithLabelValues(method, path).Observe(d.Seconds())
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

func (m *Metrics) RecordChange(direction, eventType string) {
	if m == nil {
		return
	}
	m.ChangeEvents.WithLabelValues(direction, eventType).Inc()
}
