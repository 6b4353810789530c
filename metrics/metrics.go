package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"examprep-server/session"
)

const namespace = "examprep"

// Metrics holds Prometheus metrics for the gateway
type Metrics struct {
	RequestCounter   *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	ProxyRequests    *prometheus.CounterVec
	SessionEvents    *prometheus.CounterVec
	SessionScores    *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Pass prometheus.DefaultRegisterer
// in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_in_flight",
				Help:      "Number of requests currently being processed",
			},
		),
		ProxyRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "proxy",
				Name:      "requests_total",
				Help:      "Requests forwarded upstream, by outcome",
			},
			[]string{"method", "outcome"}, // outcome: 2xx, 4xx, 5xx, error
		),
		SessionEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "events_total",
				Help:      "Session lifecycle events",
			},
			[]string{"mode", "action"},
		),
		SessionScores: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "score_percent",
				Help:      "Score of completed sessions",
				Buckets:   prometheus.LinearBuckets(10, 10, 10),
			},
			[]string{"mode"},
		),
	}
}

// Observe implements session.Observer.
func (m *Metrics) Observe(_ context.Context, e session.Event) {
	m.SessionEvents.WithLabelValues(string(e.Mode), e.Action).Inc()
	if e.Action == session.ActionCompleted {
		m.SessionScores.WithLabelValues(string(e.Mode)).Observe(float64(e.Score))
	}
}

// ObserveProxy counts one forwarded request; status 0 means the upstream was unreachable.
func (m *Metrics) ObserveProxy(method string, status int) {
	outcome := "error"
	switch {
	case status >= 500:
		outcome = "5xx"
	case status >= 400:
		outcome = "4xx"
	case status >= 200:
		outcome = "2xx"
	}
	m.ProxyRequests.WithLabelValues(method, outcome).Inc()
}
