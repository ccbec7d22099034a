package gateway

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics carries the gateway's prometheus collectors on a private
// registry so tests can run several servers side by side.
type metrics struct {
	registry       *prometheus.Registry
	requests       *prometheus.CounterVec
	durations      *prometheus.HistogramVec
	submissions    *prometheus.CounterVec
	epochsClosed   prometheus.Counter
	epochsExecuted prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "requests_total",
		Help:      "Total HTTP requests processed by the pool gateway.",
	}, []string{"route", "method", "status"})
	durations := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "pool",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method"})
	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "submissions_total",
		Help:      "Solution submissions grouped by validation result.",
	}, []string{"result"})
	epochsClosed := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "epochs_closed_total",
		Help:      "Epochs closed since the gateway started.",
	})
	epochsExecuted := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "pool",
		Name:      "epochs_executed_total",
		Help:      "Epochs executed since the gateway started.",
	})
	registry.MustRegister(requests, durations, submissions, epochsClosed, epochsExecuted)
	return &metrics{
		registry:       registry,
		requests:       requests,
		durations:      durations,
		submissions:    submissions,
		epochsClosed:   epochsClosed,
		epochsExecuted: epochsExecuted,
	}
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
