// Package metrics holds the Prometheus collectors for the staleness cache,
// generation tickets, the HTTP surface and the polling client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ResolveTotal counts resolve calls by payload kind and outcome
	// (unchanged, ready, stale, generating, quota_exceeded, failed).
	ResolveTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_resolve_total",
			Help: "Total number of derived payload resolves by outcome",
		},
		[]string{"kind", "outcome"},
	)

	RecomputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_recompute_duration_seconds",
			Help:    "Duration of derived payload computations in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	RecomputeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_recompute_errors_total",
			Help: "Total number of failed derived payload computations",
		},
		[]string{"kind"},
	)

	// TicketsTotal tracks the generation ticket lifecycle
	// (created, committed, failed, superseded).
	TicketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_generation_tickets_total",
			Help: "Total number of generation ticket transitions",
		},
		[]string{"kind", "event"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "pattern", "status"},
	)

	// PollFetchesTotal counts fetches issued by the polling client by trigger
	// (timer, visible, target, refresh) and result (applied, unchanged,
	// discarded, error).
	PollFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_poll_fetches_total",
			Help: "Total number of polling fetches by trigger and result",
		},
		[]string{"trigger", "result"},
	)
)

func ObserveRecompute(kind string, started time.Time, err error) {
	RecomputeDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
	if err != nil {
		RecomputeErrors.WithLabelValues(kind).Inc()
	}
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
