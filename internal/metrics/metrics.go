// Package metrics exposes Prometheus instrumentation for the queue client.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	gatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fila_gateway_requests_total",
			Help: "Backend calls by operation and outcome kind",
		},
		[]string{"operation", "outcome"},
	)

	gatewayLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fila_gateway_request_duration_seconds",
			Help:    "Latency of backend calls",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	pollOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fila_poll_outcomes_total",
			Help: "Refresh results per polling key",
		},
		[]string{"key", "outcome"},
	)

	consecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fila_poll_consecutive_failures",
			Help: "Consecutive failed refreshes per polling key",
		},
		[]string{"key"},
	)

	queueEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fila_queue_entries",
			Help: "Entries in the last applied snapshot by status",
		},
		[]string{"key", "status"},
	)

	rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fila_rate_limit_decisions_total",
			Help: "Client-side rate limiter decisions by class",
		},
		[]string{"class", "decision"},
	)

	activeSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fila_poll_subscriptions",
			Help: "Live subscribers per polling key",
		},
		[]string{"key"},
	)
)

// Poll outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeCached  = "cached"
	OutcomeStale   = "stale"
	OutcomeJoined  = "joined"
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TrackGateway records one backend call. outcome is "ok" or an error kind.
func TrackGateway(operation, outcome string, took time.Duration) {
	gatewayRequests.WithLabelValues(operation, outcome).Inc()
	gatewayLatency.WithLabelValues(operation).Observe(took.Seconds())
}

// TrackPoll records the outcome of one refresh.
func TrackPoll(key, outcome string) {
	pollOutcomes.WithLabelValues(key, outcome).Inc()
}

// SetFailures publishes the consecutive failure count of key.
func SetFailures(key string, n int) {
	consecutiveFailures.WithLabelValues(key).Set(float64(n))
}

// SetQueueCounts publishes per-status entry counts of the snapshot applied to key.
func SetQueueCounts(key string, counts map[string]int) {
	for status, n := range counts {
		queueEntries.WithLabelValues(key, status).Set(float64(n))
	}
}

// TrackRateLimit records a limiter decision.
func TrackRateLimit(class string, allowed bool) {
	decision := "allowed"
	if !allowed {
		decision = "denied"
	}
	rateLimitDecisions.WithLabelValues(class, decision).Inc()
}

// SetSubscribers publishes the number of live subscribers on key.
func SetSubscribers(key string, n int) {
	activeSubscriptions.WithLabelValues(key).Set(float64(n))
}

// ForgetKey drops every series labelled with key.
func ForgetKey(key string) {
	labels := prometheus.Labels{"key": key}
	pollOutcomes.DeletePartialMatch(labels)
	consecutiveFailures.DeletePartialMatch(labels)
	queueEntries.DeletePartialMatch(labels)
	activeSubscriptions.DeletePartialMatch(labels)
}
