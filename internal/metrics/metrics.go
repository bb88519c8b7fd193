// Package metrics provides Prometheus instrumentation for the Matchu chat
// backend. It exposes counters for moderation outcomes and event dedup,
// histograms for classifier latency, and a counter for transaction retries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// MessagesModerated counts pipeline outcomes, labeled by outcome:
	// "approved", "approved_warned", "blocked_rule", "blocked_ai",
	// "skipped", or "failed_open".
	MessagesModerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "matchu_messages_moderated_total",
		Help: "Total number of messages processed by the moderation pipeline",
	}, []string{"outcome"})

	// ClassifierDuration records remote classifier request latency in seconds.
	ClassifierDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matchu_classifier_duration_seconds",
		Help:    "Remote classifier request latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// ClassifierFailures counts remote classifier calls that failed
	// (network error, timeout, bad status, malformed response).
	ClassifierFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchu_classifier_failures_total",
		Help: "Total number of failed remote classifier calls",
	})

	// ViolationTxRetries counts violation transactions retried after a
	// serialization conflict or deadlock.
	ViolationTxRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchu_violation_tx_retries_total",
		Help: "Total number of violation transaction conflict retries",
	})

	// DedupSkips counts trigger events dropped by the Redis dedup guard.
	DedupSkips = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matchu_event_dedup_skips_total",
		Help: "Total number of duplicate trigger events skipped",
	})
)

func init() {
	prometheus.MustRegister(
		MessagesModerated,
		ClassifierDuration,
		ClassifierFailures,
		ViolationTxRetries,
		DedupSkips,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
