// Package metrics exposes the coordinator's prometheus collectors, built
// with the standard promauto constructors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "mergequeue"

var (
	// QueueDepth reports the current length of the land queue per repo.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of PRs currently waiting in the land queue.",
	}, []string{"repo"})

	// AttemptDuration records how long an attempt stayed Testing before it
	// concluded, labeled by kind and outcome.
	AttemptDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "attempt_duration_seconds",
		Help:      "Time an attempt spent Testing before concluding.",
		Buckets:   prometheus.ExponentialBuckets(10, 2, 12), // 10s .. ~5.6h
	}, []string{"repo", "kind", "outcome"})

	// AttemptsTotal counts concluded attempts by kind, outcome, and (when
	// Failed) failure reason.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "attempts_total",
		Help:      "Concluded attempts, by kind, outcome, and failure reason.",
	}, []string{"repo", "kind", "outcome", "reason"})

	// ForgeErrorsTotal counts every failed forge call made through the
	// circuit breaker, by method name: each retry try and each open-circuit
	// rejection counts once.
	ForgeErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "forge_errors_total",
		Help:      "Failed forge API calls, by method, counting each retry try.",
	}, []string{"repo", "method"})

	// WebhookDeliveriesTotal counts inbound webhook deliveries, by event
	// type and outcome (accepted, rejected_signature, rejected_payload,
	// ignored, dropped_unconfigured, enqueue_failed).
	WebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "webhook_deliveries_total",
		Help:      "Inbound webhook deliveries, by event type and outcome.",
	}, []string{"event", "outcome"})
)

// AttemptOutcome maps a concluded attempt's terminal phase and failure
// reason into the label value AttemptDuration/AttemptsTotal use.
func AttemptOutcome(succeeded bool, reason string) string {
	if succeeded {
		return "succeeded"
	}
	if reason == "" {
		return "failed"
	}
	return "failed_" + reason
}
