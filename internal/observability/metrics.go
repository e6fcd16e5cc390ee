// Package observability exposes prometheus metrics for the scheduling ledger.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	subscribeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduling_service",
		Subsystem: "enrollment",
		Name:      "subscribes_total",
		Help:      "Subscribe calls by outcome.",
	}, []string{"outcome"})

	unsubscribeCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduling_service",
		Subsystem: "enrollment",
		Name:      "unsubscribes_total",
		Help:      "Unsubscribe calls by outcome.",
	}, []string{"outcome"})

	completionCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scheduling_service",
		Subsystem: "completion",
		Name:      "records_written_total",
		Help:      "Completion record writes by subject kind.",
	}, []string{"kind"})

	recomputeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scheduling_service",
		Subsystem: "progress",
		Name:      "recompute_duration_seconds",
		Help:      "Time spent recomputing a progress snapshot, by progress type.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(subscribeCounter, unsubscribeCounter, completionCounter, recomputeDuration)
}

// RecordSubscribe counts a subscribe outcome ("ok" or "error").
func RecordSubscribe(outcome string) {
	subscribeCounter.WithLabelValues(outcome).Inc()
}

// RecordUnsubscribe counts an unsubscribe outcome.
func RecordUnsubscribe(outcome string) {
	unsubscribeCounter.WithLabelValues(outcome).Inc()
}

// RecordCompletionWrite counts a committed completion write.
func RecordCompletionWrite(kind string) {
	completionCounter.WithLabelValues(kind).Inc()
}

// RecordCompletionWrites counts n committed completion writes of one kind.
func RecordCompletionWrites(kind string, n int) {
	completionCounter.WithLabelValues(kind).Add(float64(n))
}

// RecordRecompute observes one snapshot recomputation.
func RecordRecompute(progressType string, d time.Duration) {
	recomputeDuration.WithLabelValues(progressType).Observe(d.Seconds())
}
