// Package metrics exposes the resource manager state machine's
// prometheus collectors, following the same registry-owns-collectors
// pattern the broker layer this module descends from uses.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every collector this module registers. All metrics
// use the "rmstm" namespace.
type Metrics struct {
	ReplicateLatency   *prometheus.HistogramVec
	FencingRejections  *prometheus.CounterVec
	SequenceRejections *prometheus.CounterVec
	ActiveTransactions prometheus.Gauge
	LastStableOffset   *prometheus.GaugeVec
	AbortedSegments    prometheus.Counter
	AutoAbortAttempts  *prometheus.CounterVec
}

// New registers a fresh Metrics set against reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ReplicateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rmstm",
			Name:      "replicate_latency_seconds",
			Help:      "Latency of Replicate calls by mode (idempotent, transactional).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"mode"}),

		FencingRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmstm",
			Name:      "fencing_rejections_total",
			Help:      "Writes rejected because a producer's epoch was fenced.",
		}, []string{"partition"}),

		SequenceRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmstm",
			Name:      "sequence_rejections_total",
			Help:      "Writes rejected for out-of-order or duplicate sequence numbers.",
		}, []string{"partition", "reason"}),

		ActiveTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rmstm",
			Name:      "active_transactions",
			Help:      "Number of transactions currently ongoing across all partitions.",
		}),

		LastStableOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rmstm",
			Name:      "last_stable_offset",
			Help:      "Last stable offset per partition.",
		}, []string{"partition"}),

		AbortedSegments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rmstm",
			Name:      "aborted_segments_offloaded_total",
			Help:      "Aborted-transaction segments moved from memory to disk.",
		}),

		AutoAbortAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rmstm",
			Name:      "auto_abort_attempts_total",
			Help:      "Auto-abort coordinator round trips, by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		m.ReplicateLatency,
		m.FencingRejections,
		m.SequenceRejections,
		m.ActiveTransactions,
		m.LastStableOffset,
		m.AbortedSegments,
		m.AutoAbortAttempts,
	)
	return m
}
