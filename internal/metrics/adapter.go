package metrics

import (
	"strconv"

	"rmstm/internal/rmstm"
)

// Sink adapts one partition's slice of Metrics to rmstm.MetricsSink so
// the state machine package never needs to import prometheus
// directly. One Sink is bound to a single partition label; the
// underlying collectors are shared across every partition's Sink, and
// only some of them carry that label (see ForPartition).
type Sink struct {
	m         *Metrics
	partition string
}

// ForPartition returns a MetricsSink that labels the fencing- and
// sequence-rejection counters with partition. The LSO gauge is labeled
// with the partition passed to SetLastStableOffset; replicate latency,
// active transactions, aborted-segment offloads and auto-abort
// attempts carry no partition label.
func (m *Metrics) ForPartition(partition int32) *Sink {
	return &Sink{m: m, partition: strconv.Itoa(int(partition))}
}

func (s *Sink) ObserveReplicateLatency(mode string, seconds float64) {
	s.m.ReplicateLatency.WithLabelValues(mode).Observe(seconds)
}

func (s *Sink) IncFencingRejection() {
	s.m.FencingRejections.WithLabelValues(s.partition).Inc()
}

func (s *Sink) IncSequenceRejection(reason string) {
	s.m.SequenceRejections.WithLabelValues(s.partition, reason).Inc()
}

func (s *Sink) SetActiveTransactions(n int) {
	s.m.ActiveTransactions.Set(float64(n))
}

func (s *Sink) SetLastStableOffset(partition int32, offset rmstm.Offset) {
	s.m.LastStableOffset.WithLabelValues(strconv.Itoa(int(partition))).Set(float64(offset))
}

func (s *Sink) IncAbortedSegmentOffload() {
	s.m.AbortedSegments.Inc()
}

func (s *Sink) IncAutoAbortAttempt(outcome string) {
	s.m.AutoAbortAttempts.WithLabelValues(outcome).Inc()
}
