package rmstm

import "context"

// RaftLog is the consensus collaborator this machine is layered over.
// Its implementation, including leader election and log storage, is
// out of scope for this module; the machine only ever calls the
// methods below.
type RaftLog interface {
	// Replicate submits batch for replication and returns the offset
	// it was assigned once committed, or an error if replication
	// failed outright (the caller must not assume the batch was not
	// partially replicated on error; it must re-derive state from
	// Apply callbacks and CommittedOffset).
	Replicate(ctx context.Context, batch RecordBatch, opts ReplicateOptions) (Offset, error)

	// CurrentTerm is this partition's current Raft term as observed
	// by the local replica.
	CurrentTerm() int64

	// LastAppliedOffset is the highest offset this replica has folded
	// into local state via Apply.
	LastAppliedOffset() Offset

	// CommittedOffset is the highest offset Raft considers committed,
	// which may be ahead of LastAppliedOffset while Apply catches up.
	CommittedOffset() Offset
}

// CoordinatorClient is the transaction coordinator gateway. Its
// implementation is a peer cluster service, entirely out of scope
// here; the machine treats it as a black box reachable only through
// this one call, used by the auto-abort timer to resolve the fate of
// an expired transaction.
type CoordinatorClient interface {
	RouteTransactionDecision(ctx context.Context, pid ProducerIdentity, seq TxSeq) (TxDecision, error)
}

// ProducerStateManager owns the lifecycle of producer handles across
// partitions and is notified when this machine no longer needs to
// track a producer.
type ProducerStateManager interface {
	CleanupProducerState(pid ProducerIdentity)
}

// MetricsSink receives instrumentation events from a Machine. It is
// satisfied by an adapter over the prometheus collectors in
// internal/metrics; nil is a valid MetricsSink and a Machine treats a
// nil sink as "record nothing" rather than requiring a null-object
// wrapper at every call site.
type MetricsSink interface {
	ObserveReplicateLatency(mode string, seconds float64)
	IncFencingRejection()
	IncSequenceRejection(reason string)
	SetActiveTransactions(n int)
	SetLastStableOffset(partition int32, offset Offset)
	IncAbortedSegmentOffload()
	IncAutoAbortAttempt(outcome string)
}
