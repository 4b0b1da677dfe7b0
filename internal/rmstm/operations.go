package rmstm

import (
	"bytes"
	"context"
)

// TransactionSummary describes one in-flight transaction as observed
// on this partition, joining the authoritative tx_data record with its
// expiration bookkeeping.
type TransactionSummary struct {
	PID         ProducerIdentity
	TxSeq       TxSeq
	TMPartition int32
	Expiration  ExpirationInfo
}

// GetTransactions lists every transaction this partition currently
// tracks as open, §6's get_transactions query surface.
func (m *Machine) GetTransactions() []TransactionSummary {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()

	out := make([]TransactionSummary, 0, len(m.log.currentTxes))
	for pid, td := range m.log.currentTxes {
		out = append(out, TransactionSummary{
			PID:         pid,
			TxSeq:       td.TxSeq,
			TMPartition: td.TMPartition,
			Expiration:  m.log.expiration[pid],
		})
	}
	return out
}

// ReplicateResult is the outcome of the committed stage of a staged
// replicate call.
type ReplicateResult struct {
	Offset Offset
	Err    error
}

// ReplicateStages exposes the two signals §6's replicate_in_stages
// promises: Enqueued closes once the write has been handed to the Raft
// collaborator (or resolved without one, on a cache hit or rejection),
// and Committed delivers the final offset once that hand-off resolves.
type ReplicateStages struct {
	Enqueued  <-chan struct{}
	Committed <-chan ReplicateResult
}

// ReplicateInStages runs the same dispatch as Replicate but returns
// immediately with a pair of signals instead of blocking the caller
// until the write commits, letting a caller pipeline further work
// against the enqueued signal alone. Both channels are closed/sent-to
// exactly once.
func (m *Machine) ReplicateInStages(ctx context.Context, bid BatchIdentity, opts ReplicateOptions) ReplicateStages {
	enqueued := make(chan struct{})
	committed := make(chan ReplicateResult, 1)

	var once bool
	onEnqueue := func() {
		if !once {
			once = true
			close(enqueued)
		}
	}

	go func() {
		offset, err := m.replicateStaged(ctx, bid, opts, onEnqueue)
		onEnqueue()
		committed <- ReplicateResult{Offset: offset, Err: err}
		close(committed)
	}()

	return ReplicateStages{Enqueued: enqueued, Committed: committed}
}

// replicateStaged is Replicate's dispatch, plumbed with an onEnqueue
// hook fired the moment the batch has been handed to the Raft
// collaborator (or the call is about to return without ever reaching
// Raft, on a fenced/duplicate/cache-hit outcome).
func (m *Machine) replicateStaged(ctx context.Context, bid BatchIdentity, opts ReplicateOptions, onEnqueue func()) (Offset, error) {
	if bid.IsTransactional {
		return m.transactionalReplicateStaged(ctx, bid, opts, onEnqueue)
	}
	if bid.IsIdempotent {
		return m.idempotentReplicateStaged(ctx, bid, opts, onEnqueue)
	}
	defer onEnqueue()
	return m.raft.Replicate(ctx, RecordBatch{Kind: ControlRecordData, BID: bid}, opts)
}

// PrepareTransferLeadership acquires and releases stateLock in write
// mode, §6's quiescence barrier for leadership handoff: by the time it
// returns, every in-flight Apply has drained, so a new leader observing
// this replica's state afterward sees a settled snapshot rather than
// one straddling a partial mutation.
func (m *Machine) PrepareTransferLeadership() {
	m.stateLock.Lock()
	m.stateLock.Unlock()
}

// ResetProducers discards every tracked producer, fenced epoch, and
// in-flight transaction for this partition, §5's full-reset case:
// taken under stateLock in exclusive mode so no per-PID operation can
// observe a partially-cleared state. Used when the host partition
// layer determines the producer-state manager's own bookkeeping has
// diverged badly enough that a clean restart of tracking (rather than
// per-PID eviction via CleanupProducerState) is warranted.
func (m *Machine) ResetProducers() {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	m.log.reset()
	m.mem.wipe(m.raft.CurrentTerm())
}

// ApplyRaftSnapshot resets both logState and memState from blob, §4.6's
// apply_raft_snapshot: used when the Raft layer has discarded the log
// prefix up to some offset and this replica must catch up from a
// snapshot instead of replaying batches it no longer holds.
func (m *Machine) ApplyRaftSnapshot(blob []byte) error {
	snap, err := decodeLocalSnapshot(bytes.NewReader(blob))
	if err != nil {
		return err
	}
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	m.applyLocalSnapshotLocked(snap)
	return nil
}
