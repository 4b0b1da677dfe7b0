package rmstm

import (
	"context"
	"time"
)

// Replicate is the entry point for idempotent and transactional
// writes, §4.1. It dispatches on bid.IsTransactional/IsIdempotent,
// enforces fencing and per-PID sequence ordering, and submits the
// batch to the Raft collaborator.
func (m *Machine) Replicate(ctx context.Context, bid BatchIdentity, opts ReplicateOptions) (Offset, error) {
	if bid.IsTransactional {
		return m.transactionalReplicate(ctx, bid, opts)
	}
	if bid.IsIdempotent {
		return m.idempotentReplicate(ctx, bid, opts)
	}
	return m.raft.Replicate(ctx, RecordBatch{Kind: ControlRecordData, BID: bid}, opts)
}

func (m *Machine) checkFenced(pid ProducerIdentity) error {
	m.stateLock.RLock()
	stored, fenced := m.log.fencePIDEpoch[pid.ID]
	m.stateLock.RUnlock()
	if fenced && pid.Epoch < stored {
		if m.metrics != nil {
			m.metrics.IncFencingRejection()
		}
		return ErrFenced
	}
	return nil
}

// checkFencedForQuery is checkFenced for commit_tx/abort_tx, §8's
// "Fence bumps epoch" scenario: a query against a transaction whose
// epoch has since been superseded reports invalid_producer_epoch
// rather than the write-path's generic ErrFenced, since the caller
// isn't trying to write as the stale epoch, only asking about a
// transaction that epoch used to own.
func (m *Machine) checkFencedForQuery(pid ProducerIdentity) error {
	if err := m.checkFenced(pid); err != nil {
		if err == ErrFenced {
			return ErrInvalidProducerEpoch
		}
		return err
	}
	return nil
}

// checkSeq validates bid against the tracked dedup state for bid.PID.
// A retry of the last-accepted batch is recognized by bid.LastSeq()
// matching entry.Seq, which stores the *last* seq of that batch, so
// this also covers RecordCount>1 full-batch retries whose BaseSeq sits
// below entry.Seq. Older retries are served from the ring cache, which
// is keyed the same way (by each batch's last seq), the
// next-expected sequence is accepted, and everything else is
// rejected. The first write for a never-seen producer must start at
// seq 0.
func (m *Machine) checkSeq(bid BatchIdentity) (cached Offset, isRetry bool, err error) {
	m.stateLock.RLock()
	entry, known := m.log.seqTable[bid.PID]
	m.stateLock.RUnlock()

	if !known {
		if bid.BaseSeq != 0 {
			if m.metrics != nil {
				m.metrics.IncSequenceRejection("out_of_order")
			}
			return NoOffset, false, ErrOutOfOrderSequence
		}
		return NoOffset, false, nil
	}

	if bid.LastSeq() == entry.Seq {
		return entry.Last, true, nil
	}
	if off, ok := entry.CachedOffset(bid.LastSeq()); ok {
		return off, true, nil
	}
	if int32(bid.BaseSeq) == entry.Seq+1 {
		return NoOffset, false, nil
	}
	if bid.BaseSeq < entry.Seq {
		if m.metrics != nil {
			m.metrics.IncSequenceRejection("duplicate")
		}
		return NoOffset, false, ErrDuplicateSequence
	}
	if m.metrics != nil {
		m.metrics.IncSequenceRejection("out_of_order")
	}
	return NoOffset, false, ErrOutOfOrderSequence
}

func (m *Machine) idempotentReplicate(ctx context.Context, bid BatchIdentity, opts ReplicateOptions) (Offset, error) {
	return m.idempotentReplicateStaged(ctx, bid, opts, noopEnqueue)
}

// idempotentReplicateStaged is idempotentReplicate's body, plumbed
// with an onEnqueue hook so ReplicateInStages can signal its enqueued
// stage from the same code path a plain Replicate call runs, rather
// than maintaining a second copy of the dedup/fencing logic.
func (m *Machine) idempotentReplicateStaged(ctx context.Context, bid BatchIdentity, opts ReplicateOptions, onEnqueue func()) (Offset, error) {
	start := time.Now()
	if m.metrics != nil {
		defer func() { m.metrics.ObserveReplicateLatency("idempotent", time.Since(start).Seconds()) }()
	}

	lock := m.getTxLock(bid.PID.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.sync(ctx, m.config.SyncTimeout); err != nil {
		onEnqueue()
		return NoOffset, err
	}
	if err := m.checkFenced(bid.PID); err != nil {
		onEnqueue()
		return NoOffset, err
	}

	cached, isRetry, err := m.checkSeq(bid)
	if err != nil {
		onEnqueue()
		return NoOffset, err
	}
	if isRetry {
		onEnqueue()
		return cached, nil
	}

	tail := m.raft.LastAppliedOffset()
	m.stateLock.Lock()
	m.mem.estimated[bid.PID] = tail
	m.stateLock.Unlock()

	offset, err := m.raft.Replicate(ctx, RecordBatch{Kind: ControlRecordData, BID: bid}, opts)
	onEnqueue()
	if err != nil {
		m.stateLock.Lock()
		delete(m.mem.estimated, bid.PID)
		m.stateLock.Unlock()
		return NoOffset, err
	}

	m.stateLock.Lock()
	entry, ok := m.log.seqTable[bid.PID]
	if !ok {
		entry = NewSeqEntry(bid.PID, m.mem.term)
		m.log.seqTable[bid.PID] = entry
	}
	entry.Update(bid.LastSeq(), offset, time.Now())
	m.stateLock.Unlock()

	return offset, nil
}

func (m *Machine) transactionalReplicate(ctx context.Context, bid BatchIdentity, opts ReplicateOptions) (Offset, error) {
	return m.transactionalReplicateStaged(ctx, bid, opts, noopEnqueue)
}

// transactionalReplicateStaged is transactionalReplicate's body,
// plumbed the same way idempotentReplicateStaged is.
func (m *Machine) transactionalReplicateStaged(ctx context.Context, bid BatchIdentity, opts ReplicateOptions, onEnqueue func()) (Offset, error) {
	start := time.Now()
	if m.metrics != nil {
		defer func() { m.metrics.ObserveReplicateLatency("transactional", time.Since(start).Seconds()) }()
	}

	lock := m.getTxLock(bid.PID.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.sync(ctx, m.config.SyncTimeout); err != nil {
		onEnqueue()
		return NoOffset, err
	}
	if err := m.checkFenced(bid.PID); err != nil {
		onEnqueue()
		return NoOffset, err
	}

	m.stateLock.RLock()
	_, hasExpected := m.mem.expected[bid.PID]
	termAtBegin := m.mem.term
	m.stateLock.RUnlock()

	if !hasExpected {
		onEnqueue()
		return NoOffset, ErrInvalidTxState
	}

	if termAtBegin != m.raft.CurrentTerm() {
		onEnqueue()
		return NoOffset, ErrNotLeader
	}

	cached, isRetry, err := m.checkSeq(bid)
	if err != nil {
		onEnqueue()
		return NoOffset, err
	}
	if isRetry {
		onEnqueue()
		return cached, nil
	}

	tail := m.raft.LastAppliedOffset()
	m.stateLock.Lock()
	m.mem.estimated[bid.PID] = tail
	_, alreadyStarted := m.mem.txStart[bid.PID]
	reservedTxStart := !alreadyStarted
	if reservedTxStart {
		m.mem.txStart[bid.PID] = tail
		m.mem.addTxStart(tail)
	}
	m.stateLock.Unlock()

	offset, err := m.raft.Replicate(ctx, RecordBatch{Kind: ControlRecordData, BID: bid}, opts)
	onEnqueue()
	if err != nil {
		m.stateLock.Lock()
		delete(m.mem.estimated, bid.PID)
		if reservedTxStart {
			delete(m.mem.txStart, bid.PID)
			m.mem.removeTxStart(tail)
		}
		m.stateLock.Unlock()
		return NoOffset, err
	}

	m.stateLock.Lock()
	entry, ok := m.log.seqTable[bid.PID]
	if !ok {
		entry = NewSeqEntry(bid.PID, m.mem.term)
		m.log.seqTable[bid.PID] = entry
	}
	entry.Update(bid.LastSeq(), offset, time.Now())
	m.stateLock.Unlock()

	return offset, nil
}

func noopEnqueue() {}
