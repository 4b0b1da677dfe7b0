package rmstm

import (
	"context"
	"time"
)

// BeginTx records that producer pid is starting transaction txSeq,
// §4.2. It synthesizes a fence batch v2 and replicates it; the batch
// carries pid's epoch, so applying it both raises fence_pid_epoch to
// pid.Epoch (purging any lower-epoch producer state sharing pid.ID)
// and records current_txes/expiration for the transaction. Only
// mem_state.expected is set directly here, as the speculative
// reservation that lets subsequent replicate calls on the same PID
// see the transaction before its fence batch has applied.
func (m *Machine) BeginTx(ctx context.Context, pid ProducerIdentity, txSeq TxSeq, timeout time.Duration, tmPartition int32) error {
	lock := m.getTxLock(pid.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.sync(ctx, m.config.SyncTimeout); err != nil {
		return err
	}
	if err := m.checkFenced(pid); err != nil {
		return err
	}

	m.stateLock.Lock()
	if existing, ok := m.mem.expected[pid]; ok && existing == txSeq {
		m.stateLock.Unlock()
		return nil // retry of an already-accepted begin
	}
	if _, ongoing := m.log.ongoing[pid]; ongoing {
		m.stateLock.Unlock()
		return ErrTxAlreadyInProgress
	}
	m.mem.expected[pid] = txSeq
	m.stateLock.Unlock()

	batch := RecordBatch{
		Kind: ControlRecordFenceV2,
		Fence: FenceBatchV2{
			PID:                pid,
			TxSeq:              txSeq,
			TransactionTimeout: timeout,
			TMPartition:        tmPartition,
		},
	}
	if _, err := m.raft.Replicate(ctx, batch, ReplicateOptions{Timeout: m.config.SyncTimeout}); err != nil {
		m.stateLock.Lock()
		delete(m.mem.expected, pid)
		m.stateLock.Unlock()
		return err
	}
	return nil
}

// CommitTx finalizes pid's current transaction, §4.2. The caller is
// expected to have already driven the coordinator's two-phase commit
// to completion; this call folds the outcome into local state once
// the commit control record is about to be (or has been) applied.
func (m *Machine) CommitTx(ctx context.Context, pid ProducerIdentity, txSeq TxSeq) error {
	lock := m.getTxLock(pid.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.sync(ctx, m.config.SyncTimeout); err != nil {
		return err
	}
	if err := m.checkFencedForQuery(pid); err != nil {
		return err
	}

	if err := m.checkTxSeqOrigin(pid, txSeq); err != nil {
		return err
	}

	_, err := m.raft.Replicate(ctx, RecordBatch{Kind: ControlRecordCommit, BID: BatchIdentity{PID: pid}}, ReplicateOptions{Timeout: m.config.SyncTimeout})
	return err
}

// AbortTx aborts pid's current transaction, §4.2, either by explicit
// producer request or as the result of the auto-abort timer's
// coordinator round-trip.
func (m *Machine) AbortTx(ctx context.Context, pid ProducerIdentity, txSeq TxSeq) error {
	lock := m.getTxLock(pid.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := m.sync(ctx, m.config.SyncTimeout); err != nil {
		return err
	}
	if err := m.checkFencedForQuery(pid); err != nil {
		return err
	}

	if err := m.checkTxSeqOrigin(pid, txSeq); err != nil {
		return err
	}

	_, err := m.raft.Replicate(ctx, RecordBatch{Kind: ControlRecordAbort, BID: BatchIdentity{PID: pid}}, ReplicateOptions{Timeout: m.config.SyncTimeout})
	return err
}

// checkTxSeqOrigin implements §4.2's commit_tx/abort_tx origin check:
// get_tx_seq(pid) != tx_seq is resolved via abort_origin rather than a
// single undifferentiated mismatch error, so a coordinator that has
// already moved on (stale) is distinguished from one racing ahead of
// this replica's applied fence batch (not found).
func (m *Machine) checkTxSeqOrigin(pid ProducerIdentity, txSeq TxSeq) error {
	current, known := m.getTxSeq(pid)
	if known && current == txSeq {
		return nil
	}

	m.stateLock.RLock()
	everSeen := m.isKnownSession(pid)
	m.stateLock.RUnlock()
	if !everSeen {
		return ErrUnknownProducerID
	}

	switch m.abortOrigin(pid, txSeq) {
	case AbortOriginPast:
		return ErrStaleTxSeq
	default:
		return ErrTxNotFound
	}
}

// MarkExpired flags pid's current transaction as past its deadline
// without yet resolving its outcome; the auto-abort loop uses this as
// the trigger to consult the coordinator.
func (m *Machine) MarkExpired(pid ProducerIdentity) {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	exp, ok := m.log.expiration[pid]
	if !ok {
		return
	}
	exp.ExplicitExpireRequested = true
	m.log.expiration[pid] = exp
}

// expiredProducers returns every producer identity whose transaction
// has outlived its timeout, under a read lock.
func (m *Machine) expiredProducers(now time.Time) []ProducerIdentity {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	var out []ProducerIdentity
	for pid, exp := range m.log.expiration {
		if exp.IsExpired(now) {
			out = append(out, pid)
		}
	}
	return out
}

// autoAbortLoop periodically scans for expired transactions and asks
// the coordinator to resolve them, §4.2's recovery path. Each
// resolution makes up to three tries per tick when the coordinator is
// unreachable, backing off exponentially between them (100ms, then
// 200ms); a producer still expired on the next tick is retried then.
func (m *Machine) autoAbortLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.AbortInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.abortExpiredOnce(ctx)
		}
	}
}

func (m *Machine) abortExpiredOnce(ctx context.Context) {
	for _, pid := range m.expiredProducers(time.Now()) {
		if err := m.resolveExpiredTx(ctx, pid); err != nil {
			m.logger.Warn("auto-abort resolution failed, will retry next tick",
				"producer_id", pid.ID, "epoch", pid.Epoch, "error", err)
		}
	}
}

func (m *Machine) resolveExpiredTx(ctx context.Context, pid ProducerIdentity) error {
	m.stateLock.RLock()
	txData, ok := m.log.currentTxes[pid]
	m.stateLock.RUnlock()
	if !ok {
		return nil
	}

	const maxAttempts = 3
	baseDelay := 100 * time.Millisecond

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<uint(attempt-1))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		decision, err := m.coordinator.RouteTransactionDecision(ctx, pid, txData.TxSeq)
		if err != nil {
			continue
		}

		switch decision {
		case TxDecisionCommit:
			if m.metrics != nil {
				m.metrics.IncAutoAbortAttempt("commit")
			}
			return m.CommitTx(ctx, pid, txData.TxSeq)
		case TxDecisionAbort:
			if m.metrics != nil {
				m.metrics.IncAutoAbortAttempt("abort")
			}
			return m.AbortTx(ctx, pid, txData.TxSeq)
		default:
			return nil
		}
	}
	if m.metrics != nil {
		m.metrics.IncAutoAbortAttempt("coordinator_unreachable")
	}
	return ErrCoordinatorUnreachable
}
