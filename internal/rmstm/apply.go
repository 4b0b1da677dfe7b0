package rmstm

import "time"

// Apply folds one committed batch into logState in Raft's commit
// order, §4.3. It is the only path that mutates logState; it must
// never be called concurrently for out-of-order offsets.
func (m *Machine) Apply(batch RecordBatch) error {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()

	switch batch.Kind {
	case ControlRecordData:
		return m.applyDataLocked(batch)
	case ControlRecordFenceV0, ControlRecordFenceV1, ControlRecordFenceV2:
		return m.applyFenceLocked(batch)
	case ControlRecordPrepare:
		return m.applyPrepareLocked(batch)
	case ControlRecordCommit:
		return m.applyControlLocked(batch, true)
	case ControlRecordAbort:
		return m.applyControlLocked(batch, false)
	default:
		return ErrInvalidTxState
	}
}

func (m *Machine) applyDataLocked(batch RecordBatch) error {
	bid := batch.BID
	entry, ok := m.log.seqTable[bid.PID]
	if !ok {
		entry = NewSeqEntry(bid.PID, m.mem.term)
		m.log.seqTable[bid.PID] = entry
	}
	entry.Update(bid.LastSeq(), batch.Offset, time.Now())

	if bid.IsTransactional {
		if rng, ongoing := m.log.ongoing[bid.PID]; ongoing {
			if batch.Offset > rng.Last {
				rng.Last = batch.Offset
				m.log.ongoing[bid.PID] = rng
			}
		} else {
			rng := TxRange{PID: bid.PID, First: batch.Offset, Last: batch.Offset}
			m.log.ongoing[bid.PID] = rng
			m.log.addOngoingFirst(rng.First)
		}
	}

	delete(m.mem.estimated, bid.PID)
	if off, ok := m.mem.txStart[bid.PID]; ok {
		m.mem.removeTxStart(off)
		delete(m.mem.txStart, bid.PID)
	}
	return nil
}

// applyFenceLocked raises the fence epoch for the incoming producer
// id (a fence carrying an epoch below the stored one is rejected with
// ErrFenced and changes nothing), and drops
// all state recorded under a strictly lower epoch for the same
// producer id so a recycled epoch never inherits a zombie's sequence
// table.
func (m *Machine) applyFenceLocked(batch RecordBatch) error {
	fence := batch.Fence
	if stored, ok := m.log.fencePIDEpoch[fence.PID.ID]; ok && fence.PID.Epoch < stored {
		return ErrFenced
	}
	m.log.fencePIDEpoch[fence.PID.ID] = fence.PID.Epoch
	m.log.forgetLowerEpochs(fence.PID)

	if batch.Kind == ControlRecordFenceV2 {
		tmPartition := fence.TMPartition
		if !m.config.TransactionPartitioningFeatureActive {
			tmPartition = -1
		}
		m.log.currentTxes[fence.PID] = TxData{TxSeq: fence.TxSeq, TMPartition: tmPartition}
		m.log.expiration[fence.PID] = ExpirationInfo{
			Timeout:    fence.TransactionTimeout,
			LastUpdate: time.Now(),
		}
	}
	return nil
}

func (m *Machine) applyPrepareLocked(batch RecordBatch) error {
	pid := batch.BID.PID
	txData, ok := m.log.currentTxes[pid]
	if !ok {
		return ErrTxNotFound
	}
	m.log.prepared[pid] = PrepareMarker{TMPartition: txData.TMPartition, TxSeq: txData.TxSeq, PID: pid}
	return nil
}

// applyControlLocked folds a commit or abort control record: the
// producer's ongoing range is closed, moved to the aborted list on
// abort, and every piece of per-transaction bookkeeping for the
// producer is cleared so the next begin_tx starts clean.
func (m *Machine) applyControlLocked(batch RecordBatch, committed bool) error {
	pid := batch.BID.PID

	rng, hadRange := m.log.ongoing[pid]
	if hadRange {
		m.log.removeOngoingFirst(rng.First)
		delete(m.log.ongoing, pid)
		if !committed {
			m.log.aborted = append(m.log.aborted, rng)
		}
	}

	delete(m.log.currentTxes, pid)
	delete(m.log.prepared, pid)
	delete(m.log.expiration, pid)
	m.mem.forget(pid)

	if err := m.maybeOffloadAbortedLocked(); err != nil {
		m.logger.Warn("abort segment offload failed", "error", err)
	}

	if m.producers != nil {
		m.producers.CleanupProducerState(pid)
	}
	return nil
}

// abortOrigin classifies incomingTxSeq against the currently tracked
// attempt for pid, §4.3's get_abort_origin.
func (m *Machine) abortOrigin(pid ProducerIdentity, incomingTxSeq TxSeq) AbortOrigin {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	current, ok := m.log.currentTxes[pid]
	if !ok {
		return AbortOriginFuture
	}
	switch {
	case incomingTxSeq == current.TxSeq:
		return AbortOriginPresent
	case incomingTxSeq < current.TxSeq:
		return AbortOriginPast
	default:
		return AbortOriginFuture
	}
}

// getTxSeq returns the tx_seq this partition currently tracks for
// pid, if any.
func (m *Machine) getTxSeq(pid ProducerIdentity) (TxSeq, bool) {
	m.stateLock.RLock()
	defer m.stateLock.RUnlock()
	td, ok := m.log.currentTxes[pid]
	if !ok {
		return 0, false
	}
	return td.TxSeq, true
}
