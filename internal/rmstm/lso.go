package rmstm

// lastStableOffsetLocked implements the five-step LSO computation of
// §4.4. Callers must hold stateLock (read or write).
//
//  1. Start from one past the last applied offset (everything applied
//     so far is stable unless clamped below).
//  2. If any transaction is ongoing, clamp to the minimum of every
//     ongoing transaction's first offset: nothing at or after an open
//     transaction's start is stable.
//  3. Clamp to the minimum "estimated" (in-flight, not-yet-applied)
//     offset across all producers, so a write that is still being
//     replicated never gets collected past.
//  4. Clamp to the minimum in-flight transaction-start offset recorded
//     in mem state, covering the window between a transactional
//     write's submission and its Apply.
//  5. Never regress below the last computed LSO: the result is the
//     max of the clamped candidate and mem.lastLSO.
func (m *Machine) lastStableOffsetLocked() Offset {
	candidate := m.raft.LastAppliedOffset() + 1

	for first := range m.log.ongoingSet {
		if first < candidate {
			candidate = first
		}
	}

	for _, off := range m.mem.estimated {
		if off < candidate {
			candidate = off
		}
	}

	for off := range m.mem.txStarts {
		if off < candidate {
			candidate = off
		}
	}

	if candidate < m.mem.lastLSO {
		candidate = m.mem.lastLSO
	}
	m.mem.lastLSO = candidate
	if m.metrics != nil {
		m.metrics.SetLastStableOffset(m.partition, candidate)
	}
	return candidate
}

// LastStableOffset is the exported, locked form of the §4.4 algorithm:
// the offset below which every record is either non-transactional or
// belongs to a transaction whose outcome (commit or abort) is already
// known.
func (m *Machine) LastStableOffset() Offset {
	m.stateLock.Lock()
	defer m.stateLock.Unlock()
	return m.lastStableOffsetLocked()
}

// MaxCollectibleOffset is the highest offset safe to return to a
// read-committed consumer: one below LSO, since LSO itself may name
// the first offset of a transaction not yet resolved.
func (m *Machine) MaxCollectibleOffset() Offset {
	lso := m.LastStableOffset()
	if lso <= 0 {
		return NoOffset
	}
	return lso - 1
}

// AbortedTransactions answers §4.5's query: every aborted transaction
// range overlapping [from, to]. It first consults the small in-memory
// aborted list, then consults on-disk abort index segments whose
// [First, Last] range could overlap the query, loading each lazily via
// the snapshot store.
func (m *Machine) AbortedTransactions(from, to Offset) ([]TxRange, error) {
	m.stateLock.RLock()
	var inMemory []TxRange
	for _, r := range m.log.aborted {
		if r.Intersects(from, to) {
			inMemory = append(inMemory, r)
		}
	}
	var candidates []AbortIndex
	for _, idx := range m.log.abortIndexes {
		if idx.First <= to && idx.Last >= from {
			candidates = append(candidates, idx)
		}
	}
	m.stateLock.RUnlock()

	result := inMemory
	if m.snapshots == nil {
		return result, nil
	}
	for _, idx := range candidates {
		ranges, err := m.snapshots.LoadAbortSegment(idx)
		if err != nil {
			return nil, err
		}
		for _, r := range ranges {
			if r.Intersects(from, to) {
				result = append(result, r)
			}
		}
	}
	return result, nil
}

// maybeOffloadAbortedLocked moves the in-memory aborted list to a new
// on-disk segment once it holds at least the configured threshold of
// ranges (AbortIndexSegmentSize), keeping
// the hot path's in-memory footprint bounded regardless of how many
// transactions a partition has ever aborted. Callers must hold
// stateLock for writing.
func (m *Machine) maybeOffloadAbortedLocked() error {
	if len(m.log.aborted) < m.config.AbortIndexSegmentSize {
		return nil
	}
	if m.snapshots == nil {
		return nil
	}
	first := m.log.aborted[0].First
	last := m.log.aborted[len(m.log.aborted)-1].Last
	idx := AbortIndex{First: first, Last: last}
	if err := m.snapshots.SaveAbortSegment(idx, m.log.aborted); err != nil {
		return err
	}
	m.log.abortIndexes = append(m.log.abortIndexes, idx)
	m.log.lastAbortSnapshot = idx
	m.log.aborted = m.log.aborted[:0]
	if m.metrics != nil {
		m.metrics.IncAbortedSegmentOffload()
	}
	return nil
}
