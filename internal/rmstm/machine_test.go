package rmstm

import (
	"context"
	"testing"
	"time"
)

func testMachine(t *testing.T) (*Machine, *fakeRaftLog) {
	t.Helper()
	raft := newFakeRaftLog()
	cfg := DefaultConfig()
	cfg.IsAutoAbortEnabled = false
	m := New(0, cfg, raft, &fakeCoordinator{}, &fakeProducerManager{}, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, raft
}

func TestIdempotentReplicate_SequentialAccepted(t *testing.T) {
	m, raft := testMachine(t)
	pid := ProducerIdentity{ID: 1, Epoch: 0}

	bid := BatchIdentity{PID: pid, BaseSeq: 0, RecordCount: 1, IsIdempotent: true}
	off, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate seq 0: %v", err)
	}
	applyAll(t, m, raft)

	bid2 := BatchIdentity{PID: pid, BaseSeq: 1, RecordCount: 1, IsIdempotent: true}
	off2, err := m.Replicate(context.Background(), bid2, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate seq 1: %v", err)
	}
	if off2 <= off {
		t.Fatalf("expected offset to advance, got %d then %d", off, off2)
	}
}

func TestIdempotentReplicate_DuplicateReturnsCachedOffset(t *testing.T) {
	m, raft := testMachine(t)
	pid := ProducerIdentity{ID: 1, Epoch: 0}

	bid := BatchIdentity{PID: pid, BaseSeq: 0, RecordCount: 1, IsIdempotent: true}
	first, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	applyAll(t, m, raft)

	retry, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("retry replicate: %v", err)
	}
	if retry != first {
		t.Fatalf("expected retry to return cached offset %d, got %d", first, retry)
	}
}

func TestIdempotentReplicate_MultiRecordBatchRetryReturnsCachedOffset(t *testing.T) {
	m, raft := testMachine(t)
	pid := ProducerIdentity{ID: 1, Epoch: 0}

	bid := BatchIdentity{PID: pid, BaseSeq: 0, RecordCount: 3, IsIdempotent: true}
	first, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	applyAll(t, m, raft)

	retry, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("retry replicate: %v", err)
	}
	if retry != first {
		t.Fatalf("expected full-batch retry (base_seq below entry.Seq) to return cached offset %d, got %d", first, retry)
	}
}

func TestIdempotentReplicate_OutOfOrderRejected(t *testing.T) {
	m, _ := testMachine(t)
	pid := ProducerIdentity{ID: 1, Epoch: 0}

	bid := BatchIdentity{PID: pid, BaseSeq: 5, RecordCount: 1, IsIdempotent: true}
	_, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != ErrOutOfOrderSequence {
		t.Fatalf("expected ErrOutOfOrderSequence, got %v", err)
	}
}

func TestFencing_LowerEpochRejected(t *testing.T) {
	m, _ := testMachine(t)
	m.log.fencePIDEpoch[7] = 3

	pid := ProducerIdentity{ID: 7, Epoch: 1}
	bid := BatchIdentity{PID: pid, BaseSeq: 0, RecordCount: 1, IsIdempotent: true}
	_, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != ErrFenced {
		t.Fatalf("expected ErrFenced, got %v", err)
	}
}

func TestBeginTx_ReplicatesFenceAndRaisesEpoch(t *testing.T) {
	m, raft := testMachine(t)
	pid := ProducerIdentity{ID: 7, Epoch: 1}

	if err := m.BeginTx(context.Background(), pid, 5, 30*time.Second, 0); err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	applyAll(t, m, raft)

	m.stateLock.RLock()
	epoch, fenced := m.log.fencePIDEpoch[pid.ID]
	txData, known := m.log.currentTxes[pid]
	_, hasExpiration := m.log.expiration[pid]
	m.stateLock.RUnlock()

	if !fenced || epoch != pid.Epoch {
		t.Fatalf("expected fence_pid_epoch raised to %d, got %d (fenced=%v)", pid.Epoch, epoch, fenced)
	}
	if !known || txData.TxSeq != 5 {
		t.Fatalf("expected current_txes[pid] populated by the replicated fence batch, got %+v known=%v", txData, known)
	}
	if txData.TMPartition != 0 {
		t.Fatalf("expected tm_partition threaded through from begin_tx, got %d", txData.TMPartition)
	}
	if !hasExpiration {
		t.Fatal("expected expiration recorded for the new transaction")
	}
}

func TestApplyFence_RaisingEpochKeepsItsOwnFenceEpoch(t *testing.T) {
	m, _ := testMachine(t)

	low := ProducerIdentity{ID: 7, Epoch: 0}
	high := ProducerIdentity{ID: 7, Epoch: 1}

	// Seed state as though epoch 0 had an open transaction.
	m.log.seqTable[low] = NewSeqEntry(low, 0)
	m.log.ongoing[low] = TxRange{PID: low, First: 0, Last: 0}
	m.log.addOngoingFirst(0)

	if err := m.Apply(RecordBatch{Kind: ControlRecordFenceV2, Fence: FenceBatchV2{PID: high, TxSeq: 9}}); err != nil {
		t.Fatalf("apply fence: %v", err)
	}

	m.stateLock.RLock()
	epoch, ok := m.log.fencePIDEpoch[high.ID]
	m.stateLock.RUnlock()
	if !ok || epoch != high.Epoch {
		t.Fatalf("expected fence epoch raised to %d for producer id %d, got %d (ok=%v)", high.Epoch, high.ID, epoch, ok)
	}
	if _, stillThere := m.log.seqTable[low]; stillThere {
		t.Fatal("expected the superseded lower-epoch identity's seq table entry to be purged")
	}
}

func TestLastStableOffset_ClampedByOngoingTransaction(t *testing.T) {
	m, raft := testMachine(t)
	pid := ProducerIdentity{ID: 1, Epoch: 0}

	m.mem.expected[pid] = 1
	bid := BatchIdentity{PID: pid, BaseSeq: 0, RecordCount: 1, IsTransactional: true}
	_, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	applyAll(t, m, raft)

	// A second, non-transactional write advances the log tail further.
	bid2 := BatchIdentity{PID: ProducerIdentity{ID: 2}, BaseSeq: 0, RecordCount: 1}
	_, err = m.Replicate(context.Background(), bid2, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate second: %v", err)
	}
	applyAll(t, m, raft)

	lso := m.LastStableOffset()
	if lso != 0 {
		t.Fatalf("expected LSO clamped to the open transaction's first offset (0), got %d", lso)
	}
}

func TestLastStableOffset_Monotonic(t *testing.T) {
	m, raft := testMachine(t)
	first := m.LastStableOffset()

	bid := BatchIdentity{PID: ProducerIdentity{ID: 1}, BaseSeq: 0, RecordCount: 1}
	_, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	applyAll(t, m, raft)

	second := m.LastStableOffset()
	if second < first {
		t.Fatalf("LSO regressed: %d then %d", first, second)
	}

	m.stateLock.Lock()
	m.mem.wipe(m.mem.term + 1)
	m.stateLock.Unlock()

	third := m.LastStableOffset()
	if third < second {
		t.Fatalf("LSO regressed across term wipe: %d then %d", second, third)
	}
}

func TestApplyControl_AbortMovesRangeToAbortedList(t *testing.T) {
	m, raft := testMachine(t)
	pid := ProducerIdentity{ID: 1, Epoch: 0}
	m.mem.expected[pid] = 1
	m.log.currentTxes[pid] = TxData{TxSeq: 1}

	bid := BatchIdentity{PID: pid, BaseSeq: 0, RecordCount: 1, IsTransactional: true}
	_, err := m.Replicate(context.Background(), bid, ReplicateOptions{})
	if err != nil {
		t.Fatalf("replicate: %v", err)
	}
	applyAll(t, m, raft)

	if err := m.AbortTx(context.Background(), pid, 1); err != nil {
		t.Fatalf("abort: %v", err)
	}
	applyAll(t, m, raft)

	ranges, err := m.AbortedTransactions(0, 10)
	if err != nil {
		t.Fatalf("aborted transactions: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("expected 1 aborted range, got %d", len(ranges))
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewSnapshotStore(dir)

	raft := newFakeRaftLog()
	raft.applied = 41
	m := New(0, DefaultConfig(), raft, &fakeCoordinator{}, &fakeProducerManager{}, store, nil)

	pid := ProducerIdentity{ID: 9, Epoch: 2}
	m.log.fencePIDEpoch[pid.ID] = pid.Epoch
	entry := NewSeqEntry(pid, 7)
	entry.Update(1, 10, time.Now())
	entry.Update(2, 20, time.Now())
	entry.Update(3, 41, time.Now())
	m.log.seqTable[pid] = entry
	m.log.aborted = append(m.log.aborted, TxRange{PID: pid, First: 10, Last: 12})

	if err := m.TakeLocalSnapshot(); err != nil {
		t.Fatalf("take snapshot: %v", err)
	}

	loaded, err := store.LoadLocalSnapshot()
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a snapshot, got nil")
	}
	if loaded.Fenced[pid.ID] != pid.Epoch {
		t.Fatalf("fenced epoch mismatch: got %d want %d", loaded.Fenced[pid.ID], pid.Epoch)
	}
	if len(loaded.Aborted) != 1 || loaded.Aborted[0].First != 10 {
		t.Fatalf("aborted ranges not preserved: %+v", loaded.Aborted)
	}
	if len(loaded.Seqs) != 1 || loaded.Seqs[0].Seq != 3 {
		t.Fatalf("seq table not preserved: %+v", loaded.Seqs)
	}
	loadedEntry := loaded.Seqs[0]
	if loadedEntry.Term != 7 {
		t.Fatalf("seq entry term not preserved: got %d want 7", loadedEntry.Term)
	}
	if loadedEntry.LastWriteTime.IsZero() {
		t.Fatal("seq entry last_write_time not preserved")
	}
	if off, ok := loadedEntry.CachedOffset(1); !ok || off != 10 {
		t.Fatalf("seq entry ring cache lost seq=1: off=%d ok=%v", off, ok)
	}
	if off, ok := loadedEntry.CachedOffset(2); !ok || off != 20 {
		t.Fatalf("seq entry ring cache lost seq=2: off=%d ok=%v", off, ok)
	}
}

func TestAutoAbort_ExpiredTransactionResolvedByCoordinator(t *testing.T) {
	raft := newFakeRaftLog()
	coord := &fakeCoordinator{decision: TxDecisionAbort}
	cfg := DefaultConfig()
	cfg.IsAutoAbortEnabled = false
	cfg.TxTimeoutDelay = time.Millisecond

	m := New(0, cfg, raft, coord, &fakeProducerManager{}, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer m.Stop()

	pid := ProducerIdentity{ID: 1, Epoch: 0}
	if err := m.BeginTx(context.Background(), pid, 1, cfg.TxTimeoutDelay, 0); err != nil {
		t.Fatalf("begin tx: %v", err)
	}
	// The fence batch must be applied before expiration tracking exists:
	// BeginTx only reserves mem_state.expected speculatively, and
	// log_state.expiration[pid] is populated by applyFenceLocked.
	applyAll(t, m, raft)

	time.Sleep(2 * time.Millisecond)
	m.abortExpiredOnce(context.Background())
	// abortExpiredOnce's coordinator round trip replicates the abort
	// control record synchronously but does not apply it.
	applyAll(t, m, raft)

	if coord.calls == 0 {
		t.Fatal("expected coordinator to be consulted for the expired transaction")
	}
	if _, ok := m.getTxSeq(pid); ok {
		t.Fatal("expected transaction to be cleared after auto-abort")
	}
}
