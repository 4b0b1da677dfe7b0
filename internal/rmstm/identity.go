// Package rmstm implements the per-partition resource manager state
// machine: idempotent-producer sequence dedup, transactional-producer
// epoch fencing and lifecycle, last-stable-offset publication, and
// aborted-transaction-range bookkeeping for a single replicated
// partition.
//
// The machine itself never talks to disk or the network directly; it
// is driven by a RaftLog collaborator (Replicate/Apply) and reaches
// out to a CoordinatorClient only to resolve auto-abort decisions.
package rmstm

import (
	"fmt"
	"time"
)

// NoProducerID and NoEpoch mark an identity that has not been
// assigned by a producer-id allocator yet.
const (
	NoProducerID int64 = -1
	NoEpoch      int16 = -1

	// MaxEpoch is the highest epoch a producer id can be fenced to
	// before the allocator must mint a fresh producer id.
	MaxEpoch int16 = 1<<15 - 1

	// NoOffset marks the absence of a log offset.
	NoOffset Offset = -1
)

// Offset is a log offset in the consumer-visible (Kafka) numbering.
type Offset int64

// TxSeq identifies one transaction attempt within a producer's
// session. Issued by the coordinator, monotonically increasing per
// session.
type TxSeq int64

// ProducerIdentity is the pair (producer_id, epoch) that zombie-fences
// stale producer sessions.
type ProducerIdentity struct {
	ID    int64
	Epoch int16
}

// NoProducerIdentity is the sentinel identity used where no producer
// is associated with an operation.
var NoProducerIdentity = ProducerIdentity{ID: NoProducerID, Epoch: NoEpoch}

// IsValid reports whether pid names a real producer session.
func (p ProducerIdentity) IsValid() bool {
	return p.ID != NoProducerID
}

func (p ProducerIdentity) String() string {
	return fmt.Sprintf("pid(%d,%d)", p.ID, p.Epoch)
}

// SeqCacheSize bounds the ring of recently-accepted (seq, offset)
// pairs kept per producer, matching the upstream resource manager's
// fixed five-entry cache rather than an unbounded map.
const SeqCacheSize = 5

// SeqCacheEntry is one retained (seq, offset) pair used to answer
// idempotent retries that land slightly behind the current tail.
type SeqCacheEntry struct {
	Seq    int32
	Offset Offset
}

// SeqEntry is the per-producer sequence dedup record.
type SeqEntry struct {
	PID  ProducerIdentity
	Seq  int32
	Last Offset

	cache    [SeqCacheSize]SeqCacheEntry
	cacheLen int

	LastWriteTime time.Time
	Term          int64
}

// NewSeqEntry returns a fresh dedup record for pid with no accepted
// sequence yet.
func NewSeqEntry(pid ProducerIdentity, term int64) *SeqEntry {
	return &SeqEntry{PID: pid, Seq: -1, Last: NoOffset, Term: term}
}

// Update folds in a newly-accepted (seq, offset) pair, pushing the
// previous head into the ring cache. Mirrors seq_entry::update in the
// reference implementation: stale or equal sequences are absorbed
// without disturbing the cache.
func (e *SeqEntry) Update(seq int32, offset Offset, now time.Time) {
	if seq < e.Seq {
		return
	}
	if seq == e.Seq {
		e.Last = offset
		e.LastWriteTime = now
		return
	}
	if e.Seq >= 0 && e.Last >= 0 {
		e.pushCache(SeqCacheEntry{Seq: e.Seq, Offset: e.Last})
	}
	e.Seq = seq
	e.Last = offset
	e.LastWriteTime = now
}

func (e *SeqEntry) pushCache(entry SeqCacheEntry) {
	if e.cacheLen < SeqCacheSize {
		e.cache[e.cacheLen] = entry
		e.cacheLen++
		return
	}
	copy(e.cache[0:], e.cache[1:])
	e.cache[SeqCacheSize-1] = entry
}

// CachedOffset returns the offset previously recorded for seq, either
// as the current head or from the retained ring, and whether it was
// found at all.
func (e *SeqEntry) CachedOffset(seq int32) (Offset, bool) {
	if seq == e.Seq {
		return e.Last, true
	}
	for i := 0; i < e.cacheLen; i++ {
		if e.cache[i].Seq == seq {
			return e.cache[i].Offset, true
		}
	}
	return NoOffset, false
}

// Copy returns an independent copy of the entry, used when exposing
// sequence state outside the lock that guards the live table.
func (e *SeqEntry) Copy() *SeqEntry {
	c := *e
	return &c
}

// BatchIdentity names the producer and sequence range of one record
// batch submitted for replication.
type BatchIdentity struct {
	PID             ProducerIdentity
	BaseSeq         int32
	RecordCount     int32
	IsTransactional bool
	IsIdempotent    bool
}

// LastSeq returns the sequence of the final record in the batch.
func (b BatchIdentity) LastSeq() int32 {
	return b.BaseSeq + b.RecordCount - 1
}

// TxRange is an inclusive range of log offsets written by one
// transaction attempt.
type TxRange struct {
	PID   ProducerIdentity
	First Offset
	Last  Offset
}

// Intersects reports whether the range overlaps [from, to].
func (r TxRange) Intersects(from, to Offset) bool {
	return r.First <= to && r.Last >= from
}

// AbortIndex names a persisted segment file holding a batch of
// aborted tx ranges wholly contained in [First, Last].
type AbortIndex struct {
	First Offset
	Last  Offset
}

// Matches reports whether the index names exactly [first, last].
// Abort segment files written by SnapshotStore carry no first/last
// header of their own; the range is encoded only in the file name.
func (idx AbortIndex) Matches(first, last Offset) bool {
	return idx.First == first && idx.Last == last
}

// ExpirationInfo tracks a transaction's deadline for the auto-abort
// timer.
type ExpirationInfo struct {
	Timeout                 time.Duration
	LastUpdate              time.Time
	ExplicitExpireRequested bool
}

// Deadline is the instant after which the transaction is considered
// expired absent a heartbeat.
func (e ExpirationInfo) Deadline() time.Time {
	return e.LastUpdate.Add(e.Timeout)
}

// IsExpired reports whether the transaction should be auto-aborted as
// of now.
func (e ExpirationInfo) IsExpired(now time.Time) bool {
	return e.ExplicitExpireRequested || !e.Deadline().After(now)
}

// TxData is the authoritative record of which coordinator partition
// owns a producer's current transaction attempt.
type TxData struct {
	TxSeq       TxSeq
	TMPartition int32
}

// PrepareMarker records that the coordinator has durably decided the
// outcome of a transaction attempt.
type PrepareMarker struct {
	TMPartition int32
	TxSeq       TxSeq
	PID         ProducerIdentity
}

// AbortOrigin classifies an incoming tx_seq against the currently
// tracked attempt for a producer.
type AbortOrigin int

const (
	// AbortOriginPresent means the incoming tx_seq matches the
	// currently tracked attempt.
	AbortOriginPresent AbortOrigin = iota
	// AbortOriginPast means the incoming tx_seq is older than the
	// currently tracked attempt: the coordinator has already moved on.
	AbortOriginPast
	// AbortOriginFuture means the incoming tx_seq is newer than
	// anything this partition has seen: the request arrived before
	// its begin_tx fence batch was applied.
	AbortOriginFuture
)

// TxDecision is the coordinator's authoritative answer to
// route_transaction_decision.
type TxDecision int

const (
	TxDecisionUnknown TxDecision = iota
	TxDecisionCommit
	TxDecisionAbort
)

// ControlRecordKind enumerates the closed set of control records
// folded by the apply path.
type ControlRecordKind int8

const (
	ControlRecordData ControlRecordKind = iota
	ControlRecordFenceV0
	ControlRecordFenceV1
	ControlRecordFenceV2
	ControlRecordPrepare
	ControlRecordCommit
	ControlRecordAbort
)

func (k ControlRecordKind) String() string {
	switch k {
	case ControlRecordData:
		return "data"
	case ControlRecordFenceV0:
		return "fence_v0"
	case ControlRecordFenceV1:
		return "fence_v1"
	case ControlRecordFenceV2:
		return "fence_v2"
	case ControlRecordPrepare:
		return "prepare"
	case ControlRecordCommit:
		return "commit"
	case ControlRecordAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// FenceBatchV2 is the payload of a fence control batch that also
// begins a transaction attempt (the v2 wire format in §6).
type FenceBatchV2 struct {
	PID              ProducerIdentity
	TxSeq            TxSeq
	TransactionTimeout time.Duration
	TMPartition      int32
}

// RecordBatch is the unit submitted to and returned from the Raft
// collaborator. Control batches carry Kind != ControlRecordData and
// no payload records; data batches carry Kind == ControlRecordData
// and the batch identity of the records being written.
type RecordBatch struct {
	Kind  ControlRecordKind
	BID   BatchIdentity
	Fence FenceBatchV2
	// Offset is populated by the Raft collaborator when it assigns the
	// batch its log offset; batches this machine constructs for
	// submission leave it unset, and Apply reads it.
	Offset Offset
}

// ReplicateOptions carries delivery options for a Replicate call.
// Timeout is the only option this module's pipeline sets; the
// field set mirrors the "options" bag named in the external
// interfaces without prescribing a consensus-layer encoding.
type ReplicateOptions struct {
	Timeout time.Duration
}
