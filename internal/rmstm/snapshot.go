package rmstm

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Local snapshots persist logState so a restarting replica does not
// need to replay its partition's entire log. The on-disk format is
// versioned, binary, and length-prefixed: a one-byte version tag
// followed by little-endian fixed-width fields and length-prefixed
// vectors, in the fixed order: fenced, ongoing, prepared, aborted,
// abort_indexes, offset, seqs, tx_data, expiration.
//
// Version 4 is the only format this machine writes. Version 3 is
// accepted on read and upgraded in memory: tx_data and expiration,
// which v3 stores as two parallel vectors keyed by producer, are
// zipped into one; tm_partition, absent from v3's tx_data, defaults
// to -1 ("unknown"). Versions below 3 are rejected outright: the
// shapes diverge enough that a faithful upgrade path was never worth
// the complexity for formats this module never wrote.
const (
	snapshotVersionV3 = 3
	snapshotVersionV4 = 4
)

const localSnapshotFileName = "rmstm_snapshot.bin"

// LocalSnapshot is the decoded, in-memory form of an on-disk snapshot.
type LocalSnapshot struct {
	Offset Offset

	Fenced       map[int64]int16
	Ongoing      map[ProducerIdentity]TxRange
	Prepared     map[ProducerIdentity]PrepareMarker
	Aborted      []TxRange
	AbortIndexes []AbortIndex
	Seqs         []*SeqEntry
	TxData       map[ProducerIdentity]TxData
	Expiration   map[ProducerIdentity]ExpirationInfo
}

// SnapshotStore owns local snapshot and abort-segment files for one
// partition under dir.
type SnapshotStore struct {
	dir string
}

func NewSnapshotStore(dir string) *SnapshotStore {
	return &SnapshotStore{dir: dir}
}

func (s *SnapshotStore) localPath() string {
	return filepath.Join(s.dir, localSnapshotFileName)
}

func (s *SnapshotStore) abortSegmentPath(idx AbortIndex) string {
	return filepath.Join(s.dir, fmt.Sprintf("abort-%d-%d.bin", idx.First, idx.Last))
}

// LoadLocalSnapshot reads the local snapshot file, returning (nil,
// nil) if none exists yet.
func (s *SnapshotStore) LoadLocalSnapshot() (*LocalSnapshot, error) {
	f, err := os.Open(s.localPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	return decodeLocalSnapshot(r)
}

// SaveLocalSnapshot writes snap via a temp-file-then-rename sequence
// so a crash mid-write never leaves a half-written snapshot in place
// of a good one.
func (s *SnapshotStore) SaveLocalSnapshot(snap *LocalSnapshot) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	tmp := s.localPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	w := bufio.NewWriter(f)
	if err := encodeLocalSnapshot(w, snap); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := os.Rename(tmp, s.localPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// LoadAbortSegment reads an offloaded batch of aborted ranges.
func (s *SnapshotStore) LoadAbortSegment(idx AbortIndex) ([]TxRange, error) {
	f, err := os.Open(s.abortSegmentPath(idx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	ranges := make([]TxRange, 0, count)
	for i := uint32(0); i < count; i++ {
		rg, err := readTxRange(r)
		if err != nil {
			return nil, err
		}
		ranges = append(ranges, rg)
	}
	return ranges, nil
}

// SaveAbortSegment writes an abort index segment atomically.
func (s *SnapshotStore) SaveAbortSegment(idx AbortIndex, ranges []TxRange) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	path := s.abortSegmentPath(idx)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	w := bufio.NewWriter(f)
	writeUint32(w, uint32(len(ranges)))
	for _, rg := range ranges {
		writeTxRange(w, rg)
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	f.Close()
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	return nil
}

// --- encode ---

func encodeLocalSnapshot(w io.Writer, snap *LocalSnapshot) error {
	if err := writeByte(w, snapshotVersionV4); err != nil {
		return err
	}

	writeUint32(w, uint32(len(snap.Fenced)))
	for id, epoch := range snap.Fenced {
		writeInt64(w, id)
		writeInt16(w, epoch)
	}

	writeUint32(w, uint32(len(snap.Ongoing)))
	for pid, rng := range snap.Ongoing {
		writePID(w, pid)
		writeInt64(w, int64(rng.First))
		writeInt64(w, int64(rng.Last))
	}

	writeUint32(w, uint32(len(snap.Prepared)))
	for pid, marker := range snap.Prepared {
		writePID(w, pid)
		writeInt32(w, marker.TMPartition)
		writeInt64(w, int64(marker.TxSeq))
	}

	writeUint32(w, uint32(len(snap.Aborted)))
	for _, rg := range snap.Aborted {
		writeTxRange(w, rg)
	}

	writeUint32(w, uint32(len(snap.AbortIndexes)))
	for _, idx := range snap.AbortIndexes {
		writeInt64(w, int64(idx.First))
		writeInt64(w, int64(idx.Last))
	}

	writeInt64(w, int64(snap.Offset))

	writeUint32(w, uint32(len(snap.Seqs)))
	for _, entry := range snap.Seqs {
		writePID(w, entry.PID)
		writeInt32(w, entry.Seq)
		writeInt64(w, int64(entry.Last))
		writeInt32(w, int32(entry.cacheLen))
		for i := 0; i < entry.cacheLen; i++ {
			writeInt32(w, entry.cache[i].Seq)
			writeInt64(w, int64(entry.cache[i].Offset))
		}
		writeInt64(w, entry.LastWriteTime.UnixNano())
		writeInt64(w, entry.Term)
	}

	// ExplicitExpireRequested is not persisted: it decodes as false, so
	// after a restore a transaction that mark_expired flagged before
	// its deadline is auto-aborted only once that deadline passes.
	writeUint32(w, uint32(len(snap.TxData)))
	for pid, td := range snap.TxData {
		writePID(w, pid)
		writeInt64(w, int64(td.TxSeq))
		writeInt32(w, td.TMPartition)
		exp := snap.Expiration[pid]
		writeInt64(w, int64(exp.Timeout))
		writeInt64(w, exp.LastUpdate.UnixNano())
	}
	return nil
}

func decodeLocalSnapshot(r io.Reader) (*LocalSnapshot, error) {
	version, err := readByte(r)
	if err != nil {
		return nil, err
	}
	switch version {
	case snapshotVersionV4:
		return decodeV4(r)
	case snapshotVersionV3:
		return decodeV3(r)
	default:
		return nil, fmt.Errorf("%w: unsupported snapshot version %d", ErrSnapshotCorrupted, version)
	}
}

// readFenced, readOngoing, readPrepared, readAbortedList,
// readAbortIndexes, and readSeqs decode the six vectors whose encoding
// v3 and v4 share. The versions differ in where the offset sits (first
// in v3, between abort_indexes and seqs in v4) and in the trailing
// tx_data/expiration section.

func readFenced(r io.Reader) (map[int64]int16, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]int16, n)
	for i := uint32(0); i < n; i++ {
		id, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		epoch, err := readInt16(r)
		if err != nil {
			return nil, err
		}
		out[id] = epoch
	}
	return out, nil
}

func readOngoing(r io.Reader) (map[ProducerIdentity]TxRange, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[ProducerIdentity]TxRange, n)
	for i := uint32(0); i < n; i++ {
		pid, err := readPID(r)
		if err != nil {
			return nil, err
		}
		first, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		last, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		out[pid] = TxRange{PID: pid, First: Offset(first), Last: Offset(last)}
	}
	return out, nil
}

func readPrepared(r io.Reader) (map[ProducerIdentity]PrepareMarker, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[ProducerIdentity]PrepareMarker, n)
	for i := uint32(0); i < n; i++ {
		pid, err := readPID(r)
		if err != nil {
			return nil, err
		}
		tmPartition, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		txSeq, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		out[pid] = PrepareMarker{TMPartition: tmPartition, TxSeq: TxSeq(txSeq), PID: pid}
	}
	return out, nil
}

func readAbortedList(r io.Reader) ([]TxRange, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	var out []TxRange
	for i := uint32(0); i < n; i++ {
		rg, err := readTxRange(r)
		if err != nil {
			return nil, err
		}
		out = append(out, rg)
	}
	return out, nil
}

func readAbortIndexes(r io.Reader) ([]AbortIndex, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	var out []AbortIndex
	for i := uint32(0); i < n; i++ {
		first, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		last, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		out = append(out, AbortIndex{First: Offset(first), Last: Offset(last)})
	}
	return out, nil
}

func readSeqs(r io.Reader) ([]*SeqEntry, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	var out []*SeqEntry
	for i := uint32(0); i < n; i++ {
		pid, err := readPID(r)
		if err != nil {
			return nil, err
		}
		seq, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		last, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		cacheLen, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		entry := NewSeqEntry(pid, 0)
		entry.Seq = seq
		entry.Last = Offset(last)
		entry.cacheLen = int(cacheLen)
		for i := 0; i < entry.cacheLen; i++ {
			cacheSeq, err := readInt32(r)
			if err != nil {
				return nil, err
			}
			cacheOffset, err := readInt64(r)
			if err != nil {
				return nil, err
			}
			entry.cache[i] = SeqCacheEntry{Seq: cacheSeq, Offset: Offset(cacheOffset)}
		}
		lastWrite, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		entry.LastWriteTime = time.Unix(0, lastWrite)
		term, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		entry.Term = term
		out = append(out, entry)
	}
	return out, nil
}

func decodeV4(r io.Reader) (*LocalSnapshot, error) {
	fenced, err := readFenced(r)
	if err != nil {
		return nil, err
	}
	ongoing, err := readOngoing(r)
	if err != nil {
		return nil, err
	}
	prepared, err := readPrepared(r)
	if err != nil {
		return nil, err
	}
	aborted, err := readAbortedList(r)
	if err != nil {
		return nil, err
	}
	abortIndexes, err := readAbortIndexes(r)
	if err != nil {
		return nil, err
	}
	off, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	seqs, err := readSeqs(r)
	if err != nil {
		return nil, err
	}

	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	txData := make(map[ProducerIdentity]TxData, n)
	expiration := make(map[ProducerIdentity]ExpirationInfo, n)
	for i := uint32(0); i < n; i++ {
		pid, err := readPID(r)
		if err != nil {
			return nil, err
		}
		txSeq, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		tmPartition, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		timeout, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		lastUpdate, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		txData[pid] = TxData{TxSeq: TxSeq(txSeq), TMPartition: tmPartition}
		expiration[pid] = ExpirationInfo{
			Timeout:    time.Duration(timeout),
			LastUpdate: time.Unix(0, lastUpdate),
		}
	}

	return &LocalSnapshot{
		Offset:       Offset(off),
		Fenced:       fenced,
		Ongoing:      ongoing,
		Prepared:     prepared,
		Aborted:      aborted,
		AbortIndexes: abortIndexes,
		Seqs:         seqs,
		TxData:       txData,
		Expiration:   expiration,
	}, nil
}

// decodeV3 reads the prior format's actual wire layout: the offset
// first, then the same six vectors as v4 (fenced through seqs, with no
// offset between abort_indexes and seqs), followed by tx_seqs and
// expiration as two
// separate parallel vectors (pid+tx_seq, then pid+timeout+last_update)
// rather than v4's single zipped vector, and with no tm_partition
// field in either one. The two vectors are zipped back together in
// memory, with tm_partition defaulted to -1 ("unknown").
func decodeV3(r io.Reader) (*LocalSnapshot, error) {
	off, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	fenced, err := readFenced(r)
	if err != nil {
		return nil, err
	}
	ongoing, err := readOngoing(r)
	if err != nil {
		return nil, err
	}
	prepared, err := readPrepared(r)
	if err != nil {
		return nil, err
	}
	aborted, err := readAbortedList(r)
	if err != nil {
		return nil, err
	}
	abortIndexes, err := readAbortIndexes(r)
	if err != nil {
		return nil, err
	}
	seqs, err := readSeqs(r)
	if err != nil {
		return nil, err
	}

	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	txSeqs := make(map[ProducerIdentity]TxSeq, n)
	for i := uint32(0); i < n; i++ {
		pid, err := readPID(r)
		if err != nil {
			return nil, err
		}
		txSeq, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		txSeqs[pid] = TxSeq(txSeq)
	}

	n, err = readUint32(r)
	if err != nil {
		return nil, err
	}
	expiration := make(map[ProducerIdentity]ExpirationInfo, n)
	for i := uint32(0); i < n; i++ {
		pid, err := readPID(r)
		if err != nil {
			return nil, err
		}
		timeout, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		lastUpdate, err := readInt64(r)
		if err != nil {
			return nil, err
		}
		expiration[pid] = ExpirationInfo{
			Timeout:    time.Duration(timeout),
			LastUpdate: time.Unix(0, lastUpdate),
		}
	}

	txData := make(map[ProducerIdentity]TxData, len(txSeqs))
	for pid, seq := range txSeqs {
		txData[pid] = TxData{TxSeq: seq, TMPartition: -1}
	}

	return &LocalSnapshot{
		Offset:       Offset(off),
		Fenced:       fenced,
		Ongoing:      ongoing,
		Prepared:     prepared,
		Aborted:      aborted,
		AbortIndexes: abortIndexes,
		Seqs:         seqs,
		TxData:       txData,
		Expiration:   expiration,
	}, nil
}

// --- primitive helpers ---

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func readByte(r io.Reader) (byte, error) {
	buf := make([]byte, 1)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return buf[0], nil
}

func writeUint32(w io.Writer, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	w.Write(buf[:])
}

func readUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func writeInt64(w io.Writer, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}

func readInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return int64(binary.LittleEndian.Uint64(buf[:])), nil
}

func writeInt32(w io.Writer, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	w.Write(buf[:])
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return int32(binary.LittleEndian.Uint32(buf[:])), nil
}

func writeInt16(w io.Writer, v int16) {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], uint16(v))
	w.Write(buf[:])
}

func readInt16(r io.Reader) (int16, error) {
	var buf [2]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrSnapshotCorrupted, err)
	}
	return int16(binary.LittleEndian.Uint16(buf[:])), nil
}

func writePID(w io.Writer, pid ProducerIdentity) {
	writeInt64(w, pid.ID)
	writeInt16(w, pid.Epoch)
}

func readPID(r io.Reader) (ProducerIdentity, error) {
	id, err := readInt64(r)
	if err != nil {
		return ProducerIdentity{}, err
	}
	epoch, err := readInt16(r)
	if err != nil {
		return ProducerIdentity{}, err
	}
	return ProducerIdentity{ID: id, Epoch: epoch}, nil
}

func writeTxRange(w io.Writer, rg TxRange) {
	writePID(w, rg.PID)
	writeInt64(w, int64(rg.First))
	writeInt64(w, int64(rg.Last))
}

func readTxRange(r io.Reader) (TxRange, error) {
	pid, err := readPID(r)
	if err != nil {
		return TxRange{}, err
	}
	first, err := readInt64(r)
	if err != nil {
		return TxRange{}, err
	}
	last, err := readInt64(r)
	if err != nil {
		return TxRange{}, err
	}
	return TxRange{PID: pid, First: Offset(first), Last: Offset(last)}, nil
}

// applyLocalSnapshotLocked replaces logState wholesale with snap's
// contents and wipes memState, matching the rule that a snapshot load
// is always a term boundary as far as speculative state is concerned.
// Callers must hold stateLock for writing.
func (m *Machine) applyLocalSnapshotLocked(snap *LocalSnapshot) {
	ls := newLogState()
	for id, epoch := range snap.Fenced {
		ls.fencePIDEpoch[id] = epoch
	}
	for pid, rng := range snap.Ongoing {
		ls.ongoing[pid] = rng
		ls.addOngoingFirst(rng.First)
	}
	for pid, marker := range snap.Prepared {
		ls.prepared[pid] = marker
	}
	ls.aborted = append(ls.aborted, snap.Aborted...)
	ls.abortIndexes = append(ls.abortIndexes, snap.AbortIndexes...)
	for _, entry := range snap.Seqs {
		ls.seqTable[entry.PID] = entry
	}
	for pid, td := range snap.TxData {
		ls.currentTxes[pid] = td
	}
	for pid, exp := range snap.Expiration {
		ls.expiration[pid] = exp
	}

	m.log = ls
	m.mem.wipe(m.raft.CurrentTerm())
	m.mem.lastLSO = snap.Offset
}

// takeLocalSnapshotLocked builds a LocalSnapshot from current
// logState. Callers must hold stateLock for reading.
func (m *Machine) takeLocalSnapshotLocked() *LocalSnapshot {
	snap := &LocalSnapshot{
		Offset:     m.raft.LastAppliedOffset(),
		Fenced:     make(map[int64]int16, len(m.log.fencePIDEpoch)),
		Ongoing:    make(map[ProducerIdentity]TxRange, len(m.log.ongoing)),
		Prepared:   make(map[ProducerIdentity]PrepareMarker, len(m.log.prepared)),
		TxData:     make(map[ProducerIdentity]TxData, len(m.log.currentTxes)),
		Expiration: make(map[ProducerIdentity]ExpirationInfo, len(m.log.expiration)),
	}
	for id, epoch := range m.log.fencePIDEpoch {
		snap.Fenced[id] = epoch
	}
	for pid, rng := range m.log.ongoing {
		snap.Ongoing[pid] = rng
	}
	for pid, marker := range m.log.prepared {
		snap.Prepared[pid] = marker
	}
	snap.Aborted = append(snap.Aborted, m.log.aborted...)
	snap.AbortIndexes = append(snap.AbortIndexes, m.log.abortIndexes...)
	for _, entry := range m.log.seqTable {
		snap.Seqs = append(snap.Seqs, entry.Copy())
	}
	for pid, td := range m.log.currentTxes {
		snap.TxData[pid] = td
	}
	for pid, exp := range m.log.expiration {
		snap.Expiration[pid] = exp
	}
	return snap
}

// TakeLocalSnapshot persists the machine's current state and is the
// counterpart Start's recovery path reads back. Safe to call
// concurrently with normal operation.
func (m *Machine) TakeLocalSnapshot() error {
	if m.snapshots == nil {
		return nil
	}
	m.stateLock.RLock()
	snap := m.takeLocalSnapshotLocked()
	m.stateLock.RUnlock()
	return m.snapshots.SaveLocalSnapshot(snap)
}
