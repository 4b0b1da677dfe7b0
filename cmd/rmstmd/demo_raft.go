package main

import (
	"context"
	"sync"

	"rmstm/internal/rmstm"
)

// demoRaftLog stands in for a real consensus layer so the daemon can
// run standalone for local inspection. It commits every Replicate
// call immediately at the current term with no replication delay and
// applies batches synchronously; a partition wired against a real
// Raft implementation would instead see LastAppliedOffset lag
// CommittedOffset while Apply catches up.
type demoRaftLog struct {
	mu      sync.Mutex
	term    int64
	tail    rmstm.Offset
	applied rmstm.Offset
	onApply func(rmstm.RecordBatch)
}

func newDemoRaftLog(onApply func(rmstm.RecordBatch)) *demoRaftLog {
	return &demoRaftLog{tail: -1, applied: -1, onApply: onApply}
}

func (d *demoRaftLog) Replicate(ctx context.Context, batch rmstm.RecordBatch, opts rmstm.ReplicateOptions) (rmstm.Offset, error) {
	d.mu.Lock()
	d.tail++
	batch.Offset = d.tail
	off := d.tail
	d.mu.Unlock()

	if d.onApply != nil {
		d.onApply(batch)
	}

	d.mu.Lock()
	d.applied = off
	d.mu.Unlock()
	return off, nil
}

func (d *demoRaftLog) CurrentTerm() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.term
}

func (d *demoRaftLog) LastAppliedOffset() rmstm.Offset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.applied
}

func (d *demoRaftLog) CommittedOffset() rmstm.Offset {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tail
}
