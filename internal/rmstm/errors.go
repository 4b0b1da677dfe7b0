package rmstm

import "errors"

// Fencing errors.
var (
	ErrFenced               = errors.New("rmstm: producer epoch fenced")
	ErrInvalidProducerEpoch = errors.New("rmstm: invalid producer epoch")
)

// Sequence errors.
var (
	ErrOutOfOrderSequence = errors.New("rmstm: out of order sequence")
	ErrDuplicateSequence  = errors.New("rmstm: duplicate sequence")
	ErrUnknownProducerID  = errors.New("rmstm: unknown producer id")
)

// Transaction errors.
var (
	ErrTxNotFound         = errors.New("rmstm: transaction not found")
	ErrTxAlreadyInProgress = errors.New("rmstm: transaction already in progress")
	ErrInvalidTxState     = errors.New("rmstm: invalid transaction state")
	ErrStaleTxSeq         = errors.New("rmstm: stale transaction sequence")
	ErrNotLeader          = errors.New("rmstm: not leader")
	ErrTimeout            = errors.New("rmstm: operation timed out")
	ErrCoordinatorUnreachable = errors.New("rmstm: coordinator unreachable")
)

// Infrastructure errors.
var (
	ErrShuttingDown     = errors.New("rmstm: shutting down")
	ErrSnapshotCorrupted = errors.New("rmstm: snapshot corrupted")
	ErrIO               = errors.New("rmstm: io error")
)
