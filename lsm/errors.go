package lsm

import "errors"

// Sentinel errors returned by the public API. "Not found" is deliberately
// not among them: Search reports absence with a boolean, not an error,
// matching a tombstone's own status at the engine surface (spec §7.4).
var (
	// ErrClosed is returned by any operation called after Close.
	ErrClosed = errors.New("lsm: database is closed")
	// ErrCorrupt wraps fatal IO/decode failures encountered opening or
	// recovering a database: an invalid WAL entry kind, an unreadable log
	// segment, or a malformed SST footer or index.
	ErrCorrupt = errors.New("lsm: corrupt database state")
	// ErrInvalidSeqNum is returned when a transaction operation is given a
	// sequence number other than the one TxBegin returned for that
	// transaction.
	ErrInvalidSeqNum = errors.New("lsm: invalid sequence number")
	// ErrTxNotFound is returned by a transaction operation referencing a
	// tx_id with no (or no longer) staged entry — already committed,
	// already aborted, or never begun.
	ErrTxNotFound = errors.New("lsm: transaction not found")
)
