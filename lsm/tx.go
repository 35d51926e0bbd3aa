package lsm

import (
	"fmt"
	"runtime"
)

// stagedOp is one buffered write within an open transaction. An explicit
// delete flag disambiguates an intentionally empty live value from a
// tombstone, rather than overloading a nil/empty value byte slice to mean
// both (see DESIGN.md).
type stagedOp struct {
	value  []byte
	delete bool
}

// txState is the staging buffer for one open transaction: the snapshot
// sequence number TxBegin returned (used for TxSearch's fall-through read
// and the begin/commit WAL markers) and the pending writes, keyed by user
// key so a transaction that writes the same key twice keeps only the last.
type txState struct {
	snapshotSeq uint64
	ops         map[string]stagedOp
}

// TxBegin allocates a transaction id (monotonic, starting at 1 — 0 is
// reserved to mean "the write lock is free") and a snapshot sequence
// number, and opens an empty staging buffer for it.
func (db *DB) TxBegin() (txID uint64, seqNum uint64, err error) {
	if db.closed.Load() {
		return 0, 0, ErrClosed
	}
	txID = db.nextTxID.Add(1)
	seqNum = db.allocSeq()

	db.txMu.Lock()
	db.staging[txID] = &txState{snapshotSeq: seqNum, ops: make(map[string]stagedOp)}
	db.txMu.Unlock()

	return txID, seqNum, nil
}

// acquireTxWriteLock spins the tx_write_lock slot from free (0) to txID via
// compare-and-swap; a transaction that already holds the slot re-enters at
// no cost.
func (db *DB) acquireTxWriteLock(txID uint64) {
	for {
		if db.txWriteLock.Load() == txID {
			return
		}
		if db.txWriteLock.CompareAndSwap(0, txID) {
			return
		}
		runtime.Gosched()
	}
}

func (db *DB) releaseTxWriteLock(txID uint64) {
	db.txWriteLock.CompareAndSwap(txID, 0)
}

func (db *DB) txStaging(txID uint64) (*txState, error) {
	db.txMu.Lock()
	defer db.txMu.Unlock()
	st, ok := db.staging[txID]
	if !ok {
		return nil, ErrTxNotFound
	}
	return st, nil
}

func checkSeqNum(st *txState, seqNum uint64) error {
	if seqNum != st.snapshotSeq {
		return ErrInvalidSeqNum
	}
	return nil
}

// TxInsert stages a put of (userKey, value) under txID, admitting txID to
// the transaction writer lock first.
func (db *DB) TxInsert(txID, seqNum uint64, userKey, value []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	st, err := db.txStaging(txID)
	if err != nil {
		return err
	}
	if err := checkSeqNum(st, seqNum); err != nil {
		return err
	}
	db.acquireTxWriteLock(txID)

	db.txMu.Lock()
	st.ops[string(userKey)] = stagedOp{value: append([]byte(nil), value...)}
	db.txMu.Unlock()
	return nil
}

// TxDelete stages a tombstone for userKey under txID.
func (db *DB) TxDelete(txID, seqNum uint64, userKey []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	st, err := db.txStaging(txID)
	if err != nil {
		return err
	}
	if err := checkSeqNum(st, seqNum); err != nil {
		return err
	}
	db.acquireTxWriteLock(txID)

	db.txMu.Lock()
	st.ops[string(userKey)] = stagedOp{delete: true}
	db.txMu.Unlock()
	return nil
}

// TxUpdate stages a put of f(current value) under txID; the current value
// comes from TxSearch (txID's own staged write if any, else a fall-through
// read). A tombstone or an absent key is a no-op, matching Update.
func (db *DB) TxUpdate(txID, seqNum uint64, userKey []byte, f func([]byte) []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	value, found, err := db.TxSearch(txID, seqNum, userKey)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return db.TxInsert(txID, seqNum, userKey, f(value))
}

// TxSearch returns txID's own staged write for userKey if one exists;
// otherwise it falls through to the engine's search at the transaction's
// snapshot sequence number.
func (db *DB) TxSearch(txID, seqNum uint64, userKey []byte) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	st, err := db.txStaging(txID)
	if err != nil {
		return nil, false, err
	}
	if err := checkSeqNum(st, seqNum); err != nil {
		return nil, false, err
	}

	db.txMu.Lock()
	op, staged := st.ops[string(userKey)]
	db.txMu.Unlock()
	if staged {
		if op.delete {
			return nil, false, nil
		}
		return op.value, true, nil
	}

	return db.Search(userKey, &seqNum)
}

// TxCommit installs every staged write atomically under the active
// memtable's lock, bracketed by tx-begin/tx-commit WAL markers, then
// releases the transaction writer lock. Each staged write is assigned a
// fresh, unique sequence number at commit time rather than sharing the
// transaction's snapshot sequence number, so two staged writes never
// collide under the internal key comparator (see DESIGN.md).
func (db *DB) TxCommit(txID uint64) error {
	if db.closed.Load() {
		return ErrClosed
	}

	db.txMu.Lock()
	st, ok := db.staging[txID]
	if ok {
		delete(db.staging, txID)
	}
	db.txMu.Unlock()
	if !ok {
		return ErrTxNotFound
	}
	defer db.releaseTxWriteLock(txID)

	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	db.memMu.Lock()
	if err := db.mem.BeginTx(st.snapshotSeq); err != nil {
		db.memMu.Unlock()
		return fmt.Errorf("lsm: tx commit: %w", err)
	}
	for userKey, op := range st.ops {
		seq := db.allocSeq()
		var err error
		if op.delete {
			err = db.mem.Delete([]byte(userKey), seq, true)
		} else {
			err = db.mem.Insert([]byte(userKey), op.value, seq, true)
		}
		if err != nil {
			db.memMu.Unlock()
			return fmt.Errorf("lsm: tx commit: %w", err)
		}
	}
	if err := db.mem.CommitTx(st.snapshotSeq); err != nil {
		db.memMu.Unlock()
		return fmt.Errorf("lsm: tx commit: %w", err)
	}
	db.memMu.Unlock()

	return db.mayRotate()
}

// TxAbort discards txID's staging buffer and releases the transaction
// writer lock. Nothing reaches the WAL on abort: staged ops are never
// logged until commit, so there is nothing to unwind.
func (db *DB) TxAbort(txID uint64) error {
	db.txMu.Lock()
	_, ok := db.staging[txID]
	delete(db.staging, txID)
	db.txMu.Unlock()
	if !ok {
		return ErrTxNotFound
	}
	db.releaseTxWriteLock(txID)
	return nil
}
