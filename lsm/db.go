// Package lsm is the public surface of the storage engine: a single Open
// call recovers (or creates) a database directory, and the returned DB
// exposes point insert/delete/update/search plus a small transaction API
// over an internal write-ahead-logged memtable, SST levels, and a
// background flush/compaction worker.
package lsm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"lsmkv/internal/key"
	"lsmkv/internal/levels"
	"lsmkv/internal/memtable"
	"lsmkv/internal/sstable"
	"lsmkv/internal/wal"
)

// DB is an open database directory. Its zero value is not usable; obtain
// one through Open.
type DB struct {
	dir     string
	session string
	cfg     config

	// writerMu serializes all non-transactional mutations (Insert, Delete,
	// Update) and the whole of a transaction commit, matching spec's
	// single process-wide writer mutex. Readers never take it.
	writerMu sync.Mutex

	memMu sync.RWMutex
	mem   *memtable.MemTable

	immMu sync.RWMutex
	imm   *memtable.MemTable

	lvls *levels.Levels

	seqNum     atomic.Uint64
	nextLogNum atomic.Uint64

	runningCompaction atomic.Bool
	compactionCh      chan compactionTicket
	group             errgroup.Group

	inputStartMu   sync.Mutex
	lastInputStart []*levels.KeyRange

	txWriteLock atomic.Uint64
	nextTxID    atomic.Uint64
	txMu        sync.Mutex
	staging     map[uint64]*txState

	closed atomic.Bool
}

// Open opens the database directory dir, creating it (and an empty
// database within it) if it does not already contain one. Recovery scans
// for at most two ".LOG" segments (the newer becomes the active memtable,
// the older the pending immutable memtable) and every ".sst" file, then
// spawns the background compaction worker.
func Open(dir string, opts ...Option) (*DB, error) {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("lsm: open %s: %w", dir, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lsm: open %s: %w", dir, err)
	}

	var logNums []uint64
	var sstPaths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if n, ok := wal.ParseLogNum(name); ok {
			logNums = append(logNums, n)
			continue
		}
		if _, ok := sstable.ParseFileNum(name); ok {
			sstPaths = append(sstPaths, filepath.Join(dir, name))
		}
	}
	sort.Slice(logNums, func(i, j int) bool { return logNums[i] > logNums[j] })
	if len(logNums) > 2 {
		logNums = logNums[:2]
	}

	var maxSeq, maxLogNum uint64
	var active, imm *memtable.MemTable
	for i, n := range logNums {
		if n > maxLogNum {
			maxLogNum = n
		}
		trans := make(map[uint64][]wal.Entry)
		mt, seq, err := memtable.Recover(dir, n, trans)
		if err != nil {
			return nil, fmt.Errorf("lsm: recover: %w: %v", ErrCorrupt, err)
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		if i == 0 {
			active = mt
		} else {
			imm = mt
		}
	}

	lvls, _, err := levels.Open(dir, sstPaths, cfg.blockSize, cfg.l0Threshold, cfg.l1MaxBytes, cfg.maxLevels)
	if err != nil {
		return nil, fmt.Errorf("lsm: recover: %w: %v", ErrCorrupt, err)
	}

	db := &DB{
		dir:          dir,
		session:      uuid.NewString(),
		cfg:          cfg,
		mem:          active,
		imm:          imm,
		lvls:         lvls,
		compactionCh: make(chan compactionTicket, 1),
		staging:      make(map[uint64]*txState),
	}
	db.seqNum.Store(maxSeq + 1)
	if len(logNums) > 0 {
		db.nextLogNum.Store(maxLogNum + 1)
	}

	if db.mem == nil {
		logNum := db.nextLogNum.Add(1) - 1
		w, err := wal.Open(dir, logNum)
		if err != nil {
			return nil, fmt.Errorf("lsm: open %s: %w", dir, err)
		}
		db.mem = memtable.New(w)
	}

	if db.imm != nil && db.runningCompaction.CompareAndSwap(false, true) {
		db.compactionCh <- compactionTicket{flush: db.imm}
	}

	db.group.Go(func() error {
		db.runCompaction()
		return nil
	})

	return db, nil
}

func (db *DB) allocSeq() uint64 { return db.seqNum.Add(1) - 1 }

// Insert allocates a sequence number, writes a put record for (userKey,
// value), and rotates the active memtable if it has outgrown its write
// buffer budget.
func (db *DB) Insert(userKey, value []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()
	return db.insertLocked(userKey, value, false)
}

func (db *DB) insertLocked(userKey, value []byte, isTx bool) error {
	seq := db.allocSeq()
	db.memMu.Lock()
	err := db.mem.Insert(userKey, value, seq, isTx)
	db.memMu.Unlock()
	if err != nil {
		return fmt.Errorf("lsm: insert: %w", err)
	}
	return db.mayRotate()
}

// Delete allocates a sequence number and writes a tombstone for userKey.
func (db *DB) Delete(userKey []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	seq := db.allocSeq()
	db.memMu.Lock()
	err := db.mem.Delete(userKey, seq, false)
	db.memMu.Unlock()
	if err != nil {
		return fmt.Errorf("lsm: delete: %w", err)
	}
	return db.mayRotate()
}

// Update reads userKey's current live value and, if one exists, writes
// f(currentValue) back under a freshly allocated sequence number. A
// tombstone or an absent key is a no-op.
func (db *DB) Update(userKey []byte, f func([]byte) []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	db.writerMu.Lock()
	defer db.writerMu.Unlock()

	snapshot := db.seqNum.Load() - 1
	res, err := db.searchAt(userKey, snapshot)
	if err != nil {
		return err
	}
	if res == nil || res.Tombstone {
		return nil
	}
	return db.insertLocked(userKey, f(res.Value), false)
}

// Search returns the value visible for userKey at the given snapshot
// sequence number (or the latest allocated sequence number if version is
// nil), and whether a live value was found. A tombstone and an absent key
// are both reported as not-found — spec's engine surface never
// distinguishes the two.
func (db *DB) Search(userKey []byte, version *uint64) ([]byte, bool, error) {
	if db.closed.Load() {
		return nil, false, ErrClosed
	}
	snapshot := db.seqNum.Load() - 1
	if version != nil {
		snapshot = *version
	}
	res, err := db.searchAt(userKey, snapshot)
	if err != nil {
		return nil, false, err
	}
	if res == nil || res.Tombstone {
		return nil, false, nil
	}
	return res.Value, true, nil
}

// searchAt consults the active memtable, then the immutable memtable (if
// any), then the level array, stopping at the first definitive answer.
func (db *DB) searchAt(userKey []byte, seqNum uint64) (*key.Result, error) {
	db.memMu.RLock()
	res := db.mem.Search(userKey, seqNum)
	db.memMu.RUnlock()
	if res != nil {
		return res, nil
	}

	db.immMu.RLock()
	imm := db.imm
	db.immMu.RUnlock()
	if imm != nil {
		if res = imm.Search(userKey, seqNum); res != nil {
			return res, nil
		}
	}

	return db.lvls.Search(userKey, seqNum)
}

// mayRotate hands a pending immutable memtable to the compaction worker if
// one exists and no compaction is already running; otherwise, if the
// active memtable has grown past write_buffer_size, it is swapped out for
// a fresh memtable+WAL and demoted to immutable.
func (db *DB) mayRotate() error {
	db.immMu.RLock()
	imm := db.imm
	db.immMu.RUnlock()

	if imm != nil {
		if db.runningCompaction.CompareAndSwap(false, true) {
			db.compactionCh <- compactionTicket{flush: imm}
		}
		return nil
	}

	db.memMu.RLock()
	size := db.mem.Size()
	db.memMu.RUnlock()
	if size < db.cfg.writeBufferSize {
		return nil
	}

	logNum := db.nextLogNum.Add(1) - 1
	w, err := wal.Open(db.dir, logNum)
	if err != nil {
		return fmt.Errorf("lsm: rotate: %w", err)
	}
	fresh := memtable.New(w)

	db.memMu.Lock()
	old := db.mem
	db.mem = fresh
	db.memMu.Unlock()

	db.immMu.Lock()
	db.imm = old
	db.immMu.Unlock()

	if db.runningCompaction.CompareAndSwap(false, true) {
		db.compactionCh <- compactionTicket{flush: old}
	}
	return nil
}

// Close flips the shutdown flag, sends the compaction worker its poison
// ticket and joins it, then closes the active and immutable WAL segments
// and every open SST file handle. A second call returns ErrClosed.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	db.compactionCh <- compactionTicket{poison: true}
	workerErr := db.group.Wait()

	var errs []error
	if workerErr != nil {
		errs = append(errs, workerErr)
	}

	db.memMu.Lock()
	if err := db.mem.CloseWAL(); err != nil {
		errs = append(errs, err)
	}
	db.memMu.Unlock()

	db.immMu.Lock()
	if db.imm != nil {
		if err := db.imm.CloseWAL(); err != nil {
			errs = append(errs, err)
		}
	}
	db.immMu.Unlock()

	if err := db.lvls.Close(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("lsm: close: %w", errors.Join(errs...))
	}
	return nil
}
