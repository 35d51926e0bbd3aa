// Package memtable implements the in-memory sorted buffer that fronts the
// active write path: every mutation is appended to a write-ahead log and
// then inserted into an ordered map keyed by internal key (spec §4.3).
package memtable

import (
	"fmt"
	"path/filepath"
	"sync"

	"lsmkv/internal/key"
	"lsmkv/internal/wal"
)

// MemTable is an ordered map from internal key to value, fronted by a WAL
// writer and a running byte-size estimator. Every method takes the
// MemTable's own sync.RWMutex, so concurrent calls are safe; the owning
// engine additionally guards which MemTable is active or immutable with
// locks of its own.
type MemTable struct {
	mu   sync.RWMutex
	skl  *skipMap
	w    *wal.Writer
	size uint64
}

// New creates an empty MemTable backed by w. Insert, Delete, BeginTx and
// CommitTx write to w and need it to be non-nil; WALPath, RemoveWAL and
// CloseWAL treat a nil w as "no log". The engine always supplies a writer.
func New(w *wal.Writer) *MemTable {
	return &MemTable{skl: newSkipMap(), w: w}
}

// Size returns the estimated byte footprint of the memtable's contents,
// incremented per spec §4.3: 8 + |user_key| + |value| per insert, and
// 8 + |user_key| per delete.
func (m *MemTable) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

// Insert appends a put (or tx-put, if isTx) WAL record and then installs the
// internal key in the ordered map.
func (m *MemTable) Insert(userKey, value []byte, seqNum uint64, isTx bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := key.Put
	entryKind := wal.EntryPut
	if isTx {
		kind = key.TxPut
		entryKind = wal.EntryTxPut
	}
	if err := m.w.Write(wal.Entry{Kind: entryKind, Key: userKey, Value: value, SeqNum: seqNum}); err != nil {
		return fmt.Errorf("memtable: insert: %w", err)
	}
	m.skl.insert(key.Make(userKey, seqNum, kind), value)
	m.size += 8 + uint64(len(userKey)) + uint64(len(value))
	return nil
}

// Delete appends a del (or tx-del, if isTx) WAL record and installs a
// tombstone (an internal key with an empty value) in the ordered map.
func (m *MemTable) Delete(userKey []byte, seqNum uint64, isTx bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := key.Delete
	entryKind := wal.EntryDelete
	if isTx {
		kind = key.TxDelete
		entryKind = wal.EntryTxDelete
	}
	if err := m.w.Write(wal.Entry{Kind: entryKind, Key: userKey, SeqNum: seqNum}); err != nil {
		return fmt.Errorf("memtable: delete: %w", err)
	}
	m.skl.insert(key.Make(userKey, seqNum, kind), nil)
	m.size += 8 + uint64(len(userKey))
	return nil
}

// BeginTx appends a tx-begin marker (WAL entry kind 4) for seqNum.
func (m *MemTable) BeginTx(seqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.w.Write(wal.Entry{Kind: wal.EntryTxBegin, SeqNum: seqNum}); err != nil {
		return fmt.Errorf("memtable: begin tx: %w", err)
	}
	return nil
}

// CommitTx appends a tx-commit marker (WAL entry kind 5) for seqNum. An
// abort marker is deliberately never written here: staged transaction
// writes never reach the WAL until commit, so there is nothing to unwind on
// abort — spec §4.3.
func (m *MemTable) CommitTx(seqNum uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.w.Write(wal.Entry{Kind: wal.EntryTxCommit, SeqNum: seqNum}); err != nil {
		return fmt.Errorf("memtable: commit tx: %w", err)
	}
	return nil
}

// Search finds the first entry in map order with the given user key and a
// sequence number <= seqNum. It returns nil if no such entry exists in this
// memtable (the caller should consult the next layer); otherwise it returns
// a definitive key.Result: a live value, or a tombstone.
func (m *MemTable) Search(userKey []byte, seqNum uint64) *key.Result {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.skl.findAtOrBelow(userKey, seqNum)
	if n == nil {
		return nil
	}
	if n.key.Kind.IsDelete() {
		return key.TombstoneResult()
	}
	return key.Found(n.value)
}

// Contents returns every (look-up key, value) pair currently in the
// memtable, in ascending internal-key order — the sorted iterator a minor
// compaction (flush) consumes to build a level-0 SST (spec §4.5).
func (m *MemTable) Contents() []ContentEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := m.skl.all()
	out := make([]ContentEntry, len(entries))
	for i, e := range entries {
		out[i] = ContentEntry{LookupKey: key.NewLookupKey(e.Key), Value: e.Value}
	}
	return out
}

// ContentEntry is one (look-up key, value) pair produced by Contents.
type ContentEntry struct {
	LookupKey key.LookupKey
	Value     []byte
}

// WALPath returns the path of the memtable's write-ahead log segment.
func (m *MemTable) WALPath() string {
	if m.w == nil {
		return ""
	}
	return m.w.Path()
}

// RemoveWAL closes and deletes the memtable's WAL segment. Called once the
// memtable has been durably flushed to a level-0 SST.
func (m *MemTable) RemoveWAL() error {
	if m.w == nil {
		return nil
	}
	return m.w.Remove()
}

// CloseWAL closes (without deleting) the memtable's WAL segment, used when
// shutting down the engine with a memtable that was never flushed.
func (m *MemTable) CloseWAL() error {
	if m.w == nil {
		return nil
	}
	return m.w.Close()
}

// Recover replays the WAL segment at logPath into a fresh MemTable, applying
// put/delete records directly and buffering transaction records under
// trans[marker_seq] — marker_seq being the seq_num carried by the enclosing
// transaction's tx-begin/tx-commit pair, not the seq_num of the staged op
// itself (TxCommit allocates those fresh, per staged op, so they never equal
// the marker's seq_num; see lsm/tx.go and DESIGN.md's Open Question #6) —
// until a commit (materialize) or abort (discard) marker is seen (spec
// §4.3). It returns the MemTable (with w attached, ready to keep accepting
// writes) and the maximum sequence number observed in the log, so the engine
// can advance its counter past it.
func Recover(dir string, logNum uint64, trans map[uint64][]wal.Entry) (*MemTable, uint64, error) {
	entries, err := wal.ReadAll(filepath.Join(dir, wal.FileName(logNum)))
	if err != nil {
		return nil, 0, fmt.Errorf("memtable: recover log %d: %w", logNum, err)
	}

	mt := &MemTable{skl: newSkipMap()}
	var maxSeq uint64
	var openTxSeq uint64
	var txOpen bool

	for _, e := range entries {
		if e.SeqNum > maxSeq {
			maxSeq = e.SeqNum
		}
		switch e.Kind {
		case wal.EntryPut:
			mt.applyInner(e.Key, e.Value, e.SeqNum, key.Put)
		case wal.EntryDelete:
			mt.applyInner(e.Key, nil, e.SeqNum, key.Delete)
		case wal.EntryTxPut, wal.EntryTxDelete:
			if txOpen {
				trans[openTxSeq] = append(trans[openTxSeq], e)
			}
		case wal.EntryTxBegin:
			openTxSeq = e.SeqNum
			txOpen = true
			if _, ok := trans[openTxSeq]; !ok {
				trans[openTxSeq] = nil
			}
		case wal.EntryTxCommit:
			for _, staged := range trans[e.SeqNum] {
				if staged.Kind == wal.EntryTxPut {
					mt.applyInner(staged.Key, staged.Value, staged.SeqNum, key.TxPut)
				} else {
					mt.applyInner(staged.Key, nil, staged.SeqNum, key.TxDelete)
				}
			}
			delete(trans, e.SeqNum)
			txOpen = false
		case wal.EntryTxAbort:
			delete(trans, e.SeqNum)
			txOpen = false
		default:
			return nil, 0, fmt.Errorf("memtable: recover: invalid log entry kind %d", e.Kind)
		}
	}

	w, err := wal.Open(dir, logNum)
	if err != nil {
		return nil, 0, fmt.Errorf("memtable: recover: reopen log %d: %w", logNum, err)
	}
	mt.w = w

	return mt, maxSeq, nil
}

// applyInner installs a (key, value) pair directly into the map without
// writing a WAL record — used by Recover, which is reconstructing state
// from a log that has already been written.
func (m *MemTable) applyInner(userKey, value []byte, seqNum uint64, kind key.Kind) {
	m.skl.insert(key.Make(userKey, seqNum, kind), value)
	if kind.IsDelete() {
		m.size += 8 + uint64(len(userKey))
	} else {
		m.size += 8 + uint64(len(userKey)) + uint64(len(value))
	}
}
