// Package levels owns the on-disk SST level array: insertion order and
// disjointness invariants per level, point lookup across levels, minor
// compaction (memtable flush to level 0), and the major compaction picker
// and installer that merges overlapping tables down into the next level.
package levels

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"lsmkv/internal/key"
	"lsmkv/internal/sstable"
)

// KeyRange is an inclusive [Min, Max] look-up key bound, used both as a
// compaction picker cursor (GetInputStart/PickCompaction) and to describe a
// table's or a merge's key span.
type KeyRange struct {
	Min, Max key.LookupKey
}

// DeletedTable names one SST that PickCompaction has selected for removal:
// its level (to find it in the table slice) and its file path (to remove
// it from disk once Update has dropped the in-memory reference).
type DeletedTable struct {
	Level int
	Path  string
}

// Levels holds, for each level 0..maxLevels, an ordered slice of open
// tables: level 0 ordered by LastSeqNum descending (newest first), levels
// ≥ 1 ordered by MinKey ascending and disjoint in user-key space.
type Levels struct {
	mu sync.RWMutex

	dir    string
	tables [][]*sstable.Table

	nextFileNum atomic.Uint64

	blockSize   int
	l0Threshold int
	l1MaxBytes  uint64
	maxLevels   int
}

// Open constructs a Levels by opening every path in sstFiles as a Table and
// inserting it into its declared level, sorted per the level's ordering
// rule. It returns the Levels and the greatest file number observed, so the
// caller can initialize its next-file-number counter past it.
func Open(dir string, sstFiles []string, blockSize, l0Threshold int, l1MaxBytes uint64, maxLevels int) (*Levels, uint64, error) {
	tables := make([][]*sstable.Table, maxLevels)
	var maxFileNum uint64

	for _, path := range sstFiles {
		num, ok := sstable.ParseFileNum(filepath.Base(path))
		if !ok {
			return nil, 0, fmt.Errorf("levels: unparseable sst file name %q", path)
		}
		if num > maxFileNum {
			maxFileNum = num
		}
		t, err := sstable.Open(path)
		if err != nil {
			return nil, 0, fmt.Errorf("levels: %w", err)
		}
		if t.Level() >= maxLevels {
			return nil, 0, fmt.Errorf("levels: table %s has level %d >= max_levels %d", path, t.Level(), maxLevels)
		}
		tables[t.Level()] = append(tables[t.Level()], t)
	}

	l := &Levels{
		dir:         dir,
		tables:      tables,
		blockSize:   blockSize,
		l0Threshold: l0Threshold,
		l1MaxBytes:  l1MaxBytes,
		maxLevels:   maxLevels,
	}
	l.nextFileNum.Store(maxFileNum + 1)
	for lvl := range tables {
		l.sortLevel(lvl)
	}
	return l, maxFileNum, nil
}

func (l *Levels) sortLevel(lvl int) {
	tables := l.tables[lvl]
	if lvl == 0 {
		sort.Slice(tables, func(i, j int) bool { return tables[i].LastSeqNum() > tables[j].LastSeqNum() })
	} else {
		sort.Slice(tables, func(i, j int) bool { return key.CompareLookup(tables[i].MinKey(), tables[j].MinKey()) < 0 })
	}
}

// Search consults levels 0..maxLevels in order for the newest definitive
// entry for userKey visible at seqNum: every level-0 table whose user-key
// range contains userKey (newest first), then at most one such table per
// level ≥ 1.
func (l *Levels) Search(userKey []byte, seqNum uint64) (*key.Result, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for lvl := 0; lvl < l.maxLevels; lvl++ {
		tables := l.tables[lvl]
		if len(tables) == 0 {
			continue
		}
		if lvl == 0 {
			for _, t := range tables {
				if bytes.Compare(t.MinKey().Key.UserKey, userKey) <= 0 && bytes.Compare(t.MaxKey().Key.UserKey, userKey) >= 0 {
					res, err := t.Search(userKey, seqNum)
					if err != nil {
						return nil, err
					}
					if res != nil {
						return res, nil
					}
				}
			}
			continue
		}

		idx := sort.Search(len(tables), func(i int) bool { return bytes.Compare(tables[i].MaxKey().Key.UserKey, userKey) >= 0 })
		if idx < len(tables) && bytes.Compare(tables[idx].MinKey().Key.UserKey, userKey) <= 0 {
			res, err := tables[idx].Search(userKey, seqNum)
			if err != nil {
				return nil, err
			}
			if res != nil {
				return res, nil
			}
		}
	}
	return nil, nil
}

// WriteLevel0File builds a new level-0 SST from entries (the sorted
// contents of a just-flushed immutable memtable) and returns it unattached;
// the caller installs it via Update and only then retires the memtable's
// WAL, as a separate step.
func (l *Levels) WriteLevel0File(entries []sstable.Entry) (*sstable.Table, error) {
	return l.writeFile(entries, 0)
}

func (l *Levels) writeFile(entries []sstable.Entry, level int) (*sstable.Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("levels: no entries to write at level %d", level)
	}
	n := l.nextFileNum.Add(1) - 1
	path := filepath.Join(l.dir, sstable.FileName(n))
	t, err := sstable.Build(path, level, l.blockSize, entries)
	if err != nil {
		return nil, fmt.Errorf("levels: %w", err)
	}
	return t, nil
}

// GetInputStart computes, for every level, the round-robin starting table
// for the next compaction cycle: level 0 always starts from the table in
// last-seq-num order (the oldest of the current level-0 set); level ≥ 1
// resumes from the first table whose min key is at or past the end of the
// previous cycle's pick, wrapping to the first table if none qualifies.
// last may be nil on the first call.
func (l *Levels) GetInputStart(last []*KeyRange) []*KeyRange {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if last == nil {
		last = make([]*KeyRange, l.maxLevels)
	}
	out := make([]*KeyRange, l.maxLevels)
	for lvl := 0; lvl < l.maxLevels; lvl++ {
		tables := l.tables[lvl]
		if lvl == 0 {
			if n := len(tables); n > 0 {
				t := tables[n-1]
				out[lvl] = &KeyRange{Min: t.MinKey(), Max: t.MaxKey()}
			}
			continue
		}

		var found *KeyRange
		if lvl < len(last) && last[lvl] != nil {
			for _, t := range tables {
				if key.CompareLookup(t.MinKey(), last[lvl].Max) >= 0 {
					found = &KeyRange{Min: t.MinKey(), Max: t.MaxKey()}
					break
				}
			}
		}
		if found == nil && len(tables) > 0 {
			found = &KeyRange{Min: tables[0].MinKey(), Max: tables[0].MaxKey()}
		}
		out[lvl] = found
	}
	return out
}

// PickCompaction scans levels bottom-up for the first level whose size
// exceeds its compaction threshold, selects the table named by inputStart
// as the seed, and absorbs every overlapping table in the level below it
// (and, transitively, any further overlapping tables back in the source
// level) until the absorbed range stops growing. If exactly one source
// table and no overlapping destination table exist, it is sunk (rewritten
// one level down unchanged); otherwise every absorbed table's content is
// k-way merged, deduplicated by user key (keeping the newest version), and
// written as one new table. It returns the tables to delete and the tables
// to install; both are empty if nothing is currently compactable. A level
// is never chosen as a compaction source if it has no level below it to
// compact into — the source's background_compaction had no such guard, and
// would have selected + deleted a table at the deepest level without ever
// writing a replacement (see DESIGN.md).
func (l *Levels) PickCompaction(inputStart []*KeyRange) ([]DeletedTable, []*sstable.Table, error) {
	l.mu.RLock()
	snapshot := make([][]*sstable.Table, l.maxLevels)
	for i := range l.tables {
		snapshot[i] = append([]*sstable.Table(nil), l.tables[i]...)
	}
	l.mu.RUnlock()

	var deleted []*sstable.Table
	srcTableIdx := 0

	for levelIdx := 0; levelIdx < l.maxLevels-1; levelIdx++ {
		tables := snapshot[levelIdx]

		var sizeSum int64
		for _, t := range tables {
			sz, err := t.Size()
			if err != nil {
				return nil, nil, fmt.Errorf("levels: %w", err)
			}
			sizeSum += sz
		}
		compactable := (levelIdx == 0 && len(tables) > l.l0Threshold) ||
			(levelIdx > 0 && uint64(sizeSum) > l.l1MaxBytes<<uint(4*(levelIdx-1)))

		if compactable && levelIdx < len(inputStart) && inputStart[levelIdx] != nil {
			start := inputStart[levelIdx]
			for idx, t := range tables {
				if key.CompareLookup(t.MinKey(), start.Min) == 0 && key.CompareLookup(t.MaxKey(), start.Max) == 0 {
					deleted = append(deleted, t)
					srcTableIdx = idx
					break
				}
			}
		}

		if len(deleted) == 0 {
			continue
		}

		dstLevelIdx := levelIdx + 1
		dstTables := snapshot[dstLevelIdx]
		dstTableIdx := -1
		keyMin, keyMax := deleted[0].MinKey(), deleted[0].MaxKey()

		for idx, t := range dstTables {
			if sstable.Overlaps(keyMin, keyMax, t.MinKey(), t.MaxKey()) {
				keyMin, keyMax = expandRange(keyMin, keyMax, t)
				deleted = append(deleted, t)
				dstTableIdx = idx
			}
		}

		if dstTableIdx == -1 {
			if len(deleted) != 1 {
				return nil, nil, fmt.Errorf("levels: compaction invariant violated: %d tables selected with no overlapping destination", len(deleted))
			}
			content, err := deleted[0].Content()
			if err != nil {
				return nil, nil, fmt.Errorf("levels: %w", err)
			}
			newTable, err := l.writeFile(content, dstLevelIdx)
			if err != nil {
				return nil, nil, err
			}
			return deletedList(deleted), []*sstable.Table{newTable}, nil
		}

		lastLen := -1
		for len(deleted) != lastLen {
			lastLen = len(deleted)
			for srcTableIdx+1 < len(tables) {
				srcTableIdx++
				t := tables[srcTableIdx]
				if sstable.Overlaps(keyMin, keyMax, t.MinKey(), t.MaxKey()) {
					keyMin, keyMax = expandRange(keyMin, keyMax, t)
					deleted = append(deleted, t)
				} else {
					srcTableIdx--
					break
				}
			}
			for dstTableIdx+1 < len(dstTables) {
				dstTableIdx++
				t := dstTables[dstTableIdx]
				if sstable.Overlaps(keyMin, keyMax, t.MinKey(), t.MaxKey()) {
					keyMin, keyMax = expandRange(keyMin, keyMax, t)
					deleted = append(deleted, t)
				} else {
					dstTableIdx--
					break
				}
			}
		}

		merged, err := mergeDedup(deleted)
		if err != nil {
			return nil, nil, fmt.Errorf("levels: %w", err)
		}
		newTable, err := l.writeFile(merged, dstLevelIdx)
		if err != nil {
			return nil, nil, err
		}
		return deletedList(deleted), []*sstable.Table{newTable}, nil
	}

	return nil, nil, nil
}

func expandRange(min, max key.LookupKey, t *sstable.Table) (key.LookupKey, key.LookupKey) {
	if key.CompareLookup(t.MinKey(), min) < 0 {
		min = t.MinKey()
	}
	if key.CompareLookup(t.MaxKey(), max) > 0 {
		max = t.MaxKey()
	}
	return min, max
}

func deletedList(tables []*sstable.Table) []DeletedTable {
	out := make([]DeletedTable, len(tables))
	for i, t := range tables {
		out[i] = DeletedTable{Level: t.Level(), Path: t.Path()}
	}
	return out
}

// mergeDedup k-way merges every table's content in ascending look-up key
// order, then keeps only the first (newest, per key.Compare's descending
// seq_num tiebreak) occurrence of each user key.
func mergeDedup(tables []*sstable.Table) ([]sstable.Entry, error) {
	var all []sstable.Entry
	for _, t := range tables {
		c, err := t.Content()
		if err != nil {
			return nil, err
		}
		all = append(all, c...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		return key.CompareLookup(all[i].LookupKey, all[j].LookupKey) < 0
	})

	out := all[:0:0]
	for i, e := range all {
		if i == 0 || !bytes.Equal(e.LookupKey.Key.UserKey, all[i-1].LookupKey.Key.UserKey) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Update atomically installs the result of a flush or compaction: every
// deleted table is dropped from its level, its file handle closed and its
// SST file removed from disk, then every new table is inserted into its
// level in sorted order. Re-raising compaction in a loop until nothing is
// produced is the caller's (the compaction worker's) responsibility.
func (l *Levels) Update(deleted []DeletedTable, newTables []*sstable.Table) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	byLevel := make(map[int]map[string]bool)
	for _, d := range deleted {
		if byLevel[d.Level] == nil {
			byLevel[d.Level] = make(map[string]bool)
		}
		byLevel[d.Level][d.Path] = true
	}

	var errs []error
	for level, paths := range byLevel {
		var kept []*sstable.Table
		for _, t := range l.tables[level] {
			if !paths[t.Path()] {
				kept = append(kept, t)
				continue
			}
			if err := t.Remove(); err != nil {
				errs = append(errs, err)
			}
		}
		l.tables[level] = kept
	}
	if len(errs) > 0 {
		return fmt.Errorf("levels: update: %w", errors.Join(errs...))
	}

	for _, t := range newTables {
		l.insertLocked(t)
	}
	return nil
}

func (l *Levels) insertLocked(t *sstable.Table) {
	lvl := t.Level()
	tables := l.tables[lvl]
	var idx int
	if lvl == 0 {
		idx = sort.Search(len(tables), func(i int) bool { return tables[i].LastSeqNum() < t.LastSeqNum() })
	} else {
		idx = sort.Search(len(tables), func(i int) bool { return key.CompareLookup(tables[i].MinKey(), t.MinKey()) >= 0 })
	}
	tables = append(tables, nil)
	copy(tables[idx+1:], tables[idx:])
	tables[idx] = t
	l.tables[lvl] = tables
}

// TableCount returns the number of tables currently in level lvl.
func (l *Levels) TableCount(lvl int) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if lvl < 0 || lvl >= len(l.tables) {
		return 0
	}
	return len(l.tables[lvl])
}

// TotalBytes returns the summed on-disk size of every table in every level.
func (l *Levels) TotalBytes() (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var total uint64
	for _, tables := range l.tables {
		for _, t := range tables {
			sz, err := t.Size()
			if err != nil {
				return 0, err
			}
			total += uint64(sz)
		}
	}
	return total, nil
}

// Close closes every open table's file handle without deleting it.
func (l *Levels) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for _, tables := range l.tables {
		for _, t := range tables {
			if err := t.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("levels: close: %w", errors.Join(errs...))
	}
	return nil
}
