package lsm

import (
	"fmt"

	"lsmkv/internal/memtable"
	"lsmkv/internal/sstable"
)

// compactionTicket is the unit of work handed to the background worker:
// either an immutable memtable to flush, or the poison ticket that tells
// the worker to exit.
type compactionTicket struct {
	flush  *memtable.MemTable
	poison bool
}

// runCompaction is the background worker's whole lifecycle: consume one
// ticket at a time, flush it if present, then drive major compaction to a
// fixed point before going back to sleep on the channel. The poison ticket
// clears runningCompaction and returns, unblocking Close's Wait.
func (db *DB) runCompaction() {
	for t := range db.compactionCh {
		if t.poison {
			db.runningCompaction.Store(false)
			return
		}
		if t.flush != nil {
			if err := db.flushImmutable(t.flush); err != nil {
				db.cfg.logger.Errorf("flush failed: %v", err)
			}
		}
		db.compactLoop()
		db.runningCompaction.Store(false)
	}
}

// flushImmutable is minor compaction: write the immutable memtable's
// sorted contents as one new level-0 table, install it, then retire the
// memtable's WAL segment.
func (db *DB) flushImmutable(mt *memtable.MemTable) error {
	contents := mt.Contents()
	entries := make([]sstable.Entry, len(contents))
	for i, c := range contents {
		entries[i] = sstable.Entry{LookupKey: c.LookupKey, Value: c.Value}
	}

	tbl, err := db.lvls.WriteLevel0File(entries)
	if err != nil {
		return fmt.Errorf("lsm: flush: %w", err)
	}
	if err := db.lvls.Update(nil, []*sstable.Table{tbl}); err != nil {
		return fmt.Errorf("lsm: flush: %w", err)
	}
	if err := mt.RemoveWAL(); err != nil {
		return fmt.Errorf("lsm: flush: %w", err)
	}

	db.immMu.Lock()
	db.imm = nil
	db.immMu.Unlock()

	db.cfg.logger.Infof("flushed memtable to level 0 table %s", tbl.Path())
	return nil
}

// compactLoop re-raises PickCompaction/Update until a cycle produces no
// further work, matching spec's "re-raise compaction until idle" rule.
func (db *DB) compactLoop() {
	for {
		db.inputStartMu.Lock()
		start := db.lvls.GetInputStart(db.lastInputStart)
		db.lastInputStart = start
		db.inputStartMu.Unlock()

		deleted, created, err := db.lvls.PickCompaction(start)
		if err != nil {
			db.cfg.logger.Errorf("compaction failed: %v", err)
			return
		}
		if len(deleted) == 0 && len(created) == 0 {
			return
		}
		if err := db.lvls.Update(deleted, created); err != nil {
			db.cfg.logger.Errorf("compaction update failed: %v", err)
			return
		}
		db.cfg.logger.Infof("compacted %d table(s) into %d new table(s)", len(deleted), len(created))
	}
}
