package lsm

// Stats is a read-only diagnostic snapshot of an open database: per-level
// table counts, total on-disk bytes across every level, the next sequence
// number to be allocated, and the random session id assigned at Open (a
// fresh one on every Open; the engine's log lines do not include it).
type Stats struct {
	Session     string
	NextSeqNum  uint64
	LevelTables []int
	TotalBytes  uint64
}

// Stats returns a point-in-time snapshot of the engine's level table
// counts, total bytes, and sequence counter.
func (db *DB) Stats() (Stats, error) {
	if db.closed.Load() {
		return Stats{}, ErrClosed
	}

	tables := make([]int, db.cfg.maxLevels)
	for i := range tables {
		tables[i] = db.lvls.TableCount(i)
	}
	total, err := db.lvls.TotalBytes()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Session:     db.session,
		NextSeqNum:  db.seqNum.Load(),
		LevelTables: tables,
		TotalBytes:  total,
	}, nil
}
