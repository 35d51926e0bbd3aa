package levels

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/internal/key"
	"lsmkv/internal/sstable"
)

func entry(userKey string, seqNum uint64, kind key.Kind, value string) sstable.Entry {
	var v []byte
	if !kind.IsDelete() {
		v = []byte(value)
	}
	return sstable.Entry{LookupKey: key.NewLookupKey(key.Make([]byte(userKey), seqNum, kind)), Value: v}
}

func newTestLevels(t *testing.T) *Levels {
	t.Helper()
	l, maxFileNum, err := Open(t.TempDir(), nil, 4096, 4, 64<<20, 7)
	require.NoError(t, err)
	require.Equal(t, uint64(0), maxFileNum)
	return l
}

func TestFlushThenSearch(t *testing.T) {
	l := newTestLevels(t)
	entries := []sstable.Entry{
		entry("A", 1, key.Put, "1"),
		entry("B", 2, key.Put, "2"),
	}
	tbl, err := l.WriteLevel0File(entries)
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{tbl}))

	res, err := l.Search([]byte("A"), 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("1"), res.Value)

	res, err = l.Search([]byte("missing"), 1)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestLevel0NewestWins(t *testing.T) {
	l := newTestLevels(t)

	t1, err := l.WriteLevel0File([]sstable.Entry{entry("K", 1, key.Put, "old")})
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{t1}))

	t2, err := l.WriteLevel0File([]sstable.Entry{entry("K", 2, key.Put, "new")})
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{t2}))

	res, err := l.Search([]byte("K"), 2)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("new"), res.Value)

	// Level 0 must be ordered newest-first.
	assert.Equal(t, uint64(2), l.tables[0][0].LastSeqNum())
}

func TestPickCompactionSinksSoleTable(t *testing.T) {
	l := newTestLevels(t)
	l.l0Threshold = 0 // force level 0 compactable with a single table

	tbl, err := l.WriteLevel0File([]sstable.Entry{
		entry("A", 1, key.Put, "1"),
		entry("B", 2, key.Put, "2"),
	})
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{tbl}))

	start := l.GetInputStart(nil)
	deleted, created, err := l.PickCompaction(start)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	require.Len(t, created, 1)
	assert.Equal(t, 0, deleted[0].Level)
	assert.Equal(t, 1, created[0].Level())

	require.NoError(t, l.Update(deleted, created))
	assert.Equal(t, 0, l.TableCount(0))
	assert.Equal(t, 1, l.TableCount(1))

	res, err := l.Search([]byte("A"), 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("1"), res.Value)
}

func TestPickCompactionMergesAndDedups(t *testing.T) {
	l := newTestLevels(t)
	l.l0Threshold = 0

	// Seed level 1 with a disjoint table covering C..D.
	seed, err := l.writeFile([]sstable.Entry{
		entry("C", 1, key.Put, "c-old"),
		entry("D", 1, key.Put, "d-old"),
	}, 1)
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{seed}))

	// Flush a level-0 table that overlaps C (newer version) plus a new key A.
	tbl, err := l.WriteLevel0File([]sstable.Entry{
		entry("A", 2, key.Put, "a-new"),
		entry("C", 2, key.Put, "c-new"),
	})
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{tbl}))

	start := l.GetInputStart(nil)
	deleted, created, err := l.PickCompaction(start)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.NoError(t, l.Update(deleted, created))

	assert.Equal(t, 0, l.TableCount(0))

	res, err := l.Search([]byte("C"), 2)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("c-new"), res.Value)

	res, err = l.Search([]byte("D"), 2)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("d-old"), res.Value)

	res, err = l.Search([]byte("A"), 2)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("a-new"), res.Value)
}

func TestLevelDisjointness(t *testing.T) {
	l := newTestLevels(t)
	t1, err := l.writeFile([]sstable.Entry{entry("A", 1, key.Put, "1")}, 1)
	require.NoError(t, err)
	t2, err := l.writeFile([]sstable.Entry{entry("Z", 1, key.Put, "1")}, 1)
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{t1, t2}))

	tables := l.tables[1]
	require.Len(t, tables, 2)
	for i := 1; i < len(tables); i++ {
		assert.False(t, sstable.Overlaps(tables[i-1].MinKey(), tables[i-1].MaxKey(), tables[i].MinKey(), tables[i].MaxKey()))
	}
}

func TestOpenRecoversExistingTables(t *testing.T) {
	dir := t.TempDir()
	l, _, err := Open(dir, nil, 4096, 4, 64<<20, 7)
	require.NoError(t, err)
	tbl, err := l.WriteLevel0File([]sstable.Entry{entry("A", 1, key.Put, "1")})
	require.NoError(t, err)
	require.NoError(t, l.Update(nil, []*sstable.Table{tbl}))
	path := tbl.Path()
	require.NoError(t, l.Close())

	reopened, maxFileNum, err := Open(dir, []string{path}, 4096, 4, 64<<20, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), maxFileNum)
	assert.Equal(t, 1, reopened.TableCount(0))

	res, err := reopened.Search([]byte("A"), 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("1"), res.Value)
	_ = filepath.Base(path)
}
