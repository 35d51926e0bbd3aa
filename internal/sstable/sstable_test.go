package sstable

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lsmkv/internal/key"
)

func entry(userKey string, seqNum uint64, kind key.Kind, value string) Entry {
	var v []byte
	if !kind.IsDelete() {
		v = []byte(value)
	}
	return Entry{LookupKey: key.NewLookupKey(key.Make([]byte(userKey), seqNum, kind)), Value: v}
}

func TestFooterRoundTrip(t *testing.T) {
	f := Footer{Level: 2, MinKeyAddr: 10, MaxKeyAddr: 20, LastSeqNum: 99, MetaIndexBlockAddr: 5, IndexBlockAddr: 5}
	decoded, err := DecodeFooter(f.Encode())
	require.NoError(t, err)
	assert.Equal(t, f, decoded)
}

func TestIndexEntryRoundTrip(t *testing.T) {
	ie := IndexEntry{MaxKey: key.NewLookupKey(key.Make([]byte("Z"), 7, key.Put)), Offset: 128, Length: 64}
	decoded, n, err := decodeIndexEntry(ie.Encode())
	require.NoError(t, err)
	assert.Equal(t, len(ie.Encode()), n)
	assert.Equal(t, ie.Offset, decoded.Offset)
	assert.Equal(t, ie.Length, decoded.Length)
	assert.True(t, key.CompareLookup(ie.MaxKey, decoded.MaxKey) == 0)
}

func TestDataEntryRoundTrip(t *testing.T) {
	e := entry("hello", 3, key.Put, "world")
	decoded, n, err := decodeEntry(e.Encode())
	require.NoError(t, err)
	assert.Equal(t, len(e.Encode()), n)
	assert.Equal(t, e.Value, decoded.Value)
	assert.True(t, key.CompareLookup(e.LookupKey, decoded.LookupKey) == 0)
}

func TestBuildContentRoundTrip(t *testing.T) {
	entries := []Entry{
		entry("A", 3, key.Put, "1"),
		entry("B", 2, key.Put, "2"),
		entry("C", 1, key.Delete, ""),
	}
	path := filepath.Join(t.TempDir(), "1.sst")
	tbl, err := Build(path, 0, 4096, entries)
	require.NoError(t, err)
	defer tbl.Close()

	content, err := tbl.Content()
	require.NoError(t, err)
	require.Len(t, content, len(entries))
	for i := range entries {
		assert.True(t, key.CompareLookup(entries[i].LookupKey, content[i].LookupKey) == 0)
		assert.Equal(t, entries[i].Value, content[i].Value)
	}
}

func TestBuildFlushesResidualBlock(t *testing.T) {
	// A single small entry never overflows block_size; it must still land
	// in the index rather than being dropped.
	entries := []Entry{entry("only", 1, key.Put, "v")}
	path := filepath.Join(t.TempDir(), "1.sst")
	tbl, err := Build(path, 0, 4096, entries)
	require.NoError(t, err)
	defer tbl.Close()

	require.Len(t, tbl.index, 1)
	res, err := tbl.Search([]byte("only"), 1)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("v"), res.Value)
}

func TestSearchHitsAndMisses(t *testing.T) {
	entries := []Entry{
		entry("A", 5, key.Put, "a5"),
		entry("B", 3, key.Delete, ""),
		entry("C", 1, key.Put, "c1"),
	}
	path := filepath.Join(t.TempDir(), "2.sst")
	tbl, err := Build(path, 0, 4096, entries)
	require.NoError(t, err)
	defer tbl.Close()

	res, err := tbl.Search([]byte("A"), 5)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("a5"), res.Value)

	res, err = tbl.Search([]byte("B"), 3)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Tombstone)

	res, err = tbl.Search([]byte("missing"), 10)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestOpenReopensExistingTable(t *testing.T) {
	entries := []Entry{
		entry("A", 1, key.Put, "1"),
		entry("B", 2, key.Put, "2"),
	}
	path := filepath.Join(t.TempDir(), "3.sst")
	built, err := Build(path, 3, 4096, entries)
	require.NoError(t, err)
	require.NoError(t, built.Close())

	tbl, err := Open(path)
	require.NoError(t, err)
	defer tbl.Close()

	assert.Equal(t, 3, tbl.Level())
	assert.Equal(t, uint64(2), tbl.LastSeqNum())

	res, err := tbl.Search([]byte("B"), 2)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []byte("2"), res.Value)
}

func TestOverlapsConjunction(t *testing.T) {
	lk := func(s string) key.LookupKey { return key.NewLookupKey(key.Make([]byte(s), 1, key.Put)) }

	assert.True(t, Overlaps(lk("A"), lk("M"), lk("K"), lk("Z")))
	assert.False(t, Overlaps(lk("A"), lk("B"), lk("C"), lk("D")))
}
