package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryRoundTripAllKinds(t *testing.T) {
	entries := []Entry{
		{Kind: EntryPut, Key: []byte("k1"), Value: []byte("v1"), SeqNum: 1},
		{Kind: EntryDelete, Key: []byte("k2"), Value: nil, SeqNum: 2},
		{Kind: EntryTxPut, Key: []byte("k3"), Value: []byte("v3"), SeqNum: 3},
		{Kind: EntryTxDelete, Key: []byte("k4"), Value: nil, SeqNum: 4},
		{Kind: EntryTxBegin, SeqNum: 5},
		{Kind: EntryTxCommit, SeqNum: 5},
		{Kind: EntryTxAbort, SeqNum: 6},
	}
	for _, e := range entries {
		b := e.Encode()
		decoded, n, err := decodeEntry(b)
		require.NoError(t, err)
		assert.Equal(t, len(b), n)
		assert.Equal(t, e.Kind, decoded.Kind)
		assert.Equal(t, e.SeqNum, decoded.SeqNum)
		assert.Equal(t, e.Key, decoded.Key)
		assert.Equal(t, e.Value, decoded.Value)
	}
}

func TestWriterReadAll(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 1)
	require.NoError(t, err)

	want := []Entry{
		{Kind: EntryPut, Key: []byte("A"), Value: []byte("3"), SeqNum: 10},
		{Kind: EntryPut, Key: []byte("B"), Value: []byte("4"), SeqNum: 11},
		{Kind: EntryDelete, Key: []byte("A"), SeqNum: 12},
	}
	for _, e := range want {
		require.NoError(t, w.Write(e))
	}
	require.NoError(t, w.Close())

	got, err := ReadAll(w.Path())
	require.NoError(t, err)
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Kind, got[i].Kind)
		assert.Equal(t, want[i].SeqNum, got[i].SeqNum)
		assert.Equal(t, want[i].Key, got[i].Key)
	}
}

func TestReadAllDropsTornTrailingRecord(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 2)
	require.NoError(t, err)
	require.NoError(t, w.Write(Entry{Kind: EntryPut, Key: []byte("A"), Value: []byte("1"), SeqNum: 1}))
	require.NoError(t, w.Close())

	// Append a torn record: a valid entry_type and key_len but no body.
	f, err := os.OpenFile(w.Path(), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{byte(EntryPut), 9, 0, 0, 0, 0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := ReadAll(w.Path())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []byte("A"), entries[0].Key)
}

func TestReadAllRejectsInvalidEntryType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "3.LOG")
	require.NoError(t, os.WriteFile(path, []byte{99, 0, 0, 0, 0, 0, 0, 0, 0}, 0644))

	_, err := ReadAll(path)
	assert.Error(t, err)
}

func TestRemoveDeletesFile(t *testing.T) {
	dir := t.TempDir()
	w, err := Open(dir, 4)
	require.NoError(t, err)
	path := w.Path()
	require.NoError(t, w.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestParseLogNum(t *testing.T) {
	n, ok := ParseLogNum("42.LOG")
	require.True(t, ok)
	assert.Equal(t, uint64(42), n)

	_, ok = ParseLogNum("42.sst")
	assert.False(t, ok)

	_, ok = ParseLogNum("notanumber.LOG")
	assert.False(t, ok)
}
