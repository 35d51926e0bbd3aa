// Package sstable implements the immutable on-disk sorted-string table
// format: a run of data blocks, an index block, and a fixed 48-byte footer,
// built from a sorted stream of (look-up key, value) pairs and reopened
// later for point lookup or full-content enumeration during compaction.
package sstable

import (
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"lsmkv/internal/key"
)

// footerSize is the fixed byte length of the trailing Footer record.
const footerSize = 48

// Footer is the last 48 bytes of every SST file: enough to locate the index
// block and the cached min/max keys without scanning the file.
type Footer struct {
	Level              uint64
	MinKeyAddr         uint64
	MaxKeyAddr         uint64
	LastSeqNum         uint64
	MetaIndexBlockAddr uint64
	IndexBlockAddr     uint64
}

// Encode serializes the footer per spec §6:
// level(8) || min_key_addr(8) || max_key_addr(8) || last_seq_num(8) ||
// meta_index_block_addr(8) || index_block_addr(8).
func (f Footer) Encode() []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.Level)
	binary.LittleEndian.PutUint64(buf[8:16], f.MinKeyAddr)
	binary.LittleEndian.PutUint64(buf[16:24], f.MaxKeyAddr)
	binary.LittleEndian.PutUint64(buf[24:32], f.LastSeqNum)
	binary.LittleEndian.PutUint64(buf[32:40], f.MetaIndexBlockAddr)
	binary.LittleEndian.PutUint64(buf[40:48], f.IndexBlockAddr)
	return buf
}

// DecodeFooter parses a Footer from a 48-byte slice.
func DecodeFooter(b []byte) (Footer, error) {
	if len(b) != footerSize {
		return Footer{}, fmt.Errorf("sstable: footer must be %d bytes, got %d", footerSize, len(b))
	}
	return Footer{
		Level:              binary.LittleEndian.Uint64(b[0:8]),
		MinKeyAddr:         binary.LittleEndian.Uint64(b[8:16]),
		MaxKeyAddr:         binary.LittleEndian.Uint64(b[16:24]),
		LastSeqNum:         binary.LittleEndian.Uint64(b[24:32]),
		MetaIndexBlockAddr: binary.LittleEndian.Uint64(b[32:40]),
		IndexBlockAddr:     binary.LittleEndian.Uint64(b[40:48]),
	}, nil
}

// Entry is a (look-up key, value) pair as it appears in a data block or as
// built/consumed across the package boundary (table construction and
// compaction both traffic in these).
type Entry struct {
	LookupKey key.LookupKey
	Value     []byte
}

// Encode returns look_up_key || value_len(8) || value.
func (e Entry) Encode() []byte {
	lk := e.LookupKey.Encode()
	buf := make([]byte, len(lk)+8+len(e.Value))
	n := copy(buf, lk)
	binary.LittleEndian.PutUint64(buf[n:], uint64(len(e.Value)))
	n += 8
	copy(buf[n:], e.Value)
	return buf
}

// decodeEntry parses one Entry from the front of b, returning it and the
// number of bytes consumed.
func decodeEntry(b []byte) (Entry, int, error) {
	lk, n, err := key.DecodeLookupKey(b)
	if err != nil {
		return Entry{}, 0, fmt.Errorf("sstable: decode data entry: %w", err)
	}
	if len(b) < n+8 {
		return Entry{}, 0, fmt.Errorf("sstable: truncated data entry value length")
	}
	valLen := binary.LittleEndian.Uint64(b[n:])
	n += 8
	if uint64(len(b)) < uint64(n)+valLen {
		return Entry{}, 0, fmt.Errorf("sstable: truncated data entry value")
	}
	val := append([]byte(nil), b[n:n+int(valLen)]...)
	n += int(valLen)
	return Entry{LookupKey: lk, Value: val}, n, nil
}

// IndexEntry is one index block record: the largest look-up key stored in a
// data block, plus that block's offset and byte length within the file.
type IndexEntry struct {
	MaxKey key.LookupKey
	Offset uint64
	Length uint64
}

// Encode returns max_key || block_offset(8) || block_length(8).
func (e IndexEntry) Encode() []byte {
	mk := e.MaxKey.Encode()
	buf := make([]byte, len(mk)+16)
	n := copy(buf, mk)
	binary.LittleEndian.PutUint64(buf[n:], e.Offset)
	n += 8
	binary.LittleEndian.PutUint64(buf[n:], e.Length)
	return buf
}

func decodeIndexEntry(b []byte) (IndexEntry, int, error) {
	mk, n, err := key.DecodeLookupKey(b)
	if err != nil {
		return IndexEntry{}, 0, fmt.Errorf("sstable: decode index entry: %w", err)
	}
	if len(b) < n+16 {
		return IndexEntry{}, 0, fmt.Errorf("sstable: truncated index entry")
	}
	offset := binary.LittleEndian.Uint64(b[n:])
	length := binary.LittleEndian.Uint64(b[n+8:])
	return IndexEntry{MaxKey: mk, Offset: offset, Length: length}, n + 16, nil
}

// FileName returns the on-disk table name for file number n: "<n>.sst".
func FileName(n uint64) string {
	return fmt.Sprintf("%d.sst", n)
}

// ParseFileNum extracts the numeric stem from a "<N>.sst" file name.
func ParseFileNum(name string) (uint64, bool) {
	const ext = ".sst"
	if len(name) <= len(ext) || name[len(name)-len(ext):] != ext {
		return 0, false
	}
	stem := name[:len(name)-len(ext)]
	var n uint64
	for _, c := range stem {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}

// Table is an opened (or just-built) immutable SST file.
type Table struct {
	path   string
	file   *os.File
	footer Footer
	index  []IndexEntry
	minKey key.LookupKey
	maxKey key.LookupKey
}

// Build writes a new SST file at path for the given level, from entries
// already in ascending look-up key order (the caller — a memtable flush or
// a compaction merge — owns producing that order). Data is accumulated into
// blocks of at least blockSize bytes; unlike the format's originating
// implementation, any residual data below the threshold at the end of the
// stream is still flushed as a final block, so the last entries in a short
// or small table are never silently dropped from the index.
func Build(path string, level int, blockSize int, entries []Entry) (*Table, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("sstable: build %s: no entries", path)
	}

	var buf []byte
	var dataBlock []byte
	var index []IndexEntry
	var lastSeqNum uint64
	minKey := entries[0].LookupKey
	maxKey := entries[len(entries)-1].LookupKey

	for _, e := range entries {
		if e.LookupKey.Key.SeqNum > lastSeqNum {
			lastSeqNum = e.LookupKey.Key.SeqNum
		}
		dataBlock = append(dataBlock, e.Encode()...)
		if len(dataBlock) > blockSize {
			index = append(index, IndexEntry{MaxKey: e.LookupKey, Offset: uint64(len(buf)), Length: uint64(len(dataBlock))})
			buf = append(buf, dataBlock...)
			dataBlock = nil
		}
	}
	if len(dataBlock) > 0 {
		// Flush the residual partial block rather than discarding it.
		index = append(index, IndexEntry{MaxKey: maxKey, Offset: uint64(len(buf)), Length: uint64(len(dataBlock))})
		buf = append(buf, dataBlock...)
	}

	indexBlockAddr := uint64(len(buf))
	for _, ie := range index {
		buf = append(buf, ie.Encode()...)
	}
	minKeyAddr := uint64(len(buf))
	buf = append(buf, minKey.Encode()...)
	maxKeyAddr := uint64(len(buf))
	buf = append(buf, maxKey.Encode()...)

	footer := Footer{
		Level:              uint64(level),
		MinKeyAddr:         minKeyAddr,
		MaxKeyAddr:         maxKeyAddr,
		LastSeqNum:         lastSeqNum,
		MetaIndexBlockAddr: indexBlockAddr,
		IndexBlockAddr:     indexBlockAddr,
	}
	buf = append(buf, footer.Encode()...)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	if _, err := f.Write(buf); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: write %s: %w", path, err)
	}

	return &Table{path: path, file: f, footer: footer, index: index, minKey: minKey, maxKey: maxKey}, nil
}

// Open reopens an existing SST file, parsing its footer and index block.
func Open(path string) (*Table, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: stat %s: %w", path, err)
	}
	if info.Size() < footerSize {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: %s shorter than footer", path)
	}
	footAddr := uint64(info.Size()) - footerSize

	footBuf := make([]byte, footerSize)
	if _, err := f.ReadAt(footBuf, int64(footAddr)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read footer of %s: %w", path, err)
	}
	footer, err := DecodeFooter(footBuf)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: %s: %w", path, err)
	}

	var index []IndexEntry
	addr := footer.IndexBlockAddr
	for addr < footer.MinKeyAddr {
		body := make([]byte, footer.MinKeyAddr-addr)
		if _, err := f.ReadAt(body, int64(addr)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sstable: read index of %s: %w", path, err)
		}
		ie, n, err := decodeIndexEntry(body)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("sstable: %s: %w", path, err)
		}
		index = append(index, ie)
		addr += uint64(n)
	}

	minKey, minKeyLen, err := readLookupKeyAt(f, footer.MinKeyAddr, footAddr)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read min key of %s: %w", path, err)
	}
	maxKey, _, err := readLookupKeyAt(f, footer.MinKeyAddr+minKeyLen, footAddr)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sstable: read max key of %s: %w", path, err)
	}

	return &Table{path: path, file: f, footer: footer, index: index, minKey: minKey, maxKey: maxKey}, nil
}

func readLookupKeyAt(f *os.File, addr, limit uint64) (key.LookupKey, uint64, error) {
	if addr > limit {
		return key.LookupKey{}, 0, fmt.Errorf("sstable: look-up key address %d past limit %d", addr, limit)
	}
	body := make([]byte, limit-addr)
	if _, err := f.ReadAt(body, int64(addr)); err != nil {
		return key.LookupKey{}, 0, err
	}
	lk, n, err := key.DecodeLookupKey(body)
	if err != nil {
		return key.LookupKey{}, 0, err
	}
	return lk, uint64(n), nil
}

// Path returns the table's file path.
func (t *Table) Path() string { return t.path }

// Level returns the table's level.
func (t *Table) Level() int { return int(t.footer.Level) }

// LastSeqNum returns the greatest sequence number stored in the table, used
// to order level-0 tables newest-first.
func (t *Table) LastSeqNum() uint64 { return t.footer.LastSeqNum }

// MinKey and MaxKey return the table's cached key range, used for level ≥ 1
// disjointness and for bracketing a look-up key against level 0 tables.
func (t *Table) MinKey() key.LookupKey { return t.minKey }
func (t *Table) MaxKey() key.LookupKey { return t.maxKey }

// Size returns the table's on-disk byte length.
func (t *Table) Size() (int64, error) {
	info, err := t.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("sstable: stat %s: %w", t.path, err)
	}
	return info.Size(), nil
}

// Close closes the table's underlying file handle without deleting it.
func (t *Table) Close() error {
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("sstable: close %s: %w", t.path, err)
	}
	return nil
}

// Remove closes the table and deletes its file. Called by the levels update
// once a compaction has replaced the table.
func (t *Table) Remove() error {
	_ = t.file.Close()
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("sstable: remove %s: %w", t.path, err)
	}
	return nil
}

// Search performs a point lookup for userKey at or below seqNum: it binary
// searches the index for the first block whose max key is >= the search
// look-up key, scans that block forward for the first entry whose look-up
// key is >= the target and whose user key matches, and returns a definitive
// key.Result (live value or tombstone). It returns nil if the scan falls
// off the block, or no block is eligible — the caller should keep searching
// lower levels.
func (t *Table) Search(userKey []byte, seqNum uint64) (*key.Result, error) {
	target := key.MakeSearchLookupKey(userKey, seqNum)
	idx := sort.Search(len(t.index), func(i int) bool {
		return key.CompareLookup(t.index[i].MaxKey, target) >= 0
	})
	if idx >= len(t.index) {
		return nil, nil
	}
	ie := t.index[idx]
	block := make([]byte, ie.Length)
	if _, err := t.file.ReadAt(block, int64(ie.Offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block of %s: %w", t.path, err)
	}

	offset := 0
	for offset < len(block) {
		e, n, err := decodeEntry(block[offset:])
		if err != nil {
			return nil, fmt.Errorf("sstable: %s: %w", t.path, err)
		}
		offset += n
		if key.CompareLookup(e.LookupKey, target) >= 0 {
			if string(e.LookupKey.Key.UserKey) != string(userKey) {
				return nil, nil
			}
			if e.LookupKey.Key.Kind.IsDelete() {
				return key.TombstoneResult(), nil
			}
			return key.Found(e.Value), nil
		}
	}
	return nil, nil
}

// Content iterates every data block in order and returns every (look-up
// key, value) pair in the table — the sorted stream a compaction merges.
func (t *Table) Content() ([]Entry, error) {
	var out []Entry
	for _, ie := range t.index {
		block := make([]byte, ie.Length)
		if _, err := t.file.ReadAt(block, int64(ie.Offset)); err != nil {
			return nil, fmt.Errorf("sstable: read block of %s: %w", t.path, err)
		}
		offset := 0
		for offset < len(block) {
			e, n, err := decodeEntry(block[offset:])
			if err != nil {
				return nil, fmt.Errorf("sstable: %s: %w", t.path, err)
			}
			out = append(out, e)
			offset += n
		}
	}
	return out, nil
}

// Overlaps reports whether the user-key ranges [minA, maxA] and
// [minB, maxB] intersect, using the conjunction predicate
// minA <= maxB && minB <= maxA (spec §9 open question 3 — the originating
// implementation used a disjunction here, which declares most pairs of
// ranges "overlapping" and defeats level ≥ 1 disjointness).
func Overlaps(minA, maxA, minB, maxB key.LookupKey) bool {
	return string(minA.Key.UserKey) <= string(maxB.Key.UserKey) &&
		string(minB.Key.UserKey) <= string(maxA.Key.UserKey)
}
