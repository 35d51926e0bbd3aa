// Package wal implements the per-memtable write-ahead log: an append-only
// stream of log entries that is replayed linearly during crash recovery.
//
// Durability note: Write flushes each entry to the operating system before
// returning (no in-process buffering sits between the caller and the file),
// but never calls fsync. This engine's durability guarantee is "survives a
// process crash", not "survives a power loss" — see spec §4.2 and §9.5.
package wal

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EntryKind identifies the record types that can appear in a log.
type EntryKind uint8

const (
	EntryPut      EntryKind = 0
	EntryDelete   EntryKind = 1
	EntryTxPut    EntryKind = 2
	EntryTxDelete EntryKind = 3
	EntryTxBegin  EntryKind = 4
	EntryTxCommit EntryKind = 5
	EntryTxAbort  EntryKind = 6
)

func (k EntryKind) hasKeyValue() bool { return k < EntryTxBegin }

// Entry is a single WAL record. Key and Value are only meaningful for
// Put/Delete/TxPut/TxDelete; the three transaction marker kinds carry only a
// sequence number.
type Entry struct {
	Kind   EntryKind
	Key    []byte
	Value  []byte
	SeqNum uint64
}

// Encode serializes e per spec §6:
//
//	entry_type(1) || key_len(8) || key || value_len(8) || value || seq_num(8)   (kind < 4)
//	entry_type(1) || seq_num(8)                                                 (kind >= 4)
func (e Entry) Encode() []byte {
	if !e.Kind.hasKeyValue() {
		buf := make([]byte, 1+8)
		buf[0] = byte(e.Kind)
		binary.LittleEndian.PutUint64(buf[1:], e.SeqNum)
		return buf
	}
	buf := make([]byte, 1+8+len(e.Key)+8+len(e.Value)+8)
	off := 0
	buf[off] = byte(e.Kind)
	off++
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(e.Key)))
	off += 8
	off += copy(buf[off:], e.Key)
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(e.Value)))
	off += 8
	off += copy(buf[off:], e.Value)
	binary.LittleEndian.PutUint64(buf[off:], e.SeqNum)
	return buf
}

// decodeEntry parses one entry from the front of b, returning the entry and
// the number of bytes consumed. It returns io.ErrUnexpectedEOF if b does not
// contain a complete record, so callers can distinguish a torn trailing
// write from other corruption.
func decodeEntry(b []byte) (Entry, int, error) {
	if len(b) < 1 {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	kind := EntryKind(b[0])
	if kind > EntryTxAbort {
		return Entry{}, 0, fmt.Errorf("wal: invalid entry type %d", b[0])
	}
	if !kind.hasKeyValue() {
		if len(b) < 1+8 {
			return Entry{}, 0, io.ErrUnexpectedEOF
		}
		seq := binary.LittleEndian.Uint64(b[1:9])
		return Entry{Kind: kind, SeqNum: seq}, 9, nil
	}

	off := 1
	if len(b) < off+8 {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	keyLen := binary.LittleEndian.Uint64(b[off:])
	off += 8
	if uint64(len(b)) < uint64(off)+keyLen {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	key := append([]byte(nil), b[off:off+int(keyLen)]...)
	off += int(keyLen)

	if len(b) < off+8 {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	valLen := binary.LittleEndian.Uint64(b[off:])
	off += 8
	if uint64(len(b)) < uint64(off)+valLen {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	val := append([]byte(nil), b[off:off+int(valLen)]...)
	off += int(valLen)

	if len(b) < off+8 {
		return Entry{}, 0, io.ErrUnexpectedEOF
	}
	seq := binary.LittleEndian.Uint64(b[off:])
	off += 8

	return Entry{Kind: kind, Key: key, Value: val, SeqNum: seq}, off, nil
}

// Writer owns one active log segment and appends entries to it.
type Writer struct {
	path string
	file *os.File
}

// FileName returns the on-disk segment name for log number n: "<n>.LOG".
func FileName(n uint64) string {
	return fmt.Sprintf("%d.LOG", n)
}

// Open opens (creating if necessary) the log segment for logNum under dir.
func Open(dir string, logNum uint64) (*Writer, error) {
	path := filepath.Join(dir, FileName(logNum))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}
	return &Writer{path: path, file: f}, nil
}

// Path returns the log segment's file path.
func (w *Writer) Path() string { return w.path }

// Write appends entry to the log, flushed to the OS before returning.
func (w *Writer) Write(entry Entry) error {
	if _, err := w.file.Write(entry.Encode()); err != nil {
		return fmt.Errorf("wal: write to %s: %w", w.path, err)
	}
	return nil
}

// Close closes the underlying file without removing it.
func (w *Writer) Close() error {
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close %s: %w", w.path, err)
	}
	return nil
}

// Remove closes and deletes the log segment. Called once the memtable it
// backs has been durably flushed to an SST.
func (w *Writer) Remove() error {
	_ = w.file.Close()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("wal: remove %s: %w", w.path, err)
	}
	return nil
}

// ReadAll reads and decodes every complete entry in the log segment at path,
// in order. A torn trailing record (the file ends mid-entry, as can happen
// after an unclean shutdown — spec §9 open question 4) is dropped silently;
// ReadAll returns the entries decoded before it. Any record whose length
// fields run past the end of the file is handled this way, wherever it
// starts. An invalid entry type is a fatal decode error. Records carry no
// checksum, so other damage in the middle of the file is not detected.
func ReadAll(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("wal: read %s: %w", path, err)
	}

	var entries []Entry
	pos := 0
	for pos < len(data) {
		e, n, err := decodeEntry(data[pos:])
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				// Torn trailing write: stop here, keep what decoded cleanly.
				break
			}
			return nil, fmt.Errorf("wal: corrupt record in %s at offset %d: %w", path, pos, err)
		}
		entries = append(entries, e)
		pos += n
	}
	return entries, nil
}

// ParseLogNum extracts the numeric stem from a "<N>.LOG" file name. It
// returns false if name does not have the expected extension or the stem is
// not a valid non-negative integer.
func ParseLogNum(name string) (uint64, bool) {
	return parseNumericStem(name, ".LOG")
}

func parseNumericStem(name, ext string) (uint64, bool) {
	if filepath.Ext(name) != ext {
		return 0, false
	}
	stem := name[:len(name)-len(ext)]
	var n uint64
	if stem == "" {
		return 0, false
	}
	for _, c := range stem {
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + uint64(c-'0')
	}
	return n, true
}
