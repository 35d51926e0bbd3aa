// Package key implements the internal key encoding shared by the memtable,
// the write-ahead log and the on-disk sorted-string tables: a user key plus
// a trailing (sequence number, operation kind) tail that defines MVCC order.
package key

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies what an internal key's value represents. It does not
// participate in key ordering or equality.
type Kind uint8

const (
	// Put is a live value written outside a transaction.
	Put Kind = 0
	// Delete is a tombstone written outside a transaction.
	Delete Kind = 1
	// TxPut is a live value written as part of a committed transaction.
	TxPut Kind = 2
	// TxDelete is a tombstone written as part of a committed transaction.
	TxDelete Kind = 3
)

func (k Kind) String() string {
	switch k {
	case Put:
		return "put"
	case Delete:
		return "delete"
	case TxPut:
		return "tx-put"
	case TxDelete:
		return "tx-delete"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// IsDelete reports whether the kind is a tombstone of either flavor.
func (k Kind) IsDelete() bool {
	return k == Delete || k == TxDelete
}

// Valid reports whether k is one of the four defined operation kinds.
func (k Kind) Valid() bool {
	return k <= TxDelete
}

// InternalKey is a user key plus the (sequence number, kind) tail that gives
// the key its place in the engine's total order. Distinct versions of the
// same user key are distinct InternalKeys.
type InternalKey struct {
	UserKey []byte
	SeqNum  uint64
	Kind    Kind
}

// Make constructs an InternalKey from its parts.
func Make(userKey []byte, seqNum uint64, kind Kind) InternalKey {
	return InternalKey{UserKey: userKey, SeqNum: seqNum, Kind: kind}
}

// tail packs the sequence number and kind into the 8-byte trailer described
// in spec §3: tail = (seq_num << 8) | kind.
func (k InternalKey) tail() uint64 {
	return k.SeqNum<<8 | uint64(k.Kind)
}

// Encode returns user_key || little-endian 8-byte tail.
func (k InternalKey) Encode() []byte {
	buf := make([]byte, len(k.UserKey)+8)
	n := copy(buf, k.UserKey)
	binary.LittleEndian.PutUint64(buf[n:], k.tail())
	return buf
}

// Decode parses an InternalKey from its encoded form. b must be at least 8
// bytes; the trailing 8 bytes are the tail, everything before is the user
// key.
func Decode(b []byte) (InternalKey, error) {
	if len(b) < 8 {
		return InternalKey{}, fmt.Errorf("key: encoded internal key too short: %d bytes", len(b))
	}
	tail := binary.LittleEndian.Uint64(b[len(b)-8:])
	userKey := append([]byte(nil), b[:len(b)-8]...)
	return InternalKey{
		UserKey: userKey,
		SeqNum:  tail >> 8,
		Kind:    Kind(tail & 0xff),
	}, nil
}

// Compare orders InternalKeys by user key ascending, then by sequence number
// descending (so a newer version of the same user key sorts before an older
// one). Kind does not participate in comparison or equality.
func Compare(a, b InternalKey) int {
	if c := compareBytes(a.UserKey, b.UserKey); c != 0 {
		return c
	}
	switch {
	case a.SeqNum > b.SeqNum:
		return -1
	case a.SeqNum < b.SeqNum:
		return 1
	default:
		return 0
	}
}

// Equal reports whether a and b address the same (user key, sequence
// number) version, ignoring kind.
func Equal(a, b InternalKey) bool {
	return compareBytes(a.UserKey, b.UserKey) == 0 && a.SeqNum == b.SeqNum
}

func compareBytes(a, b []byte) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

// LookupKey is the length-prefixed on-disk framing of an InternalKey: an
// 8-byte little-endian key length followed by the encoded internal key.
// Ordering and equality of LookupKeys follow their wrapped InternalKey; the
// length prefix is framing only.
type LookupKey struct {
	Key InternalKey
}

// NewLookupKey wraps ik as a LookupKey.
func NewLookupKey(ik InternalKey) LookupKey {
	return LookupKey{Key: ik}
}

// MakeSearchLookupKey builds the probe key used for point lookups: the
// target user key at the given snapshot sequence number. Kind is fixed at
// Delete (1), matching spec §4.4 ("form look_up_key for (key, seq_num, 1)");
// kind never participates in comparisons so the choice is cosmetic.
func MakeSearchLookupKey(userKey []byte, seqNum uint64) LookupKey {
	return NewLookupKey(Make(userKey, seqNum, Delete))
}

// Encode returns key_len(8) || internal_key.
func (lk LookupKey) Encode() []byte {
	ik := lk.Key.Encode()
	buf := make([]byte, 8+len(ik))
	binary.LittleEndian.PutUint64(buf, uint64(len(ik)))
	copy(buf[8:], ik)
	return buf
}

// DecodeLookupKey parses a LookupKey starting at offset 0 of b and returns
// it along with the number of bytes consumed.
func DecodeLookupKey(b []byte) (LookupKey, int, error) {
	if len(b) < 8 {
		return LookupKey{}, 0, fmt.Errorf("key: truncated look-up key length prefix")
	}
	klen := binary.LittleEndian.Uint64(b)
	if uint64(len(b)) < 8+klen {
		return LookupKey{}, 0, fmt.Errorf("key: truncated look-up key body")
	}
	ik, err := Decode(b[8 : 8+klen])
	if err != nil {
		return LookupKey{}, 0, err
	}
	return LookupKey{Key: ik}, int(8 + klen), nil
}

// CompareLookup orders two LookupKeys by their wrapped InternalKey.
func CompareLookup(a, b LookupKey) int {
	return Compare(a.Key, b.Key)
}

// Result is the tri-state answer a single storage layer (memtable,
// immutable memtable, or one SST table) gives for a point lookup: nil means
// "no entry at or below the requested sequence number in this layer, keep
// searching lower layers"; a non-nil Result is definitive, either a live
// value or a tombstone.
type Result struct {
	Value     []byte
	Tombstone bool
}

// Found wraps v as a definitive live-value result.
func Found(v []byte) *Result { return &Result{Value: v} }

// TombstoneResult returns the definitive "deleted" result.
func TombstoneResult() *Result { return &Result{Tombstone: true} }
