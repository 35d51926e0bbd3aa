package key

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternalKeyRoundTrip(t *testing.T) {
	ik := Make([]byte("hello"), 42, TxPut)
	decoded, err := Decode(ik.Encode())
	require.NoError(t, err)
	assert.True(t, Equal(ik, decoded))
	assert.Equal(t, ik.SeqNum, decoded.SeqNum)
	assert.Equal(t, ik.Kind, decoded.Kind)
	assert.Equal(t, ik.UserKey, decoded.UserKey)
}

func TestLookupKeyRoundTrip(t *testing.T) {
	lk := NewLookupKey(Make([]byte("A"), 7, Delete))
	encoded := lk.Encode()
	decoded, n, err := DecodeLookupKey(encoded)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.True(t, Equal(lk.Key, decoded.Key))
}

func TestCompareOrdering(t *testing.T) {
	// user key ascending
	assert.Negative(t, Compare(Make([]byte("a"), 1, Put), Make([]byte("b"), 1, Put)))
	assert.Positive(t, Compare(Make([]byte("b"), 1, Put), Make([]byte("a"), 1, Put)))

	// same user key: higher seq sorts first (descending)
	assert.Negative(t, Compare(Make([]byte("a"), 5, Put), Make([]byte("a"), 1, Put)))
	assert.Positive(t, Compare(Make([]byte("a"), 1, Put), Make([]byte("a"), 5, Put)))

	// kind never participates
	assert.Zero(t, Compare(Make([]byte("a"), 5, Put), Make([]byte("a"), 5, Delete)))
	assert.True(t, Equal(Make([]byte("a"), 5, Put), Make([]byte("a"), 5, TxDelete)))
}

func TestDecodeTooShort(t *testing.T) {
	_, err := Decode([]byte("short"))
	assert.Error(t, err)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "put", Put.String())
	assert.Equal(t, "tx-delete", TxDelete.String())
	assert.True(t, Delete.IsDelete())
	assert.True(t, TxDelete.IsDelete())
	assert.False(t, Put.IsDelete())
}
