package store

import (
	"bytes"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeIndexIntPreservesOrder(t *testing.T) {
	values := []int64{-1 << 62, -100, -1, 0, 1, 42, 1 << 62}
	for i := 1; i < len(values); i++ {
		a := encodeIndexInt(values[i-1])
		b := encodeIndexInt(values[i])
		assert.Negative(t, bytes.Compare(a, b), "enc(%d) should sort before enc(%d)", values[i-1], values[i])
	}
}

func TestEncodeIndexTimePreservesOrder(t *testing.T) {
	earlier := time.Date(2001, 3, 14, 0, 0, 0, 0, time.UTC)
	later := earlier.Add(time.Second)
	assert.Negative(t, bytes.Compare(encodeIndexTime(earlier), encodeIndexTime(later)))
}

func TestEncodeIndexStringEscaping(t *testing.T) {
	// Strings containing the terminator and escape bytes must still sort
	// correctly once the 0x00 terminator of the index key is appended.
	values := []string{"", "a", "a\x00b", "a\x01b", "ab", "b"}

	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = append(encodeIndexString(v), 0x00)
	}

	sorted := make([][]byte, len(encoded))
	copy(sorted, encoded)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	assert.Equal(t, encoded, sorted, "encoded order must match input order")
}

func TestEncodeIndexStringPrefixBeforeExtension(t *testing.T) {
	// The terminated form of "a" must sort before any continuation of "a",
	// even continuations starting with 0x00 in the raw string.
	short := append(encodeIndexString("a"), 0x00)
	long := append(encodeIndexString("a\x00"), 0x00)
	assert.Negative(t, bytes.Compare(short, long))
}

func TestIndexKeyLayout(t *testing.T) {
	value := encodeIndexString("hello")
	key := indexKey(9, 2, 3, value, 77)

	require.True(t, bytes.HasPrefix(key, indexFieldPrefix(9, 2, 3)))
	rest := key[len(indexFieldPrefix(9, 2, 3)):]
	require.GreaterOrEqual(t, len(rest), 9)
	assert.Equal(t, byte(0x00), rest[len(rest)-9])
	assert.Equal(t, uint64(77), decodeUint64(rest[len(rest)-8:]))
	assert.Equal(t, value, []byte(rest[:len(rest)-9]))
}

func TestDocKeysGroupByCollection(t *testing.T) {
	inside := docKey(1, 2, 5)
	prefix := docPrefix(1, 2)
	other := docKey(1, 3, 5)

	assert.True(t, bytes.HasPrefix(inside, prefix))
	assert.False(t, bytes.HasPrefix(other, prefix))
}

func TestChangeKeysOrderBySequence(t *testing.T) {
	for seq := uint64(1); seq < 100; seq += 7 {
		a := changeKey(4, seq)
		b := changeKey(4, seq+1)
		assert.Negative(t, bytes.Compare(a, b))
	}
}

func TestAccountKeySpacesDisjoint(t *testing.T) {
	assert.False(t, bytes.HasPrefix(docKey(2, 1, 1), docPrefix(1, 1)))
	assert.False(t, bytes.HasPrefix(changeKey(2, 1), changePrefix(1)))
}
