package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capacity, maxObjectSize int64) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), capacity, maxObjectSize, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testHash(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func TestPutGetRoundtrip(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<16)

	hash := testHash("one")
	require.NoError(t, c.Put(hash, []byte("cached bytes")))

	data, ok := c.Get(hash)
	require.True(t, ok)
	assert.Equal(t, []byte("cached bytes"), data)

	_, ok = c.Get(testHash("missing"))
	assert.False(t, ok)
}

func TestPutSkipsOversizedObjects(t *testing.T) {
	c := newTestCache(t, 1<<20, 16)

	hash := testHash("big")
	require.NoError(t, c.Put(hash, make([]byte, 64)))

	_, ok := c.Get(hash)
	assert.False(t, ok, "oversized objects are not cached")
}

func TestDeleteIdempotent(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<16)

	hash := testHash("gone")
	require.NoError(t, c.Put(hash, []byte("data")))
	require.NoError(t, c.Delete(hash))

	_, ok := c.Get(hash)
	assert.False(t, ok)

	assert.NoError(t, c.Delete(hash))
}

func TestStats(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<16)

	require.NoError(t, c.Put(testHash("a"), make([]byte, 100)))
	require.NoError(t, c.Put(testHash("b"), make([]byte, 200)))

	objects, size, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, objects)
	assert.EqualValues(t, 300, size)
}

func TestPurgeEvictsLeastRecentlyUsed(t *testing.T) {
	c := newTestCache(t, 250, 1<<16)
	ctx := context.Background()

	hashes := make([]string, 4)
	for i := range hashes {
		hashes[i] = testHash(fmt.Sprintf("entry-%d", i))
		require.NoError(t, c.Put(hashes[i], make([]byte, 100)))
		time.Sleep(10 * time.Millisecond) // distinct access times
	}

	// Refresh the oldest entry so it survives the purge.
	_, ok := c.Get(hashes[0])
	require.True(t, ok)
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, c.PurgeIfNeeded(ctx))

	_, size, err := c.Stats()
	require.NoError(t, err)
	assert.LessOrEqual(t, size, int64(250))

	_, ok = c.Get(hashes[0])
	assert.True(t, ok, "recently used entry survives")
	_, ok = c.Get(hashes[1])
	assert.False(t, ok, "least recently used entry is evicted")
}

func TestPurgeNoopUnderCapacity(t *testing.T) {
	c := newTestCache(t, 1<<20, 1<<16)

	require.NoError(t, c.Put(testHash("small"), make([]byte, 10)))
	require.NoError(t, c.PurgeIfNeeded(context.Background()))

	objects, _, err := c.Stats()
	require.NoError(t, err)
	assert.EqualValues(t, 1, objects)
}
