package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/backend/pebblestore"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/store"
)

func newTestStore(t *testing.T, grace time.Duration) (*Store, *FSBackend) {
	t.Helper()
	kv, err := pebblestore.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)

	return New(kv, fs, Options{GracePeriod: grace}), fs
}

func TestPutGetRoundtrip(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	data := []byte("message body bytes")
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, Hash(data), hash)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	count, err := s.RefCount(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestGetUnknownBlob(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	_, err := s.Get(context.Background(), Hash([]byte("never stored")))
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)
}

func TestPutDeduplicates(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	data := []byte("shared body")
	h1, err := s.Put(ctx, data)
	require.NoError(t, err)
	h2, err := s.Put(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	count, err := s.RefCount(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestRefLifecycle(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("refcounted"))
	require.NoError(t, err)

	require.NoError(t, s.AddRef(ctx, hash))
	count, err := s.RefCount(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)

	require.NoError(t, s.ReleaseRef(ctx, hash))
	require.NoError(t, s.ReleaseRef(ctx, hash))
	count, err = s.RefCount(ctx, hash)
	require.NoError(t, err)
	assert.Zero(t, count)

	// Zero references does not delete the bytes.
	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("refcounted"), got)

	// A blob at zero can be resurrected.
	require.NoError(t, s.AddRef(ctx, hash))
	count, err = s.RefCount(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}

func TestReleaseWithoutReference(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	err := s.ReleaseRef(context.Background(), Hash([]byte("nothing")))
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)
}

func TestAddRefUnknownBlob(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	err := s.AddRef(context.Background(), Hash([]byte("nothing")))
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)
}

func TestSweepHonorsGracePeriod(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("sweep me"))
	require.NoError(t, err)
	require.NoError(t, s.ReleaseRef(ctx, hash))

	// Inside the grace period nothing is swept.
	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	// After the grace period the blob and its bookkeeping disappear.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	swept, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, consts.ErrBlobNotFound)

	// Sweeping again is a no-op.
	swept, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)
}

func TestSweepSkipsResurrectedBlobs(t *testing.T) {
	s, _ := newTestStore(t, time.Hour)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("keep me"))
	require.NoError(t, err)
	require.NoError(t, s.ReleaseRef(ctx, hash))
	require.NoError(t, s.AddRef(ctx, hash))

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	swept, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, swept)

	got, err := s.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, []byte("keep me"), got)
}

func TestAddRefAfterSweepClearsBookkeeping(t *testing.T) {
	s, fs := newTestStore(t, time.Hour)
	ctx := context.Background()

	hash, err := s.Put(ctx, []byte("racing"))
	require.NoError(t, err)
	require.NoError(t, s.ReleaseRef(ctx, hash))

	// Clear the bookkeeping the way a sweep does, with the payload delete
	// still pending.
	btx, err := s.kv.Begin(ctx, backend.GlobalScope())
	require.NoError(t, err)
	require.NoError(t, btx.Delete(ctx, store.BlobZeroKey(hash)))
	require.NoError(t, btx.Delete(ctx, store.BlobRefKey(hash)))
	require.NoError(t, btx.Commit(ctx))

	// The payload is still on disk, but re-referencing must fail: the bytes
	// are about to disappear.
	exists, err := fs.Exists(ctx, hash)
	require.NoError(t, err)
	require.True(t, exists)

	assert.ErrorIs(t, s.AddRef(ctx, hash), consts.ErrBlobNotFound)

	count, err := s.RefCount(ctx, hash)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestGetDetectsCorruption(t *testing.T) {
	s, fs := newTestStore(t, time.Hour)
	ctx := context.Background()

	data := []byte("pristine content")
	hash, err := s.Put(ctx, data)
	require.NoError(t, err)

	// Tamper with the stored bytes behind the store's back.
	path := filepath.Join(fs.root, hash[:2], hash[2:4], hash)
	require.NoError(t, os.WriteFile(path, []byte("tampered"), 0o600))

	_, err = s.Get(ctx, hash)
	assert.ErrorIs(t, err, consts.ErrCorruption)
}

func TestFSBackendDeleteIdempotent(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	assert.NoError(t, fs.Delete(context.Background(), Hash([]byte("gone"))))
}

func TestFSBackendExists(t *testing.T) {
	fs, err := NewFS(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	hash := Hash([]byte("content"))
	exists, err := fs.Exists(ctx, hash)
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, fs.Put(ctx, hash, []byte("content")))
	exists, err = fs.Exists(ctx, hash)
	require.NoError(t, err)
	assert.True(t, exists)
}
