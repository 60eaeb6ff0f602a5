// Package blob implements content-addressed storage for message bodies.
//
// Blobs are identified by the BLAKE3 hash of their content, which gives
// deduplication for free: the same body delivered to many recipients is
// stored once. Reference counts and zero-reference markers live in the same
// transactional key-value store as the document model, so linking a blob
// and mutating documents can share one transaction boundary at the caller.
//
// Physical bytes live in a pluggable backend (S3 or local filesystem); a
// blob is only removed by an explicit sweep, and only after its reference
// count has stayed at zero for a configurable grace period.
package blob

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/pkg/retry"
	"github.com/ternmail/tern/store"
)

// Backend stores and retrieves raw blob bytes by content hash.
type Backend interface {
	Put(ctx context.Context, hash string, data []byte) error
	Get(ctx context.Context, hash string) ([]byte, error)
	Delete(ctx context.Context, hash string) error
	Exists(ctx context.Context, hash string) (bool, error)
	Name() string
}

// Cache is an optional local read cache in front of the backend.
type Cache interface {
	Get(hash string) ([]byte, bool)
	Put(hash string, data []byte) error
	Delete(hash string) error
}

// Options configures a blob Store.
type Options struct {
	// Cache fronts Get calls when non-nil.
	Cache Cache

	// GracePeriod is how long a blob must stay at zero references before a
	// sweep may remove it. Defaults to one hour.
	GracePeriod time.Duration

	// Retry controls how often retryable bookkeeping failures are retried.
	Retry retry.BackoffConfig
}

// Store is the content-addressed blob store.
type Store struct {
	kv       backend.Store
	backend  Backend
	cache    Cache
	grace    time.Duration
	retryCfg retry.BackoffConfig
	now      func() time.Time
}

// New wires a blob store to the shared key-value engine and a byte backend.
func New(kv backend.Store, b Backend, opts Options) *Store {
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = time.Hour
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultBackoffConfig()
	}
	return &Store{
		kv:       kv,
		backend:  b,
		cache:    opts.Cache,
		grace:    opts.GracePeriod,
		retryCfg: opts.Retry,
		now:      time.Now,
	}
}

// Hash returns the content address of data.
func Hash(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and registers one reference to it, returning the content
// hash. Storing bytes that already exist only bumps the reference count;
// the upload is skipped.
func (s *Store) Put(ctx context.Context, data []byte) (string, error) {
	hash := Hash(data)
	start := time.Now()

	uploaded := false
	err := s.withKV(ctx, func(btx backend.Tx) error {
		count, err := refCount(ctx, btx, hash)
		if err != nil {
			return err
		}

		if count == 0 && !uploaded {
			// Upload before the count becomes visible so no reference ever
			// points at missing bytes. Re-uploading the same content on a
			// retried transaction is harmless.
			if err := s.backend.Put(ctx, hash, data); err != nil {
				return retry.Stop(err)
			}
			uploaded = true
		}
		if count > 0 {
			metrics.BlobDedupHitsTotal.Inc()
		}
		return s.setRefCount(ctx, btx, hash, count+1)
	})

	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.BlobOperationsTotal.WithLabelValues("put", status).Inc()
	metrics.BlobOperationDuration.WithLabelValues("put").Observe(time.Since(start).Seconds())
	if err != nil {
		return "", err
	}

	if s.cache != nil {
		if err := s.cache.Put(hash, data); err != nil {
			logger.Warn("blob cache put failed", "hash", hash, "error", err)
		}
	}
	return hash, nil
}

// Get returns the bytes of a blob. The content hash of the returned data is
// verified against the requested address.
func (s *Store) Get(ctx context.Context, hash string) ([]byte, error) {
	if s.cache != nil {
		if data, ok := s.cache.Get(hash); ok {
			metrics.CacheHitsTotal.Inc()
			return data, nil
		}
		metrics.CacheMissesTotal.Inc()
	}

	start := time.Now()
	data, err := s.backend.Get(ctx, hash)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.BlobOperationsTotal.WithLabelValues("get", status).Inc()
	metrics.BlobOperationDuration.WithLabelValues("get").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if Hash(data) != hash {
		return nil, fmt.Errorf("%w: blob %s failed content verification", consts.ErrCorruption, hash)
	}

	if s.cache != nil {
		if err := s.cache.Put(hash, data); err != nil {
			logger.Warn("blob cache put failed", "hash", hash, "error", err)
		}
	}
	return data, nil
}

// AddRef registers one more reference to an existing blob.
func (s *Store) AddRef(ctx context.Context, hash string) error {
	return s.withKV(ctx, func(btx backend.Tx) error {
		count, err := refCount(ctx, btx, hash)
		if err != nil {
			return err
		}
		if count == 0 {
			// A blob at zero is resurrectable only while its zero-marker is
			// still present. Once a sweep has cleared the bookkeeping the
			// payload delete is already underway, so re-referencing here
			// would leave a live reference to missing bytes.
			if _, err := btx.Get(ctx, store.BlobZeroKey(hash)); err != nil {
				if errors.Is(err, consts.ErrNotFound) {
					return retry.Stop(fmt.Errorf("%w: %s", consts.ErrBlobNotFound, hash))
				}
				return err
			}
		}
		return s.setRefCount(ctx, btx, hash, count+1)
	})
}

// ReleaseRef drops one reference. When the count reaches zero the blob is
// marked for eventual sweeping, not deleted; a later AddRef resurrects it.
func (s *Store) ReleaseRef(ctx context.Context, hash string) error {
	return s.withKV(ctx, func(btx backend.Tx) error {
		count, err := refCount(ctx, btx, hash)
		if err != nil {
			return err
		}
		if count == 0 {
			return retry.Stop(fmt.Errorf("%w: %s has no references", consts.ErrBlobNotFound, hash))
		}
		return s.setRefCount(ctx, btx, hash, count-1)
	})
}

// RefCount reports the current reference count of a blob.
func (s *Store) RefCount(ctx context.Context, hash string) (uint64, error) {
	var count uint64
	btx, err := s.kv.Begin(ctx, backend.GlobalScope())
	if err != nil {
		return 0, err
	}
	defer btx.Rollback(ctx)
	count, err = refCount(ctx, btx, hash)
	return count, err
}

// Sweep removes blobs whose reference count has been zero for longer than
// the grace period. Each candidate is rechecked transactionally before its
// bookkeeping is cleared, so a concurrent AddRef before that point wins;
// after it, AddRef rejects the hash and the payload delete cannot strand a
// live reference.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.grace)

	// Collect candidates from the zero-reference markers.
	var candidates []string
	btx, err := s.kv.Begin(ctx, backend.GlobalScope())
	if err != nil {
		return 0, err
	}
	prefix := store.BlobZeroPrefix()
	err = btx.Scan(ctx, prefix, backend.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
		zeroSince := time.Unix(0, int64(binary.BigEndian.Uint64(value)))
		if zeroSince.Before(cutoff) {
			candidates = append(candidates, string(key[len(prefix):]))
		}
		return true, nil
	})
	btx.Rollback(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, hash := range candidates {
		removed := false
		err := s.withKV(ctx, func(btx backend.Tx) error {
			removed = false
			raw, err := btx.Get(ctx, store.BlobZeroKey(hash))
			if errors.Is(err, consts.ErrNotFound) {
				// Resurrected since the scan.
				return nil
			}
			if err != nil {
				return err
			}
			zeroSince := time.Unix(0, int64(binary.BigEndian.Uint64(raw)))
			if !zeroSince.Before(cutoff) {
				return nil
			}
			if err := btx.Delete(ctx, store.BlobZeroKey(hash)); err != nil {
				return err
			}
			if err := btx.Delete(ctx, store.BlobRefKey(hash)); err != nil {
				return err
			}
			removed = true
			return nil
		})
		if err != nil {
			return swept, err
		}
		if !removed {
			continue
		}

		if err := s.backend.Delete(ctx, hash); err != nil {
			logger.Error("blob sweep backend delete failed", "hash", hash, "error", err)
			metrics.BlobOperationsTotal.WithLabelValues("delete", "error").Inc()
			continue
		}
		metrics.BlobOperationsTotal.WithLabelValues("delete", "success").Inc()
		if s.cache != nil {
			if err := s.cache.Delete(hash); err != nil {
				logger.Warn("blob cache delete failed", "hash", hash, "error", err)
			}
		}
		swept++
	}

	metrics.BlobsSweptTotal.Add(float64(swept))
	if swept > 0 {
		logger.Info("blob sweep finished", "swept", swept, "candidates", len(candidates))
	}
	return swept, nil
}

// withKV runs fn in a global-scope transaction with bounded retries on
// commit conflicts.
func (s *Store) withKV(ctx context.Context, fn func(btx backend.Tx) error) error {
	return retry.WithRetry(ctx, func() error {
		btx, err := s.kv.Begin(ctx, backend.GlobalScope())
		if err != nil {
			return classifyRetry(err)
		}
		if err := fn(btx); err != nil {
			btx.Rollback(ctx)
			return classifyRetry(err)
		}
		return classifyRetry(btx.Commit(ctx))
	}, s.retryCfg)
}

func classifyRetry(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, consts.ErrTxConflict) || errors.Is(err, consts.ErrBackendUnavailable) {
		return err
	}
	return retry.Stop(err)
}

func refCount(ctx context.Context, btx backend.Tx, hash string) (uint64, error) {
	raw, err := btx.Get(ctx, store.BlobRefKey(hash))
	switch {
	case err == nil:
		if len(raw) != 8 {
			return 0, fmt.Errorf("%w: malformed reference count for blob %s", consts.ErrCorruption, hash)
		}
		return binary.BigEndian.Uint64(raw), nil
	case errors.Is(err, consts.ErrNotFound):
		return 0, nil
	default:
		return 0, err
	}
}

// setRefCount writes the new count and keeps the zero-reference marker in
// step: present with a timestamp at zero, absent otherwise.
func (s *Store) setRefCount(ctx context.Context, btx backend.Tx, hash string, count uint64) error {
	if err := btx.Put(ctx, store.BlobRefKey(hash), binary.BigEndian.AppendUint64(nil, count)); err != nil {
		return err
	}
	if count == 0 {
		return btx.Put(ctx, store.BlobZeroKey(hash),
			binary.BigEndian.AppendUint64(nil, uint64(s.now().UnixNano())))
	}
	return btx.Delete(ctx, store.BlobZeroKey(hash))
}
