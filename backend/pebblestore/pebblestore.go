// Package pebblestore implements the backend contract on an embedded
// pebble database. Serializability comes from lock striping: a transaction
// holds its account's stripe exclusively from begin to commit, which also
// matches the serialization the change log needs per account. Global-scope
// transactions acquire every stripe in order.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/pkg/metrics"
)

const numStripes = 64

type Store struct {
	db      *pebble.DB
	stripes [numStripes]chan struct{}
}

// Open opens or creates a pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database at %s: %w", path, err)
	}
	s := &Store{db: db}
	for i := range s.stripes {
		s.stripes[i] = make(chan struct{}, 1)
	}
	return s, nil
}

func (s *Store) Name() string { return "pebble" }

func (s *Store) Close() error {
	return s.db.Close()
}

func stripeFor(account uint64) int {
	return int(account % numStripes)
}

// acquire takes the listed stripes in ascending order, releasing everything
// on context cancellation. Ordered acquisition avoids deadlock between
// global and account transactions.
func (s *Store) acquire(ctx context.Context, stripes []int) error {
	for i, idx := range stripes {
		select {
		case s.stripes[idx] <- struct{}{}:
		case <-ctx.Done():
			for _, held := range stripes[:i] {
				<-s.stripes[held]
			}
			return fmt.Errorf("%w: %v", consts.ErrTxConflict, ctx.Err())
		}
	}
	return nil
}

func (s *Store) release(stripes []int) {
	for _, idx := range stripes {
		<-s.stripes[idx]
	}
}

func (s *Store) Begin(ctx context.Context, scope backend.Scope) (backend.Tx, error) {
	var stripes []int
	if scope.Global {
		stripes = make([]int, numStripes)
		for i := range stripes {
			stripes[i] = i
		}
	} else {
		stripes = []int{stripeFor(scope.Account)}
	}

	if err := s.acquire(ctx, stripes); err != nil {
		return nil, err
	}

	return &tx{
		store:   s,
		batch:   s.db.NewIndexedBatch(),
		stripes: stripes,
		start:   time.Now(),
	}, nil
}

type tx struct {
	store   *Store
	batch   *pebble.Batch
	stripes []int
	start   time.Time
	done    bool
}

func (t *tx) Get(_ context.Context, key []byte) ([]byte, error) {
	val, closer, err := t.batch.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, consts.ErrNotFound
		}
		return nil, classify(err)
	}
	out := make([]byte, len(val))
	copy(out, val)
	if err := closer.Close(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (t *tx) Scan(ctx context.Context, start, end []byte, fn backend.ScanFunc) error {
	iter, err := t.batch.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: end,
	})
	if err != nil {
		return classify(err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Iterator buffers are reused between positions.
		key := append([]byte(nil), iter.Key()...)
		val := append([]byte(nil), iter.Value()...)
		cont, err := fn(key, val)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return classify(iter.Error())
}

func (t *tx) Put(_ context.Context, key, value []byte) error {
	return classify(t.batch.Set(key, value, nil))
}

func (t *tx) Delete(_ context.Context, key []byte) error {
	return classify(t.batch.Delete(key, nil))
}

func (t *tx) Commit(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.release(t.stripes)

	err := t.batch.Commit(pebble.Sync)
	if err != nil {
		t.batch.Close()
		metrics.TransactionsTotal.WithLabelValues("pebble", "rollback").Inc()
		return classify(err)
	}
	metrics.TransactionsTotal.WithLabelValues("pebble", "commit").Inc()
	metrics.TransactionDuration.WithLabelValues("pebble").Observe(time.Since(t.start).Seconds())
	return classify(t.batch.Close())
}

func (t *tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.release(t.stripes)

	metrics.TransactionsTotal.WithLabelValues("pebble", "rollback").Inc()
	metrics.TransactionDuration.WithLabelValues("pebble").Observe(time.Since(t.start).Seconds())
	return classify(t.batch.Close())
}

// classify maps pebble errors onto the core taxonomy. Checksum and format
// failures are corruption; everything else from a healthy local store is
// surfaced as-is.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if pebble.IsCorruptionError(err) {
		return fmt.Errorf("%w: %v", consts.ErrCorruption, err)
	}
	return err
}
