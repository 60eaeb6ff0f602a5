// Package store implements the document model of the mail storage core:
// typed records grouped into per-account collections, secondary indexes and
// full-text postings maintained transactionally alongside every mutation,
// and a per-account change log that derives the sync tokens protocol layers
// hand to clients.
//
// All state lives in an ordered key-value backend (see the backend
// package); the store never mutates index or posting structures outside a
// transaction boundary.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/fts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
	"github.com/ternmail/tern/pkg/retry"
)

const epochMetaKey = "epoch"

// Options configures a Store.
type Options struct {
	// Tokenizer used for full-text fields. Defaults to fts.NewBasic().
	Tokenizer fts.Tokenizer

	// QuotaLimit is the per-account storage limit in bytes. Zero disables
	// quota enforcement.
	QuotaLimit int64

	// Retry controls how often retryable commit failures are retried by
	// WithTransaction.
	Retry retry.BackoffConfig
}

// Store is the transactional document store.
type Store struct {
	backend   backend.Store
	schema    *Schema
	tokenizer fts.Tokenizer
	quota     int64
	retryCfg  retry.BackoffConfig

	// epoch identifies this store's change-log lineage. Tokens minted
	// under a different epoch (another instance, a restore) are rejected
	// so consumers resync instead of replaying a foreign sequence.
	epoch uuid.UUID
}

// Open wires a Store to a backend and loads or creates the store epoch.
func Open(ctx context.Context, b backend.Store, schema *Schema, opts Options) (*Store, error) {
	if schema == nil {
		return nil, fmt.Errorf("schema is required")
	}
	if opts.Tokenizer == nil {
		opts.Tokenizer = fts.NewBasic()
	}
	if opts.Retry.MaxRetries == 0 {
		opts.Retry = retry.DefaultBackoffConfig()
	}

	s := &Store{
		backend:   b,
		schema:    schema,
		tokenizer: opts.Tokenizer,
		quota:     opts.QuotaLimit,
		retryCfg:  opts.Retry,
	}

	if err := s.loadEpoch(ctx); err != nil {
		return nil, err
	}

	logger.Info("store opened", "backend", b.Name(), "epoch", s.epoch.String(),
		"collections", len(schema.byName))
	return s, nil
}

func (s *Store) loadEpoch(ctx context.Context) error {
	btx, err := s.backend.Begin(ctx, backend.GlobalScope())
	if err != nil {
		return err
	}

	raw, err := btx.Get(ctx, metaKey(epochMetaKey))
	switch {
	case err == nil:
		epoch, parseErr := uuid.FromBytes(raw)
		if parseErr != nil {
			btx.Rollback(ctx)
			return fmt.Errorf("%w: malformed store epoch: %v", consts.ErrCorruption, parseErr)
		}
		s.epoch = epoch
		return btx.Rollback(ctx)
	case errors.Is(err, consts.ErrNotFound):
		s.epoch = uuid.New()
		if err := btx.Put(ctx, metaKey(epochMetaKey), s.epoch[:]); err != nil {
			btx.Rollback(ctx)
			return err
		}
		return btx.Commit(ctx)
	default:
		btx.Rollback(ctx)
		return err
	}
}

// Schema returns the collection schema the store was opened with.
func (s *Store) Schema() *Schema {
	return s.schema
}

// Backend returns the underlying engine, shared with the blob store for
// reference-count bookkeeping.
func (s *Store) Backend() backend.Store {
	return s.backend
}

// Begin opens a read-write transaction on one account.
func (s *Store) Begin(ctx context.Context, account uint64) (*Tx, error) {
	btx, err := s.backend.Begin(ctx, backend.AccountScope(account))
	if err != nil {
		return nil, err
	}
	return &Tx{store: s, account: account, btx: btx}, nil
}

// WithTransaction runs fn inside a transaction, committing on success.
// Retryable failures (commit conflicts, transient backend errors) restart
// fn from scratch a bounded number of times; everything else surfaces
// immediately. fn must be idempotent up to its transaction's effects.
func (s *Store) WithTransaction(ctx context.Context, account uint64, fn func(tx *Tx) error) error {
	first := true
	return retry.WithRetry(ctx, func() error {
		if !first {
			metrics.TransactionRetriesTotal.Inc()
		}
		first = false

		tx, err := s.Begin(ctx, account)
		if err != nil {
			return classifyRetry(err)
		}

		if err := fn(tx); err != nil {
			tx.Rollback(ctx)
			return classifyRetry(err)
		}
		return classifyRetry(tx.Commit(ctx))
	}, s.retryCfg)
}

// classifyRetry keeps conflicts and transient backend failures retryable
// and stops on everything else.
func classifyRetry(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, consts.ErrTxConflict) || errors.Is(err, consts.ErrBackendUnavailable) {
		return err
	}
	return retry.Stop(err)
}

// view runs fn inside a read-only account transaction that is always
// rolled back.
func (s *Store) view(ctx context.Context, account uint64, fn func(btx backend.Tx) error) error {
	btx, err := s.backend.Begin(ctx, backend.AccountScope(account))
	if err != nil {
		return err
	}
	defer btx.Rollback(ctx)
	return fn(btx)
}

// Get reads a single document outside any caller transaction.
func (s *Store) Get(ctx context.Context, account uint64, collection string, id uint64) (*Document, error) {
	var doc *Document
	err := s.view(ctx, account, func(btx backend.Tx) error {
		coll, err := s.schema.Collection(collection)
		if err != nil {
			return err
		}
		doc, err = getDocument(ctx, btx, account, coll, id)
		return err
	})
	return doc, err
}

func getDocument(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, id uint64) (*Document, error) {
	doc, _, err := getDocumentRaw(ctx, btx, account, coll, id)
	return doc, err
}

func getDocumentRaw(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, id uint64) (*Document, []byte, error) {
	raw, err := btx.Get(ctx, docKey(account, coll.ID, id))
	if err != nil {
		return nil, nil, err
	}
	doc, err := decodeDocument(coll.Name, id, raw)
	if err != nil {
		return nil, nil, err
	}
	return doc, raw, nil
}
