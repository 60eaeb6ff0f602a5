package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/pkg/metrics"
)

// ChangeKind classifies a document mutation in the change log.
type ChangeKind uint8

const (
	ChangeInsert ChangeKind = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeInsert:
		return "insert"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type mutation struct {
	coll *Collection
	id   uint64
	kind ChangeKind
}

// Tx is a read-write transaction on one account. Mutations update the
// document record, its index entries and full-text postings together; the
// change records are appended at commit, one per mutated document, with
// sequence numbers assigned from the account counter inside the same
// backend transaction.
type Tx struct {
	store      *Store
	account    uint64
	btx        backend.Tx
	mutations  []mutation
	committed  bool
	rolledBack bool
}

// Account returns the account this transaction is scoped to.
func (tx *Tx) Account() uint64 {
	return tx.account
}

// Get reads a document within the transaction.
func (tx *Tx) Get(ctx context.Context, collection string, id uint64) (*Document, error) {
	coll, err := tx.store.schema.Collection(collection)
	if err != nil {
		return nil, err
	}
	return getDocument(ctx, tx.btx, tx.account, coll, id)
}

// Insert creates a document with a freshly allocated id and version 1.
func (tx *Tx) Insert(ctx context.Context, collection string, fields map[string]any) (*Document, error) {
	coll, err := tx.store.schema.Collection(collection)
	if err != nil {
		return nil, err
	}

	id, err := tx.allocateID(ctx, coll)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeDocument(1, fields)
	if err != nil {
		return nil, err
	}
	if err := tx.chargeUsage(ctx, int64(len(encoded))); err != nil {
		return nil, err
	}
	if err := tx.btx.Put(ctx, docKey(tx.account, coll.ID, id), encoded); err != nil {
		return nil, err
	}

	if err := tx.applyIndexDiff(ctx, coll, id, nil, fields); err != nil {
		return nil, err
	}
	if err := tx.applyFTSDiff(ctx, coll, id, nil, fields); err != nil {
		return nil, err
	}

	tx.mutations = append(tx.mutations, mutation{coll: coll, id: id, kind: ChangeInsert})
	return &Document{Collection: coll.Name, ID: id, Version: 1, Fields: fields}, nil
}

// Update replaces a document's fields. expectedVersion must match the
// stored version or the call fails with ErrVersionConflict; this guards
// read-modify-write cycles that span transactions.
func (tx *Tx) Update(ctx context.Context, collection string, id uint64, expectedVersion uint64, fields map[string]any) (*Document, error) {
	coll, err := tx.store.schema.Collection(collection)
	if err != nil {
		return nil, err
	}

	old, oldEncoded, err := getDocumentRaw(ctx, tx.btx, tx.account, coll, id)
	if err != nil {
		return nil, err
	}
	if old.Version != expectedVersion {
		return nil, fmt.Errorf("%w: %s/%d has version %d, expected %d",
			consts.ErrVersionConflict, coll.Name, id, old.Version, expectedVersion)
	}

	newVersion := old.Version + 1
	encoded, err := encodeDocument(newVersion, fields)
	if err != nil {
		return nil, err
	}
	if err := tx.chargeUsage(ctx, int64(len(encoded))-int64(len(oldEncoded))); err != nil {
		return nil, err
	}
	if err := tx.btx.Put(ctx, docKey(tx.account, coll.ID, id), encoded); err != nil {
		return nil, err
	}

	if err := tx.applyIndexDiff(ctx, coll, id, old.Fields, fields); err != nil {
		return nil, err
	}
	if err := tx.applyFTSDiff(ctx, coll, id, old.Fields, fields); err != nil {
		return nil, err
	}

	tx.mutations = append(tx.mutations, mutation{coll: coll, id: id, kind: ChangeUpdate})
	return &Document{Collection: coll.Name, ID: id, Version: newVersion, Fields: fields}, nil
}

// Delete removes a document and retracts its index entries and postings.
// The document id is never reused.
func (tx *Tx) Delete(ctx context.Context, collection string, id uint64) error {
	coll, err := tx.store.schema.Collection(collection)
	if err != nil {
		return err
	}

	old, oldEncoded, err := getDocumentRaw(ctx, tx.btx, tx.account, coll, id)
	if err != nil {
		return err
	}

	if err := tx.btx.Delete(ctx, docKey(tx.account, coll.ID, id)); err != nil {
		return err
	}
	if err := tx.applyIndexDiff(ctx, coll, id, old.Fields, nil); err != nil {
		return err
	}
	if err := tx.applyFTSDiff(ctx, coll, id, old.Fields, nil); err != nil {
		return err
	}
	if err := tx.chargeUsage(ctx, -int64(len(oldEncoded))); err != nil {
		return err
	}

	tx.mutations = append(tx.mutations, mutation{coll: coll, id: id, kind: ChangeDelete})
	return nil
}

// allocateID hands out the next document id for the collection. Ids are
// monotonic per (account, collection) and never reused after deletion.
func (tx *Tx) allocateID(ctx context.Context, coll *Collection) (uint64, error) {
	key := nextIDKey(tx.account, coll.ID)
	next := uint64(1)

	raw, err := tx.btx.Get(ctx, key)
	switch {
	case err == nil:
		next = decodeUint64(raw)
	case errors.Is(err, consts.ErrNotFound):
	default:
		return 0, err
	}

	if err := tx.btx.Put(ctx, key, encodeUint64(next+1)); err != nil {
		return 0, err
	}
	return next, nil
}

// chargeUsage adjusts the account's stored byte usage, enforcing the quota
// on growth. Shrinking always succeeds.
func (tx *Tx) chargeUsage(ctx context.Context, delta int64) error {
	if delta == 0 {
		return nil
	}

	var usage int64
	raw, err := tx.btx.Get(ctx, usageKey(tx.account))
	switch {
	case err == nil:
		usage = int64(decodeUint64(raw))
	case errors.Is(err, consts.ErrNotFound):
	default:
		return err
	}

	usage += delta
	if usage < 0 {
		usage = 0
	}
	if delta > 0 && tx.store.quota > 0 && usage > tx.store.quota {
		return fmt.Errorf("%w: account %d would use %d of %d bytes",
			consts.ErrQuotaExceeded, tx.account, usage, tx.store.quota)
	}
	return tx.btx.Put(ctx, usageKey(tx.account), encodeUint64(uint64(usage)))
}

// Commit appends one change record per mutated document and commits the
// backend transaction. A reader that later observes sequence N is
// guaranteed to observe every document this transaction wrote.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.committed {
		return nil
	}
	if tx.rolledBack {
		return fmt.Errorf("commit on a rolled-back transaction")
	}
	tx.committed = true

	if len(tx.mutations) > 0 {
		seq, err := tx.lastSequence(ctx)
		if err != nil {
			tx.btx.Rollback(ctx)
			return err
		}

		for _, m := range tx.mutations {
			seq++
			record, err := encodeChangeRecord(m.coll.ID, m.id, m.kind)
			if err != nil {
				tx.btx.Rollback(ctx)
				return err
			}
			if err := tx.btx.Put(ctx, changeKey(tx.account, seq), record); err != nil {
				tx.btx.Rollback(ctx)
				return err
			}
		}
		if err := tx.btx.Put(ctx, sequenceKey(tx.account), encodeUint64(seq)); err != nil {
			tx.btx.Rollback(ctx)
			return err
		}
	}

	if err := tx.btx.Commit(ctx); err != nil {
		return err
	}

	for _, m := range tx.mutations {
		metrics.DocumentMutationsTotal.WithLabelValues(m.coll.Name, m.kind.String()).Inc()
	}
	metrics.ChangeRecordsTotal.Add(float64(len(tx.mutations)))
	return nil
}

// Rollback abandons the transaction with no observable side effect.
func (tx *Tx) Rollback(ctx context.Context) error {
	if tx.committed || tx.rolledBack {
		return nil
	}
	tx.rolledBack = true
	return tx.btx.Rollback(ctx)
}

func (tx *Tx) lastSequence(ctx context.Context) (uint64, error) {
	raw, err := tx.btx.Get(ctx, sequenceKey(tx.account))
	switch {
	case err == nil:
		return decodeUint64(raw), nil
	case errors.Is(err, consts.ErrNotFound):
		return 0, nil
	default:
		return 0, err
	}
}
