package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

func corruptIndexKey(collection string, key []byte) error {
	return fmt.Errorf("%w: malformed index key %x in collection %s", consts.ErrCorruption, key, collection)
}

// indexEntries derives the full set of index keys a document's fields imply.
// Index maintenance is a pure function of document state: the same fields
// always produce the same entries, which is what makes diff-and-apply and
// rebuild-by-replace equivalent.
func indexEntries(account uint64, coll *Collection, id uint64, fields map[string]any) (map[string]struct{}, error) {
	entries := make(map[string]struct{})
	if fields == nil {
		return entries, nil
	}
	for name, value := range fields {
		f, ok := coll.fieldsByName[name]
		if !ok || !f.def.Indexed || value == nil {
			continue
		}
		encoded, err := f.encodeFieldValue(value)
		if err != nil {
			return nil, err
		}
		entries[string(indexKey(account, coll.ID, f.id, encoded, id))] = struct{}{}
	}
	return entries, nil
}

// applyIndexDiff writes the symmetric difference between the entries implied
// by the old and new document state. Runs inside the document's own
// transaction, so the invariant "index matches documents" holds after every
// commit, never lazily.
func (tx *Tx) applyIndexDiff(ctx context.Context, coll *Collection, id uint64, oldFields, newFields map[string]any) error {
	oldEntries, err := indexEntries(tx.account, coll, id, oldFields)
	if err != nil {
		return err
	}
	newEntries, err := indexEntries(tx.account, coll, id, newFields)
	if err != nil {
		return err
	}

	for key := range oldEntries {
		if _, keep := newEntries[key]; keep {
			continue
		}
		if err := tx.btx.Delete(ctx, []byte(key)); err != nil {
			return err
		}
		metrics.IndexEntriesWritten.WithLabelValues(coll.Name, "remove").Inc()
	}
	for key := range newEntries {
		if _, had := oldEntries[key]; had {
			continue
		}
		if err := tx.btx.Put(ctx, []byte(key), nil); err != nil {
			return err
		}
		metrics.IndexEntriesWritten.WithLabelValues(coll.Name, "add").Inc()
	}
	return nil
}

// RebuildIndexes re-derives every index entry and full-text posting of a
// collection from the current documents, replacing (not merging) the
// existing derived state. Safe to run against live traffic: the account
// scope serializes it with concurrent writers.
func (s *Store) RebuildIndexes(ctx context.Context, account uint64, collection string) error {
	coll, err := s.schema.Collection(collection)
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.WithTransaction(ctx, account, func(tx *Tx) error {
		return tx.rebuildCollection(ctx, coll)
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IndexRebuildsTotal.WithLabelValues(coll.Name, status).Inc()
	logger.Info("index rebuild finished", "account", account, "collection", collection,
		"status", status, "elapsed", time.Since(start))
	return err
}

func (tx *Tx) rebuildCollection(ctx context.Context, coll *Collection) error {
	// Drop the derived key spaces for this collection.
	for _, prefix := range [][]byte{
		indexPrefix(tx.account, coll.ID),
		ftsPrefix(tx.account, coll.ID),
	} {
		var stale [][]byte
		err := tx.btx.Scan(ctx, prefix, backend.PrefixEnd(prefix), func(key, _ []byte) (bool, error) {
			stale = append(stale, append([]byte(nil), key...))
			return true, nil
		})
		if err != nil {
			return err
		}
		for _, key := range stale {
			if err := tx.btx.Delete(ctx, key); err != nil {
				return err
			}
		}
	}

	// Re-derive from current documents.
	prefix := docPrefix(tx.account, coll.ID)
	type docState struct {
		id     uint64
		fields map[string]any
	}
	var docs []docState
	err := tx.btx.Scan(ctx, prefix, backend.PrefixEnd(prefix), func(key, value []byte) (bool, error) {
		id := decodeUint64(key[len(key)-8:])
		doc, err := decodeDocument(coll.Name, id, value)
		if err != nil {
			return false, err
		}
		docs = append(docs, docState{id: id, fields: doc.Fields})
		return true, nil
	})
	if err != nil {
		return err
	}

	for _, d := range docs {
		if err := tx.applyIndexDiff(ctx, coll, d.id, nil, d.fields); err != nil {
			return err
		}
		if err := tx.applyFTSDiff(ctx, coll, d.id, nil, d.fields); err != nil {
			return err
		}
	}
	return nil
}

// scanIndexEq visits document ids whose indexed field equals value, in
// ascending id order.
func scanIndexEq(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, f *fieldInfo, value []byte, fn func(id uint64) (bool, error)) error {
	prefix := indexValuePrefix(account, coll.ID, f.id, value)
	return btx.Scan(ctx, prefix, backend.PrefixEnd(prefix), func(key, _ []byte) (bool, error) {
		return fn(decodeUint64(key[len(key)-8:]))
	})
}

// scanIndexRange visits (value, id) pairs with low <= value < high in value
// order, id ascending within equal values. Nil bounds extend to the ends of
// the field's key space.
func scanIndexRange(ctx context.Context, btx backend.Tx, account uint64, coll *Collection, f *fieldInfo, low, high []byte, fn func(value []byte, id uint64) (bool, error)) error {
	fieldPrefix := indexFieldPrefix(account, coll.ID, f.id)
	start := fieldPrefix
	if low != nil {
		start = append(append([]byte(nil), fieldPrefix...), low...)
	}
	end := backend.PrefixEnd(fieldPrefix)
	if high != nil {
		end = append(append([]byte(nil), fieldPrefix...), high...)
	}
	return btx.Scan(ctx, start, end, func(key, _ []byte) (bool, error) {
		rest := key[len(fieldPrefix):]
		// The separator byte sits immediately before the fixed-width id.
		if len(rest) < 9 || rest[len(rest)-9] != 0x00 {
			return false, corruptIndexKey(coll.Name, key)
		}
		return fn(rest[:len(rest)-9], decodeUint64(rest[len(rest)-8:]))
	})
}
