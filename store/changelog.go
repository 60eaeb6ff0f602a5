package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ternmail/tern/backend"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/metrics"
)

// ChangeRecord describes one committed document mutation.
type ChangeRecord struct {
	Seq        uint64
	Collection string
	DocumentID uint64
	Kind       ChangeKind
}

// State tokens are opaque to callers: an epoch prefix tying the token to
// this store's change-log lineage, plus the last observed sequence number.
// Tokens are comparable only within one account and collection scope.
func (s *Store) encodeToken(seq uint64) string {
	return hex.EncodeToString(s.epoch[:4]) + "-" + fmt.Sprintf("%016x", seq)
}

func (s *Store) parseToken(token string) (uint64, error) {
	if token == "" {
		return 0, nil
	}
	prefix, seqPart, ok := strings.Cut(token, "-")
	if !ok || prefix != hex.EncodeToString(s.epoch[:4]) {
		return 0, fmt.Errorf("%w: %q", consts.ErrInvalidStateToken, token)
	}
	var seq uint64
	if _, err := fmt.Sscanf(seqPart, "%016x", &seq); err != nil {
		return 0, fmt.Errorf("%w: %q", consts.ErrInvalidStateToken, token)
	}
	return seq, nil
}

// CurrentState returns the state token reflecting everything committed so
// far for the account.
func (s *Store) CurrentState(ctx context.Context, account uint64) (string, error) {
	var seq uint64
	err := s.view(ctx, account, func(btx backend.Tx) error {
		raw, err := btx.Get(ctx, sequenceKey(account))
		switch {
		case err == nil:
			seq = decodeUint64(raw)
			return nil
		case errors.Is(err, consts.ErrNotFound):
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return "", err
	}
	return s.encodeToken(seq), nil
}

// ChangesSince returns the change records committed after the given state
// token, oldest first, filtered to one collection (empty string means all),
// plus the token to resume from. Reissuing an old token replays the same
// records or a superset, never fewer: records are immutable once written.
func (s *Store) ChangesSince(ctx context.Context, account uint64, collection, token string, limit int) ([]ChangeRecord, string, error) {
	sinceSeq, err := s.parseToken(token)
	if err != nil {
		return nil, "", err
	}

	var collFilter *Collection
	if collection != "" {
		collFilter, err = s.schema.Collection(collection)
		if err != nil {
			return nil, "", err
		}
	}

	var records []ChangeRecord
	lastSeen := sinceSeq

	err = s.view(ctx, account, func(btx backend.Tx) error {
		start := changeKey(account, sinceSeq+1)
		end := backend.PrefixEnd(changePrefix(account))
		return btx.Scan(ctx, start, end, func(key, value []byte) (bool, error) {
			seq := decodeUint64(key[len(key)-8:])
			rec, err := decodeChangeRecord(value)
			if err != nil {
				return false, err
			}

			coll, ok := s.schema.collectionByID(rec.Collection)
			if !ok {
				// A record for a collection this schema no longer declares
				// is skippable, not corrupt: schemas may retire collections
				// while their history ages out.
				lastSeen = seq
				return true, nil
			}
			if collFilter != nil && coll.ID != collFilter.ID {
				lastSeen = seq
				return true, nil
			}

			records = append(records, ChangeRecord{
				Seq:        seq,
				Collection: coll.Name,
				DocumentID: rec.DocumentID,
				Kind:       ChangeKind(rec.Kind),
			})
			lastSeen = seq
			return limit <= 0 || len(records) < limit, nil
		})
	})
	if err != nil {
		return nil, "", err
	}

	return records, s.encodeToken(lastSeen), nil
}

// PruneChanges removes change records with sequence numbers at or below the
// given token. The caller asserts that no consumer still needs the pruned
// range; the core does not track consumer liveness.
func (s *Store) PruneChanges(ctx context.Context, account uint64, beforeToken string) (int, error) {
	beforeSeq, err := s.parseToken(beforeToken)
	if err != nil {
		return 0, err
	}
	if beforeSeq == 0 {
		return 0, nil
	}

	pruned := 0
	err = s.WithTransaction(ctx, account, func(tx *Tx) error {
		pruned = 0
		var stale [][]byte
		start := changePrefix(account)
		end := changeKey(account, beforeSeq+1)
		err := tx.btx.Scan(ctx, start, end, func(key, _ []byte) (bool, error) {
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
		pruned = len(stale)
		return nil
	})
	if err != nil {
		return 0, err
	}

	metrics.ChangeRecordsPruned.Add(float64(pruned))
	logger.Info("change log pruned", "account", account, "records", pruned)
	return pruned, nil
}
