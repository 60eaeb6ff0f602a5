// Package backend defines the transactional ordered key-value contract that
// every physical storage engine implements. All higher layers (document
// model, index maintainer, full-text engine, change log, blob bookkeeping)
// depend only on this interface, never on a concrete engine.
//
// Keys are ordered byte sequences; range scans are lexicographic. An engine
// must provide serializable transactions per scope: within one account,
// committed transactions are applied in some serial order, which is what
// allows the change log to assign gap-free sequence numbers at commit time.
package backend

import "context"

// Scope identifies the serialization domain of a transaction. Account
// scopes serialize against each other per account; the global scope
// serializes against everything and is used for store metadata and blob
// reference counting.
type Scope struct {
	Account uint64
	Global  bool
}

// AccountScope returns the scope for a single account.
func AccountScope(account uint64) Scope {
	return Scope{Account: account}
}

// GlobalScope returns the store-wide scope.
func GlobalScope() Scope {
	return Scope{Global: true}
}

// ScanFunc receives ordered key/value pairs from Tx.Scan. Returning false
// stops the scan early; the slices are only valid for the duration of the
// call and must be copied if retained.
type ScanFunc func(key, value []byte) (bool, error)

// Tx is a serializable transaction. Reads observe the engine state at begin
// time overlaid with the transaction's own writes. Commit returns
// consts.ErrTxConflict when concurrent transactions touched overlapping
// keys; the caller may retry the whole transaction. A transaction must be
// finished with exactly one Commit or Rollback.
type Tx interface {
	// Get returns the value stored under key, or consts.ErrNotFound.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Scan visits all pairs with start <= key < end in ascending key order.
	Scan(ctx context.Context, start, end []byte, fn ScanFunc) error

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Store is a physical storage engine.
type Store interface {
	// Begin opens a serializable transaction for the given scope.
	Begin(ctx context.Context, scope Scope) (Tx, error)

	// Name identifies the engine in logs and metrics.
	Name() string

	Close() error
}

// PrefixEnd returns the smallest key greater than every key with the given
// prefix, for use as an exclusive scan upper bound. Returns nil when no such
// key exists (prefix is all 0xff).
func PrefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
