package consts

import "errors"

// Error taxonomy of the storage core. Protocol layers decide retry vs.
// abort vs. report based on these classes; the core never maps them to
// user-visible behavior itself.
var (
	// ErrTxConflict is returned by Tx.Commit when concurrent transactions
	// touched overlapping keys. Retryable; Store.WithTransaction retries it
	// a bounded number of times before surfacing.
	ErrTxConflict = errors.New("transaction conflict")

	// ErrVersionConflict indicates a document-level optimistic concurrency
	// failure: the caller's expected version does not match the stored one.
	// The caller must re-read and retry; never retried internally.
	ErrVersionConflict = errors.New("document version conflict")

	// ErrNotFound indicates an absent document, blob or key. Normal
	// condition, not logged as an error.
	ErrNotFound = errors.New("not found")

	// ErrBackendUnavailable indicates a transient infrastructure failure
	// (connection refused, pool exhausted). Retryable with backoff.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrCorruption indicates an invariant violated on read: undecodable
	// record, index entry pointing at a missing document. Fatal to the
	// operation and surfaced distinctly so operators can trigger a rebuild.
	ErrCorruption = errors.New("data corruption detected")

	// ErrQuotaExceeded indicates the account storage limit was reached.
	ErrQuotaExceeded = errors.New("account quota exceeded")

	// ErrSchemaMismatch indicates an unknown collection or field. Caller error.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrInvalidStateToken indicates a sync token from another store epoch
	// or a malformed token. The consumer must discard its state and resync.
	ErrInvalidStateToken = errors.New("invalid state token")

	// ErrBlobNotFound indicates an absent or already collected blob.
	ErrBlobNotFound = errors.New("blob not found")
)
