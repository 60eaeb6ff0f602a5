package consts

type contextKey string

const (
	// RequestIDKey carries the admin request identifier for log correlation.
	RequestIDKey contextKey = "request_id"

	// AccountIDKey carries the account scope of the current operation.
	AccountIDKey contextKey = "account_id"
)
