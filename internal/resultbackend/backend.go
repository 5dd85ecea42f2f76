// Package resultbackend stores task return values and progress, keyed by
// task_id, independent of the execution tracker.
package resultbackend

import (
	"context"
	"time"
)

// Entry is a stored ResultEntry: either a successful return value or an
// error, never both.
type Entry struct {
	TaskID    string
	Value     any
	IsError   bool
	ErrorType string
	Error     string
	Timestamp time.Time
}

// Backend is the contract shared by the Redis and Postgres implementations.
// Unlike the tracker, backend errors are returned to the caller (the Set
// methods also log them). A missing entry is reported as
// apperr.ErrResultMissing, so callers can distinguish "not ready yet" from
// "backend is down".
type Backend interface {
	// SetResult stores value (or an error) for taskID, overwriting any
	// existing entry, expiring after ttl.
	SetResult(ctx context.Context, taskID string, value any, errType, errMsg string, ttl time.Duration) error
	// GetResult fetches the entry for taskID. If keep is false the entry is
	// deleted after the read: RedisBackend reads and deletes in one GETDEL,
	// while PostgresBackend issues a separate DELETE after its SELECT, so
	// there two concurrent readers can both observe the entry. Returns
	// apperr.ErrResultMissing if no entry exists.
	GetResult(ctx context.Context, taskID string, keep bool) (Entry, error)
	// IsReady reports whether a result entry exists for taskID.
	IsReady(ctx context.Context, taskID string) (bool, error)
	// SetProgress overwrites the progress payload for taskID.
	SetProgress(ctx context.Context, taskID string, payload any, ttl time.Duration) error
	// GetProgress fetches the progress payload for taskID, or
	// apperr.ErrResultMissing if none has been recorded.
	GetProgress(ctx context.Context, taskID string) (any, error)

	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}
