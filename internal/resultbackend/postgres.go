package resultbackend

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swarmguard/taskengine/internal/apperr"
)

var sqlErrNoRows = sql.ErrNoRows

const createResultsTable = `
CREATE TABLE IF NOT EXISTS task_results (
	task_id           TEXT PRIMARY KEY,
	payload           JSONB,
	serialized_result BYTEA,
	is_error          BOOLEAN NOT NULL DEFAULT FALSE,
	error_type        TEXT,
	error_message     TEXT,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at        TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS task_progress (
	task_id    TEXT PRIMARY KEY,
	payload    JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	expires_at TIMESTAMPTZ
);
`

// PostgresBackend stores results and progress in two tables rather than
// the Redis key-family scheme. Expired rows are not deleted by the
// backend; reads filter on expires_at instead.
type PostgresBackend struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresBackend builds a backend over an existing *sqlx.DB.
func NewPostgresBackend(db *sqlx.DB, logger *slog.Logger) *PostgresBackend {
	return &PostgresBackend{db: db, logger: logger}
}

func (b *PostgresBackend) Connect(ctx context.Context) error {
	if err := b.db.PingContext(ctx); err != nil {
		return fmt.Errorf("result backend ping: %w", err)
	}
	if _, err := b.db.ExecContext(ctx, createResultsTable); err != nil {
		return fmt.Errorf("create result tables: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Disconnect(ctx context.Context) error {
	return b.db.Close()
}

func (b *PostgresBackend) SetResult(ctx context.Context, taskID string, value any, errType, errMsg string, ttl time.Duration) error {
	isError := errType != "" || errMsg != ""
	var payload []byte
	var serialized []byte
	if !isError {
		raw, err := Encode(value)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		serialized = raw
		payload, _ = json.Marshal(value)
	}
	expiresAt := time.Now().Add(ttl)

	_, err := b.db.ExecContext(ctx, `
		INSERT INTO task_results (task_id, payload, serialized_result, is_error, error_type, error_message, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), $7)
		ON CONFLICT (task_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			serialized_result = EXCLUDED.serialized_result,
			is_error = EXCLUDED.is_error,
			error_type = EXCLUDED.error_type,
			error_message = EXCLUDED.error_message,
			created_at = now(),
			expires_at = EXCLUDED.expires_at
	`, taskID, payload, serialized, isError, errType, errMsg, expiresAt)
	if err != nil {
		b.logger.Warn("result backend set_result failed", "task_id", taskID, "error", err)
	}
	return err
}

type resultRow struct {
	TaskID           string    `db:"task_id"`
	SerializedResult []byte    `db:"serialized_result"`
	IsError          bool      `db:"is_error"`
	ErrorType        string    `db:"error_type"`
	ErrorMessage     string    `db:"error_message"`
	CreatedAt        time.Time `db:"created_at"`
}

func (b *PostgresBackend) GetResult(ctx context.Context, taskID string, keep bool) (Entry, error) {
	var row resultRow
	err := b.db.GetContext(ctx, &row, `
		SELECT task_id, serialized_result, is_error, error_type, error_message, created_at
		FROM task_results WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`, taskID)
	if errors.Is(err, sqlErrNoRows) {
		return Entry{}, apperr.ErrResultMissing
	}
	if err != nil {
		return Entry{}, err
	}

	if !keep {
		if _, err := b.db.ExecContext(ctx, `DELETE FROM task_results WHERE task_id = $1`, taskID); err != nil {
			b.logger.Warn("result backend read-delete failed", "task_id", taskID, "error", err)
		}
	}

	entry := Entry{TaskID: row.TaskID, IsError: row.IsError, ErrorType: row.ErrorType, Error: row.ErrorMessage, Timestamp: row.CreatedAt}
	if !row.IsError && len(row.SerializedResult) > 0 {
		v, err := Decode(row.SerializedResult)
		if err != nil {
			return Entry{}, fmt.Errorf("decode result value: %w", err)
		}
		entry.Value = v
	}
	return entry, nil
}

func (b *PostgresBackend) IsReady(ctx context.Context, taskID string) (bool, error) {
	var exists bool
	err := b.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM task_results WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > now()))
	`, taskID)
	return exists, err
}

func (b *PostgresBackend) SetProgress(ctx context.Context, taskID string, payload any, ttl time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	expiresAt := time.Now().Add(ttl)
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO task_progress (task_id, payload, updated_at, expires_at)
		VALUES ($1, $2, now(), $3)
		ON CONFLICT (task_id) DO UPDATE SET payload = EXCLUDED.payload, updated_at = now(), expires_at = EXCLUDED.expires_at
	`, taskID, raw, expiresAt)
	if err != nil {
		b.logger.Warn("result backend set_progress failed", "task_id", taskID, "error", err)
	}
	return err
}

func (b *PostgresBackend) GetProgress(ctx context.Context, taskID string) (any, error) {
	var raw []byte
	err := b.db.GetContext(ctx, &raw, `
		SELECT payload FROM task_progress WHERE task_id = $1 AND (expires_at IS NULL OR expires_at > now())
	`, taskID)
	if errors.Is(err, sqlErrNoRows) {
		return nil, apperr.ErrResultMissing
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return v, nil
}
