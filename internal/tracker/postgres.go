package tracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/swarmguard/taskengine/internal/apperr"
)

var sqlErrNoRows = sql.ErrNoRows

const createTrackerTable = `
CREATE TABLE IF NOT EXISTS task_executions (
	task_id         TEXT PRIMARY KEY,
	task_name       TEXT NOT NULL,
	status          TEXT NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	started_at      TIMESTAMPTZ,
	finished_at     TIMESTAMPTZ,
	duration_ms     BIGINT,
	worker_id       TEXT,
	queue_name      TEXT,
	retry_count     INT NOT NULL DEFAULT 0,
	max_retries     INT NOT NULL DEFAULT 0,
	return_value    JSONB,
	error_type      TEXT,
	error_message   TEXT,
	error_traceback TEXT,
	task_args       JSONB,
	task_kwargs     JSONB,
	labels          JSONB
);

CREATE INDEX IF NOT EXISTS idx_task_executions_status_created ON task_executions (status, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_task_executions_name_status ON task_executions (task_name, status);
CREATE INDEX IF NOT EXISTS idx_task_executions_worker_status ON task_executions (worker_id, status);
CREATE INDEX IF NOT EXISTS idx_task_executions_created ON task_executions (created_at DESC);
`

// terminalStatuses lists the statuses OnTaskFinish and CancelTask must
// never write over.
var terminalStatuses = []Status{StatusSuccess, StatusFailure, StatusCancelled}

// PostgresTracker stores one row per task_id in task_executions, relying
// on composite indexes rather than the Redis scheme's sorted-set indices.
type PostgresTracker struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresTracker builds a tracker over an existing *sqlx.DB.
func NewPostgresTracker(db *sqlx.DB, logger *slog.Logger) *PostgresTracker {
	return &PostgresTracker{db: db, logger: logger}
}

func (t *PostgresTracker) Connect(ctx context.Context) error {
	if err := t.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrTrackerUnavailable, err)
	}
	if _, err := t.db.ExecContext(ctx, createTrackerTable); err != nil {
		return fmt.Errorf("create tracker table: %w", err)
	}
	return nil
}

func (t *PostgresTracker) Disconnect(ctx context.Context) error {
	if err := t.db.Close(); err != nil {
		t.warn("disconnect", "", err)
	}
	return nil
}

func (t *PostgresTracker) warn(op, taskID string, err error) {
	t.logger.Warn("tracker operation failed, swallowing", "op", op, "task_id", taskID, "error", err)
}

func (t *PostgresTracker) MarkPending(ctx context.Context, taskID, taskName, queueName string, args []any, kwargs map[string]any, labels map[string]string, maxRetries int) error {
	argsJSON, _ := json.Marshal(args)
	kwargsJSON, _ := json.Marshal(kwargs)
	labelsJSON, _ := json.Marshal(labels)

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, task_name, status, created_at, queue_name, max_retries, task_args, task_kwargs, labels)
		VALUES ($1, $2, 'pending', now(), $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO NOTHING
	`, taskID, taskName, queueName, maxRetries, argsJSON, kwargsJSON, labelsJSON)
	if err != nil {
		t.warn("mark_pending", taskID, err)
	}
	return nil
}

func (t *PostgresTracker) OnTaskStart(ctx context.Context, taskID, taskName, workerID, queueName string, args []any, kwargs map[string]any, labels map[string]string) error {
	argsJSON, _ := json.Marshal(args)
	kwargsJSON, _ := json.Marshal(kwargs)
	labelsJSON, _ := json.Marshal(labels)

	_, err := t.db.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, task_name, status, created_at, started_at, worker_id, queue_name, task_args, task_kwargs, labels)
		VALUES ($1, $2, 'running', now(), now(), $3, $4, $5, $6, $7)
		ON CONFLICT (task_id) DO UPDATE SET
			status = 'running',
			started_at = now(),
			finished_at = NULL,
			duration_ms = NULL,
			return_value = NULL,
			error_type = NULL,
			error_message = NULL,
			error_traceback = NULL,
			worker_id = EXCLUDED.worker_id,
			queue_name = EXCLUDED.queue_name
		WHERE task_executions.status NOT IN ('success', 'cancelled')
	`, taskID, taskName, workerID, queueName, argsJSON, kwargsJSON, labelsJSON)
	if err != nil {
		t.warn("on_task_start", taskID, err)
	}
	return nil
}

func (t *PostgresTracker) OnTaskFinish(ctx context.Context, taskID string, status Status, returnValue any, errType, errMessage, errTraceback string, durationMs int64) error {
	var returnValueJSON []byte
	if returnValue != nil {
		if raw, err := json.Marshal(returnValue); err == nil {
			returnValueJSON = raw
		}
	}

	_, err := t.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE task_executions SET
			status = $2,
			finished_at = now(),
			duration_ms = $3,
			return_value = $4,
			error_type = NULLIF($5, ''),
			error_message = NULLIF($6, ''),
			error_traceback = NULLIF($7, '')
		WHERE task_id = $1 AND status NOT IN (%s)
	`, placeholderList(terminalStatuses)), taskID, string(status), durationMs, returnValueJSON, errType, errMessage, errTraceback)
	if err != nil {
		t.warn("on_task_finish", taskID, err)
	}
	return nil
}

func placeholderList(statuses []Status) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = fmt.Sprintf("'%s'", s)
	}
	return strings.Join(quoted, ", ")
}

func (t *PostgresTracker) CancelTask(ctx context.Context, taskID string) (bool, error) {
	res, err := t.db.ExecContext(ctx, `
		UPDATE task_executions SET status = 'cancelled', finished_at = now()
		WHERE task_id = $1 AND status IN ('pending', 'running')
	`, taskID)
	if err != nil {
		t.warn("cancel_task", taskID, err)
		return false, nil
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type executionRow struct {
	TaskID         string          `db:"task_id"`
	TaskName       string          `db:"task_name"`
	Status         string          `db:"status"`
	CreatedAt      time.Time       `db:"created_at"`
	StartedAt      sql.NullTime    `db:"started_at"`
	FinishedAt     sql.NullTime    `db:"finished_at"`
	DurationMs     sql.NullInt64   `db:"duration_ms"`
	WorkerID       sql.NullString  `db:"worker_id"`
	QueueName      sql.NullString  `db:"queue_name"`
	RetryCount     int             `db:"retry_count"`
	MaxRetries     int             `db:"max_retries"`
	ReturnValue    json.RawMessage `db:"return_value"`
	ErrorType      sql.NullString  `db:"error_type"`
	ErrorMessage   sql.NullString  `db:"error_message"`
	ErrorTraceback sql.NullString  `db:"error_traceback"`
	TaskArgs       json.RawMessage `db:"task_args"`
	TaskKwargs     json.RawMessage `db:"task_kwargs"`
	Labels         json.RawMessage `db:"labels"`
}

func (r executionRow) toRecord() Record {
	rec := Record{
		TaskID:         r.TaskID,
		TaskName:       r.TaskName,
		Status:         Status(r.Status),
		CreatedAt:      r.CreatedAt,
		WorkerID:       r.WorkerID.String,
		QueueName:      r.QueueName.String,
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		ErrorType:      r.ErrorType.String,
		ErrorMessage:   r.ErrorMessage.String,
		ErrorTraceback: r.ErrorTraceback.String,
	}
	if r.StartedAt.Valid {
		rec.StartedAt = &r.StartedAt.Time
	}
	if r.FinishedAt.Valid {
		rec.FinishedAt = &r.FinishedAt.Time
	}
	if r.DurationMs.Valid {
		d := r.DurationMs.Int64
		rec.DurationMs = &d
	}
	if len(r.ReturnValue) > 0 {
		var v any
		if json.Unmarshal(r.ReturnValue, &v) == nil {
			rec.ReturnValue = v
		}
	}
	if len(r.TaskArgs) > 0 {
		var v []any
		if json.Unmarshal(r.TaskArgs, &v) == nil {
			rec.TaskArgs = v
		}
	}
	if len(r.TaskKwargs) > 0 {
		var v map[string]any
		if json.Unmarshal(r.TaskKwargs, &v) == nil {
			rec.TaskKwargs = v
		}
	}
	if len(r.Labels) > 0 {
		var v map[string]string
		if json.Unmarshal(r.Labels, &v) == nil {
			rec.Labels = v
		}
	}
	return rec
}

func (t *PostgresTracker) GetRunningTasks(ctx context.Context) ([]RunningTask, error) {
	var rows []executionRow
	err := t.db.SelectContext(ctx, &rows, `
		SELECT task_id, task_name, status, created_at, started_at, finished_at, duration_ms,
			worker_id, queue_name, retry_count, max_retries, return_value, error_type, error_message,
			error_traceback, task_args, task_kwargs, labels
		FROM task_executions WHERE status = 'running' ORDER BY created_at DESC
	`)
	if err != nil {
		t.warn("get_running_tasks", "", err)
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]RunningTask, 0, len(rows))
	for _, row := range rows {
		rec := row.toRecord()
		runningFor := int64(0)
		if rec.StartedAt != nil {
			runningFor = now.Sub(*rec.StartedAt).Milliseconds()
		}
		out = append(out, RunningTask{Record: rec, RunningForMs: runningFor})
	}
	return out, nil
}

func buildFilterClause(f Filter, startArg int) (string, []any) {
	var clauses []string
	var args []any
	arg := startArg

	add := func(clause string, value any) {
		clauses = append(clauses, fmt.Sprintf(clause, arg))
		args = append(args, value)
		arg++
	}

	if f.TaskName != "" {
		add("task_name = $%d", f.TaskName)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.WorkerID != "" {
		add("worker_id = $%d", f.WorkerID)
	}
	if f.ErrorType != "" {
		add("error_type = $%d", f.ErrorType)
	}
	if f.CreatedAfter != nil {
		add("created_at >= $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at <= $%d", *f.CreatedBefore)
	}
	if f.MinDurationMs != nil {
		add("duration_ms >= $%d", *f.MinDurationMs)
	}
	if f.MaxDurationMs != nil {
		add("duration_ms <= $%d", *f.MaxDurationMs)
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (t *PostgresTracker) GetTaskHistory(ctx context.Context, filter Filter, limit, offset int) ([]Record, error) {
	where, args := buildFilterClause(filter, 1)
	query := fmt.Sprintf(`
		SELECT task_id, task_name, status, created_at, started_at, finished_at, duration_ms,
			worker_id, queue_name, retry_count, max_retries, return_value, error_type, error_message,
			error_traceback, task_args, task_kwargs, labels
		FROM task_executions%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var rows []executionRow
	if err := t.db.SelectContext(ctx, &rows, query, args...); err != nil {
		t.warn("get_task_history", "", err)
		return nil, nil
	}
	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toRecord())
	}
	return out, nil
}

func (t *PostgresTracker) CountTaskHistory(ctx context.Context, filter Filter) (int, error) {
	where, args := buildFilterClause(filter, 1)
	query := "SELECT count(*) FROM task_executions" + where
	var n int
	if err := t.db.GetContext(ctx, &n, query, args...); err != nil {
		t.warn("count_task_history", "", err)
		return 0, nil
	}
	return n, nil
}

func (t *PostgresTracker) GetTaskDetails(ctx context.Context, taskID string) (Record, bool, error) {
	var row executionRow
	err := t.db.GetContext(ctx, &row, `
		SELECT task_id, task_name, status, created_at, started_at, finished_at, duration_ms,
			worker_id, queue_name, retry_count, max_retries, return_value, error_type, error_message,
			error_traceback, task_args, task_kwargs, labels
		FROM task_executions WHERE task_id = $1
	`, taskID)
	if errors.Is(err, sqlErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		t.warn("get_task_details", taskID, err)
		return Record{}, false, nil
	}
	return row.toRecord(), true, nil
}

func (t *PostgresTracker) CountNonTerminalByLabel(ctx context.Context, key, value string) (int, error) {
	var n int
	err := t.db.GetContext(ctx, &n, `
		SELECT count(*) FROM task_executions
		WHERE status IN ('pending', 'running') AND labels ->> $1 = $2
	`, key, value)
	if err != nil {
		t.warn("count_non_terminal_by_label", "", err)
		return 0, nil
	}
	return n, nil
}

func (t *PostgresTracker) GetStats(ctx context.Context, windowHours int) (Stats, error) {
	stats := Stats{ByTaskName: map[string]int{}}
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	type statusCount struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	var counts []statusCount
	if err := t.db.SelectContext(ctx, &counts, `
		SELECT status, count(*) AS count FROM task_executions WHERE created_at >= $1 GROUP BY status
	`, since); err != nil {
		t.warn("get_stats:counts", "", err)
		return stats, nil
	}
	for _, c := range counts {
		stats.TotalCount += c.Count
		switch Status(c.Status) {
		case StatusSuccess:
			stats.SuccessCount = c.Count
		case StatusFailure:
			stats.FailureCount = c.Count
		case StatusRunning:
			stats.RunningCount = c.Count
		case StatusCancelled:
			stats.CancelledCount = c.Count
		}
	}

	type nameCount struct {
		TaskName string `db:"task_name"`
		Count    int    `db:"count"`
	}
	var byName []nameCount
	if err := t.db.SelectContext(ctx, &byName, `
		SELECT task_name, count(*) AS count FROM task_executions WHERE created_at >= $1 GROUP BY task_name
	`, since); err == nil {
		for _, n := range byName {
			stats.ByTaskName[n.TaskName] = n.Count
		}
	}

	var avg sql.NullFloat64
	if err := t.db.GetContext(ctx, &avg, `
		SELECT avg(duration_ms) FROM task_executions WHERE created_at >= $1 AND status = 'success'
	`, since); err == nil && avg.Valid {
		stats.AvgDurationMs = &avg.Float64
	}

	return stats, nil
}
