// Package tracker is the authoritative index of every task execution
// attempt: start, finish, status, timing, error, filterable history, and
// statistics, behind a single interface with two interchangeable backends.
package tracker

import (
	"context"
	"time"
)

// Status is the lifecycle state of an ExecutionRecord. The allowed
// transitions form a strict DAG: pending -> running -> {success|failure|
// cancelled}; pending -> cancelled is also allowed. No transition leaves a
// terminal state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailure   Status = "failure"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is one of the three states no further
// transition is permitted from.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusCancelled
}

// Record is the tracker's authoritative row for one task_id.
type Record struct {
	TaskID   string
	TaskName string
	Status   Status

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	DurationMs *int64

	WorkerID   string
	QueueName  string
	RetryCount int
	MaxRetries int

	ReturnValue    any
	ErrorType      string
	ErrorMessage   string
	ErrorTraceback string

	TaskArgs   []any
	TaskKwargs map[string]any
	Labels     map[string]string

	Progress any
}

// RunningTask annotates a running Record with how long it has been
// running, computed at read time.
type RunningTask struct {
	Record
	RunningForMs int64
}

// Filter is the query grammar shared by get_task_history/count_task_history.
// Zero-value fields are unset (not filtered on).
type Filter struct {
	TaskName      string
	Status        Status
	WorkerID      string
	ErrorType     string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	MinDurationMs *int64
	MaxDurationMs *int64
}

// Stats is the get_stats response for a retention window.
type Stats struct {
	TotalCount     int
	SuccessCount   int
	FailureCount   int
	RunningCount   int
	CancelledCount int
	ByTaskName     map[string]int
	AvgDurationMs  *float64
}

// Tracker is the contract shared by the Redis and Postgres backends.
//
// Every method except Connect absorbs its own transient backend errors,
// logs them, and returns nil/zero-value rather than propagating — a
// tracker outage must never fail the task it is merely observing.
type Tracker interface {
	// MarkPending creates the initial ExecutionRecord at trigger time, before
	// any worker has consumed the envelope — the only way a cancel_task
	// issued before consumption has a row to act on. A no-op if a record
	// for taskID already exists.
	MarkPending(ctx context.Context, taskID, taskName, queueName string, args []any, kwargs map[string]any, labels map[string]string, maxRetries int) error

	// OnTaskStart is an idempotent upsert that sets status=running,
	// started_at=now and worker/queue. A pending, running or failure
	// record is overwritten this way: a redelivered retry attempt replaces
	// the failed one. The tracker does not compare retry_count with
	// max_retries itself; the worker only redelivers while retries remain.
	// A success or cancelled record keeps its status: RedisTracker still
	// refreshes worker/queue on it, PostgresTracker leaves the row as is.
	OnTaskStart(ctx context.Context, taskID, taskName, workerID, queueName string, args []any, kwargs map[string]any, labels map[string]string) error

	// OnTaskFinish transitions running -> status. No-op if the current
	// status is already terminal (last writer does not win over
	// cancellation or a prior terminal state).
	OnTaskFinish(ctx context.Context, taskID string, status Status, returnValue any, errType, errMessage, errTraceback string, durationMs int64) error

	// CancelTask transitions pending|running -> cancelled. Returns true
	// only if the transition occurred.
	CancelTask(ctx context.Context, taskID string) (bool, error)

	// GetRunningTasks returns every record with status=running, annotated
	// with running_for_ms.
	GetRunningTasks(ctx context.Context) ([]RunningTask, error)

	// GetTaskHistory returns records newest-first matching filter.
	GetTaskHistory(ctx context.Context, filter Filter, limit, offset int) ([]Record, error)

	// CountTaskHistory returns the total count matching filter, for paging.
	CountTaskHistory(ctx context.Context, filter Filter) (int, error)

	// GetTaskDetails returns the record for taskID, or found=false.
	GetTaskDetails(ctx context.Context, taskID string) (rec Record, found bool, err error)

	// GetStats aggregates counts and average success duration over the
	// trailing windowHours.
	GetStats(ctx context.Context, windowHours int) (Stats, error)

	// CountNonTerminalByLabel counts pending|running records whose
	// labels[key] equals value — the scheduler's max_instances check.
	CountNonTerminalByLabel(ctx context.Context, key, value string) (int, error)

	// Connect establishes the backend connection. Unlike every other
	// method, a Connect failure IS surfaced to the caller (apperr.ErrTrackerUnavailable).
	Connect(ctx context.Context) error
	// Disconnect closes the backend connection. Idempotent.
	Disconnect(ctx context.Context) error
}
