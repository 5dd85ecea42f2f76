// Package taskservice is the operational API (C8): it aggregates the
// broker, tracker, result backend, dead-letter store, and scheduler behind
// the handful of calls the HTTP control plane needs, translating backend
// failures into the structured responses callers expect rather than
// letting them escape as raw errors.
package taskservice

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/swarmguard/taskengine/internal/apperr"
	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/dlq"
	"github.com/swarmguard/taskengine/internal/envelope"
	"github.com/swarmguard/taskengine/internal/resultbackend"
	"github.com/swarmguard/taskengine/internal/scheduler"
	"github.com/swarmguard/taskengine/internal/tracker"
	"github.com/swarmguard/taskengine/internal/worker"
)

// Service is the single object internal/httpapi depends on.
type Service struct {
	Broker    broker.Broker
	Tracker   tracker.Tracker
	Results   resultbackend.Backend
	DLQ       *dlq.Store
	Scheduler *scheduler.Scheduler
	Registry  *worker.Registry
	Logger    *slog.Logger
}

// SearchTasks returns a page of history matching filter, plus the total
// matching count for paging.
func (s *Service) SearchTasks(ctx context.Context, filter tracker.Filter, limit, offset int) ([]tracker.Record, int, error) {
	items, err := s.Tracker.GetTaskHistory(ctx, filter, limit, offset)
	if err != nil {
		s.Logger.Error("search_tasks failed", "error", err)
		return nil, 0, nil
	}
	total, err := s.Tracker.CountTaskHistory(ctx, filter)
	if err != nil {
		s.Logger.Error("count_task_history failed", "error", err)
		total = len(items)
	}
	return items, total, nil
}

// GetTaskDetails returns the record for taskID, or apperr.ErrNotFound.
func (s *Service) GetTaskDetails(ctx context.Context, taskID string) (tracker.Record, error) {
	rec, found, err := s.Tracker.GetTaskDetails(ctx, taskID)
	if err != nil {
		s.Logger.Error("get_task_details failed", "task_id", taskID, "error", err)
		return tracker.Record{}, apperr.ErrNotFound
	}
	if !found {
		return tracker.Record{}, apperr.ErrNotFound
	}
	return rec, nil
}

// GetRunningTasks returns every in-flight record.
func (s *Service) GetRunningTasks(ctx context.Context) ([]tracker.RunningTask, error) {
	running, err := s.Tracker.GetRunningTasks(ctx)
	if err != nil {
		s.Logger.Error("get_running_tasks failed", "error", err)
		return nil, nil
	}
	return running, nil
}

// GetStats aggregates counts over the trailing windowHours.
func (s *Service) GetStats(ctx context.Context, windowHours int) (tracker.Stats, error) {
	stats, err := s.Tracker.GetStats(ctx, windowHours)
	if err != nil {
		s.Logger.Error("get_stats failed", "error", err)
		return tracker.Stats{}, nil
	}
	return stats, nil
}

// CancelResult is cancel_task's structured response (spec.md §4.7/§6).
type CancelResult struct {
	Cancelled      bool
	PreviousStatus string
	Message        string
}

// CancelTask cancels taskID. It never returns an HTTP-mapped error for a
// terminal task — per spec.md §7, that is a 200 with cancelled:false.
func (s *Service) CancelTask(ctx context.Context, taskID string) (CancelResult, error) {
	rec, found, err := s.Tracker.GetTaskDetails(ctx, taskID)
	if err != nil {
		s.Logger.Error("cancel_task: get_task_details failed", "task_id", taskID, "error", err)
	}
	if !found {
		return CancelResult{}, apperr.ErrNotFound
	}
	previousStatus := string(rec.Status)

	ok, err := s.Tracker.CancelTask(ctx, taskID)
	if err != nil {
		s.Logger.Error("cancel_task failed", "task_id", taskID, "error", err)
		return CancelResult{PreviousStatus: previousStatus, Message: "cancel failed"}, nil
	}
	if !ok {
		notCancellable := &apperr.NotCancellable{TaskID: taskID, PreviousStatus: previousStatus}
		return CancelResult{
			Cancelled:      false,
			PreviousStatus: previousStatus,
			Message:        notCancellable.Error(),
		}, nil
	}
	return CancelResult{Cancelled: true, PreviousStatus: previousStatus, Message: "task cancelled"}, nil
}

// TriggerTask looks up taskName in the handler registry, publishes an
// envelope via the broker, and marks the pending row before returning —
// per the decision that a cancel issued before consumption must have a
// row to act on.
func (s *Service) TriggerTask(ctx context.Context, taskName, queueName string, args []any, kwargs map[string]any, maxRetries int) (envelope.Task, error) {
	if _, ok := s.Registry.Lookup(taskName); !ok {
		return envelope.Task{}, apperr.ErrHandlerNotRegistered
	}

	task := envelope.New(taskName, queueName, args, kwargs, nil, maxRetries)
	if err := s.Broker.Submit(ctx, task); err != nil {
		s.Logger.Error("trigger_task publish failed", "task_name", taskName, "error", err)
		return envelope.Task{}, fmt.Errorf("%w: %w", apperr.ErrBrokerUnavailable, err)
	}
	if err := s.Tracker.MarkPending(ctx, task.TaskID, task.TaskName, task.QueueName, task.Args, task.Kwargs, task.Labels, task.MaxRetries); err != nil {
		s.Logger.Warn("trigger_task mark_pending failed", "task_id", task.TaskID, "error", err)
	}
	return task, nil
}

// GetResult fetches taskID's result, deleting it unless keep is true.
func (s *Service) GetResult(ctx context.Context, taskID string, keep bool) (resultbackend.Entry, error) {
	entry, err := s.Results.GetResult(ctx, taskID, keep)
	if err != nil {
		return resultbackend.Entry{}, err
	}
	return entry, nil
}

// GetProgress fetches taskID's most recent progress payload.
func (s *Service) GetProgress(ctx context.Context, taskID string) (any, error) {
	return s.Results.GetProgress(ctx, taskID)
}

// ListScheduledJobs returns every registered job.
func (s *Service) ListScheduledJobs() []scheduler.Job {
	return s.Scheduler.ListJobs()
}

// GetScheduledJob returns jobID's current state, or apperr.ErrNotFound.
func (s *Service) GetScheduledJob(jobID string) (scheduler.Job, error) {
	job, ok := s.Scheduler.GetJob(jobID)
	if !ok {
		return scheduler.Job{}, apperr.ErrNotFound
	}
	return job, nil
}

// PauseJob pauses jobID, or apperr.ErrNotFound if unknown.
func (s *Service) PauseJob(jobID string) error {
	if !s.Scheduler.Pause(jobID) {
		return apperr.ErrNotFound
	}
	return nil
}

// ResumeJob resumes jobID, or apperr.ErrNotFound if unknown.
func (s *Service) ResumeJob(jobID string) error {
	if !s.Scheduler.Resume(jobID) {
		return apperr.ErrNotFound
	}
	return nil
}

// ListDeadLetters returns a page of DLQ entries, optionally filtered by
// status, plus the true total count of matching entries (independent of
// limit/offset) for the pagination envelope.
func (s *Service) ListDeadLetters(ctx context.Context, limit, offset int, status dlq.Status) ([]dlq.Entry, int, error) {
	items, err := s.DLQ.List(ctx, limit, offset, status)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.DLQ.CountMatching(ctx, status)
	if err != nil {
		s.Logger.Error("count_matching dlq entries failed", "error", err)
		total = len(items)
	}
	return items, total, nil
}

// RetryDeadLetter republishes taskID's dead-lettered task under a new
// task_id and marks it pending, mirroring TriggerTask's bookkeeping.
func (s *Service) RetryDeadLetter(ctx context.Context, taskID string) (newTaskID string, err error) {
	newTaskID, err = s.DLQ.Retry(ctx, taskID)
	if err != nil {
		return "", err
	}
	entry, found, getErr := s.DLQ.Get(ctx, taskID)
	if getErr == nil && found {
		if mpErr := s.Tracker.MarkPending(ctx, newTaskID, entry.Task.TaskName, entry.Task.QueueName, entry.Task.Args, entry.Task.Kwargs, entry.Task.Labels, entry.Task.MaxRetries); mpErr != nil {
			s.Logger.Warn("dlq retry mark_pending failed", "task_id", newTaskID, "error", mpErr)
		}
	}
	return newTaskID, nil
}

// DiscardDeadLetter marks taskID discarded with reason.
func (s *Service) DiscardDeadLetter(ctx context.Context, taskID, reason string) error {
	return s.DLQ.Discard(ctx, taskID, reason)
}

// BulkRetryDeadLetters retries every id, reporting a per-ID error.
func (s *Service) BulkRetryDeadLetters(ctx context.Context, ids []string) map[string]error {
	return s.DLQ.BulkRetry(ctx, ids)
}

// BulkDiscardDeadLetters discards every id with reason, reporting a
// per-ID error.
func (s *Service) BulkDiscardDeadLetters(ctx context.Context, ids []string, reason string) map[string]error {
	return s.DLQ.BulkDiscard(ctx, ids, reason)
}

// BulkResult is one entry of a bulk operation's per-ID report (spec.md §8's
// "apply per-item; report success/failure per ID").
type BulkResult struct {
	TaskID         string
	Success        bool
	Message        string
	PreviousStatus string
}

// BulkCancelTasks cancels every id, calling CancelTask per-item and
// collecting a BulkResult for each — tasks already terminal, or missing,
// are reported as failures rather than aborting the batch.
func (s *Service) BulkCancelTasks(ctx context.Context, ids []string) []BulkResult {
	out := make([]BulkResult, 0, len(ids))
	for _, id := range ids {
		cr, err := s.CancelTask(ctx, id)
		if err != nil {
			out = append(out, BulkResult{TaskID: id, Success: false, Message: err.Error()})
			continue
		}
		out = append(out, BulkResult{
			TaskID: id, Success: cr.Cancelled, Message: cr.Message, PreviousStatus: cr.PreviousStatus,
		})
	}
	return out
}
