package httpapi

import (
	"net/url"
	"strconv"

	"github.com/swarmguard/taskengine/internal/apperr"
	"github.com/swarmguard/taskengine/internal/dlq"
	"github.com/swarmguard/taskengine/internal/scheduler"
	"github.com/swarmguard/taskengine/internal/tracker"
)

// parseLimitOffset applies spec.md §6's limit/offset bounds
// (limit in [1,200], offset >= 0), defaulting limit to defaultLimit.
// Violations are appended to the returned field map rather than returned
// as an error, so callers can report every bad field at once.
func parseLimitOffset(q url.Values, defaultLimit int) (limit, offset int, fieldErrors map[string]string) {
	fieldErrors = make(map[string]string)
	limit = defaultLimit
	offset = 0

	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 || v > 200 {
			fieldErrors["limit"] = "must be an integer in [1,200]"
		} else {
			limit = v
		}
	}
	if raw := q.Get("offset"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			fieldErrors["offset"] = "must be a non-negative integer"
		} else {
			offset = v
		}
	}
	if len(fieldErrors) == 0 {
		fieldErrors = nil
	}
	return limit, offset, fieldErrors
}

func parseOptionalInt64(raw string, fieldErrors map[string]string, field string) *int64 {
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		fieldErrors[field] = "must be a non-negative integer"
		return nil
	}
	return &v
}

func validationErrorFrom(err error, extra map[string]string) *apperr.ValidationError {
	fields := make(map[string]string, len(extra))
	for k, v := range extra {
		fields[k] = v
	}
	fields["_"] = err.Error()
	return &apperr.ValidationError{Fields: fields}
}

func recordToDTO(rec tracker.Record) map[string]any {
	dto := map[string]any{
		"task_id":     rec.TaskID,
		"task_name":   rec.TaskName,
		"status":      string(rec.Status),
		"created_at":  rec.CreatedAt,
		"worker_id":   rec.WorkerID,
		"queue_name":  rec.QueueName,
		"retry_count": rec.RetryCount,
		"max_retries": rec.MaxRetries,
	}
	if rec.StartedAt != nil {
		dto["started_at"] = *rec.StartedAt
	}
	if rec.FinishedAt != nil {
		dto["finished_at"] = *rec.FinishedAt
	}
	if rec.DurationMs != nil {
		dto["duration_ms"] = *rec.DurationMs
	}
	if rec.ReturnValue != nil {
		dto["return_value"] = rec.ReturnValue
	}
	if rec.ErrorType != "" {
		dto["error_type"] = rec.ErrorType
		dto["error_message"] = rec.ErrorMessage
	}
	if len(rec.Labels) > 0 {
		dto["labels"] = rec.Labels
	}
	return dto
}

func recordsToDTO(recs []tracker.Record) []map[string]any {
	out := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToDTO(rec))
	}
	return out
}

func statsToDTO(stats tracker.Stats) map[string]any {
	dto := map[string]any{
		"total_count":     stats.TotalCount,
		"success_count":   stats.SuccessCount,
		"failure_count":   stats.FailureCount,
		"running_count":   stats.RunningCount,
		"cancelled_count": stats.CancelledCount,
		"by_task_name":    stats.ByTaskName,
	}
	if stats.AvgDurationMs != nil {
		dto["avg_duration_ms"] = *stats.AvgDurationMs
	}
	return dto
}

func jobToDTO(job scheduler.Job) map[string]any {
	dto := map[string]any{
		"job_id":        job.JobID,
		"task_name":     job.TaskName,
		"paused":        job.Paused,
		"max_instances": job.MaxInstances,
	}
	if job.NextRunTime != nil {
		dto["next_run_time"] = *job.NextRunTime
	}
	if job.LastRunTime != nil {
		dto["last_run_time"] = *job.LastRunTime
	}
	return dto
}

func dlqEntriesToDTO(entries []dlq.Entry) []map[string]any {
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		item := map[string]any{
			"task_id":       e.TaskID,
			"task_name":     e.Task.TaskName,
			"status":        string(e.Status),
			"error_type":    e.ErrorType,
			"error_message": e.ErrorMessage,
			"created_at":    e.CreatedAt,
		}
		if e.RetriedAsTaskID != "" {
			item["retried_as_task_id"] = e.RetriedAsTaskID
		}
		if e.DiscardReason != "" {
			item["discard_reason"] = e.DiscardReason
		}
		out = append(out, item)
	}
	return out
}
