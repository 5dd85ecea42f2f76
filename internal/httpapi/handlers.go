package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/swarmguard/taskengine/internal/apperr"
	"github.com/swarmguard/taskengine/internal/dlq"
	"github.com/swarmguard/taskengine/internal/tracker"
)

// writeError maps err to its HTTP status via apperr.HTTPStatus and emits a
// uniform error envelope. ValidationError gets its field detail surfaced.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	body := map[string]any{"error": err.Error()}
	if verr, ok := err.(*apperr.ValidationError); ok {
		body["fields"] = verr.Fields
	}
	writeJSON(w, status, body)
}

type searchTasksQuery struct {
	TaskName      string `validate:"omitempty"`
	Status        string `validate:"omitempty,oneof=pending running success failure cancelled"`
	WorkerID      string `validate:"omitempty"`
	ErrorType     string `validate:"omitempty"`
	Limit         int    `validate:"min=1,max=200"`
	Offset        int    `validate:"min=0"`
	MinDurationMs *int64 `validate:"omitempty,min=0"`
	MaxDurationMs *int64 `validate:"omitempty,min=0"`
}

// handleSearchTasks serves GET /tasks. order_by/order_dir are accepted for
// shape compatibility but unused: GetTaskHistory always returns newest-first
// (see tracker.Tracker's doc comment), matching neither backend's index
// layout supporting arbitrary sort.
func (s *Server) handleSearchTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, verrs := parseLimitOffset(q, 50)

	query := searchTasksQuery{
		TaskName:      q.Get("task_name"),
		Status:        q.Get("status"),
		WorkerID:      q.Get("worker_id"),
		ErrorType:     q.Get("error_type"),
		Limit:         limit,
		Offset:        offset,
		MinDurationMs: parseOptionalInt64(q.Get("min_duration_ms"), verrs, "min_duration_ms"),
		MaxDurationMs: parseOptionalInt64(q.Get("max_duration_ms"), verrs, "max_duration_ms"),
	}
	if err := s.validate.Struct(query); err != nil {
		s.writeError(w, validationErrorFrom(err, verrs))
		return
	}
	if len(verrs) > 0 {
		s.writeError(w, &apperr.ValidationError{Fields: verrs})
		return
	}

	filter := tracker.Filter{
		TaskName:      query.TaskName,
		Status:        tracker.Status(query.Status),
		WorkerID:      query.WorkerID,
		ErrorType:     query.ErrorType,
		MinDurationMs: query.MinDurationMs,
		MaxDurationMs: query.MaxDurationMs,
	}
	if after := q.Get("created_after"); after != "" {
		if t, err := time.Parse(time.RFC3339, after); err == nil {
			filter.CreatedAfter = &t
		} else {
			s.writeError(w, apperr.NewValidationError("created_after", "must be ISO-8601"))
			return
		}
	}
	if before := q.Get("created_before"); before != "" {
		if t, err := time.Parse(time.RFC3339, before); err == nil {
			filter.CreatedBefore = &t
		} else {
			s.writeError(w, apperr.NewValidationError("created_before", "must be ISO-8601"))
			return
		}
	}

	items, total, err := s.svc.SearchTasks(r.Context(), filter, query.Limit, query.Offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": recordsToDTO(items), "total": total, "limit": query.Limit, "offset": query.Offset,
	})
}

func (s *Server) handleGetRunningTasks(w http.ResponseWriter, r *http.Request) {
	running, err := s.svc.GetRunningTasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]map[string]any, 0, len(running))
	for _, rt := range running {
		dto := recordToDTO(rt.Record)
		dto["running_for_ms"] = rt.RunningForMs
		out = append(out, dto)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	hours := 24
	if raw := r.URL.Query().Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 720 {
			s.writeError(w, apperr.NewValidationError("hours", "must be an integer in [1,720]"))
			return
		}
		hours = parsed
	}

	stats, err := s.svc.GetStats(r.Context(), hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsToDTO(stats))
}

func (s *Server) handleGetTaskDetails(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	rec, err := s.svc.GetTaskDetails(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordToDTO(rec))
}

type cancelTaskRequest struct {
	TaskID string `json:"task_id" validate:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	var req cancelTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task_id", "required"))
		return
	}

	result, err := s.svc.CancelTask(r.Context(), req.TaskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"cancelled": result.Cancelled, "previous_status": result.PreviousStatus, "message": result.Message,
	})
}

type triggerTaskRequest struct {
	Task   string         `json:"task" validate:"required"`
	Params map[string]any `json:"params"`
}

func (s *Server) handleTriggerTask(w http.ResponseWriter, r *http.Request) {
	var req triggerTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task", "required"))
		return
	}

	task, err := s.svc.TriggerTask(r.Context(), req.Task, s.defaultQueue, nil, req.Params, s.defaultRetry)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": task.TaskID, "task_name": task.TaskName, "status": "queued", "message": "task queued",
	})
}

func (s *Server) handleListScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.svc.ListScheduledJobs()
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToDTO(j))
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": out, "count": len(out)})
}

func (s *Server) handleGetScheduledJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.svc.GetScheduledJob(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobToDTO(job))
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.svc.PauseJob(jobID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "paused": true})
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.svc.ResumeJob(jobID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "resumed": true})
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, offset, verrs := parseLimitOffset(q, 50)
	if len(verrs) > 0 {
		s.writeError(w, &apperr.ValidationError{Fields: verrs})
		return
	}

	entries, total, err := s.svc.ListDeadLetters(r.Context(), limit, offset, dlq.Status(q.Get("status")))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": dlqEntriesToDTO(entries), "total": total, "limit": limit, "offset": offset,
	})
}

type dlqRetryRequest struct {
	TaskID string `json:"task_id" validate:"required"`
}

func (s *Server) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req dlqRetryRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task_id", "required"))
		return
	}

	newTaskID, err := s.svc.RetryDeadLetter(r.Context(), req.TaskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"original_task_id": req.TaskID, "new_task_id": newTaskID, "status": "queued",
	})
}

type dlqDiscardRequest struct {
	TaskID string `json:"task_id" validate:"required"`
	Reason string `json:"reason"`
}

func (s *Server) handleDiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req dlqDiscardRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task_id", "required"))
		return
	}

	if err := s.svc.DiscardDeadLetter(r.Context(), req.TaskID, req.Reason); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task_id": req.TaskID, "discarded": true})
}

// bulkTaskIDsRequest is shared by every bulk endpoint: a non-empty batch of
// task_ids, rejected with 422 when empty per spec.md §8's boundary property.
type bulkTaskIDsRequest struct {
	TaskIDs []string `json:"task_ids" validate:"required,min=1,max=100"`
	Reason  string   `json:"reason"`
}

func bulkEnvelope(requested int, results []map[string]any) map[string]any {
	successful := 0
	for _, r := range results {
		if ok, _ := r["success"].(bool); ok {
			successful++
		}
	}
	return map[string]any{
		"total_requested": requested,
		"successful":      successful,
		"failed":          requested - successful,
		"results":         results,
	}
}

func (s *Server) handleBulkCancelTasks(w http.ResponseWriter, r *http.Request) {
	var req bulkTaskIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task_ids", "must be a non-empty list of at most 100 ids"))
		return
	}

	results := s.svc.BulkCancelTasks(r.Context(), req.TaskIDs)
	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"task_id": res.TaskID, "success": res.Success, "message": res.Message, "previous_status": res.PreviousStatus,
		})
	}
	writeJSON(w, http.StatusOK, bulkEnvelope(len(req.TaskIDs), out))
}

func (s *Server) handleBulkRetryDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req bulkTaskIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task_ids", "must be a non-empty list of at most 100 ids"))
		return
	}

	perID := s.svc.BulkRetryDeadLetters(r.Context(), req.TaskIDs)
	out := make([]map[string]any, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		item := map[string]any{"task_id": id, "success": perID[id] == nil}
		if err := perID[id]; err != nil {
			item["message"] = err.Error()
		} else {
			item["message"] = "queued"
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, bulkEnvelope(len(req.TaskIDs), out))
}

func (s *Server) handleBulkDiscardDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req bulkTaskIDsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, apperr.NewValidationError("body", "invalid JSON"))
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, apperr.NewValidationError("task_ids", "must be a non-empty list of at most 100 ids"))
		return
	}

	perID := s.svc.BulkDiscardDeadLetters(r.Context(), req.TaskIDs, req.Reason)
	out := make([]map[string]any, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		item := map[string]any{"task_id": id, "success": perID[id] == nil}
		if err := perID[id]; err != nil {
			item["message"] = err.Error()
		} else {
			item["message"] = "discarded"
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, bulkEnvelope(len(req.TaskIDs), out))
}
