package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/taskengine/internal/apperr"
)

// RedisTracker implements Tracker over the key family documented in
// spec.md §4.3: a per-task hash, a short-TTL running marker, and three
// sorted-set indices: all and name scored by created_at, and status scored
// by the time the record entered that status.
type RedisTracker struct {
	client            *redis.Client
	prefix            string
	ttl               time.Duration
	runningMarkerTTL  time.Duration
	logger            *slog.Logger
}

// NewRedisTracker builds a tracker over an existing client.
func NewRedisTracker(client *redis.Client, prefix string, ttl, runningMarkerTTL time.Duration, logger *slog.Logger) *RedisTracker {
	return &RedisTracker{client: client, prefix: prefix, ttl: ttl, runningMarkerTTL: runningMarkerTTL, logger: logger}
}

func (t *RedisTracker) execKey(taskID string) string     { return fmt.Sprintf("%s:exec:%s", t.prefix, taskID) }
func (t *RedisTracker) runningKey(taskID string) string   { return fmt.Sprintf("%s:running:%s", t.prefix, taskID) }
func (t *RedisTracker) indexAllKey() string               { return fmt.Sprintf("%s:index:all", t.prefix) }
func (t *RedisTracker) indexNameKey(name string) string   { return fmt.Sprintf("%s:index:name:%s", t.prefix, name) }
func (t *RedisTracker) indexStatusKey(s Status) string    { return fmt.Sprintf("%s:index:status:%s", t.prefix, s) }

func (t *RedisTracker) Connect(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", apperr.ErrTrackerUnavailable, err)
	}
	return nil
}

func (t *RedisTracker) Disconnect(ctx context.Context) error {
	if err := t.client.Close(); err != nil {
		t.warn("disconnect", "", err)
	}
	return nil
}

func (t *RedisTracker) warn(op, taskID string, err error) {
	t.logger.Warn("tracker operation failed, swallowing", "op", op, "task_id", taskID, "error", err)
}

// OnTaskStart implements the idempotent upsert described on Tracker.
func (t *RedisTracker) OnTaskStart(ctx context.Context, taskID, taskName, workerID, queueName string, args []any, kwargs map[string]any, labels map[string]string) error {
	existing, err := t.client.HGetAll(ctx, t.execKey(taskID)).Result()
	if err != nil {
		t.warn("on_task_start:read", taskID, err)
		return nil
	}
	if existing != nil {
		if st := Status(existing["status"]); st.Terminal() && st != StatusFailure {
			// cancelled/success never revert; a prior failure may be
			// overwritten by a fresh retry attempt (see Tracker.OnTaskStart).
			if workerID != "" || queueName != "" {
				_ = t.client.HSet(ctx, t.execKey(taskID), "worker_id", workerID, "queue_name", queueName).Err()
			}
			return nil
		}
	}

	now := time.Now().UTC()
	createdAt := now
	if ts, err := time.Parse(time.RFC3339Nano, existing["created_at"]); err == nil {
		createdAt = ts
	}
	argsJSON, _ := json.Marshal(args)
	kwargsJSON, _ := json.Marshal(kwargs)
	labelsJSON, _ := json.Marshal(labels)

	fields := map[string]any{
		"task_id":       taskID,
		"task_name":     taskName,
		"status":        string(StatusRunning),
		"created_at":    firstNonEmpty(existing["created_at"], now.Format(time.RFC3339Nano)),
		"started_at":    now.Format(time.RFC3339Nano),
		"finished_at":   "",
		"duration_ms":   "",
		"return_value":  "",
		"error_message": "",
		"error_type":    "",
		"retry_count":   existing["retry_count"],
		"worker_id":     workerID,
		"queue_name":    queueName,
		"task_args":     string(argsJSON),
		"task_kwargs":   string(kwargsJSON),
		"labels":        string(labelsJSON),
	}
	if fields["retry_count"] == "" {
		fields["retry_count"] = "0"
	}

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, t.execKey(taskID), fields)
	pipe.Expire(ctx, t.execKey(taskID), t.ttl)
	pipe.Set(ctx, t.runningKey(taskID), now.Format(time.RFC3339Nano), t.runningMarkerTTL)
	pipe.ZAdd(ctx, t.indexAllKey(), redis.Z{Score: float64(createdAt.UnixNano()), Member: taskID})
	pipe.ZAdd(ctx, t.indexNameKey(taskName), redis.Z{Score: float64(createdAt.UnixNano()), Member: taskID})
	if prevStatus := Status(existing["status"]); prevStatus != "" && prevStatus != StatusRunning {
		pipe.ZRem(ctx, t.indexStatusKey(prevStatus), taskID)
	}
	pipe.ZAdd(ctx, t.indexStatusKey(StatusRunning), redis.Z{Score: float64(now.UnixNano()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		t.warn("on_task_start:write", taskID, err)
	}
	return nil
}

// MarkPending writes the initial pending row. A no-op if the exec hash
// already exists (OnTaskStart may have raced ahead of us, or this is a
// duplicate trigger).
func (t *RedisTracker) MarkPending(ctx context.Context, taskID, taskName, queueName string, args []any, kwargs map[string]any, labels map[string]string, maxRetries int) error {
	exists, err := t.client.Exists(ctx, t.execKey(taskID)).Result()
	if err != nil {
		t.warn("mark_pending:exists", taskID, err)
		return nil
	}
	if exists > 0 {
		return nil
	}

	now := time.Now().UTC()
	argsJSON, _ := json.Marshal(args)
	kwargsJSON, _ := json.Marshal(kwargs)
	labelsJSON, _ := json.Marshal(labels)

	fields := map[string]any{
		"task_id":     taskID,
		"task_name":   taskName,
		"status":      string(StatusPending),
		"created_at":  now.Format(time.RFC3339Nano),
		"queue_name":  queueName,
		"retry_count": "0",
		"max_retries": strconv.Itoa(maxRetries),
		"task_args":   string(argsJSON),
		"task_kwargs": string(kwargsJSON),
		"labels":      string(labelsJSON),
	}

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, t.execKey(taskID), fields)
	pipe.Expire(ctx, t.execKey(taskID), t.ttl)
	pipe.ZAdd(ctx, t.indexAllKey(), redis.Z{Score: float64(now.UnixNano()), Member: taskID})
	pipe.ZAdd(ctx, t.indexNameKey(taskName), redis.Z{Score: float64(now.UnixNano()), Member: taskID})
	pipe.ZAdd(ctx, t.indexStatusKey(StatusPending), redis.Z{Score: float64(now.UnixNano()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		t.warn("mark_pending:write", taskID, err)
	}
	return nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// OnTaskFinish implements the running->status transition with the
// no-op-over-terminal rule.
func (t *RedisTracker) OnTaskFinish(ctx context.Context, taskID string, status Status, returnValue any, errType, errMessage, errTraceback string, durationMs int64) error {
	existing, err := t.client.HGetAll(ctx, t.execKey(taskID)).Result()
	if err != nil {
		t.warn("on_task_finish:read", taskID, err)
		return nil
	}
	if len(existing) == 0 {
		t.warn("on_task_finish:missing_record", taskID, nil)
		return nil
	}
	if Status(existing["status"]).Terminal() {
		return nil
	}

	now := time.Now().UTC()
	returnValueJSON := ""
	if returnValue != nil {
		if raw, err := json.Marshal(returnValue); err == nil {
			returnValueJSON = string(raw)
		}
	}

	fields := map[string]any{
		"status":          string(status),
		"finished_at":     now.Format(time.RFC3339Nano),
		"duration_ms":     strconv.FormatInt(durationMs, 10),
		"return_value":    returnValueJSON,
		"error_type":      errType,
		"error_message":   errMessage,
		"error_traceback": errTraceback,
	}

	pipe := t.client.Pipeline()
	pipe.HSet(ctx, t.execKey(taskID), fields)
	pipe.Expire(ctx, t.execKey(taskID), t.ttl)
	pipe.Del(ctx, t.runningKey(taskID))
	pipe.ZRem(ctx, t.indexStatusKey(StatusRunning), taskID)
	pipe.ZAdd(ctx, t.indexStatusKey(status), redis.Z{Score: float64(now.UnixNano()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		t.warn("on_task_finish:write", taskID, err)
	}
	return nil
}

// CancelTask implements pending|running -> cancelled.
func (t *RedisTracker) CancelTask(ctx context.Context, taskID string) (bool, error) {
	existing, err := t.client.HGetAll(ctx, t.execKey(taskID)).Result()
	if err != nil {
		t.warn("cancel_task:read", taskID, err)
		return false, nil
	}
	if len(existing) == 0 {
		return false, nil
	}
	current := Status(existing["status"])
	if current != StatusPending && current != StatusRunning {
		return false, nil
	}

	now := time.Now().UTC()
	pipe := t.client.Pipeline()
	pipe.HSet(ctx, t.execKey(taskID), map[string]any{
		"status":      string(StatusCancelled),
		"finished_at": now.Format(time.RFC3339Nano),
	})
	if current == StatusRunning {
		pipe.ZRem(ctx, t.indexStatusKey(StatusRunning), taskID)
		pipe.Del(ctx, t.runningKey(taskID))
	} else {
		pipe.ZRem(ctx, t.indexStatusKey(StatusPending), taskID)
	}
	pipe.ZAdd(ctx, t.indexStatusKey(StatusCancelled), redis.Z{Score: float64(now.UnixNano()), Member: taskID})
	if _, err := pipe.Exec(ctx); err != nil {
		t.warn("cancel_task:write", taskID, err)
		return false, nil
	}
	return true, nil
}

func (t *RedisTracker) GetRunningTasks(ctx context.Context) ([]RunningTask, error) {
	ids, err := t.client.ZRevRange(ctx, t.indexStatusKey(StatusRunning), 0, -1).Result()
	if err != nil {
		t.warn("get_running_tasks", "", err)
		return nil, nil
	}
	now := time.Now().UTC()
	out := make([]RunningTask, 0, len(ids))
	for _, id := range ids {
		data, err := t.client.HGetAll(ctx, t.execKey(id)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		rec := recordFromHash(id, data)
		runningFor := int64(0)
		if rec.StartedAt != nil {
			runningFor = now.Sub(*rec.StartedAt).Milliseconds()
		}
		out = append(out, RunningTask{Record: rec, RunningForMs: runningFor})
	}
	return out, nil
}

func (t *RedisTracker) selectIndex(filter Filter) string {
	switch {
	case filter.TaskName != "":
		return t.indexNameKey(filter.TaskName)
	case filter.Status != "":
		return t.indexStatusKey(filter.Status)
	default:
		return t.indexAllKey()
	}
}

func hasSecondaryFilters(f Filter) bool {
	return f.WorkerID != "" || f.ErrorType != "" || f.MinDurationMs != nil || f.MaxDurationMs != nil
}

func (t *RedisTracker) GetTaskHistory(ctx context.Context, filter Filter, limit, offset int) ([]Record, error) {
	index := t.selectIndex(filter)
	fetchLimit := offset + limit
	if hasSecondaryFilters(filter) {
		fetchLimit *= 3
	}
	if fetchLimit <= 0 {
		fetchLimit = limit
	}

	ids, err := t.client.ZRevRange(ctx, index, 0, int64(fetchLimit-1)).Result()
	if err != nil {
		t.warn("get_task_history", "", err)
		return nil, nil
	}

	out := make([]Record, 0, limit)
	skipped := 0
	for _, id := range ids {
		data, err := t.client.HGetAll(ctx, t.execKey(id)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		if !passesFilters(data, filter) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, recordFromHash(id, data))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (t *RedisTracker) CountTaskHistory(ctx context.Context, filter Filter) (int, error) {
	index := t.selectIndex(filter)
	ids, err := t.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		t.warn("count_task_history", "", err)
		return 0, nil
	}
	total := 0
	for _, id := range ids {
		data, err := t.client.HGetAll(ctx, t.execKey(id)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		if passesFilters(data, filter) {
			total++
		}
	}
	return total, nil
}

func (t *RedisTracker) GetTaskDetails(ctx context.Context, taskID string) (Record, bool, error) {
	data, err := t.client.HGetAll(ctx, t.execKey(taskID)).Result()
	if err != nil {
		t.warn("get_task_details", taskID, err)
		return Record{}, false, nil
	}
	if len(data) == 0 {
		return Record{}, false, nil
	}
	return recordFromHash(taskID, data), true, nil
}

// GetStats scopes every count to the trailing windowHours by walking
// indexAllKey (scored by created_at, never re-scored on status transitions,
// unlike the per-status indices) and reading each member's current status
// out of its hash — the same created_at >= since boundary
// internal/tracker/postgres.go's GetStats applies in SQL.
func (t *RedisTracker) GetStats(ctx context.Context, windowHours int) (Stats, error) {
	stats := Stats{ByTaskName: map[string]int{}}
	since := time.Now().Add(-time.Duration(windowHours) * time.Hour)

	ids, err := t.client.ZRangeByScore(ctx, t.indexAllKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixNano(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		t.warn("get_stats", "", err)
		return stats, nil
	}

	var durSum, durCount int64
	for _, id := range ids {
		data, err := t.client.HGetAll(ctx, t.execKey(id)).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		stats.TotalCount++
		if name := data["task_name"]; name != "" {
			stats.ByTaskName[name]++
		}

		switch Status(data["status"]) {
		case StatusRunning:
			stats.RunningCount++
		case StatusSuccess:
			stats.SuccessCount++
			if ds := data["duration_ms"]; ds != "" {
				if d, err := strconv.ParseInt(ds, 10, 64); err == nil {
					durSum += d
					durCount++
				}
			}
		case StatusFailure:
			stats.FailureCount++
		case StatusCancelled:
			stats.CancelledCount++
		}
	}
	if durCount > 0 {
		avg := float64(durSum) / float64(durCount)
		stats.AvgDurationMs = &avg
	}

	return stats, nil
}

// CountNonTerminalByLabel unions the pending and running indices — the
// working set of non-terminal records is small relative to total history,
// so a full scan of those two indices is cheap compared to scanning
// everything.
func (t *RedisTracker) CountNonTerminalByLabel(ctx context.Context, key, value string) (int, error) {
	ids, err := t.client.ZUnion(ctx, redis.ZStore{Keys: []string{t.indexStatusKey(StatusPending), t.indexStatusKey(StatusRunning)}}).Result()
	if err != nil {
		t.warn("count_non_terminal_by_label", "", err)
		return 0, nil
	}

	count := 0
	for _, id := range ids {
		labelsJSON, err := t.client.HGet(ctx, t.execKey(id), "labels").Result()
		if err != nil || labelsJSON == "" {
			continue
		}
		var labels map[string]string
		if json.Unmarshal([]byte(labelsJSON), &labels) != nil {
			continue
		}
		if labels[key] == value {
			count++
		}
	}
	return count, nil
}

func passesFilters(data map[string]string, f Filter) bool {
	if f.WorkerID != "" && data["worker_id"] != f.WorkerID {
		return false
	}
	if f.ErrorType != "" && data["error_type"] != f.ErrorType {
		return false
	}

	var durationMs *int64
	if ds := data["duration_ms"]; ds != "" {
		if d, err := strconv.ParseInt(ds, 10, 64); err == nil {
			durationMs = &d
		}
	}
	if f.MinDurationMs != nil && (durationMs == nil || *durationMs < *f.MinDurationMs) {
		return false
	}
	if f.MaxDurationMs != nil && (durationMs == nil || *durationMs > *f.MaxDurationMs) {
		return false
	}

	createdAt := data["created_at"]
	if f.CreatedAfter != nil && createdAt != "" {
		if ct, err := time.Parse(time.RFC3339Nano, createdAt); err == nil && ct.Before(*f.CreatedAfter) {
			return false
		}
	}
	if f.CreatedBefore != nil && createdAt != "" {
		if ct, err := time.Parse(time.RFC3339Nano, createdAt); err == nil && ct.After(*f.CreatedBefore) {
			return false
		}
	}

	return true
}

func recordFromHash(taskID string, data map[string]string) Record {
	rec := Record{
		TaskID:       firstNonEmpty(data["task_id"], taskID),
		TaskName:     data["task_name"],
		Status:       Status(data["status"]),
		WorkerID:     data["worker_id"],
		QueueName:    data["queue_name"],
		ErrorType:    data["error_type"],
		ErrorMessage: data["error_message"],
	}
	rec.ErrorTraceback = data["error_traceback"]

	if v, err := strconv.Atoi(data["retry_count"]); err == nil {
		rec.RetryCount = v
	}
	if v, err := strconv.Atoi(data["max_retries"]); err == nil {
		rec.MaxRetries = v
	}
	if ts, err := time.Parse(time.RFC3339Nano, data["created_at"]); err == nil {
		rec.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, data["started_at"]); err == nil {
		rec.StartedAt = &ts
	}
	if fs := data["finished_at"]; fs != "" {
		if ts, err := time.Parse(time.RFC3339Nano, fs); err == nil {
			rec.FinishedAt = &ts
		}
	}
	if ds := data["duration_ms"]; ds != "" {
		if d, err := strconv.ParseInt(ds, 10, 64); err == nil {
			rec.DurationMs = &d
		}
	}
	if rv := data["return_value"]; rv != "" {
		var v any
		if json.Unmarshal([]byte(rv), &v) == nil {
			rec.ReturnValue = v
		}
	}
	if as := data["task_args"]; as != "" {
		var v []any
		if json.Unmarshal([]byte(as), &v) == nil {
			rec.TaskArgs = v
		}
	}
	if ks := data["task_kwargs"]; ks != "" {
		var v map[string]any
		if json.Unmarshal([]byte(ks), &v) == nil {
			rec.TaskKwargs = v
		}
	}
	if ls := data["labels"]; ls != "" {
		var v map[string]string
		if json.Unmarshal([]byte(ls), &v) == nil {
			rec.Labels = v
		}
	}
	return rec
}
