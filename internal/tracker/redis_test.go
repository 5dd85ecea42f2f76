package tracker

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedisTracker(t *testing.T) *RedisTracker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisTracker(client, "taskengine:tracker", time.Hour, 5*time.Minute, slog.Default())
}

func TestRedisTracker_StartFinishLifecycle(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.OnTaskStart(ctx, "t1", "cleanup_temp_files", "w1", "default", []any{"a"}, map[string]any{"b": float64(1)}, map[string]string{"env": "prod"}))

	rec, found, err := tr.GetTaskDetails(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusRunning, rec.Status)
	require.Equal(t, "w1", rec.WorkerID)

	running, err := tr.GetRunningTasks(ctx)
	require.NoError(t, err)
	require.Len(t, running, 1)
	require.Equal(t, "t1", running[0].TaskID)

	require.NoError(t, tr.OnTaskFinish(ctx, "t1", StatusSuccess, map[string]any{"removed": float64(3)}, "", "", "", 120))

	rec, found, err = tr.GetTaskDetails(ctx, "t1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusSuccess, rec.Status)
	require.NotNil(t, rec.DurationMs)
	require.Equal(t, int64(120), *rec.DurationMs)

	running, err = tr.GetRunningTasks(ctx)
	require.NoError(t, err)
	require.Empty(t, running)
}

func TestRedisTracker_OnTaskFinish_NoOpOverTerminal(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.OnTaskStart(ctx, "t2", "export_csv", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "t2", StatusCancelled, nil, "", "", "", 10))

	// A late redelivery must not flip a cancelled task back to success.
	require.NoError(t, tr.OnTaskFinish(ctx, "t2", StatusSuccess, "late", "", "", "", 999))

	rec, found, err := tr.GetTaskDetails(ctx, "t2")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusCancelled, rec.Status)
}

func TestRedisTracker_MarkPending_ThenCancelBeforeStart(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "q1", "nightly_backup", "default", nil, nil, nil, 3))

	rec, found, err := tr.GetTaskDetails(ctx, "q1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 3, rec.MaxRetries)

	ok, err := tr.CancelTask(ctx, "q1")
	require.NoError(t, err)
	require.True(t, ok)

	rec, found, err = tr.GetTaskDetails(ctx, "q1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, StatusCancelled, rec.Status)

	// A worker that later consumes the envelope observes cancellation and
	// on_task_start must not revive it.
	require.NoError(t, tr.OnTaskStart(ctx, "q1", "nightly_backup", "w1", "default", nil, nil, nil))
	rec, _, _ = tr.GetTaskDetails(ctx, "q1")
	require.Equal(t, StatusCancelled, rec.Status)
}

func TestRedisTracker_MarkPending_NoOpIfAlreadyExists(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.OnTaskStart(ctx, "q2", "nightly_backup", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.MarkPending(ctx, "q2", "nightly_backup", "default", nil, nil, nil, 3))

	rec, _, err := tr.GetTaskDetails(ctx, "q2")
	require.NoError(t, err)
	require.Equal(t, StatusRunning, rec.Status)
}

func TestRedisTracker_CancelTask(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	ok, err := tr.CancelTask(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, tr.OnTaskStart(ctx, "t3", "nightly_backup", "w1", "default", nil, nil, nil))
	ok, err = tr.CancelTask(ctx, "t3")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = tr.CancelTask(ctx, "t3")
	require.NoError(t, err)
	require.False(t, ok)

	rec, _, err := tr.GetTaskDetails(ctx, "t3")
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, rec.Status)
}

func TestRedisTracker_GetTaskHistory_FiltersByNameAndWorker(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.OnTaskStart(ctx, "a1", "cleanup_temp_files", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "a1", StatusSuccess, nil, "", "", "", 5))
	require.NoError(t, tr.OnTaskStart(ctx, "a2", "cleanup_temp_files", "w2", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "a2", StatusFailure, nil, "Boom", "bad", "", 7))
	require.NoError(t, tr.OnTaskStart(ctx, "a3", "export_csv", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "a3", StatusSuccess, nil, "", "", "", 9))

	recs, err := tr.GetTaskHistory(ctx, Filter{TaskName: "cleanup_temp_files"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = tr.GetTaskHistory(ctx, Filter{TaskName: "cleanup_temp_files", WorkerID: "w2"}, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a2", recs[0].TaskID)

	count, err := tr.CountTaskHistory(ctx, Filter{Status: StatusSuccess})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestRedisTracker_CountNonTerminalByLabel(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "j1", "nightly_backup", "default", nil, nil, map[string]string{"job_id": "backup-job"}, 3))
	require.NoError(t, tr.OnTaskStart(ctx, "j2", "nightly_backup", "w1", "default", nil, nil, map[string]string{"job_id": "backup-job"}))
	require.NoError(t, tr.OnTaskStart(ctx, "j3", "nightly_backup", "w1", "default", nil, nil, map[string]string{"job_id": "other-job"}))
	require.NoError(t, tr.OnTaskFinish(ctx, "j3", StatusSuccess, nil, "", "", "", 5))

	count, err := tr.CountNonTerminalByLabel(ctx, "job_id", "backup-job")
	require.NoError(t, err)
	require.Equal(t, 2, count)

	count, err = tr.CountNonTerminalByLabel(ctx, "job_id", "other-job")
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestRedisTracker_GetTaskHistory_CreatedAtFilterUsesCreationTime(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.MarkPending(ctx, "f1", "nightly_backup", "default", nil, nil, nil, 3))
	rec, found, err := tr.GetTaskDetails(ctx, "f1")
	require.NoError(t, err)
	require.True(t, found)
	createdAt := rec.CreatedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, tr.OnTaskStart(ctx, "f1", "nightly_backup", "w1", "default", nil, nil, nil))
	rec, _, err = tr.GetTaskDetails(ctx, "f1")
	require.NoError(t, err)
	require.NotNil(t, rec.StartedAt)
	require.True(t, rec.StartedAt.After(createdAt), "started_at must move past created_at once the task actually starts")

	// A window tight around created_at, but well before started_at, must
	// still include the record: the filter scopes on creation time, not
	// start time.
	after := createdAt.Add(-time.Second)
	before := createdAt.Add(time.Millisecond)
	recs, err := tr.GetTaskHistory(ctx, Filter{CreatedAfter: &after, CreatedBefore: &before}, 10, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "f1", recs[0].TaskID)
}

func TestRedisTracker_GetStats_ExcludesOutOfWindowRecords(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.OnTaskStart(ctx, "s1", "cleanup_temp_files", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "s1", StatusSuccess, nil, "", "", "", 100))

	// Backdate a second record's created_at and index score to 48h ago, as
	// if it had been written two days before this GetStats call.
	old := time.Now().Add(-48 * time.Hour).UTC()
	require.NoError(t, tr.client.HSet(ctx, tr.execKey("s2"), map[string]any{
		"task_id": "s2", "task_name": "cleanup_temp_files", "status": string(StatusSuccess),
		"created_at": old.Format(time.RFC3339Nano), "duration_ms": "9999",
	}).Err())
	require.NoError(t, tr.client.ZAdd(ctx, tr.indexAllKey(), redis.Z{Score: float64(old.UnixNano()), Member: "s2"}).Err())

	stats, err := tr.GetStats(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 1, stats.TotalCount)
	require.Equal(t, 1, stats.SuccessCount)
	require.Equal(t, 1, stats.ByTaskName["cleanup_temp_files"])
	require.NotNil(t, stats.AvgDurationMs)
	require.InDelta(t, 100, *stats.AvgDurationMs, 0.01)
}

func TestRedisTracker_GetStats(t *testing.T) {
	tr := newTestRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tr.OnTaskStart(ctx, "s1", "cleanup_temp_files", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "s1", StatusSuccess, nil, "", "", "", 100))
	require.NoError(t, tr.OnTaskStart(ctx, "s2", "cleanup_temp_files", "w1", "default", nil, nil, nil))
	require.NoError(t, tr.OnTaskFinish(ctx, "s2", StatusSuccess, nil, "", "", "", 200))
	require.NoError(t, tr.OnTaskStart(ctx, "s3", "export_csv", "w1", "default", nil, nil, nil))

	stats, err := tr.GetStats(ctx, 24)
	require.NoError(t, err)
	require.Equal(t, 3, stats.TotalCount)
	require.Equal(t, 2, stats.SuccessCount)
	require.Equal(t, 1, stats.RunningCount)
	require.Equal(t, 2, stats.ByTaskName["cleanup_temp_files"])
	require.Equal(t, 1, stats.ByTaskName["export_csv"])
	require.NotNil(t, stats.AvgDurationMs)
	require.InDelta(t, 150, *stats.AvgDurationMs, 0.01)
}
