package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/broker/brokertest"
	"github.com/swarmguard/taskengine/internal/dlq"
	"github.com/swarmguard/taskengine/internal/envelope"
	"github.com/swarmguard/taskengine/internal/resultbackend"
	"github.com/swarmguard/taskengine/internal/scheduler"
	"github.com/swarmguard/taskengine/internal/taskservice"
	"github.com/swarmguard/taskengine/internal/tracker"
	"github.com/swarmguard/taskengine/internal/worker"
)

// fakeTracker is a minimal in-memory tracker.Tracker double, local to this
// package's tests (the real implementations need Redis/Postgres).
type fakeTracker struct {
	records map[string]tracker.Record
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{records: make(map[string]tracker.Record)}
}

func (f *fakeTracker) MarkPending(ctx context.Context, taskID, taskName, queueName string, args []any, kwargs map[string]any, labels map[string]string, maxRetries int) error {
	if _, ok := f.records[taskID]; ok {
		return nil
	}
	f.records[taskID] = tracker.Record{TaskID: taskID, TaskName: taskName, Status: tracker.StatusPending, QueueName: queueName, MaxRetries: maxRetries}
	return nil
}
func (f *fakeTracker) OnTaskStart(ctx context.Context, taskID, taskName, workerID, queueName string, args []any, kwargs map[string]any, labels map[string]string) error {
	f.records[taskID] = tracker.Record{TaskID: taskID, TaskName: taskName, Status: tracker.StatusRunning, WorkerID: workerID}
	return nil
}
func (f *fakeTracker) OnTaskFinish(ctx context.Context, taskID string, status tracker.Status, returnValue any, errType, errMessage, errTraceback string, durationMs int64) error {
	rec := f.records[taskID]
	rec.Status = status
	f.records[taskID] = rec
	return nil
}
func (f *fakeTracker) CancelTask(ctx context.Context, taskID string) (bool, error) {
	rec, ok := f.records[taskID]
	if !ok || rec.Status.Terminal() {
		return false, nil
	}
	rec.Status = tracker.StatusCancelled
	f.records[taskID] = rec
	return true, nil
}
func (f *fakeTracker) GetRunningTasks(ctx context.Context) ([]tracker.RunningTask, error) { return nil, nil }
func (f *fakeTracker) GetTaskHistory(ctx context.Context, filter tracker.Filter, limit, offset int) ([]tracker.Record, error) {
	var out []tracker.Record
	for _, rec := range f.records {
		out = append(out, rec)
	}
	return out, nil
}
func (f *fakeTracker) CountTaskHistory(ctx context.Context, filter tracker.Filter) (int, error) {
	return len(f.records), nil
}
func (f *fakeTracker) GetTaskDetails(ctx context.Context, taskID string) (tracker.Record, bool, error) {
	rec, ok := f.records[taskID]
	return rec, ok, nil
}
func (f *fakeTracker) GetStats(ctx context.Context, windowHours int) (tracker.Stats, error) {
	return tracker.Stats{TotalCount: len(f.records)}, nil
}
func (f *fakeTracker) CountNonTerminalByLabel(ctx context.Context, key, value string) (int, error) {
	return 0, nil
}
func (f *fakeTracker) Connect(ctx context.Context) error    { return nil }
func (f *fakeTracker) Disconnect(ctx context.Context) error { return nil }

type fakeResults struct {
	entries map[string]resultbackend.Entry
}

func (f *fakeResults) SetResult(ctx context.Context, taskID string, value any, errType, errMsg string, ttl time.Duration) error {
	f.entries[taskID] = resultbackend.Entry{TaskID: taskID, Value: value, ErrorType: errType, Error: errMsg}
	return nil
}
func (f *fakeResults) GetResult(ctx context.Context, taskID string, keep bool) (resultbackend.Entry, error) {
	entry, ok := f.entries[taskID]
	if !ok {
		return resultbackend.Entry{}, nil
	}
	if !keep {
		delete(f.entries, taskID)
	}
	return entry, nil
}
func (f *fakeResults) IsReady(ctx context.Context, taskID string) (bool, error) {
	_, ok := f.entries[taskID]
	return ok, nil
}
func (f *fakeResults) SetProgress(ctx context.Context, taskID string, payload any, ttl time.Duration) error {
	return nil
}
func (f *fakeResults) GetProgress(ctx context.Context, taskID string) (any, error) { return nil, nil }
func (f *fakeResults) Connect(ctx context.Context) error                          { return nil }
func (f *fakeResults) Disconnect(ctx context.Context) error                       { return nil }

func newTestServer(t *testing.T) (*Server, *fakeTracker) {
	t.Helper()
	tr := newFakeTracker()
	reg := worker.NewRegistry()
	reg.Register("cleanup_temp_files", worker.HandlerFunc(func(ctx context.Context, args []any, kwargs map[string]any, report worker.ProgressReporter) (any, error) {
		return map[string]any{"removed": 3}, nil
	}))

	store, err := dlq.Open(t.TempDir(), brokertest.New(), slog.Default(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sched := scheduler.New(brokertest.New(), tr, slog.Default())

	svc := &taskservice.Service{
		Broker:    brokertest.New(),
		Tracker:   tr,
		Results:   &fakeResults{entries: make(map[string]resultbackend.Entry)},
		DLQ:       store,
		Scheduler: sched,
		Registry:  reg,
		Logger:    slog.Default(),
	}
	return NewServer(svc, slog.Default(), "default", 3), tr
}

func doRequest(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRouter_TriggerThenGetTaskDetails(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodPost, "/tasks/trigger", map[string]any{"task": "cleanup_temp_files"})
	require.Equal(t, http.StatusOK, rec.Code)

	var triggerResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &triggerResp))
	taskID, _ := triggerResp["task_id"].(string)
	require.NotEmpty(t, taskID)

	rec = doRequest(t, router, http.MethodGet, "/tasks/"+taskID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var details map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &details))
	require.Equal(t, "pending", details["status"])
}

func TestRouter_TriggerUnknownHandlerReturns422(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodPost, "/tasks/trigger", map[string]any{"task": "no_such_task"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRouter_TriggerMissingTaskField422(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodPost, "/tasks/trigger", map[string]any{})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRouter_GetTaskDetailsNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodGet, "/tasks/missing-id", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_CancelTaskNotFound(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodPost, "/tasks/cancel", map[string]any{"task_id": "missing"})
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRouter_SearchTasksRejectsOversizedLimit(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodGet, "/tasks?limit=9000", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRouter_GetStatsRejectsOutOfRangeHours(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodGet, "/tasks/stats?hours=0", nil)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/tasks/stats?hours=6", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_ScheduledJobPauseResume(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	require.NoError(t, server.svc.Scheduler.Register(scheduler.JobSpec{
		JobID: "nightly_backup", TaskName: "nightly_backup", QueueName: "default",
		Trigger: scheduler.IntervalTrigger{Every: time.Hour},
	}))

	rec := doRequest(t, router, http.MethodPost, "/tasks/scheduled/nightly_backup/pause", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/tasks/scheduled/nightly_backup", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.Equal(t, true, job["paused"])

	rec = doRequest(t, router, http.MethodPost, "/tasks/scheduled/nightly_backup/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_DeadLetterRetryAndDiscard(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	original := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
	require.NoError(t, server.svc.DLQ.Record(context.Background(), original, "TransientError", "boom"))

	rec := doRequest(t, router, http.MethodGet, "/tasks/dlq", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.EqualValues(t, 1, listResp["total"])

	rec = doRequest(t, router, http.MethodPost, "/tasks/dlq/retry", map[string]any{"task_id": original.TaskID})
	require.Equal(t, http.StatusOK, rec.Code)
	var retryResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &retryResp))
	newTaskID, _ := retryResp["new_task_id"].(string)
	require.NotEmpty(t, newTaskID)
	require.NotEqual(t, original.TaskID, newTaskID)

	second := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
	require.NoError(t, server.svc.DLQ.Record(context.Background(), second, "TransientError", "boom again"))
	rec = doRequest(t, router, http.MethodPost, "/tasks/dlq/discard", map[string]any{"task_id": second.TaskID, "reason": "not needed"})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRouter_DeadLetterListReportsTrueTotalAcrossPages(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	for i := 0; i < 3; i++ {
		entry := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
		require.NoError(t, server.svc.DLQ.Record(context.Background(), entry, "TransientError", "boom"))
	}

	rec := doRequest(t, router, http.MethodGet, "/tasks/dlq?limit=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listResp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listResp))
	require.Len(t, listResp["items"], 1)
	require.EqualValues(t, 3, listResp["total"])
}

func TestRouter_BulkCancelTasks(t *testing.T) {
	server, tr := newTestServer(t)
	router := server.Router("")

	require.NoError(t, tr.MarkPending(context.Background(), "bc1", "cleanup_temp_files", "default", nil, nil, nil, 3))

	rec := doRequest(t, router, http.MethodPost, "/tasks/bulk_cancel", map[string]any{"task_ids": []string{"bc1", "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 2, resp["total_requested"])
	require.EqualValues(t, 1, resp["successful"])
	require.EqualValues(t, 1, resp["failed"])
	require.Len(t, resp["results"], 2)
}

func TestRouter_BulkCancelTasksRejectsEmptyIDs(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodPost, "/tasks/bulk_cancel", map[string]any{"task_ids": []string{}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRouter_BulkRetryDeadLetters(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	first := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
	require.NoError(t, server.svc.DLQ.Record(context.Background(), first, "TransientError", "boom"))

	rec := doRequest(t, router, http.MethodPost, "/tasks/dlq/bulk_retry", map[string]any{"task_ids": []string{first.TaskID, "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 2, resp["total_requested"])
	require.EqualValues(t, 1, resp["successful"])
	require.EqualValues(t, 1, resp["failed"])
}

func TestRouter_BulkRetryDeadLettersRejectsEmptyIDs(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	rec := doRequest(t, router, http.MethodPost, "/tasks/dlq/bulk_retry", map[string]any{"task_ids": []string{}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestRouter_BulkDiscardDeadLetters(t *testing.T) {
	server, _ := newTestServer(t)
	router := server.Router("")

	first := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
	require.NoError(t, server.svc.DLQ.Record(context.Background(), first, "TransientError", "boom"))

	rec := doRequest(t, router, http.MethodPost, "/tasks/dlq/bulk_discard", map[string]any{"task_ids": []string{first.TaskID}, "reason": "stale"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.EqualValues(t, 1, resp["successful"])
}
