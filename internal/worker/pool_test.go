package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/broker/brokertest"
	"github.com/swarmguard/taskengine/internal/envelope"
	"github.com/swarmguard/taskengine/internal/tracker"
)

// fakeTracker is a minimal in-memory tracker.Tracker double, local to this
// package's tests so worker tests don't depend on a real Redis/Postgres
// backend to exercise the state machine.
type fakeTracker struct {
	mu      sync.Mutex
	records map[string]tracker.Record
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{records: make(map[string]tracker.Record)}
}

func (f *fakeTracker) MarkPending(ctx context.Context, taskID, taskName, queueName string, args []any, kwargs map[string]any, labels map[string]string, maxRetries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.records[taskID]; ok {
		return nil
	}
	f.records[taskID] = tracker.Record{TaskID: taskID, TaskName: taskName, Status: tracker.StatusPending, QueueName: queueName, MaxRetries: maxRetries}
	return nil
}

func (f *fakeTracker) OnTaskStart(ctx context.Context, taskID, taskName, workerID, queueName string, args []any, kwargs map[string]any, labels map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[taskID]; ok && rec.Status.Terminal() && rec.Status != tracker.StatusFailure {
		return nil
	}
	f.records[taskID] = tracker.Record{TaskID: taskID, TaskName: taskName, Status: tracker.StatusRunning, WorkerID: workerID, QueueName: queueName}
	return nil
}

func (f *fakeTracker) OnTaskFinish(ctx context.Context, taskID string, status tracker.Status, returnValue any, errType, errMessage, errTraceback string, durationMs int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[taskID]
	if ok && rec.Status.Terminal() {
		return nil
	}
	rec.Status = status
	rec.ReturnValue = returnValue
	rec.ErrorType = errType
	rec.ErrorMessage = errMessage
	rec.DurationMs = &durationMs
	f.records[taskID] = rec
	return nil
}

func (f *fakeTracker) CancelTask(ctx context.Context, taskID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
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
	return nil, nil
}
func (f *fakeTracker) CountTaskHistory(ctx context.Context, filter tracker.Filter) (int, error) { return 0, nil }

func (f *fakeTracker) GetTaskDetails(ctx context.Context, taskID string) (tracker.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[taskID]
	return rec, ok, nil
}

func (f *fakeTracker) GetStats(ctx context.Context, windowHours int) (tracker.Stats, error) {
	return tracker.Stats{}, nil
}

func (f *fakeTracker) CountNonTerminalByLabel(ctx context.Context, key, value string) (int, error) {
	return 0, nil
}
func (f *fakeTracker) Connect(ctx context.Context) error    { return nil }
func (f *fakeTracker) Disconnect(ctx context.Context) error { return nil }

type fakeDeadLetter struct {
	mu      sync.Mutex
	entries []envelope.Task
}

func (f *fakeDeadLetter) Record(ctx context.Context, task envelope.Task, errType, errMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, task)
	return nil
}

func (f *fakeDeadLetter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

type staticHandler struct {
	value any
	err   error
}

func (h staticHandler) Handle(ctx context.Context, args []any, kwargs map[string]any, report ProgressReporter) (any, error) {
	return h.value, h.err
}

func TestPool_Success(t *testing.T) {
	mem := brokertest.New()
	tr := newFakeTracker()
	reg := NewRegistry()
	reg.Register("cleanup_temp_files", staticHandler{value: map[string]any{"removed": float64(3)}})

	pool := &Pool{
		Broker: mem, Tracker: tr, Registry: reg, Logger: slog.Default(),
		Queue: "default", Concurrency: 1, WorkerID: "w1",
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, mem.Submit(context.Background(), task))
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	_ = pool.Run(ctx)

	rec, found, err := tr.GetTaskDetails(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tracker.StatusSuccess, rec.Status)
}

func TestPool_RetryThenDeadLetter(t *testing.T) {
	mem := brokertest.New()
	tr := newFakeTracker()
	dlq := &fakeDeadLetter{}
	reg := NewRegistry()
	reg.Register("export_csv", staticHandler{err: errors.New("boom")})

	pool := &Pool{
		Broker: mem, Tracker: tr, DeadLetter: dlq, Registry: reg, Logger: slog.Default(),
		Queue: "default", Concurrency: 1, WorkerID: "w1", RetryBaseDelay: time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	task := envelope.New("export_csv", "default", nil, nil, nil, 2)
	go func() {
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, mem.Submit(context.Background(), task))
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	_ = pool.Run(ctx)

	rec, found, err := tr.GetTaskDetails(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tracker.StatusFailure, rec.Status)
	require.Equal(t, 1, dlq.count())
	require.Len(t, mem.Published(), 3, "the original submit plus two retries")
}

func TestPool_SkipsCancelledTask(t *testing.T) {
	mem := brokertest.New()
	tr := newFakeTracker()
	reg := NewRegistry()
	called := false
	reg.Register("cleanup_temp_files", HandlerFunc(func(ctx context.Context, args []any, kwargs map[string]any, report ProgressReporter) (any, error) {
		called = true
		return nil, nil
	}))

	pool := &Pool{
		Broker: mem, Tracker: tr, Registry: reg, Logger: slog.Default(),
		Queue: "default", Concurrency: 1, WorkerID: "w1",
	}

	task := envelope.New("cleanup_temp_files", "default", nil, nil, nil, 3)
	require.NoError(t, tr.OnTaskStart(context.Background(), task.TaskID, task.TaskName, "", "", nil, nil, nil))
	ok, err := tr.CancelTask(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	var ackHandle broker.AckHandle = noopAckForTest{}
	pool.handle(ctx, broker.Delivery{Task: task, Ack: ackHandle})

	require.False(t, called)

	rec, found, err := tr.GetTaskDetails(context.Background(), task.TaskID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, tracker.StatusCancelled, rec.Status)
}

type noopAckForTest struct{}

func (noopAckForTest) Ack(context.Context) error          { return nil }
func (noopAckForTest) Nack(context.Context, bool) error { return nil }
