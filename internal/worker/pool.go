package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/envelope"
	"github.com/swarmguard/taskengine/internal/resultbackend"
	"github.com/swarmguard/taskengine/internal/tracker"
)

// DeadLetterRecorder is the narrow slice of dlq.Store the worker pool needs,
// kept here rather than imported directly so internal/worker never depends
// on internal/dlq (C6 depends on C5's envelope type, not the reverse).
type DeadLetterRecorder interface {
	Record(ctx context.Context, task envelope.Task, errType, errMessage string) error
}

// Metrics is the subset of otelinit.Metrics instruments the pool records
// against. A zero value is safe (nil counters are checked before use).
type Metrics struct {
	TasksProcessed metric.Int64Counter
	TasksSucceeded metric.Int64Counter
	TasksFailed    metric.Int64Counter
	TasksRetried   metric.Int64Counter
	TasksDeadLettered metric.Int64Counter
}

func addCounter(ctx context.Context, c metric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

// Pool runs Concurrency goroutines, each pulling deliveries for Queue from
// Broker and running the per-envelope state machine against Registry.
type Pool struct {
	Broker        broker.Broker
	Tracker       tracker.Tracker
	ResultBackend resultbackend.Backend
	DeadLetter    DeadLetterRecorder
	Registry      *Registry
	Metrics       Metrics
	Logger        *slog.Logger

	Queue          string
	Concurrency    int
	Prefetch       int
	HandlerTimeout time.Duration
	RetryBaseDelay time.Duration

	WorkerID string
}

// Run consumes Queue until ctx is cancelled, fanning deliveries out across
// Concurrency goroutines. It blocks until every goroutine has exited.
func (p *Pool) Run(ctx context.Context) error {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	prefetch := p.Prefetch
	if prefetch <= 0 {
		prefetch = concurrency
	}

	deliveries, err := p.Broker.Consume(ctx, p.Queue, prefetch)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-deliveries:
					if !ok {
						return
					}
					p.handle(ctx, d)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (p *Pool) handle(ctx context.Context, d broker.Delivery) {
	task := d.Task
	logger := p.Logger.With("task_id", task.TaskID, "task_name", task.TaskName, "worker_id", p.WorkerID)

	if err := p.Tracker.OnTaskStart(ctx, task.TaskID, task.TaskName, p.WorkerID, task.QueueName, task.Args, task.Kwargs, task.Labels); err != nil {
		logger.Warn("on_task_start failed", "error", err)
	}
	addCounter(ctx, p.Metrics.TasksProcessed, 1)

	rec, found, err := p.Tracker.GetTaskDetails(ctx, task.TaskID)
	if err == nil && found && rec.Status == tracker.StatusCancelled {
		logger.Info("skipping cancelled task")
		_ = d.Ack.Ack(ctx)
		return
	}

	handler, ok := p.Registry.Lookup(task.TaskName)
	if !ok {
		logger.Error("no handler registered for task", "task_name", task.TaskName)
		p.finishFailure(ctx, task, d, "HandlerNotRegistered", "no handler registered for this task name", "", 0)
		return
	}

	handlerCtx := ctx
	var cancel context.CancelFunc
	if p.HandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, p.HandlerTimeout)
		defer cancel()
	}

	report := func(reportCtx context.Context, payload any) error {
		if p.ResultBackend == nil {
			return nil
		}
		return p.ResultBackend.SetProgress(reportCtx, task.TaskID, payload, time.Hour)
	}

	start := time.Now()
	value, herr := handler.Handle(handlerCtx, task.Args, task.Kwargs, report)
	durationMs := time.Since(start).Milliseconds()

	if herr != nil {
		outcome := OutcomeFailure
		errType := "HandlerFailure"
		if errors.Is(handlerCtx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
			errType = "HandlerTimeout"
		}
		logger.Warn("handler failed", "outcome", outcome.String(), "error", herr)
		p.onFailure(ctx, task, d, handler, herr, errType, durationMs)
		return
	}

	if p.ResultBackend != nil {
		if err := p.ResultBackend.SetResult(ctx, task.TaskID, value, "", "", 24*time.Hour); err != nil {
			logger.Warn("set_result failed", "error", err)
		}
	}
	if err := p.Tracker.OnTaskFinish(ctx, task.TaskID, tracker.StatusSuccess, value, "", "", "", durationMs); err != nil {
		logger.Warn("on_task_finish failed", "error", err)
	}
	addCounter(ctx, p.Metrics.TasksSucceeded, 1)
	if err := d.Ack.Ack(ctx); err != nil {
		logger.Warn("ack failed", "error", err)
	}
}

func (p *Pool) onFailure(ctx context.Context, task envelope.Task, d broker.Delivery, handler Handler, herr error, errType string, durationMs int64) {
	retryable := true
	if rc, ok := handler.(RetryClassifier); ok {
		retryable = rc.Retryable(herr)
	}

	if retryable && task.RetryCount < task.MaxRetries {
		p.finishFailure(ctx, task, d, errType, herr.Error(), "", durationMs)
		p.requeueWithBackoff(task)
		addCounter(ctx, p.Metrics.TasksRetried, 1)
		_ = d.Ack.Ack(ctx)
		return
	}

	p.finishFailure(ctx, task, d, errType, herr.Error(), "", durationMs)
	if p.DeadLetter != nil {
		if err := p.DeadLetter.Record(ctx, task, errType, herr.Error()); err != nil {
			p.Logger.Warn("dlq record failed", "task_id", task.TaskID, "error", err)
		}
	}
	addCounter(ctx, p.Metrics.TasksDeadLettered, 1)
	_ = d.Ack.Ack(ctx)
}

func (p *Pool) finishFailure(ctx context.Context, task envelope.Task, d broker.Delivery, errType, errMessage, errTraceback string, durationMs int64) {
	if p.ResultBackend != nil {
		if err := p.ResultBackend.SetResult(ctx, task.TaskID, nil, errType, errMessage, 24*time.Hour); err != nil {
			p.Logger.Warn("set_result (error) failed", "task_id", task.TaskID, "error", err)
		}
	}
	if err := p.Tracker.OnTaskFinish(ctx, task.TaskID, tracker.StatusFailure, nil, errType, errMessage, errTraceback, durationMs); err != nil {
		p.Logger.Warn("on_task_finish (failure) failed", "task_id", task.TaskID, "error", err)
	}
	addCounter(ctx, p.Metrics.TasksFailed, 1)
}

// requeueWithBackoff republishes task with an incremented retry_count after
// an exponential-with-jitter delay, matching the backoff shape in
// internal/resilience without reusing Retry (this retry is a requeue, not
// an in-process loop).
func (p *Pool) requeueWithBackoff(task envelope.Task) {
	next := task
	next.RetryCount++

	base := p.RetryBaseDelay
	if base <= 0 {
		base = time.Second
	}
	backoff := base << uint(next.RetryCount-1)
	if backoff > 60*time.Second {
		backoff = 60 * time.Second
	}
	jittered := time.Duration(rand.Int63n(int64(backoff) + 1))

	go func() {
		timer := time.NewTimer(jittered)
		defer timer.Stop()
		<-timer.C
		submitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.Broker.Submit(submitCtx, next); err != nil {
			p.Logger.Error("requeue submit failed", "task_id", next.TaskID, "error", err)
		}
	}()
}
