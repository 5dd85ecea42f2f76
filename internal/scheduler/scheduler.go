// Package scheduler is the single logical dispatcher (C7): it fires
// registered jobs on their trigger, publishing an envelope through the
// broker each time. It is stateless across restarts — jobs reload from
// static configuration, and at-least-once delivery is the broker's job,
// not the scheduler's.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/envelope"
	"github.com/swarmguard/taskengine/internal/tracker"
)

// JobSpec registers a job at startup, matching spec.md's ScheduledJob.
type JobSpec struct {
	JobID               string
	TaskName            string
	QueueName            string
	Args                []any
	Kwargs              map[string]any
	Trigger             Trigger
	MaxInstances        int
	MisfireGraceSeconds int
	MaxRetries          int
}

// Job is the runtime view of a registered JobSpec.
type Job struct {
	JobSpec
	Paused      bool
	NextRunTime *time.Time
	LastRunTime *time.Time
}

// Scheduler wraps a cron.Cron for CronTrigger jobs and runs its own
// single-goroutine dispatcher for IntervalTrigger/DateTrigger jobs, since
// cron/v3 only speaks cron expressions.
type Scheduler struct {
	cronRunner *cron.Cron
	broker     broker.Broker
	tracker    tracker.Tracker
	logger     *slog.Logger

	mu       sync.RWMutex
	jobs     map[string]*Job
	entryIDs map[string]cron.EntryID

	wakeCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler. Call Register for every job before Start.
func New(b broker.Broker, tr tracker.Tracker, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cronRunner: cron.New(cron.WithParser(cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor))),
		broker:     b,
		tracker:    tr,
		logger:     logger,
		jobs:       make(map[string]*Job),
		entryIDs:   make(map[string]cron.EntryID),
		wakeCh:     make(chan struct{}, 1),
		doneCh:     make(chan struct{}),
	}
}

// Register adds spec as a job. Must be called before Start.
func (s *Scheduler) Register(spec JobSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[spec.JobID]; exists {
		return fmt.Errorf("job %s already registered", spec.JobID)
	}
	s.jobs[spec.JobID] = &Job{JobSpec: spec}
	return nil
}

// Start begins dispatching. Cron jobs are registered with robfig/cron;
// interval/date jobs run on a dedicated goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	now := time.Now()
	for jobID, job := range s.jobs {
		switch trig := job.Trigger.(type) {
		case CronTrigger:
			if err := s.registerCronJob(ctx, jobID, job, trig); err != nil {
				s.mu.Unlock()
				return err
			}
			s.fireMissedCronOccurrence(ctx, jobID, job, trig, now)
		default:
			next, recurring := job.Trigger.advance(now)
			job.NextRunTime = &next
			_ = recurring
		}
	}
	s.mu.Unlock()

	s.cronRunner.Start()
	go s.runIntervalDispatcher(ctx)
	return nil
}

// Stop halts the cron runner and the interval dispatcher, waiting up to the
// context deadline for in-flight fires to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	stopCtx := s.cronRunner.Stop()
	close(s.doneCh)
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) registerCronJob(ctx context.Context, jobID string, job *Job, trig CronTrigger) error {
	entryID, err := s.cronRunner.AddFunc(trig.Expr, func() {
		s.fire(context.Background(), jobID)
	})
	if err != nil {
		return fmt.Errorf("register cron job %s: %w", jobID, err)
	}
	s.entryIDs[jobID] = entryID
	return nil
}

// fireMissedCronOccurrence implements the misfire-coalescing policy: if a
// cron occurrence fell between (now - misfire_grace_seconds) and now while
// the scheduler was down, fire it once at startup, rather than either
// replaying every missed tick or silently dropping the most recent one.
// cron.Cron's own schedule, once started, will only ever compute the next
// occurrence from "now" onward, so this is the only place a missed
// occurrence is ever recovered — and it can only fire once, since it runs
// exactly once during Start.
func (s *Scheduler) fireMissedCronOccurrence(ctx context.Context, jobID string, job *Job, trig CronTrigger, now time.Time) {
	if job.MisfireGraceSeconds <= 0 {
		return
	}
	schedule, err := cron.ParseStandard(trig.Expr)
	if err != nil {
		schedule, err = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(trig.Expr)
		if err != nil {
			s.logger.Error("cannot parse cron expression for misfire check", "job_id", jobID, "error", err)
			return
		}
	}

	grace := time.Duration(job.MisfireGraceSeconds) * time.Second
	missed := schedule.Next(now.Add(-grace))
	if !missed.After(now) {
		s.logger.Info("coalescing missed cron occurrence", "job_id", jobID, "missed_at", missed)
		s.fire(ctx, jobID)
	}
}

func (s *Scheduler) runIntervalDispatcher(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.doneCh:
			return
		case <-ticker.C:
			s.tickIntervalJobs(ctx)
		}
	}
}

func (s *Scheduler) tickIntervalJobs(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var toFire []string
	for jobID, job := range s.jobs {
		if _, isCron := job.Trigger.(CronTrigger); isCron {
			continue
		}
		if job.Paused || job.NextRunTime == nil {
			continue
		}
		if now.Before(*job.NextRunTime) {
			continue
		}
		toFire = append(toFire, jobID)

		next, recurring := job.Trigger.advance(*job.NextRunTime)
		if recurring {
			job.NextRunTime = &next
		} else {
			job.NextRunTime = nil
		}
	}
	s.mu.Unlock()

	for _, jobID := range toFire {
		s.fire(ctx, jobID)
	}
}

// fire checks max_instances against the tracker, publishes the envelope,
// and marks the new task pending. Skipped fires are logged, not retried.
func (s *Scheduler) fire(ctx context.Context, jobID string) {
	s.mu.RLock()
	job, ok := s.jobs[jobID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	if job.Paused {
		return
	}

	if job.MaxInstances > 0 {
		count, err := s.tracker.CountNonTerminalByLabel(ctx, "job_id", jobID)
		if err == nil && count >= job.MaxInstances {
			s.logger.Warn("skipping fire: max_instances reached", "job_id", jobID, "max_instances", job.MaxInstances, "in_flight", count)
			return
		}
	}

	task := envelope.New(job.TaskName, job.QueueName, job.Args, job.Kwargs, map[string]string{"job_id": jobID}, job.MaxRetries)
	if err := s.broker.Submit(ctx, task); err != nil {
		s.logger.Error("scheduled fire publish failed", "job_id", jobID, "error", err)
		return
	}
	if err := s.tracker.MarkPending(ctx, task.TaskID, task.TaskName, task.QueueName, task.Args, task.Kwargs, task.Labels, task.MaxRetries); err != nil {
		s.logger.Warn("mark_pending failed for scheduled fire", "job_id", jobID, "task_id", task.TaskID, "error", err)
	}

	s.mu.Lock()
	now := time.Now()
	job.LastRunTime = &now
	s.mu.Unlock()

	s.logger.Info("job fired", "job_id", jobID, "task_id", task.TaskID, "task_name", task.TaskName)
}

// Pause sets job_id paused; it remains registered but is skipped on fire.
func (s *Scheduler) Pause(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	job.Paused = true
	return true
}

// Resume clears the paused flag for job_id.
func (s *Scheduler) Resume(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false
	}
	job.Paused = false
	return true
}

// ListJobs returns every registered job.
func (s *Scheduler) ListJobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// GetJob returns jobID's current state.
func (s *Scheduler) GetJob(jobID string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}
