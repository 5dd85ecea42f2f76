// Package envelope defines the wire-level task submission record that
// flows through the broker, tracker, and result backend.
package envelope

import (
	"time"

	"github.com/google/uuid"
)

// Task is the TaskEnvelope: the unit published to the broker and consumed
// by a worker. TaskID is immutable and unique across all live and
// historical envelopes within retention.
type Task struct {
	TaskID     string         `json:"task_id"`
	TaskName   string         `json:"task_name"`
	Args       []any          `json:"args,omitempty"`
	Kwargs     map[string]any `json:"kwargs,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	QueueName  string         `json:"queue_name"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// New builds a Task with a fresh UUIDv4 task_id and enqueued_at stamped in
// UTC now.
func New(taskName, queueName string, args []any, kwargs map[string]any, labels map[string]string, maxRetries int) Task {
	return Task{
		TaskID:     uuid.NewString(),
		TaskName:   taskName,
		Args:       args,
		Kwargs:     kwargs,
		Labels:     labels,
		MaxRetries: maxRetries,
		QueueName:  queueName,
		EnqueuedAt: time.Now().UTC(),
	}
}

// WithNewID returns a copy of t with a fresh task_id, zeroed retry count,
// and enqueued_at reset to now. Used by the DLQ's retry path, which must
// not reuse the original task_id per the tracker's collision rule.
func (t Task) WithNewID() Task {
	t.TaskID = uuid.NewString()
	t.RetryCount = 0
	t.EnqueuedAt = time.Now().UTC()
	return t
}
