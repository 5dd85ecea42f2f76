// Package dlq is the dead-letter store (C6): tasks that exhausted their
// retries land here for operator inspection, retry, or discard.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/apperr"
	"github.com/swarmguard/taskengine/internal/broker"
	"github.com/swarmguard/taskengine/internal/envelope"
)

// Status is the lifecycle of a DLQEntry: pending -> retried | discarded.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetried   Status = "retried"
	StatusDiscarded Status = "discarded"
)

// Entry is one dead-lettered task.
type Entry struct {
	TaskID          string        `json:"task_id"`
	Task            envelope.Task `json:"task"`
	ErrorType       string        `json:"error_type"`
	ErrorMessage    string        `json:"error_message"`
	Status          Status        `json:"status"`
	CreatedAt       time.Time     `json:"created_at"`
	RetriedAsTaskID string        `json:"retried_as_task_id,omitempty"`
	DiscardReason   string        `json:"discard_reason,omitempty"`
}

var (
	bucketEntries = []byte("dlq_entries")
	bucketIndex   = []byte("dlq_index")
)

// Store persists DLQEntry records in an embedded BoltDB file: a flat
// dead-letter table plus a time-ordered index bucket for listing.
type Store struct {
	db     *bbolt.DB
	broker broker.Broker
	logger *slog.Logger
	mu     sync.Mutex

	readLatency  metric.Float64Histogram
	writeLatency metric.Float64Histogram
}

// Open creates or opens the bbolt database at dbPath/dlq.db and ensures its
// buckets exist.
func Open(dbPath string, b broker.Broker, logger *slog.Logger, meter metric.Meter) (*Store, error) {
	opts := &bbolt.Options{Timeout: time.Second, FreelistType: bbolt.FreelistArrayType}
	db, err := bbolt.Open(dbPath+"/dlq.db", 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("open dlq boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketEntries, bucketIndex} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create dlq buckets: %w", err)
	}

	s := &Store{db: db, broker: b, logger: logger}
	if meter != nil {
		s.readLatency, _ = meter.Float64Histogram("taskengine_dlq_read_ms")
		s.writeLatency, _ = meter.Float64Histogram("taskengine_dlq_write_ms")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(createdAt time.Time, taskID string) []byte {
	return []byte(fmt.Sprintf("%020d:%s", createdAt.UnixNano(), taskID))
}

// Record appends a pending DLQEntry for task. Satisfies
// worker.DeadLetterRecorder.
func (s *Store) Record(ctx context.Context, task envelope.Task, errType, errMessage string) error {
	start := time.Now()
	defer s.observe(ctx, s.writeLatency, start, "record")

	entry := Entry{
		TaskID:       task.TaskID,
		Task:         task,
		ErrorType:    errType,
		ErrorMessage: errMessage,
		Status:       StatusPending,
		CreatedAt:    time.Now().UTC(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(bucketEntries).Put([]byte(entry.TaskID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketIndex).Put(indexKey(entry.CreatedAt, entry.TaskID), []byte(entry.TaskID))
	})
}

func (s *Store) observe(ctx context.Context, h metric.Float64Histogram, start time.Time, op string) {
	if h == nil {
		return
	}
	h.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attribute.String("operation", op)))
}

func (s *Store) get(tx *bbolt.Tx, taskID string) (Entry, bool, error) {
	data := tx.Bucket(bucketEntries).Get([]byte(taskID))
	if data == nil {
		return Entry{}, false, nil
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return Entry{}, false, fmt.Errorf("unmarshal dlq entry: %w", err)
	}
	return entry, true, nil
}

// Get returns a single entry by task_id.
func (s *Store) Get(ctx context.Context, taskID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entry Entry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		e, ok, err := s.get(tx, taskID)
		entry, found = e, ok
		return err
	})
	return entry, found, err
}

// List returns entries newest-first, optionally filtered by status.
func (s *Store) List(ctx context.Context, limit, offset int, status Status) ([]Entry, error) {
	start := time.Now()
	defer s.observe(ctx, s.readLatency, start, "list")

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketIndex).Cursor()
		entries := tx.Bucket(bucketEntries)

		skipped := 0
		for k, v := cursor.Last(); k != nil; k, v = cursor.Prev() {
			data := entries.Get(v)
			if data == nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			if status != "" && entry.Status != status {
				continue
			}
			if skipped < offset {
				skipped++
				continue
			}
			out = append(out, entry)
			if len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// CountMatching returns the total number of entries with the given status
// (all entries if status is empty), independent of any limit/offset page
// List is asked for.
func (s *Store) CountMatching(ctx context.Context, status Status) (int, error) {
	start := time.Now()
	defer s.observe(ctx, s.readLatency, start, "count_matching")

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	err := s.db.View(func(tx *bbolt.Tx) error {
		cursor := tx.Bucket(bucketIndex).Cursor()
		entries := tx.Bucket(bucketEntries)

		for k, v := cursor.First(); k != nil; k, v = cursor.Next() {
			data := entries.Get(v)
			if data == nil {
				continue
			}
			if status == "" {
				count++
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			if entry.Status == status {
				count++
			}
		}
		return nil
	})
	return count, err
}

// Retry republishes a fresh envelope for taskID's original task (a new
// task_id, per spec.md §4.5's "MUST NOT reuse the original") and marks the
// prior entry retried. Returns the new task_id.
func (s *Store) Retry(ctx context.Context, taskID string) (string, error) {
	s.mu.Lock()
	var entry Entry
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		e, ok, err := s.get(tx, taskID)
		entry, found = e, ok
		return err
	})
	s.mu.Unlock()
	if err != nil {
		return "", err
	}
	if !found {
		return "", apperr.ErrNotFound
	}
	if entry.Status != StatusPending {
		return "", fmt.Errorf("%w: dlq entry %s is not pending", apperr.ErrNotFound, taskID)
	}

	next := entry.Task.WithNewID()
	if err := s.broker.Submit(ctx, next); err != nil {
		return "", fmt.Errorf("%w: %w", apperr.ErrBrokerUnavailable, err)
	}

	entry.Status = StatusRetried
	entry.RetriedAsTaskID = next.TaskID
	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("marshal dlq entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(taskID), data)
	})
	if err != nil {
		return "", err
	}
	return next.TaskID, nil
}

// Discard marks taskID's entry discarded with reason.
func (s *Store) Discard(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(tx *bbolt.Tx) error {
		entry, found, err := s.get(tx, taskID)
		if err != nil {
			return err
		}
		if !found {
			return apperr.ErrNotFound
		}
		entry.Status = StatusDiscarded
		entry.DiscardReason = reason
		data, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal dlq entry: %w", err)
		}
		return tx.Bucket(bucketEntries).Put([]byte(taskID), data)
	})
}

// BulkRetry retries every id, reporting a per-ID error (nil on success).
func (s *Store) BulkRetry(ctx context.Context, ids []string) map[string]error {
	out := make(map[string]error, len(ids))
	for _, id := range ids {
		_, err := s.Retry(ctx, id)
		out[id] = err
	}
	return out
}

// BulkDiscard discards every id with reason, reporting a per-ID error.
func (s *Store) BulkDiscard(ctx context.Context, ids []string, reason string) map[string]error {
	out := make(map[string]error, len(ids))
	for _, id := range ids {
		out[id] = s.Discard(ctx, id, reason)
	}
	return out
}
