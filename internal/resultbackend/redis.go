package resultbackend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/swarmguard/taskengine/internal/apperr"
)

// RedisBackend stores results at {prefix}:{task_id} and progress at
// {prefix}:{task_id}:progress, both with a TTL. keep=false reads use
// GETDEL for an atomic read-and-delete.
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

type redisRecord struct {
	Value     json.RawMessage `json:"value,omitempty"`
	IsError   bool            `json:"is_error"`
	ErrorType string          `json:"error_type,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewRedisBackend builds a backend over an existing client.
func NewRedisBackend(client *redis.Client, prefix string, logger *slog.Logger) *RedisBackend {
	return &RedisBackend{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBackend) resultKey(taskID string) string   { return fmt.Sprintf("%s:%s", b.prefix, taskID) }
func (b *RedisBackend) progressKey(taskID string) string { return fmt.Sprintf("%s:%s:progress", b.prefix, taskID) }

func (b *RedisBackend) Connect(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("result backend ping: %w", err)
	}
	return nil
}

func (b *RedisBackend) Disconnect(ctx context.Context) error {
	return b.client.Close()
}

func (b *RedisBackend) SetResult(ctx context.Context, taskID string, value any, errType, errMsg string, ttl time.Duration) error {
	rec := redisRecord{IsError: errType != "" || errMsg != "", ErrorType: errType, Error: errMsg, Timestamp: time.Now().UTC()}
	if !rec.IsError {
		raw, err := Encode(value)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		rec.Value = raw
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := b.client.Set(ctx, b.resultKey(taskID), data, ttl).Err(); err != nil {
		b.logger.Warn("result backend set_result failed", "task_id", taskID, "error", err)
		return err
	}
	return nil
}

func (b *RedisBackend) GetResult(ctx context.Context, taskID string, keep bool) (Entry, error) {
	var raw string
	var err error
	if keep {
		raw, err = b.client.Get(ctx, b.resultKey(taskID)).Result()
	} else {
		raw, err = b.client.GetDel(ctx, b.resultKey(taskID)).Result()
	}
	if errors.Is(err, redis.Nil) {
		return Entry{}, apperr.ErrResultMissing
	}
	if err != nil {
		return Entry{}, err
	}

	var rec redisRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return Entry{}, fmt.Errorf("decode result entry: %w", err)
	}
	entry := Entry{TaskID: taskID, IsError: rec.IsError, ErrorType: rec.ErrorType, Error: rec.Error, Timestamp: rec.Timestamp}
	if !rec.IsError && len(rec.Value) > 0 {
		v, err := Decode(rec.Value)
		if err != nil {
			return Entry{}, fmt.Errorf("decode result value: %w", err)
		}
		entry.Value = v
	}
	return entry, nil
}

func (b *RedisBackend) IsReady(ctx context.Context, taskID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.resultKey(taskID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *RedisBackend) SetProgress(ctx context.Context, taskID string, payload any, ttl time.Duration) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	if err := b.client.Set(ctx, b.progressKey(taskID), data, ttl).Err(); err != nil {
		b.logger.Warn("result backend set_progress failed", "task_id", taskID, "error", err)
		return err
	}
	return nil
}

func (b *RedisBackend) GetProgress(ctx context.Context, taskID string) (any, error) {
	raw, err := b.client.Get(ctx, b.progressKey(taskID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.ErrResultMissing
	}
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, fmt.Errorf("decode progress: %w", err)
	}
	return v, nil
}
