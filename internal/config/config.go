// Package config loads task engine settings from the process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Role selects which subsystems cmd/taskengine starts in this process.
type Role string

const (
	RoleAPI       Role = "api"
	RoleWorker    Role = "worker"
	RoleScheduler Role = "scheduler"
	RoleAll       Role = "all"
)

// TrackerBackend selects the execution tracker implementation.
type TrackerBackend string

// ResultBackendKind selects the result backend implementation.
type ResultBackendKind string

const (
	BackendRedis    TrackerBackend   = "redis"
	BackendPostgres TrackerBackend   = "postgres"
	ResultRedis     ResultBackendKind = "redis"
	ResultPostgres  ResultBackendKind = "postgres"
)

// Config is the process-wide configuration, populated once at startup and
// passed explicitly into component constructors — never read from the
// environment again after Load returns.
type Config struct {
	Service string
	Role    Role

	HTTPAddr    string
	HTTPPrefix  string

	NATSURL      string
	BrokerQueue  string

	RedisURL   string
	DatabaseURL string

	TrackerBackend TrackerBackend
	ResultBackend  ResultBackendKind
	KeyPrefix      string

	// DLQDir is a directory; the dead-letter store creates dlq.db inside it.
	DLQDir string

	WorkerConcurrency int
	HandlerTimeout    time.Duration
	MaxRetries        int
	RetryBaseDelay    time.Duration

	ResultTTL time.Duration
}

// Load reads Config from the environment, applying defaults suited to sane
// zero-config local development, with explicit overrides expected in
// deployment.
func Load() (*Config, error) {
	c := &Config{
		Service:           getenv("TASKENGINE_SERVICE", "taskengine"),
		Role:              Role(getenv("TASKENGINE_ROLE", string(RoleAll))),
		HTTPAddr:          getenv("TASKENGINE_HTTP_ADDR", ":8080"),
		HTTPPrefix:        getenv("TASKENGINE_HTTP_PREFIX", ""),
		NATSURL:           getenv("NATS_URL", "nats://127.0.0.1:4222"),
		BrokerQueue:       getenv("TASKENGINE_QUEUE", "tasks.default"),
		RedisURL:          getenv("REDIS_URL", "redis://127.0.0.1:6379/0"),
		DatabaseURL:       getenv("DATABASE_URL", ""),
		TrackerBackend:    TrackerBackend(getenv("TRACKER_BACKEND", string(BackendRedis))),
		ResultBackend:     ResultBackendKind(getenv("RESULT_BACKEND", string(ResultRedis))),
		KeyPrefix:         getenv("TASKENGINE_KEY_PREFIX", "taskengine"),
		DLQDir:            getenv("TASKENGINE_DLQ_DIR", "./taskengine-data"),
	}

	var err error
	if c.WorkerConcurrency, err = getenvInt("WORKER_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if c.MaxRetries, err = getenvInt("TASKENGINE_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if c.HandlerTimeout, err = getenvDuration("TASKENGINE_HANDLER_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.RetryBaseDelay, err = getenvDuration("TASKENGINE_RETRY_BASE_DELAY", 2*time.Second); err != nil {
		return nil, err
	}
	if c.ResultTTL, err = getenvDuration("TASKENGINE_RESULT_TTL", time.Hour); err != nil {
		return nil, err
	}

	if c.TrackerBackend == BackendPostgres && c.DatabaseURL == "" {
		return nil, fmt.Errorf("config: TRACKER_BACKEND=postgres requires DATABASE_URL")
	}
	if c.ResultBackend == ResultPostgres && c.DatabaseURL == "" {
		return nil, fmt.Errorf("config: RESULT_BACKEND=postgres requires DATABASE_URL")
	}

	return c, nil
}

// IsConfigured reports whether url is a non-empty connection string,
// mirroring the original settings objects' is_configured checks.
func IsConfigured(url string) bool { return url != "" }

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}

func getenvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return d, nil
}
