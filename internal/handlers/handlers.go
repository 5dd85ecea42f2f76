// Package handlers is the built-in task catalog: the example handlers
// named throughout spec.md's literal scenarios, registered into a
// worker.Registry at startup so the engine is exercisable without an
// operator writing any Go.
package handlers

import (
	"context"
	"time"

	"github.com/swarmguard/taskengine/internal/worker"
)

// Register binds every built-in handler into reg.
func Register(reg *worker.Registry) {
	reg.Register("cleanup_temp_files", worker.HandlerFunc(cleanupTempFiles))
	reg.Register("export_csv", exportCSV{})
	reg.Register("nightly_backup", worker.HandlerFunc(nightlyBackup))
}

// cleanupTempFiles simulates removing files older than max_age_hours,
// reporting progress as it goes. Ungiven max_age_hours defaults to 24.
func cleanupTempFiles(ctx context.Context, args []any, kwargs map[string]any, report worker.ProgressReporter) (any, error) {
	maxAgeHours := 24.0
	if v, ok := kwargs["max_age_hours"].(float64); ok {
		maxAgeHours = v
	}

	const totalFiles = 3
	for i := 1; i <= totalFiles; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if report != nil {
			_ = report(ctx, map[string]any{"scanned": i, "total": totalFiles})
		}
	}

	return map[string]any{"removed": totalFiles, "max_age_hours": maxAgeHours}, nil
}

// transientError marks an error as retryable; exportCSV raises it to
// exercise the retry-then-dead-letter path in spec.md §8 scenario 3.
type transientError struct{ msg string }

func (e transientError) Error() string { return e.msg }

// exportCSV always fails with a retryable error — the canonical fixture
// for exercising the retry/DLQ path, not a real export.
type exportCSV struct{}

func (exportCSV) Handle(ctx context.Context, args []any, kwargs map[string]any, report worker.ProgressReporter) (any, error) {
	return nil, transientError{msg: "upstream export service unavailable"}
}

// Retryable marks every transientError as retryable and nothing else,
// satisfying worker.RetryClassifier.
func (exportCSV) Retryable(err error) bool {
	var te transientError
	return asTransientError(err, &te)
}

func asTransientError(err error, target *transientError) bool {
	te, ok := err.(transientError)
	if ok {
		*target = te
	}
	return ok
}

// nightlyBackup simulates a scheduled backup job, taking a moment to run
// so its progress and duration are observable.
func nightlyBackup(ctx context.Context, args []any, kwargs map[string]any, report worker.ProgressReporter) (any, error) {
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"backed_up_at": time.Now().UTC().Format(time.RFC3339), "status": "ok"}, nil
}
