package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/swarmguard/taskengine/internal/worker"
)

func TestRegister_BindsAllBuiltins(t *testing.T) {
	reg := worker.NewRegistry()
	Register(reg)

	for _, name := range []string{"cleanup_temp_files", "export_csv", "nightly_backup"} {
		_, ok := reg.Lookup(name)
		require.True(t, ok, "expected %s to be registered", name)
	}
}

func TestCleanupTempFiles_ReportsProgressAndReturnsCount(t *testing.T) {
	var progressCalls int
	report := func(ctx context.Context, payload any) error {
		progressCalls++
		return nil
	}

	result, err := cleanupTempFiles(context.Background(), nil, map[string]any{"max_age_hours": float64(48)}, report)
	require.NoError(t, err)
	require.Equal(t, 3, progressCalls)

	m, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, 3, m["removed"])
	require.Equal(t, 48.0, m["max_age_hours"])
}

func TestExportCSV_AlwaysFailsRetryably(t *testing.T) {
	h := exportCSV{}
	_, err := h.Handle(context.Background(), nil, nil, nil)
	require.Error(t, err)
	require.True(t, h.Retryable(err))
	require.False(t, h.Retryable(context.Canceled))
}

func TestNightlyBackup_Succeeds(t *testing.T) {
	result, err := nightlyBackup(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "ok", m["status"])
}
