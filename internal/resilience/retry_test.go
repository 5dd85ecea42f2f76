package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 3, time.Millisecond, RetryMetrics{}, func() (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), 5, time.Millisecond, RetryMetrics{}, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 3, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	wantErr := errors.New("permanent")
	_, err := Retry(context.Background(), 3, time.Millisecond, RetryMetrics{}, func() (int, error) {
		calls++
		return 0, wantErr
	})
	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, 3, time.Second, RetryMetrics{}, func() (int, error) {
		return 0, errors.New("transient")
	})
	require.Error(t, err)
}

func TestRetry_ZeroAttempts(t *testing.T) {
	v, err := Retry(context.Background(), 0, time.Millisecond, RetryMetrics{}, func() (int, error) {
		t.Fatal("fn should not be called")
		return 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}
