package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 4, 0.5, 50*time.Millisecond, 1, nil)

	for i := 0; i < 2; i++ {
		assert.True(t, cb.Allow())
		cb.RecordResult(true)
	}
	for i := 0; i < 3; i++ {
		assert.True(t, cb.Allow())
		cb.RecordResult(false)
	}

	assert.False(t, cb.Allow(), "breaker should be open once failure rate exceeds threshold")
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 2, 0.5, 10*time.Millisecond, 1, nil)

	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)
	assert.False(t, cb.Allow())

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow(), "breaker should allow a half-open probe after cooldown")
}

func TestCircuitBreaker_RecoversOnSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreaker(time.Minute, 6, 2, 0.5, 10*time.Millisecond, 1, nil)
	cb.Allow()
	cb.RecordResult(false)
	cb.Allow()
	cb.RecordResult(false)

	time.Sleep(20 * time.Millisecond)
	assert.True(t, cb.Allow())
	cb.RecordResult(true)

	assert.True(t, cb.Allow(), "breaker should be closed again after a successful probe")
}
