package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := New("test-service", Config{
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State())
	}

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	allowed, retryAfter := b.Allow()
	assert.False(t, allowed)
	assert.Equal(t, time.Minute, retryAfter)
}

func TestBreakerRetryAfterCountsDown(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(40 * time.Second)

	allowed, retryAfter := b.Allow()
	require.False(t, allowed)
	assert.Equal(t, 20*time.Second, retryAfter)
}

func TestBreakerRetryAfterFloor(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute - 10*time.Millisecond)

	allowed, retryAfter := b.Allow()
	require.False(t, allowed)
	assert.Equal(t, time.Second, retryAfter)
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute)

	allowed, _ := b.Allow()
	require.True(t, allowed, "trial request should pass after recovery timeout")
	assert.Equal(t, StateHalfOpen, b.State())

	// A second request while the trial is in flight is rejected.
	allowed, _ = b.Allow()
	assert.False(t, allowed)
}

func TestBreakerTrialSuccessCloses(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute)

	allowed, _ := b.Allow()
	require.True(t, allowed)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)

	allowed, _ = b.Allow()
	assert.True(t, allowed)
}

func TestBreakerTrialFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute)

	allowed, _ := b.Allow()
	require.True(t, allowed)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())

	// The cooldown restarted at the trial failure.
	*clock = clock.Add(30 * time.Second)
	allowed, retryAfter := b.Allow()
	require.False(t, allowed)
	assert.Equal(t, 30*time.Second, retryAfter)
}

func TestBreakerCancelTrialKeepsCircuitOpen(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)

	b.RecordFailure()
	*clock = clock.Add(time.Minute)

	allowed, _ := b.Allow()
	require.True(t, allowed)
	require.Equal(t, StateHalfOpen, b.State())

	// The trial never reached the backend; the circuit must not close.
	b.CancelTrial()
	assert.NotEqual(t, StateClosed, b.State())

	// The freed slot goes to the next request.
	allowed, _ = b.Allow()
	assert.True(t, allowed)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerCancelTrialNoopWhenClosed(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.CancelTrial()

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Stats().FailureCount, "cancel must not decay the failure count")
}

func TestBreakerSuccessDecaysFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, 2, b.Stats().FailureCount)

	b.RecordSuccess()
	assert.Equal(t, 1, b.Stats().FailureCount)

	// Two more failures are needed to reach the threshold again.
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreakerSuccessFloorAtZero(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreakerStats(t *testing.T) {
	b, clock := newTestBreaker(2, time.Minute)

	b.RecordFailure()
	stats := b.Stats()
	assert.Equal(t, "test-service", stats.Service)
	assert.Equal(t, "closed", stats.State)
	assert.Equal(t, 1, stats.FailureCount)
	assert.Equal(t, *clock, stats.LastFailureTime)
}
