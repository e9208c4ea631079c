package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		HalfOpenAttempts: 1,
	})

	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 4; i++ {
		require.True(t, b.CanAttempt())
		b.RecordFailure()
		assert.Equal(t, StateClosed, b.State(), "failure %d should not open", i+1)
	}

	require.True(t, b.CanAttempt())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_OpenRejectsWithoutAttempt(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTimeout:  time.Minute,
		HalfOpenAttempts: 1,
	})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	// Every call before the recovery timeout is rejected.
	for i := 0; i < 3; i++ {
		assert.False(t, b.CanAttempt())
	}
}

func TestBreaker_HalfOpenProbeAndClose(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		HalfOpenAttempts: 1,
	})

	b.RecordFailure()
	require.False(t, b.CanAttempt())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// First call after the timeout is the probe.
	require.True(t, b.CanAttempt())
	// Only one probe with HalfOpenAttempts=1.
	assert.False(t, b.CanAttempt())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.FailureCount())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		HalfOpenAttempts: 1,
	})

	b.RecordFailure()
	time.Sleep(40 * time.Millisecond)

	require.True(t, b.CanAttempt())
	b.RecordFailure()

	assert.Equal(t, StateOpen, b.State())
	assert.False(t, b.CanAttempt())
}

func TestBreaker_ClosedSuccessDecrementsFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		HalfOpenAttempts: 1,
	})

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, 2, b.FailureCount())

	b.RecordSuccess()
	assert.Equal(t, 1, b.FailureCount())

	b.RecordSuccess()
	b.RecordSuccess()
	assert.Zero(t, b.FailureCount())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		Name:             "cb-test",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
		HalfOpenAttempts: 1,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})

	b.RecordFailure()
	time.Sleep(30 * time.Millisecond)
	require.True(t, b.CanAttempt())
	b.RecordSuccess()

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}
