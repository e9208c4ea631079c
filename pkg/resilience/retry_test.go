package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
)

func testEngine(cfg config.RetryConfig) *Engine {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay == 0 {
		cfg.BaseDelay = time.Millisecond
	}
	if cfg.MaxDelay == 0 {
		cfg.MaxDelay = 5 * time.Millisecond
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout == 0 {
		cfg.RecoveryTimeout = 50 * time.Millisecond
	}
	if cfg.HalfOpenAttempts == 0 {
		cfg.HalfOpenAttempts = 1
	}
	return NewEngine(cfg, nil)
}

func TestEngine_SucceedsFirstAttempt(t *testing.T) {
	e := testEngine(config.RetryConfig{})

	calls := 0
	err := e.Execute(context.Background(), task.CategoryNetwork, func(ctx context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestEngine_RetriesTransientThenSucceeds(t *testing.T) {
	e := testEngine(config.RetryConfig{})

	calls := 0
	err := e.Execute(context.Background(), task.CategoryNetwork, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.NewTransientError("flaky")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestEngine_ExhaustsRetries(t *testing.T) {
	e := testEngine(config.RetryConfig{MaxRetries: 2})

	calls := 0
	err := e.Execute(context.Background(), task.CategoryExec, func(ctx context.Context) error {
		calls++
		return errors.NewTransientError("always fails")
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls) // initial attempt + 2 retries
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.True(t, errors.IsKind(err, errors.KindTransient))
}

func TestEngine_FatalNotRetried(t *testing.T) {
	e := testEngine(config.RetryConfig{})

	calls := 0
	err := e.Execute(context.Background(), task.CategoryExec, func(ctx context.Context) error {
		calls++
		return errors.NewFatalError("cannot recover")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, errors.IsKind(err, errors.KindFatal))
}

func TestEngine_CircuitOpensAndRejects(t *testing.T) {
	e := testEngine(config.RetryConfig{MaxRetries: 1, FailureThreshold: 3, RecoveryTimeout: time.Minute})

	calls := 0
	fail := func(ctx context.Context) error {
		calls++
		return errors.NewTransientError("down")
	}

	// Two executions of (1 attempt + 1 retry) = 4 failures, breaker opens
	// at the third.
	e.Execute(context.Background(), task.CategoryProvider, fail)
	e.Execute(context.Background(), task.CategoryProvider, fail)

	require.Equal(t, StateOpen, e.BreakerState(task.CategoryProvider))
	callsBefore := calls

	// Next execution is rejected without invoking the operation.
	err := e.Execute(context.Background(), task.CategoryProvider, fail)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindCircuitOpen))
	assert.Equal(t, callsBefore, calls)
}

func TestEngine_CircuitRecovery(t *testing.T) {
	e := testEngine(config.RetryConfig{
		MaxRetries:       1,
		FailureThreshold: 1,
		RecoveryTimeout:  30 * time.Millisecond,
		HalfOpenAttempts: 1,
	})

	e.Execute(context.Background(), task.CategoryBrowser, func(ctx context.Context) error {
		return errors.NewFatalError("trip it")
	})
	require.Equal(t, StateOpen, e.BreakerState(task.CategoryBrowser))

	time.Sleep(40 * time.Millisecond)

	// Probe succeeds; breaker closes.
	err := e.Execute(context.Background(), task.CategoryBrowser, func(ctx context.Context) error {
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateClosed, e.BreakerState(task.CategoryBrowser))
}

func TestEngine_CategoriesAreIndependent(t *testing.T) {
	e := testEngine(config.RetryConfig{MaxRetries: 0, FailureThreshold: 1, RecoveryTimeout: time.Minute})

	e.Execute(context.Background(), task.CategoryNetwork, func(ctx context.Context) error {
		return errors.NewTransientError("down")
	})
	require.Equal(t, StateOpen, e.BreakerState(task.CategoryNetwork))

	// Other categories still execute.
	err := e.Execute(context.Background(), task.CategoryStore, func(ctx context.Context) error {
		return nil
	})
	assert.NoError(t, err)
}

func TestEngine_ContextCancelledDuringBackoff(t *testing.T) {
	e := testEngine(config.RetryConfig{MaxRetries: 5, BaseDelay: 200 * time.Millisecond, MaxDelay: time.Second})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- e.Execute(ctx, task.CategoryNetwork, func(ctx context.Context) error {
			return errors.NewTransientError("flaky")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("execute did not return after cancellation")
	}
}

func TestEngine_PolicyAdaptsOnLowSuccessRate(t *testing.T) {
	e := testEngine(config.RetryConfig{MaxRetries: 1, FailureThreshold: 1000})

	before := e.PolicySnapshot(task.CategoryExec).MaxRetries

	// Fill the outcome window with failures.
	for i := 0; i < adaptWindow; i++ {
		e.Execute(context.Background(), task.CategoryExec, func(ctx context.Context) error {
			return errors.NewFatalError("bad")
		})
	}

	after := e.PolicySnapshot(task.CategoryExec).MaxRetries
	assert.Greater(t, after, before)
	assert.Less(t, e.SuccessRate(task.CategoryExec), 0.5)
}

func TestEngine_ExecuteWithResult(t *testing.T) {
	e := testEngine(config.RetryConfig{})

	result, err := e.ExecuteWithResult(context.Background(), task.CategoryNetwork, func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, result)
}
