package engine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/internal/budget"
	"github.com/keelworks/keel/internal/cache"
	"github.com/keelworks/keel/internal/decision"
	"github.com/keelworks/keel/internal/degrade"
	"github.com/keelworks/keel/internal/pool"
	"github.com/keelworks/keel/internal/queue"
	"github.com/keelworks/keel/internal/store"
	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/internal/worker"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/resilience"
)

func testConfig(t *testing.T) *config.Config {
	return &config.Config{
		Store: config.StoreConfig{
			Path:        filepath.Join(t.TempDir(), "engine-test.db"),
			BusyTimeout: 5 * time.Second,
		},
		Pool: config.PoolConfig{
			MinSize:             1,
			MaxSize:             4,
			AcquireTimeout:      5 * time.Second,
			MaxIdleTime:         time.Minute,
			MaintenanceInterval: time.Minute,
		},
		Cache: config.CacheConfig{
			MaxSize:    128,
			DefaultTTL: time.Minute,
		},
		Queue: config.QueueConfig{
			ClaimWait:       10 * time.Millisecond,
			CleanupInterval: time.Hour,
			RetainTerminal:  24 * time.Hour,
		},
		Workers: config.WorkersConfig{
			MinWorkers:        1,
			MaxWorkers:        4,
			MonitorInterval:   25 * time.Millisecond,
			ScaleUpQueueDepth: 2,
			ScaleDownIdleTime: 50 * time.Millisecond,
			CPUThreshold:      90,
			ShutdownTimeout:   2 * time.Second,
			TaskTimeout:       time.Second,
		},
		Retry: config.RetryConfig{
			MaxRetries:       1,
			BaseDelay:        time.Millisecond,
			MaxDelay:         5 * time.Millisecond,
			BackoffFactor:    2.0,
			FailureThreshold: 100,
			RecoveryTimeout:  time.Second,
			HalfOpenAttempts: 1,
		},
		Budget: config.BudgetConfig{
			BudgetPerHour:     50,
			WarningThreshold:  0.8,
			CriticalThreshold: 1.0,
		},
		Decision: config.DecisionConfig{
			ImmediateThreshold:  0.9,
			MonitoredThreshold:  0.7,
			ReversibleThreshold: 0.5,
		},
	}
}

func testEngine(t *testing.T, handlers task.HandlerMap) *Engine {
	t.Helper()
	cfg := testConfig(t)

	s, err := store.Open(&cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hp, err := pool.New(context.Background(), cfg.Pool, s.NewHandle, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hp.Close() })

	q := queue.New(hp, cfg.Queue, nil)
	retry := resilience.NewEngine(cfg.Retry, nil)

	var workers *worker.Pool
	if handlers != nil {
		workers, err = worker.New(cfg.Workers, q, retry, handlers, nil, nil)
		require.NoError(t, err)
	}

	e, err := New(cfg, Deps{
		Queue:   q,
		Workers: workers,
		Retry:   retry,
		Degrade: degrade.NewRegistry(nil),
		Budget:  budget.New(cfg.Budget, nil),
		Scorer:  decision.NewScorer(cfg.Decision, nil),
		Cache:   cache.New(cfg.Cache, nil),
	})
	require.NoError(t, err)
	return e
}

func immediateAction(id string, work func(ctx context.Context) (interface{}, error)) Action {
	return Action{
		ID:          id,
		Description: "fix scheduled sync",
		Category:    task.CategoryExec,
		Impact:      decision.ImpactLow,
		Reversible:  true,
		Clarity:     1.0,
		Confidence:  0.95,
		Work:        work,
	}
}

func TestEngine_RequiresCoreDeps(t *testing.T) {
	_, err := New(testConfig(t), Deps{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestEngine_SubmitAndExecuteThroughWorkers(t *testing.T) {
	handlers := task.HandlerMap{
		task.CategoryExec: task.HandlerFunc(func(ctx context.Context, tk *task.Task) (*task.Result, error) {
			return &task.Result{TaskID: tk.ID, Output: []byte(`{"n":1}`)}, nil
		}),
	}
	e := testEngine(t, handlers)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(true) })

	ok, err := e.Submit(context.Background(), SubmitRequest{
		ID:          "job-1",
		Description: "count things",
		Category:    task.CategoryExec,
		Priority:    task.PriorityNormal,
	})
	require.NoError(t, err)
	assert.True(t, ok)

	// Duplicate submission is a no-op.
	ok, err = e.Submit(context.Background(), SubmitRequest{
		ID:          "job-1",
		Description: "count things",
		Category:    task.CategoryExec,
		Priority:    task.PriorityNormal,
	})
	require.NoError(t, err)
	assert.False(t, ok)

	require.Eventually(t, func() bool {
		stored, err := e.Task(context.Background(), "job-1")
		return err == nil && stored.Status == task.StatusCompleted
	}, 3*time.Second, 10*time.Millisecond)

	depth, err := e.Depth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestEngine_ExecuteWithProtection_Success(t *testing.T) {
	e := testEngine(t, nil)

	result, err := e.ExecuteWithProtection(context.Background(),
		immediateAction("a1", func(ctx context.Context) (interface{}, error) {
			return "done", nil
		}))

	require.NoError(t, err)
	assert.Equal(t, "done", result)
}

func TestEngine_ExecuteWithProtection_ErrorPropagatesWithoutWorkaround(t *testing.T) {
	e := testEngine(t, nil)

	boom := errors.NewFatalError("primary path broken")
	result, err := e.ExecuteWithProtection(context.Background(),
		immediateAction("a1", func(ctx context.Context) (interface{}, error) {
			return nil, boom
		}))

	assert.Nil(t, result)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindFatal))
}

func TestEngine_ExecuteWithProtection_WorkaroundConvertsToDegradedOutcome(t *testing.T) {
	e := testEngine(t, nil)

	require.NoError(t, e.deps.Degrade.RegisterWorkaround("search", degrade.Workaround{
		Name:        "cached-results",
		QualityLoss: 0.2,
		Apply: func(ctx context.Context, cause error) (interface{}, error) {
			return "stale results", nil
		},
	}))

	a := immediateAction("a1", func(ctx context.Context) (interface{}, error) {
		return nil, errors.NewFatalError("index down")
	})
	a.Component = "search"

	result, err := e.ExecuteWithProtection(context.Background(), a)
	require.NoError(t, err)

	outcome, ok := result.(*degrade.Outcome)
	require.True(t, ok)
	assert.Equal(t, "cached-results", outcome.WorkaroundName)
	assert.Equal(t, "stale results", outcome.Result)
	assert.Equal(t, degrade.StatusDegraded, e.deps.Degrade.ComponentStatus("search"))
}

func TestEngine_ExecuteWithProtection_FailedWorkaroundsAbsorbToNil(t *testing.T) {
	e := testEngine(t, nil)

	require.NoError(t, e.deps.Degrade.RegisterWorkaround("render", degrade.Workaround{
		Name:        "low-res",
		QualityLoss: 0.3,
		Apply: func(ctx context.Context, cause error) (interface{}, error) {
			return nil, errors.NewTransientError("also broken")
		},
	}))

	a := immediateAction("a1", func(ctx context.Context) (interface{}, error) {
		return nil, errors.NewFatalError("renderer crashed")
	})
	a.Component = "render"

	result, err := e.ExecuteWithProtection(context.Background(), a)
	assert.NoError(t, err)
	assert.Nil(t, result)
}

func TestEngine_ExecuteWithProtection_AskFirst(t *testing.T) {
	e := testEngine(t, nil)

	ran := false
	_, err := e.ExecuteWithProtection(context.Background(), Action{
		ID:          "risky",
		Description: "drop old partitions",
		Category:    task.CategoryStore,
		Impact:      decision.ImpactCritical,
		Clarity:     0.2,
		Work: func(ctx context.Context) (interface{}, error) {
			ran = true
			return nil, nil
		},
	})

	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAskFirst))
	assert.False(t, ran, "AskFirst must not execute the work")
}

func TestEngine_ExecuteWithProtection_ReversibleRollsBack(t *testing.T) {
	e := testEngine(t, nil)

	rolledBack := false
	a := Action{
		ID:          "rev-1",
		Description: "rewrite index",
		Category:    task.CategoryStore,
		Impact:      decision.ImpactMedium,
		Reversible:  true,
		Clarity:     0.5,
		Confidence:  0.6, // Reversible band
		Snapshot: func(ctx context.Context) (func(context.Context) error, error) {
			return func(ctx context.Context) error {
				rolledBack = true
				return nil
			}, nil
		},
		Work: func(ctx context.Context) (interface{}, error) {
			return nil, errors.NewFatalError("index corrupt")
		},
	}

	_, err := e.ExecuteWithProtection(context.Background(), a)
	require.Error(t, err)
	assert.True(t, rolledBack)
}

func TestEngine_ExecuteWithProtection_CachesResults(t *testing.T) {
	e := testEngine(t, nil)

	calls := 0
	a := immediateAction("a1", func(ctx context.Context) (interface{}, error) {
		calls++
		return "expensive", nil
	})
	a.CacheKey = "expensive-result"
	a.CacheTTL = time.Minute

	for i := 0; i < 3; i++ {
		result, err := e.ExecuteWithProtection(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, "expensive", result)
	}
	assert.Equal(t, 1, calls, "work should run once and then hit the cache")
}

func TestEngine_ResumeInterruptedOnStart(t *testing.T) {
	cfg := testConfig(t)

	s, err := store.Open(&cfg.Store)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	hp, err := pool.New(context.Background(), cfg.Pool, s.NewHandle, nil)
	require.NoError(t, err)
	t.Cleanup(func() { hp.Close() })

	// Simulate a crash: claim a task with one queue instance, then build a
	// fresh queue over the same store and let the engine recover it.
	crashed := queue.New(hp, cfg.Queue, nil)
	tk := task.New("interrupted", task.CategoryExec, task.PriorityNormal)
	_, err = crashed.Submit(context.Background(), tk)
	require.NoError(t, err)
	_, err = crashed.ClaimNext(context.Background(), "w-crashed")
	require.NoError(t, err)

	q := queue.New(hp, cfg.Queue, nil)
	e, err := New(cfg, Deps{
		Queue:   q,
		Retry:   resilience.NewEngine(cfg.Retry, nil),
		Degrade: degrade.NewRegistry(nil),
		Budget:  budget.New(cfg.Budget, nil),
		Scorer:  decision.NewScorer(cfg.Decision, nil),
	})
	require.NoError(t, err)

	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { e.Stop(true) })

	stored, err := e.Task(context.Background(), tk.ID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPending, stored.Status)
}
