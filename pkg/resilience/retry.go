package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
)

// Engine executes units of work with categorized exponential backoff under
// a per-category circuit breaker. Breakers and policies are created lazily
// per category and guarded by a per-category lock; none of this state is
// persisted across restarts.
type Engine struct {
	cfg     config.RetryConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	categories map[task.Category]*categoryState
}

// categoryState is one category's policy, breaker and recent outcomes.
type categoryState struct {
	mu      sync.Mutex
	policy  Policy
	breaker *Breaker

	// recent is a ring of the last adaptWindow outcomes.
	recent [adaptWindow]bool
	next   int
	filled int
}

// NewEngine creates a retry engine
func NewEngine(cfg config.RetryConfig, m *metrics.Metrics) *Engine {
	if m == nil {
		m = &metrics.Metrics{}
	}

	return &Engine{
		cfg:        cfg,
		logger:     logging.GetLogger(),
		metrics:    m,
		categories: make(map[task.Category]*categoryState),
	}
}

// Execute runs op with retry and circuit breaking for the category,
// returning the final error once retries exhaust. Errors the classifier
// deems non-retryable propagate immediately.
func (e *Engine) Execute(ctx context.Context, category task.Category, op func(context.Context) error) error {
	st := e.category(category)

	st.mu.Lock()
	policy := st.policy
	st.mu.Unlock()

	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !st.breaker.CanAttempt() {
			e.metrics.RecordRetryAttempt(string(category), "rejected")
			return errors.NewCircuitOpenError(string(category))
		}

		err := op(ctx)
		if err == nil {
			st.breaker.RecordSuccess()
			st.recordOutcome(true)
			e.metrics.RecordRetryAttempt(string(category), "success")
			if attempt > 0 {
				e.logger.Info("Operation succeeded after retry",
					"category", string(category),
					"attempt", attempt,
				)
			}
			return nil
		}

		lastErr = err
		st.breaker.RecordFailure()
		st.recordOutcome(false)
		e.metrics.RecordRetryAttempt(string(category), "failure")

		if !errors.Retryable(err) {
			e.logger.Debug("Error is not retryable, stopping",
				"category", string(category),
				"error", err.Error(),
			)
			return err
		}

		if attempt == policy.MaxRetries {
			break
		}

		delay := policy.Delay(attempt)
		e.logger.LogRetryEvent(ctx, string(category), attempt+1, delay, err)

		// The backoff sleeps on the executing worker's own goroutine; a
		// cancelled context cuts it short.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("operation failed after %d attempts: %w", policy.MaxRetries+1, lastErr)
}

// ExecuteWithResult runs an operation that returns a result
func (e *Engine) ExecuteWithResult(ctx context.Context, category task.Category, op func(context.Context) (interface{}, error)) (interface{}, error) {
	var result interface{}
	err := e.Execute(ctx, category, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	})
	return result, err
}

// BreakerState returns the breaker state for a category
func (e *Engine) BreakerState(category task.Category) State {
	return e.category(category).breaker.State()
}

// PolicySnapshot returns a copy of the category's current policy
func (e *Engine) PolicySnapshot(category task.Category) Policy {
	st := e.category(category)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.policy
}

// SuccessRate returns the category's recent success rate, or 1 when no
// outcomes have been recorded yet.
func (e *Engine) SuccessRate(category task.Category) float64 {
	st := e.category(category)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.successRate()
}

// category returns (lazily creating) the state for a category.
func (e *Engine) category(c task.Category) *categoryState {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.categories[c]
	if !ok {
		st = &categoryState{
			policy: PolicyFromConfig(e.cfg),
			breaker: NewBreaker(BreakerConfig{
				Name:             string(c),
				FailureThreshold: e.cfg.FailureThreshold,
				RecoveryTimeout:  e.cfg.RecoveryTimeout,
				HalfOpenAttempts: e.cfg.HalfOpenAttempts,
				OnStateChange:    e.onBreakerChange,
			}),
		}
		e.categories[c] = st
	}
	return st
}

func (e *Engine) onBreakerChange(name string, from, to State) {
	e.metrics.UpdateCircuitBreakerState(name, int(to))
	if to == StateOpen {
		e.metrics.RecordCircuitBreakerTrip(name)
	}
}

// recordOutcome appends an outcome to the ring and adapts the policy once
// the window is full.
func (s *categoryState) recordOutcome(success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recent[s.next] = success
	s.next = (s.next + 1) % adaptWindow
	if s.filled < adaptWindow {
		s.filled++
	}

	if s.filled == adaptWindow {
		s.policy.adapt(s.successRate())
	}
}

// successRate computes the rate over the filled window. Caller holds the
// lock.
func (s *categoryState) successRate() float64 {
	if s.filled == 0 {
		return 1.0
	}

	successes := 0
	for i := 0; i < s.filled; i++ {
		if s.recent[i] {
			successes++
		}
	}
	return float64(successes) / float64(s.filled)
}
