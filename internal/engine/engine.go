// Package engine is the facade over the resilience core: it owns the
// durable queue path (submit, workers, crash recovery) and the inline
// protected-execution path (decision, retry, degradation, budget).
package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/keelworks/keel/internal/budget"
	"github.com/keelworks/keel/internal/cache"
	"github.com/keelworks/keel/internal/decision"
	"github.com/keelworks/keel/internal/degrade"
	"github.com/keelworks/keel/internal/queue"
	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/internal/worker"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/resilience"
	"github.com/keelworks/keel/pkg/tracing"
)

// Deps are the collaborators the engine is constructed with. Nothing here
// is a process-wide singleton; callers build and inject each piece.
type Deps struct {
	Queue    *queue.Queue
	Workers  *worker.Pool
	Retry    *resilience.Engine
	Degrade  *degrade.Registry
	Budget   *budget.Governor
	Scorer   *decision.Scorer
	Cache    *cache.Cache
	Tracer   *tracing.Service
}

// Engine ties the subsystems together.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *logging.Logger

	stopCh      chan struct{}
	cleanupDone chan struct{}
}

// SubmitRequest describes a task to enqueue.
type SubmitRequest struct {
	ID           string          `json:"id,omitempty"`
	Description  string          `json:"description"`
	Category     task.Category   `json:"category"`
	Priority     task.Priority   `json:"priority"`
	Deadline     *time.Time      `json:"deadline,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// Action is an inline unit of work executed under full protection.
type Action struct {
	ID          string
	Description string
	Category    task.Category
	// Component names the degradation registry entry guarding this work;
	// empty means no workaround path exists for it.
	Component string

	Impact        decision.Impact
	Reversible    bool
	Clarity       float64
	PriorApproval bool
	// Confidence, when positive, overrides the scorer's own estimate.
	Confidence float64

	// CacheKey, when set, caches a successful result for CacheTTL.
	CacheKey string
	CacheTTL time.Duration

	// Snapshot, for reversible actions, captures a rollback that is run
	// if the work ultimately fails.
	Snapshot func(ctx context.Context) (rollback func(context.Context) error, err error)

	Work func(ctx context.Context) (interface{}, error)
}

// New creates the engine. All dependencies are required except Workers
// (an inline-only engine may run without a pool), Cache and Tracer.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("config is required")
	}
	if deps.Queue == nil || deps.Retry == nil || deps.Degrade == nil ||
		deps.Budget == nil || deps.Scorer == nil {
		return nil, errors.NewValidationError("queue, retry, degrade, budget and scorer are required")
	}
	if deps.Tracer == nil {
		tr, err := tracing.NewService(&tracing.Config{Enabled: false})
		if err != nil {
			return nil, errors.NewInternalError("failed to create noop tracer").WithCause(err)
		}
		deps.Tracer = tr
	}

	return &Engine{
		cfg:         cfg,
		deps:        deps,
		logger:      logging.GetLogger(),
		stopCh:      make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}, nil
}

// Start recovers interrupted tasks, starts the worker pool and the
// terminal-record cleanup loop.
func (e *Engine) Start(ctx context.Context) error {
	resumed, err := e.deps.Queue.ResumeInterrupted(ctx)
	if err != nil {
		return err
	}
	if len(resumed) > 0 {
		e.logger.Info("Recovered interrupted tasks", "count", len(resumed))
	}

	if e.deps.Workers != nil {
		if err := e.deps.Workers.Start(ctx); err != nil {
			return err
		}
	}

	go e.cleanupLoop()
	return nil
}

// Stop shuts down the cleanup loop and the worker pool.
func (e *Engine) Stop(graceful bool) error {
	close(e.stopCh)
	<-e.cleanupDone

	if e.deps.Workers != nil {
		return e.deps.Workers.Stop(graceful)
	}
	return nil
}

// Submit enqueues a task for asynchronous execution. Returns false when
// the id was already submitted.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (bool, error) {
	t := task.New(req.Description, req.Category, req.Priority)
	if req.ID != "" {
		t.WithID(req.ID)
	}
	if req.Deadline != nil {
		t.WithDeadline(*req.Deadline)
	}
	if len(req.Dependencies) > 0 {
		t.WithDependencies(req.Dependencies...)
	}
	if len(req.Args) > 0 {
		t.Args = req.Args
	}
	return e.deps.Queue.Submit(ctx, t)
}

// ExecuteWithProtection runs a unit of work inline through the full
// protection stack: decision layer, retry engine with circuit breaker,
// degradation registry, error budget. The durable queue is bypassed.
//
// On failure the error reaches the caller unmodified only when no
// workaround is registered for the action's component and either the
// budget says stop or the action carries no degradation structure at all;
// otherwise the caller receives a degraded outcome or a nil result.
func (e *Engine) ExecuteWithProtection(ctx context.Context, a Action) (interface{}, error) {
	if a.Work == nil {
		return nil, errors.NewValidationError("action work function is required")
	}
	if a.ID == "" {
		return nil, errors.NewValidationError("action id is required")
	}

	if a.CacheKey != "" {
		if cached, ok := e.cacheGet(a.CacheKey); ok {
			return cached, nil
		}
	}

	strategy, confidence, err := e.decide(a)
	if err != nil {
		// AskFirst: the caller escalates or falls back; nothing ran.
		return nil, err
	}

	var rollback func(context.Context) error
	if strategy == decision.StrategyReversible && a.Snapshot != nil {
		rollback, err = a.Snapshot(ctx)
		if err != nil {
			return nil, errors.NewInternalError("failed to snapshot reversible action").WithCause(err)
		}
	}

	ctx, span := e.deps.Tracer.StartRetrySpan(ctx, string(a.Category))
	defer span.End()

	if strategy == decision.StrategyMonitored {
		e.logger.Info("Executing monitored action",
			"action_id", a.ID,
			"confidence", confidence,
		)
	}

	result, execErr := e.deps.Retry.ExecuteWithResult(ctx, a.Category, a.Work)
	if execErr == nil {
		e.deps.Tracer.MarkOK(span)
		e.deps.Scorer.RecordOutcome(a.Category, true)
		if a.CacheKey != "" && e.deps.Cache != nil {
			e.deps.Cache.Set(a.CacheKey, result, a.CacheTTL, string(a.Category))
		}
		return result, nil
	}

	e.deps.Tracer.RecordError(span, execErr)
	e.deps.Scorer.RecordOutcome(a.Category, false)

	if rollback != nil {
		if rbErr := rollback(ctx); rbErr != nil {
			e.logger.Error("Rollback failed",
				"action_id", a.ID,
				"error", rbErr.Error(),
			)
		} else {
			e.logger.Info("Rolled back reversible action", "action_id", a.ID)
		}
	}

	return e.absorb(ctx, a, execErr)
}

// absorb applies the propagation policy to an error that escaped the
// retry engine.
func (e *Engine) absorb(ctx context.Context, a Action, execErr error) (interface{}, error) {
	hasWorkarounds := a.Component != "" && e.deps.Degrade.HasWorkarounds(a.Component)

	var outcome *degrade.Outcome
	if hasWorkarounds {
		outcome = e.deps.Degrade.HandleFailure(ctx, a.Component, execErr)
	}

	d := e.deps.Budget.RecordError(ctx, execErr, string(a.Category))

	if outcome != nil {
		return outcome, nil
	}

	if !d.ShouldContinue {
		e.logger.Error("Error budget stopped execution",
			"action_id", a.ID,
			"reason", d.Reason,
		)
		return nil, execErr
	}

	if hasWorkarounds {
		// Every workaround failed but the budget says keep going: the
		// caller gets a nil result instead of the error.
		e.logger.Warn("Absorbed failure with nil result",
			"action_id", a.ID,
			"component", a.Component,
			"error", execErr.Error(),
		)
		return nil, nil
	}

	// No degradation structure around this action: propagate as-is.
	return nil, execErr
}

func (e *Engine) decide(a Action) (decision.Strategy, float64, error) {
	da := decision.Action{
		ID:            a.ID,
		Description:   a.Description,
		Category:      a.Category,
		Impact:        a.Impact,
		Reversible:    a.Reversible,
		Clarity:       a.Clarity,
		PriorApproval: a.PriorApproval,
	}
	if a.Confidence > 0 {
		return e.deps.Scorer.DecideWith(da, a.Confidence)
	}
	return e.deps.Scorer.Decide(da)
}

func (e *Engine) cacheGet(key string) (interface{}, bool) {
	if e.deps.Cache == nil {
		return nil, false
	}
	return e.deps.Cache.Get(key)
}

// UpdateProgress persists resumable state for a queued task.
func (e *Engine) UpdateProgress(ctx context.Context, id string, progress float64, checkpoint json.RawMessage) error {
	return e.deps.Queue.UpdateProgress(ctx, id, progress, checkpoint)
}

// ResumeInterrupted exposes the queue's crash recovery for callers that
// manage their own startup sequence.
func (e *Engine) ResumeInterrupted(ctx context.Context) ([]string, error) {
	return e.deps.Queue.ResumeInterrupted(ctx)
}

// Task fetches a task by id.
func (e *Engine) Task(ctx context.Context, id string) (*task.Task, error) {
	return e.deps.Queue.Get(ctx, id)
}

// Cancel cancels a pending task.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	return e.deps.Queue.Cancel(ctx, id)
}

// Depth returns the pending queue depth.
func (e *Engine) Depth(ctx context.Context) (int64, error) {
	return e.deps.Queue.Depth(ctx)
}

// DegradationLevel reports the current system-wide degradation level.
func (e *Engine) DegradationLevel() degrade.Level {
	return e.deps.Degrade.Level()
}

// BudgetStatus reports the current error budget status.
func (e *Engine) BudgetStatus() budget.Status {
	return e.deps.Budget.Status()
}

// cleanupLoop periodically deletes old terminal task records.
func (e *Engine) cleanupLoop() {
	defer close(e.cleanupDone)

	ticker := time.NewTicker(e.cfg.Queue.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if _, err := e.deps.Queue.Cleanup(ctx, e.cfg.Queue.RetainTerminal); err != nil {
				e.logger.Error("Cleanup failed", "error", err.Error())
			}
			cancel()
		}
	}
}
