// Package worker implements the dynamically scaled executor pool. Workers
// claim tasks from the durable queue, run them through the retry engine,
// and report terminal status back; a monitor loop rescales the pool
// between MinWorkers and MaxWorkers.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"

	"github.com/keelworks/keel/internal/queue"
	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
	"github.com/keelworks/keel/pkg/resilience"
	"github.com/keelworks/keel/pkg/tracing"
)

// cpuFunc samples instantaneous CPU utilization in percent.
type cpuFunc func(ctx context.Context) (float64, error)

func systemCPU(ctx context.Context) (float64, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("no cpu sample available")
	}
	return percents[0], nil
}

// Pool runs the executors and the autoscaling monitor.
type Pool struct {
	id       string
	cfg      config.WorkersConfig
	queue    *queue.Queue
	engine   *resilience.Engine
	handlers task.HandlerMap
	tracer   *tracing.Service
	logger   *logging.Logger
	metrics  *metrics.Metrics
	sampleCPU cpuFunc

	// target is the worker count the monitor wants; a worker whose index
	// is at or beyond it retires on its next loop iteration.
	target atomic.Int64
	active atomic.Int64

	// lastActivity holds per-worker unix nanos of the last claim or
	// completion, one fixed slot per possible worker index.
	lastActivity []atomic.Int64

	mu      sync.Mutex
	running bool

	wg       sync.WaitGroup
	stopCh   chan struct{}
	execCtx  context.Context
	execStop context.CancelFunc

	monitorDone chan struct{}
}

// New creates a pool. Handlers must cover every category the caller will
// submit.
func New(cfg config.WorkersConfig, q *queue.Queue, e *resilience.Engine, handlers task.HandlerMap, tr *tracing.Service, m *metrics.Metrics) (*Pool, error) {
	if err := handlers.Validate(); err != nil {
		return nil, errors.NewValidationError(err.Error())
	}
	if cfg.MinWorkers < 1 || cfg.MaxWorkers < cfg.MinWorkers {
		return nil, errors.NewValidationError("worker bounds must satisfy 1 <= min <= max")
	}
	if m == nil {
		m = &metrics.Metrics{}
	}
	if tr == nil {
		var err error
		tr, err = tracing.NewService(&tracing.Config{Enabled: false})
		if err != nil {
			return nil, errors.NewInternalError("failed to create noop tracer").WithCause(err)
		}
	}

	execCtx, execStop := context.WithCancel(context.Background())
	return &Pool{
		id:           uuid.New().String()[:8],
		cfg:          cfg,
		queue:        q,
		engine:       e,
		handlers:     handlers,
		tracer:       tr,
		logger:       logging.GetLogger(),
		metrics:      m,
		sampleCPU:    systemCPU,
		lastActivity: make([]atomic.Int64, cfg.MaxWorkers),
		stopCh:       make(chan struct{}),
		execCtx:      execCtx,
		execStop:     execStop,
		monitorDone:  make(chan struct{}),
	}, nil
}

// Start spawns MinWorkers executors and the monitor loop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return errors.NewValidationError("worker pool is already running")
	}
	p.running = true
	p.mu.Unlock()

	p.target.Store(int64(p.cfg.MinWorkers))
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawn(i)
	}

	go p.monitorLoop()

	p.logger.Info("Worker pool started",
		"pool_id", p.id,
		"min_workers", p.cfg.MinWorkers,
		"max_workers", p.cfg.MaxWorkers,
	)
	return nil
}

// Stop shuts the pool down. Graceful shutdown stops claiming, waits up to
// ShutdownTimeout for in-flight tasks, then joins every executor; a
// non-graceful stop also cancels in-flight task contexts immediately.
func (p *Pool) Stop(graceful bool) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return errors.NewValidationError("worker pool is not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)
	<-p.monitorDone

	if !graceful {
		p.execStop()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("Shutdown timeout elapsed with tasks still in flight",
			"pool_id", p.id,
			"timeout", p.cfg.ShutdownTimeout.String(),
		)
	}

	p.execStop()
	p.wg.Wait()

	p.logger.Info("Worker pool stopped", "pool_id", p.id)
	return nil
}

// Active returns the number of live executors.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Target returns the monitor's current desired worker count.
func (p *Pool) Target() int {
	return int(p.target.Load())
}

// spawn starts one executor at the given index. Live workers always
// occupy indexes 0..target-1; retirement trims from the top.
func (p *Pool) spawn(idx int) {
	p.lastActivity[idx].Store(time.Now().UnixNano())
	p.active.Add(1)
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()
		defer p.active.Add(-1)
		p.runWorker(idx)
	}()
}

// runWorker is one executor loop: claim, execute, report, repeat. The
// worker retires when its index is at or beyond the scale target.
func (p *Pool) runWorker(idx int) {
	workerID := fmt.Sprintf("%s-%d", p.id, idx)
	slot := &p.lastActivity[idx]
	p.logger.Debug("Worker started", "worker_id", workerID)

	for {
		select {
		case <-p.stopCh:
			p.logger.Debug("Worker stopping", "worker_id", workerID)
			return
		default:
		}

		if int64(idx) >= p.target.Load() {
			p.logger.Debug("Worker retiring after scale down", "worker_id", workerID)
			return
		}

		t, err := p.queue.ClaimNext(p.execCtx, workerID)
		if err != nil {
			p.logger.Error("Claim failed", "worker_id", workerID, "error", err.Error())
			p.sleep()
			continue
		}
		if t == nil {
			p.sleep()
			continue
		}

		slot.Store(time.Now().UnixNano())
		p.execute(workerID, t)
		slot.Store(time.Now().UnixNano())
	}
}

// execute runs one claimed task through the retry engine and reports the
// terminal status. A handler panic fails the task instead of killing the
// worker.
func (p *Pool) execute(workerID string, t *task.Task) {
	ctx := logging.WithWorkerID(logging.WithTaskID(p.execCtx, t.ID), workerID)
	ctx, span := p.tracer.StartTaskSpan(ctx, t.ID, string(t.Category), workerID)
	defer span.End()

	if p.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.TaskTimeout)
		defer cancel()
	}

	handler, ok := p.handlers.For(t.Category)
	if !ok {
		err := errors.NewValidationError("no handler registered for category " + string(t.Category))
		p.tracer.RecordError(span, err)
		p.report(ctx, t, nil, err)
		return
	}

	var result *task.Result
	err := func() (execErr error) {
		defer func() {
			if recovered := recover(); recovered != nil {
				p.logger.LogPanic(ctx, recovered, "Handler panicked")
				execErr = errors.NewInternalError(fmt.Sprintf("handler panicked: %v", recovered))
			}
		}()
		return p.engine.Execute(ctx, t.Category, func(ctx context.Context) error {
			r, err := handler.Execute(ctx, t)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	}()

	if err != nil {
		p.tracer.RecordError(span, err)
	} else {
		p.tracer.MarkOK(span)
	}
	p.report(ctx, t, result, err)
}

// report writes the terminal status. Reporting itself runs against a fresh
// context so a timed-out task can still be marked failed.
func (p *Pool) report(ctx context.Context, t *task.Task, result *task.Result, execErr error) {
	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reportCtx = logging.WithTaskID(reportCtx, t.ID)

	if execErr == nil {
		var output json.RawMessage
		if result != nil {
			output = result.Output
		}
		if err := p.queue.Complete(reportCtx, t.ID, output); err != nil {
			p.logger.Error("Failed to record task completion",
				"task_id", t.ID, "error", err.Error())
		}
		return
	}

	if err := p.queue.Fail(reportCtx, t.ID, execErr.Error()); err != nil {
		p.logger.Error("Failed to record task failure",
			"task_id", t.ID, "error", err.Error())
	}
}

// sleep waits one claim interval or until shutdown.
func (p *Pool) sleep() {
	select {
	case <-p.stopCh:
	case <-time.After(p.queue.ClaimWait()):
	}
}

// monitorLoop rescales the pool on a fixed interval.
func (p *Pool) monitorLoop() {
	defer close(p.monitorDone)

	ticker := time.NewTicker(p.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.rescale()
		}
	}
}

// rescale applies the scaling rules: grow by one while the queue backlog
// per worker exceeds the threshold and the host has CPU headroom; shrink
// by one when the queue is empty and some worker has been idle too long.
func (p *Pool) rescale() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.MonitorInterval)
	defer cancel()

	depth, err := p.queue.Depth(ctx)
	if err != nil {
		p.logger.Error("Monitor could not read queue depth", "error", err.Error())
		return
	}

	current := p.active.Load()
	target := p.target.Load()
	p.metrics.UpdateWorkers(int(current), int(target))

	// Rescale only once the pool has settled at the previous target, so a
	// retiring worker's index is never handed out twice.
	if current == 0 || current != target {
		return
	}

	if float64(depth)/float64(current) > p.cfg.ScaleUpQueueDepth && target < int64(p.cfg.MaxWorkers) {
		util, err := p.sampleCPU(ctx)
		if err != nil {
			p.logger.Warn("CPU sample failed, skipping scale up", "error", err.Error())
			return
		}
		if util < p.cfg.CPUThreshold {
			p.target.Store(target + 1)
			p.spawn(int(target))
			p.metrics.RecordScaleEvent("up")
			p.logger.Info("Scaled up",
				"workers", target+1,
				"queue_depth", depth,
				"cpu_percent", util,
			)
		}
		return
	}

	if depth == 0 && target > int64(p.cfg.MinWorkers) && p.anyWorkerIdle() {
		p.target.Store(target - 1)
		p.metrics.RecordScaleEvent("down")
		p.logger.Info("Scaled down", "workers", target-1)
	}
}

// anyWorkerIdle reports whether some active worker slot has been quiet
// longer than ScaleDownIdleTime.
func (p *Pool) anyWorkerIdle() bool {
	cutoff := time.Now().Add(-p.cfg.ScaleDownIdleTime).UnixNano()
	target := int(p.target.Load())
	for i := 0; i < target && i < len(p.lastActivity); i++ {
		if last := p.lastActivity[i].Load(); last > 0 && last < cutoff {
			return true
		}
	}
	return false
}
