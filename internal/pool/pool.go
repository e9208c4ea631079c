package pool

import (
	"context"
	"sync"
	"time"

	"github.com/keelworks/keel/internal/store"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
)

// Factory creates a new pooled handle
type Factory func(ctx context.Context) (*store.Handle, error)

// Pool manages a bounded set of reusable store handles. A handle is leased
// to exactly one caller at a time and validated before reuse; unhealthy
// handles are discarded and replaced transparently.
type Pool struct {
	factory Factory
	cfg     config.PoolConfig
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	live   int
	closed bool

	idle chan *store.Handle

	stopCh chan struct{}
	doneCh chan struct{}
}

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Live  int `json:"live"`
	Idle  int `json:"idle"`
	InUse int `json:"in_use"`
}

// New creates a pool and eagerly opens MinSize handles.
func New(ctx context.Context, cfg config.PoolConfig, factory Factory, m *metrics.Metrics) (*Pool, error) {
	if m == nil {
		m = &metrics.Metrics{}
	}

	p := &Pool{
		factory: factory,
		cfg:     cfg,
		logger:  logging.GetLogger(),
		metrics: m,
		idle:    make(chan *store.Handle, cfg.MaxSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.MinSize; i++ {
		h, err := factory(ctx)
		if err != nil {
			p.drain()
			return nil, errors.NewInternalError("failed to create initial pool handle").WithCause(err)
		}
		p.live++
		p.idle <- h
	}

	go p.maintenanceLoop()

	return p, nil
}

// Acquire leases a handle, blocking up to AcquireTimeout.
func (p *Pool) Acquire(ctx context.Context) (*store.Handle, error) {
	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.NewValidationError("pool is closed")
		}
		p.mu.Unlock()

		// Fast path: reuse an idle handle.
		select {
		case h := <-p.idle:
			if p.validate(ctx, h) {
				h.Touch()
				p.publishStats()
				return h, nil
			}
			continue
		default:
		}

		// Grow if below max.
		p.mu.Lock()
		if p.live < p.cfg.MaxSize {
			p.live++
			p.mu.Unlock()

			h, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, errors.NewInternalError("failed to create pool handle").WithCause(err)
			}
			h.Touch()
			p.publishStats()
			return h, nil
		}
		p.mu.Unlock()

		// At capacity: wait for a release.
		select {
		case h := <-p.idle:
			if p.validate(ctx, h) {
				h.Touch()
				p.publishStats()
				return h, nil
			}
		case <-timer.C:
			p.metrics.RecordPoolTimeout()
			return nil, errors.NewTimeoutError("pool acquire")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a leased handle to the pool.
func (p *Pool) Release(h *store.Handle) {
	if h == nil {
		return
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.discard(h)
		return
	}

	select {
	case p.idle <- h:
	default:
		// Pool shrank below this handle's slot.
		p.discard(h)
	}
	p.publishStats()
}

// With runs fn with a leased handle and releases it on return.
func (p *Pool) With(ctx context.Context, fn func(h *store.Handle) error) error {
	h, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(h)
	return fn(h)
}

// Stats returns current occupancy
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	idle := len(p.idle)
	return Stats{
		Live:  p.live,
		Idle:  idle,
		InUse: p.live - idle,
	}
}

// Close stops maintenance and closes every idle handle. Handles still
// leased are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	p.drain()
	return nil
}

// validate health-checks a handle before reuse, discarding it on failure.
func (p *Pool) validate(ctx context.Context, h *store.Handle) bool {
	if h.Healthy(ctx) {
		return true
	}

	p.logger.Warn("Discarding unhealthy pool handle", "use_count", h.UseCount())
	p.discard(h)
	return false
}

// discard closes a handle and forgets it.
func (p *Pool) discard(h *store.Handle) {
	h.Close()
	p.mu.Lock()
	p.live--
	p.mu.Unlock()
	p.publishStats()
}

// maintenanceLoop reaps idle handles above MinSize and replaces unhealthy
// ones so the pool never falls below MinSize.
func (p *Pool) maintenanceLoop() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.maintain()
		}
	}
}

func (p *Pool) maintain() {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AcquireTimeout)
	defer cancel()

	now := time.Now()
	checked := 0
	max := len(p.idle)

	for checked < max {
		var h *store.Handle
		select {
		case h = <-p.idle:
		default:
			break
		}
		if h == nil {
			break
		}
		checked++

		p.mu.Lock()
		aboveMin := p.live > p.cfg.MinSize
		p.mu.Unlock()

		if aboveMin && now.Sub(h.IdleSince()) > p.cfg.MaxIdleTime {
			p.logger.Debug("Reaping idle pool handle",
				"idle_for", now.Sub(h.IdleSince()).String(),
				"use_count", h.UseCount(),
			)
			p.discard(h)
			continue
		}

		if !h.Healthy(ctx) {
			p.discard(h)
			continue
		}

		p.Release(h)
	}

	// Refill below MinSize after discards.
	for {
		p.mu.Lock()
		belowMin := !p.closed && p.live < p.cfg.MinSize
		if belowMin {
			p.live++
		}
		p.mu.Unlock()

		if !belowMin {
			break
		}

		h, err := p.factory(ctx)
		if err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			p.logger.Error("Failed to replace pool handle", "error", err.Error())
			break
		}
		p.Release(h)
	}
	p.publishStats()
}

func (p *Pool) drain() {
	for {
		select {
		case h := <-p.idle:
			h.Close()
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
		default:
			p.publishStats()
			return
		}
	}
}

func (p *Pool) publishStats() {
	s := p.Stats()
	p.metrics.UpdatePoolHandles(s.Live, s.InUse, s.Idle)
}
