// Package budget implements the error budget governor: a rolling one-hour
// window of failure events and a continue/stop decision after every one.
package budget

import (
	"context"
	"sync"
	"time"

	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
)

// window is the rolling period errors are counted over.
const window = time.Hour

// Status is the health ladder derived from the current window.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusCritical
	StatusExceeded
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusCritical:
		return "critical"
	case StatusExceeded:
		return "exceeded"
	default:
		return "unknown"
	}
}

// Decision is the governor's verdict after recording one error.
type Decision struct {
	ShouldContinue bool    `json:"should_continue"`
	Reason         string  `json:"reason"`
	Confidence     float64 `json:"confidence"`
}

type event struct {
	at       time.Time
	category string
}

// Governor tracks the rolling error window. State is in-memory only and
// resets on restart.
type Governor struct {
	cfg     config.BudgetConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	events     []event
	subBudgets map[string]int
}

// New creates a governor.
func New(cfg config.BudgetConfig, m *metrics.Metrics) *Governor {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Governor{
		cfg:        cfg,
		logger:     logging.GetLogger(),
		metrics:    m,
		now:        time.Now,
		subBudgets: make(map[string]int),
	}
}

// SetSubBudget overrides the per-category sub-budget. The default for
// every category is BudgetPerHour / 2.
func (g *Governor) SetSubBudget(category string, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subBudgets[category] = limit
}

// RecordError appends the failure to the window and decides whether the
// caller should keep going.
func (g *Governor) RecordError(ctx context.Context, err error, category string) Decision {
	g.mu.Lock()

	now := g.now()
	g.purge(now)
	g.events = append(g.events, event{at: now, category: category})

	total := len(g.events)
	status := g.status(total)
	categoryCount := 0
	unique := make(map[string]struct{}, total)
	for _, e := range g.events {
		unique[e.category] = struct{}{}
		if e.category == category {
			categoryCount++
		}
	}
	diversity := float64(len(unique)) / float64(total)
	subBudget := g.subBudgetFor(category)

	g.mu.Unlock()

	d := g.decide(status, total, categoryCount, subBudget, diversity)

	g.metrics.RecordBudgetError(category, int(status))
	g.logger.LogBudgetEvent(ctx, status.String(), total, d.ShouldContinue, d.Reason)
	return d
}

// decide applies the decision rule: the category sub-budget stops the
// caller regardless of overall status; an Exceeded budget continues only
// when the window's errors are spread across many categories.
func (g *Governor) decide(status Status, total, categoryCount, subBudget int, diversity float64) Decision {
	if categoryCount > subBudget {
		return Decision{
			ShouldContinue: false,
			Reason: "category sub-budget exhausted, the same category keeps failing; " +
				"investigate before continuing",
			Confidence: 0.9,
		}
	}

	switch status {
	case StatusExceeded:
		if diversity > 0.5 {
			return Decision{
				ShouldContinue: true,
				Reason:         "budget exceeded but errors are diverse, likely transient noise",
				Confidence:     0.5,
			}
		}
		return Decision{
			ShouldContinue: false,
			Reason: "budget exceeded with concentrated errors, likely a systemic defect; " +
				"investigate before continuing",
			Confidence: 0.85,
		}
	case StatusCritical:
		return Decision{
			ShouldContinue: true,
			Reason:         "error rate critical, proceeding with caution",
			Confidence:     0.6,
		}
	case StatusDegraded:
		return Decision{
			ShouldContinue: true,
			Reason:         "error rate elevated but within budget",
			Confidence:     0.75,
		}
	default:
		return Decision{
			ShouldContinue: true,
			Reason:         "error budget healthy",
			Confidence:     0.95,
		}
	}
}

// Status reports the current health ladder position after purging stale
// events.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purge(g.now())
	return g.status(len(g.events))
}

// ErrorsLastHour returns the current window size.
func (g *Governor) ErrorsLastHour() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purge(g.now())
	return len(g.events)
}

// CategoryCount returns the window count for one category.
func (g *Governor) CategoryCount(category string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.purge(g.now())

	n := 0
	for _, e := range g.events {
		if e.category == category {
			n++
		}
	}
	return n
}

// Err converts a stop decision into the error callers propagate.
func (d Decision) Err() error {
	if d.ShouldContinue {
		return nil
	}
	return errors.NewBudgetExceededError(d.Reason)
}

// status maps a window size onto the ladder. Thresholds are multiples of
// BudgetPerHour; Healthy below half the warning line, Degraded from there
// up, Critical at the warning line, Exceeded at the critical line.
func (g *Governor) status(total int) Status {
	warning := g.cfg.WarningThreshold * float64(g.cfg.BudgetPerHour)
	critical := g.cfg.CriticalThreshold * float64(g.cfg.BudgetPerHour)
	count := float64(total)

	switch {
	case count >= critical:
		return StatusExceeded
	case count >= warning:
		return StatusCritical
	case count >= warning/2:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

func (g *Governor) subBudgetFor(category string) int {
	if limit, ok := g.subBudgets[category]; ok {
		return limit
	}
	return g.cfg.BudgetPerHour / 2
}

// purge drops events older than the window. Callers hold g.mu.
func (g *Governor) purge(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(g.events) && !g.events[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		g.events = append(g.events[:0], g.events[i:]...)
	}
}
