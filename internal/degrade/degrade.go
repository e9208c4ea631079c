// Package degrade implements the graceful degradation registry: named
// fallbacks per component, tried in ascending quality-loss order when the
// primary path fails.
package degrade

import (
	"context"
	"sort"
	"sync"

	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
)

// ComponentStatus tracks one component's health.
type ComponentStatus int

const (
	StatusOperational ComponentStatus = iota
	StatusDegraded
	StatusFailed
	StatusBypassed
)

func (s ComponentStatus) String() string {
	switch s {
	case StatusOperational:
		return "operational"
	case StatusDegraded:
		return "degraded"
	case StatusFailed:
		return "failed"
	case StatusBypassed:
		return "bypassed"
	default:
		return "unknown"
	}
}

// Level is the system-wide degradation level derived from component
// statuses.
type Level int

const (
	LevelFull Level = iota
	LevelMinor
	LevelModerate
	LevelSevere
	LevelMinimal
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "full"
	case LevelMinor:
		return "minor"
	case LevelModerate:
		return "moderate"
	case LevelSevere:
		return "severe"
	case LevelMinimal:
		return "minimal"
	default:
		return "unknown"
	}
}

// ApplyFunc runs a workaround against the error that triggered it.
type ApplyFunc func(ctx context.Context, cause error) (interface{}, error)

// Workaround is a registered fallback for one component. QualityLoss in
// [0, 1] expresses how much worse its result is than the primary path;
// lower-loss workarounds are tried first.
type Workaround struct {
	Name        string
	Description string
	QualityLoss float64
	Apply       ApplyFunc
}

// Outcome reports a successful workaround substitution. It is not an
// error: the caller received a lower-quality result instead of a failure.
type Outcome struct {
	Component      string      `json:"component"`
	WorkaroundName string      `json:"workaround_name"`
	QualityLoss    float64     `json:"quality_loss"`
	Result         interface{} `json:"result,omitempty"`
}

// Stat is a workaround's usage tally.
type Stat struct {
	Name      string `json:"name"`
	Uses      int64  `json:"uses"`
	Successes int64  `json:"successes"`
}

type workaroundState struct {
	Workaround
	uses      int64
	successes int64
}

// Registry holds per-component workarounds and status tallies. State is
// in-memory only.
type Registry struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu          sync.Mutex
	workarounds map[string][]*workaroundState
	statuses    map[string]ComponentStatus
}

// NewRegistry creates an empty registry.
func NewRegistry(m *metrics.Metrics) *Registry {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Registry{
		logger:      logging.GetLogger(),
		metrics:     m,
		workarounds: make(map[string][]*workaroundState),
		statuses:    make(map[string]ComponentStatus),
	}
}

// RegisterWorkaround adds a fallback for a component. Workarounds are kept
// sorted by ascending quality loss.
func (r *Registry) RegisterWorkaround(component string, w Workaround) error {
	if component == "" {
		return errors.NewValidationError("component name is required")
	}
	if w.Name == "" {
		return errors.NewValidationError("workaround name is required")
	}
	if w.Apply == nil {
		return errors.NewValidationError("workaround apply function is required")
	}
	if w.QualityLoss < 0 || w.QualityLoss > 1 {
		return errors.NewValidationError("quality loss must be in [0, 1]")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.workarounds[component] = append(r.workarounds[component], &workaroundState{Workaround: w})
	sort.SliceStable(r.workarounds[component], func(i, j int) bool {
		return r.workarounds[component][i].QualityLoss < r.workarounds[component][j].QualityLoss
	})
	if _, ok := r.statuses[component]; !ok {
		r.statuses[component] = StatusOperational
	}
	return nil
}

// HandleFailure tries the component's workarounds in ascending quality-loss
// order. The first that completes becomes the outcome and the component is
// marked Degraded; if all fail (or none exist) it returns nil and the
// component is marked Failed.
func (r *Registry) HandleFailure(ctx context.Context, component string, cause error) *Outcome {
	r.mu.Lock()
	candidates := append([]*workaroundState(nil), r.workarounds[component]...)
	r.mu.Unlock()

	for _, ws := range candidates {
		r.mu.Lock()
		ws.uses++
		r.mu.Unlock()

		result, err := ws.Apply(ctx, cause)
		if err != nil {
			r.metrics.RecordWorkaround(component, "failure")
			r.logger.Warn("Workaround failed",
				"component", component,
				"workaround", ws.Name,
				"error", err.Error(),
			)
			continue
		}

		r.mu.Lock()
		ws.successes++
		r.statuses[component] = StatusDegraded
		r.mu.Unlock()

		r.metrics.RecordWorkaround(component, "success")
		r.publishLevel()
		r.logger.Info("Workaround substituted degraded result",
			"component", component,
			"workaround", ws.Name,
			"quality_loss", ws.QualityLoss,
		)

		return &Outcome{
			Component:      component,
			WorkaroundName: ws.Name,
			QualityLoss:    ws.QualityLoss,
			Result:         result,
		}
	}

	r.mu.Lock()
	r.statuses[component] = StatusFailed
	r.mu.Unlock()

	r.publishLevel()
	r.logger.Error("Component failed with no viable workaround",
		"component", component,
		"workarounds_tried", len(candidates),
		"error", cause.Error(),
	)
	return nil
}

// HasWorkarounds reports whether any fallback is registered for the
// component.
func (r *Registry) HasWorkarounds(component string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workarounds[component]) > 0
}

// MarkOperational restores a component after recovery.
func (r *Registry) MarkOperational(component string) {
	r.setStatus(component, StatusOperational)
}

// MarkBypassed records that a component was deliberately taken out of the
// path rather than failing.
func (r *Registry) MarkBypassed(component string) {
	r.setStatus(component, StatusBypassed)
}

func (r *Registry) setStatus(component string, s ComponentStatus) {
	r.mu.Lock()
	r.statuses[component] = s
	r.mu.Unlock()
	r.publishLevel()
}

// ComponentStatus returns the tracked status for a component. Unknown
// components are Operational.
func (r *Registry) ComponentStatus(component string) ComponentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statuses[component]
}

// Statuses returns a snapshot of all component statuses.
func (r *Registry) Statuses() map[string]ComponentStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]ComponentStatus, len(r.statuses))
	for k, v := range r.statuses {
		out[k] = v
	}
	return out
}

// WorkaroundStats returns the usage tally for a component's workarounds in
// try order.
func (r *Registry) WorkaroundStats(component string) []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := make([]Stat, 0, len(r.workarounds[component]))
	for _, ws := range r.workarounds[component] {
		stats = append(stats, Stat{Name: ws.Name, Uses: ws.uses, Successes: ws.successes})
	}
	return stats
}

// Level derives the system-wide degradation level. Each component
// contributes an impairment weight (degraded 0.5, bypassed 0.75, failed
// 1.0); the mean impairment selects the level.
func (r *Registry) Level() Level {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level()
}

func (r *Registry) level() Level {
	if len(r.statuses) == 0 {
		return LevelFull
	}

	var impairment float64
	for _, s := range r.statuses {
		switch s {
		case StatusDegraded:
			impairment += 0.5
		case StatusBypassed:
			impairment += 0.75
		case StatusFailed:
			impairment += 1.0
		}
	}
	mean := impairment / float64(len(r.statuses))

	switch {
	case mean == 0:
		return LevelFull
	case mean <= 0.25:
		return LevelMinor
	case mean <= 0.5:
		return LevelModerate
	case mean <= 0.75:
		return LevelSevere
	default:
		return LevelMinimal
	}
}

func (r *Registry) publishLevel() {
	r.mu.Lock()
	l := r.level()
	r.mu.Unlock()
	r.metrics.UpdateDegradationLevel(int(l))
}
