// Package decision implements the confidence-based executor: it scores a
// proposed action, picks an execution strategy for it, and adapts its
// thresholds to the observed autonomous success rate.
package decision

import (
	"strings"
	"sync"
	"time"

	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
	"github.com/keelworks/keel/pkg/logging"
	"github.com/keelworks/keel/pkg/metrics"
)

// Strategy is how an action should be executed given its confidence.
type Strategy string

const (
	StrategyImmediate  Strategy = "immediate"
	StrategyMonitored  Strategy = "monitored"
	StrategyReversible Strategy = "reversible"
	StrategyAskFirst   Strategy = "ask_first"
)

// Impact is the blast radius of an action.
type Impact string

const (
	ImpactLow      Impact = "low"
	ImpactMedium   Impact = "medium"
	ImpactHigh     Impact = "high"
	ImpactCritical Impact = "critical"
)

// Action is a proposed unit of work to be scored.
type Action struct {
	ID            string
	Description   string
	Category      task.Category
	Impact        Impact
	Reversible    bool
	Clarity       float64 // requirement clarity in [0, 1]; 0.5 is neutral
	PriorApproval bool    // a similar action was explicitly approved before
}

// LogEntry is one append-only record of a scored action.
type LogEntry struct {
	Time        time.Time `json:"time"`
	ActionID    string    `json:"action_id"`
	Description string    `json:"description"`
	Confidence  float64   `json:"confidence"`
	Strategy    Strategy  `json:"strategy"`
}

// threshold adaptation bounds
const (
	thresholdStep    = 0.05
	thresholdCap     = 0.95
	thresholdFloor   = 0.10
	adaptWindow      = 20
	lowSuccessRate   = 0.80
	highSuccessRate  = 0.95
	historyMinSample = 3
)

// lexical cues in the action description
var (
	positiveCues = []string{"fix", "bug", "test"}
	negativeCues = []string{"delete", "remove", "drop"}
)

type categoryHistory struct {
	total     int
	successes int
}

// Scorer scores actions and assigns strategies. All state is in-memory.
type Scorer struct {
	logger  *logging.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	immediate  float64
	monitored  float64
	reversible float64

	history map[task.Category]*categoryHistory

	// ring of recent autonomous (non-AskFirst) outcomes
	recent [adaptWindow]bool
	count  int
	next   int

	log []LogEntry
}

// NewScorer creates a scorer with thresholds from config.
func NewScorer(cfg config.DecisionConfig, m *metrics.Metrics) *Scorer {
	if m == nil {
		m = &metrics.Metrics{}
	}
	return &Scorer{
		logger:     logging.GetLogger(),
		metrics:    m,
		immediate:  cfg.ImmediateThreshold,
		monitored:  cfg.MonitoredThreshold,
		reversible: cfg.ReversibleThreshold,
		history:    make(map[task.Category]*categoryHistory),
	}
}

// Confidence scores an action in [0, 1].
func (s *Scorer) Confidence(a Action) float64 {
	score := 0.5

	s.mu.Lock()
	if h, ok := s.history[a.Category]; ok && h.total >= historyMinSample {
		rate := float64(h.successes) / float64(h.total)
		score += (rate - 0.5) * 2 * 0.3
	}
	s.mu.Unlock()

	if a.Clarity > 0 {
		score += (a.Clarity - 0.5) * 2 * 0.2
	}

	if a.Reversible {
		score += 0.15
	}

	switch a.Impact {
	case ImpactLow:
		score += 0.1
	case ImpactHigh:
		score -= 0.2
	case ImpactCritical:
		score -= 0.3
	}

	if a.PriorApproval {
		score += 0.2
	}

	desc := strings.ToLower(a.Description)
	for _, cue := range positiveCues {
		if strings.Contains(desc, cue) {
			score += 0.05
		}
	}
	for _, cue := range negativeCues {
		if strings.Contains(desc, cue) {
			score -= 0.1
		}
	}

	return clamp01(score)
}

// StrategyFor maps a confidence onto the current thresholds.
func (s *Scorer) StrategyFor(confidence float64) Strategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case confidence >= s.immediate:
		return StrategyImmediate
	case confidence >= s.monitored:
		return StrategyMonitored
	case confidence >= s.reversible:
		return StrategyReversible
	default:
		return StrategyAskFirst
	}
}

// Decide scores the action, appends it to the decision log, and returns
// the chosen strategy. AskFirst is returned as a distinguishable error so
// the caller can escalate instead of blocking.
func (s *Scorer) Decide(a Action) (Strategy, float64, error) {
	return s.DecideWith(a, s.Confidence(a))
}

// DecideWith is Decide with a caller-supplied confidence, for actions whose
// submitter already knows how sure they are.
func (s *Scorer) DecideWith(a Action, confidence float64) (Strategy, float64, error) {
	confidence = clamp01(confidence)
	strategy := s.StrategyFor(confidence)

	s.mu.Lock()
	s.log = append(s.log, LogEntry{
		Time:        time.Now().UTC(),
		ActionID:    a.ID,
		Description: a.Description,
		Confidence:  confidence,
		Strategy:    strategy,
	})
	s.mu.Unlock()

	s.metrics.RecordDecision(string(strategy))
	s.logger.Debug("Action scored",
		"action_id", a.ID,
		"confidence", confidence,
		"strategy", string(strategy),
	)

	if strategy == StrategyAskFirst {
		return strategy, confidence, errors.NewAskFirstError(a.ID, a.Description)
	}
	return strategy, confidence, nil
}

// RecordOutcome feeds the result of an autonomously executed action back
// into the history and the threshold adapter.
func (s *Scorer) RecordOutcome(category task.Category, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.history[category]
	if !ok {
		h = &categoryHistory{}
		s.history[category] = h
	}
	h.total++
	if success {
		h.successes++
	}

	s.recent[s.next] = success
	s.next = (s.next + 1) % adaptWindow
	if s.count < adaptWindow {
		s.count++
	}
	if s.count < adaptWindow {
		return
	}

	successes := 0
	for _, ok := range s.recent {
		if ok {
			successes++
		}
	}
	rate := float64(successes) / float64(adaptWindow)

	switch {
	case rate < lowSuccessRate:
		s.shift(thresholdStep)
	case rate > highSuccessRate:
		s.shift(-thresholdStep)
	}
}

// shift moves every threshold by delta, clamped to [floor, cap]. Callers
// hold s.mu.
func (s *Scorer) shift(delta float64) {
	apply := func(v float64) float64 {
		v += delta
		if v > thresholdCap {
			v = thresholdCap
		}
		if v < thresholdFloor {
			v = thresholdFloor
		}
		return v
	}

	before := s.immediate
	s.immediate = apply(s.immediate)
	s.monitored = apply(s.monitored)
	s.reversible = apply(s.reversible)

	if s.immediate != before {
		s.logger.Info("Adjusted decision thresholds",
			"immediate", s.immediate,
			"monitored", s.monitored,
			"reversible", s.reversible,
		)
	}
}

// Thresholds returns the current threshold triple.
func (s *Scorer) Thresholds() (immediate, monitored, reversible float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.immediate, s.monitored, s.reversible
}

// Log returns a copy of the append-only decision log.
func (s *Scorer) Log() []LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogEntry(nil), s.log...)
}

// SuccessRate reports the per-category historical success rate and sample
// size.
func (s *Scorer) SuccessRate(category task.Category) (rate float64, samples int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.history[category]
	if !ok || h.total == 0 {
		return 0, 0
	}
	return float64(h.successes) / float64(h.total), h.total
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
