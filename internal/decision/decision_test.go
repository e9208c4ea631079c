package decision

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelworks/keel/internal/task"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/errors"
)

func testScorer() *Scorer {
	return NewScorer(config.DecisionConfig{
		ImmediateThreshold:  0.9,
		MonitoredThreshold:  0.7,
		ReversibleThreshold: 0.5,
	}, nil)
}

func TestScorer_ConfidenceSignals(t *testing.T) {
	s := testScorer()

	neutral := s.Confidence(Action{
		Description: "run scheduled report",
		Category:    task.CategoryExec,
		Impact:      ImpactMedium,
		Clarity:     0.5,
	})
	assert.InDelta(t, 0.5, neutral, 1e-9)

	// A reversible, clearly specified, low impact fix scores high.
	safe := s.Confidence(Action{
		Description:   "fix typo in template",
		Category:      task.CategoryExec,
		Impact:        ImpactLow,
		Reversible:    true,
		Clarity:       1.0,
		PriorApproval: true,
	})
	assert.Greater(t, safe, 0.9)

	// A critical, vague, destructive action scores low.
	scary := s.Confidence(Action{
		Description: "drop old records and remove backups",
		Category:    task.CategoryStore,
		Impact:      ImpactCritical,
		Clarity:     0.2,
	})
	assert.Less(t, scary, 0.3)

	assert.Greater(t, safe, neutral)
	assert.Greater(t, neutral, scary)
}

func TestScorer_ConfidenceClamped(t *testing.T) {
	s := testScorer()

	high := s.Confidence(Action{
		Description:   "fix bug in test fixture",
		Impact:        ImpactLow,
		Reversible:    true,
		Clarity:       1.0,
		PriorApproval: true,
	})
	assert.LessOrEqual(t, high, 1.0)

	low := s.Confidence(Action{
		Description: "delete everything, remove the database, drop all tables",
		Impact:      ImpactCritical,
		Clarity:     0.01,
	})
	assert.GreaterOrEqual(t, low, 0.0)
}

func TestScorer_HistoryInfluencesConfidence(t *testing.T) {
	s := testScorer()
	a := Action{Description: "sync records", Category: task.CategoryNetwork, Impact: ImpactMedium, Clarity: 0.5}

	baseline := s.Confidence(a)

	for i := 0; i < 10; i++ {
		s.RecordOutcome(task.CategoryNetwork, true)
	}
	assert.Greater(t, s.Confidence(a), baseline)

	s2 := testScorer()
	for i := 0; i < 10; i++ {
		s2.RecordOutcome(task.CategoryNetwork, false)
	}
	assert.Less(t, s2.Confidence(a), baseline)
}

func TestScorer_StrategyMapping(t *testing.T) {
	s := testScorer()

	assert.Equal(t, StrategyImmediate, s.StrategyFor(0.95))
	assert.Equal(t, StrategyImmediate, s.StrategyFor(0.9))
	assert.Equal(t, StrategyMonitored, s.StrategyFor(0.89))
	assert.Equal(t, StrategyMonitored, s.StrategyFor(0.7))
	assert.Equal(t, StrategyReversible, s.StrategyFor(0.69))
	assert.Equal(t, StrategyReversible, s.StrategyFor(0.5))
	assert.Equal(t, StrategyAskFirst, s.StrategyFor(0.49))
}

func TestScorer_DecideAskFirstIsError(t *testing.T) {
	s := testScorer()

	strategy, confidence, err := s.Decide(Action{
		ID:          "act-1",
		Description: "delete production data",
		Category:    task.CategoryStore,
		Impact:      ImpactCritical,
		Clarity:     0.3,
	})

	assert.Equal(t, StrategyAskFirst, strategy)
	assert.Less(t, confidence, 0.5)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAskFirst))
}

func TestScorer_DecisionLogAppendOnly(t *testing.T) {
	s := testScorer()

	s.Decide(Action{ID: "a1", Description: "fix bug", Impact: ImpactLow, Reversible: true, Clarity: 0.9})
	s.Decide(Action{ID: "a2", Description: "drop index", Impact: ImpactCritical, Clarity: 0.2})

	log := s.Log()
	require.Len(t, log, 2)
	assert.Equal(t, "a1", log[0].ActionID)
	assert.Equal(t, "a2", log[1].ActionID)
	assert.NotEqual(t, StrategyAskFirst, log[0].Strategy)
	assert.Equal(t, StrategyAskFirst, log[1].Strategy)

	// Mutating the returned slice does not touch the internal log.
	log[0].ActionID = "tampered"
	assert.Equal(t, "a1", s.Log()[0].ActionID)
}

func TestScorer_ThresholdsRaiseOnLowSuccess(t *testing.T) {
	s := testScorer()

	for i := 0; i < adaptWindow; i++ {
		s.RecordOutcome(task.CategoryExec, i%2 == 0) // 50% success
	}

	imm, mon, rev := s.Thresholds()
	assert.InDelta(t, 0.95, imm, 1e-9)
	assert.InDelta(t, 0.75, mon, 1e-9)
	assert.InDelta(t, 0.55, rev, 1e-9)
}

func TestScorer_ThresholdsLowerOnHighSuccess(t *testing.T) {
	s := testScorer()

	for i := 0; i < adaptWindow; i++ {
		s.RecordOutcome(task.CategoryExec, true)
	}

	imm, mon, rev := s.Thresholds()
	assert.InDelta(t, 0.85, imm, 1e-9)
	assert.InDelta(t, 0.65, mon, 1e-9)
	assert.InDelta(t, 0.45, rev, 1e-9)
}

func TestScorer_ThresholdsRespectCapAndFloor(t *testing.T) {
	s := testScorer()

	// Persistent failure pushes every threshold up to the cap.
	for i := 0; i < adaptWindow*10; i++ {
		s.RecordOutcome(task.CategoryExec, false)
	}
	imm, _, _ := s.Thresholds()
	assert.InDelta(t, 0.95, imm, 1e-9)

	// Persistent success then walks them down to the floor.
	for i := 0; i < adaptWindow*40; i++ {
		s.RecordOutcome(task.CategoryExec, true)
	}
	imm, mon, rev := s.Thresholds()
	assert.InDelta(t, thresholdFloor, imm, 1e-9)
	assert.InDelta(t, thresholdFloor, mon, 1e-9)
	assert.InDelta(t, thresholdFloor, rev, 1e-9)
}
