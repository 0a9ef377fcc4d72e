package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/pkg/schema"
)

type stubOracle struct {
	score float64
	err   error
	calls int
}

func (o *stubOracle) Assess(ctx context.Context, output any, _ map[string]any) (float64, error) {
	o.calls++
	return o.score, o.err
}

func newTestEvaluator(t *testing.T, oracle Oracle) *Evaluator {
	t.Helper()
	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	return NewEvaluator(engines, oracle, DefaultConfig(), nil)
}

func sizingStep() *schema.StepDefinition {
	return &schema.StepDefinition{
		ID: 1, Persona: "engineer", Tool: "calc", Function: "size_beam",
		OutputVariable: "sizing", MagnitudePath: ".depth_mm",
	}
}

func TestScore_RuleSum(t *testing.T) {
	e := newTestEvaluator(t, nil)

	a := e.Score(context.Background(), Input{
		Step: sizingStep(),
		Rules: []schema.RiskRule{
			{Label: "high_util", Condition: `output.utilization > 0.9`, Contribution: 0.25},
			{Label: "deep", Condition: `output.depth_mm > 600.0`, Contribution: 0.2},
			{Label: "never", Condition: `output.utilization > 2.0`, Contribution: 0.5},
		},
		Output: map[string]any{"utilization": 0.95, "depth_mm": 700.0},
	})

	assert.InDelta(t, 0.45, a.Score, 1e-9)
	assert.Equal(t, schema.TierStandardReview, a.Tier)
	assert.Len(t, a.RuleHits, 2)
}

func TestScore_FailedRuleCountsAsHit(t *testing.T) {
	e := newTestEvaluator(t, nil)

	a := e.Score(context.Background(), Input{
		Step: sizingStep(),
		Rules: []schema.RiskRule{
			// Fails at runtime: output is a string, not a map.
			{Label: "broken", Condition: `output.utilization > 0.9`, Contribution: 0.4},
		},
		Output: "oops",
	})

	assert.InDelta(t, 0.4, a.Score, 1e-9)
	require.Len(t, a.RuleHits, 1)
	assert.NotEmpty(t, a.RuleHits[0].Error)
}

func TestScore_ClampedToOne(t *testing.T) {
	e := newTestEvaluator(t, nil)

	a := e.Score(context.Background(), Input{
		Step: sizingStep(),
		Rules: []schema.RiskRule{
			{Label: "a", Condition: `true`, Contribution: 0.8},
			{Label: "b", Condition: `true`, Contribution: 0.8},
		},
		Output: map[string]any{},
	})

	assert.Equal(t, 1.0, a.Score)
	assert.Equal(t, schema.TierEscalatedReview, a.Tier)
}

func TestScore_MagnitudeDeviation(t *testing.T) {
	e := newTestEvaluator(t, nil)

	a := e.Score(context.Background(), Input{
		Step:     sizingStep(),
		Output:   map[string]any{"depth_mm": 600.0},
		Prior:    map[string]any{"depth_mm": 300.0},
		HasPrior: true,
	})

	// |600-300| / max(600,300) = 0.5
	require.NotNil(t, a.Magnitude)
	assert.InDelta(t, 0.5, *a.Magnitude, 1e-9)
	assert.InDelta(t, 0.5, a.Score, 1e-9)
	assert.Equal(t, schema.TierStandardReview, a.Tier)
}

func TestScore_MagnitudeIdenticalValues(t *testing.T) {
	e := newTestEvaluator(t, nil)

	a := e.Score(context.Background(), Input{
		Step:     sizingStep(),
		Output:   map[string]any{"depth_mm": 310.0},
		Prior:    map[string]any{"depth_mm": 310.0},
		HasPrior: true,
	})

	require.NotNil(t, a.Magnitude)
	assert.Equal(t, 0.0, *a.Magnitude)
	assert.Equal(t, schema.TierAutonomous, a.Tier)
}

func TestScore_NoPriorSkipsMagnitude(t *testing.T) {
	e := newTestEvaluator(t, nil)

	a := e.Score(context.Background(), Input{
		Step:   sizingStep(),
		Output: map[string]any{"depth_mm": 600.0},
	})
	assert.Nil(t, a.Magnitude)
	assert.Equal(t, 0.0, a.Score)
}

func TestScore_NonNumericMagnitudeIgnored(t *testing.T) {
	e := newTestEvaluator(t, nil)

	step := sizingStep()
	step.MagnitudePath = ".grade"
	a := e.Score(context.Background(), Input{
		Step:     step,
		Output:   map[string]any{"grade": "S355"},
		Prior:    map[string]any{"grade": "S275"},
		HasPrior: true,
	})
	assert.Nil(t, a.Magnitude)
	assert.Equal(t, 0.0, a.Score)
}

func TestScore_OracleConsultedInBand(t *testing.T) {
	oracle := &stubOracle{score: 0.8}
	e := newTestEvaluator(t, oracle)

	a := e.Score(context.Background(), Input{
		Step: sizingStep(),
		Rules: []schema.RiskRule{
			{Label: "mid", Condition: `true`, Contribution: 0.4},
		},
		Output: map[string]any{},
	})

	assert.Equal(t, 1, oracle.calls)
	require.NotNil(t, a.OracleScore)
	assert.InDelta(t, 0.6, a.Score, 1e-9) // (0.4 + 0.8) / 2
	assert.Equal(t, schema.TierStandardReview, a.Tier)
}

func TestScore_OracleSkippedOutsideBand(t *testing.T) {
	oracle := &stubOracle{score: 0.9}
	e := newTestEvaluator(t, oracle)

	// Subtotal 0.1 is below the band.
	a := e.Score(context.Background(), Input{
		Step:   sizingStep(),
		Rules:  []schema.RiskRule{{Label: "low", Condition: `true`, Contribution: 0.1}},
		Output: map[string]any{},
	})
	assert.Equal(t, 0, oracle.calls)
	assert.Nil(t, a.OracleScore)

	// Subtotal 0.8 is above the band: deterministic layers already decided.
	a = e.Score(context.Background(), Input{
		Step:   sizingStep(),
		Rules:  []schema.RiskRule{{Label: "high", Condition: `true`, Contribution: 0.8}},
		Output: map[string]any{},
	})
	assert.Equal(t, 0, oracle.calls)
	assert.Equal(t, schema.TierEscalatedReview, a.Tier)
}

func TestScore_OracleBandEdgesInclusive(t *testing.T) {
	oracle := &stubOracle{score: 0.75}
	e := newTestEvaluator(t, oracle)

	// Exactly on the lower edge.
	a := e.Score(context.Background(), Input{
		Step:   sizingStep(),
		Rules:  []schema.RiskRule{{Label: "low-edge", Condition: `true`, Contribution: 0.25}},
		Output: map[string]any{},
	})
	assert.Equal(t, 1, oracle.calls)
	require.NotNil(t, a.OracleScore)

	// Exactly on the upper edge.
	a = e.Score(context.Background(), Input{
		Step:   sizingStep(),
		Rules:  []schema.RiskRule{{Label: "high-edge", Condition: `true`, Contribution: 0.75}},
		Output: map[string]any{},
	})
	assert.Equal(t, 2, oracle.calls)
	require.NotNil(t, a.OracleScore)
	assert.InDelta(t, 0.75, a.Score, 1e-9) // (0.75 + 0.75) / 2
}

func TestScore_OracleFailureNonFatal(t *testing.T) {
	oracle := &stubOracle{err: errors.New("model timeout")}
	e := newTestEvaluator(t, oracle)

	a := e.Score(context.Background(), Input{
		Step:   sizingStep(),
		Rules:  []schema.RiskRule{{Label: "mid", Condition: `true`, Contribution: 0.5}},
		Output: map[string]any{},
	})

	assert.InDelta(t, 0.5, a.Score, 1e-9)
	assert.NotEmpty(t, a.OracleError)
	assert.Nil(t, a.OracleScore)
}

func TestTierBoundaries_InclusiveLowerBounds(t *testing.T) {
	e := newTestEvaluator(t, nil)

	assert.Equal(t, schema.TierAutonomous, e.tier(0.0))
	assert.Equal(t, schema.TierAutonomous, e.tier(0.29999))
	assert.Equal(t, schema.TierStandardReview, e.tier(0.3))
	assert.Equal(t, schema.TierStandardReview, e.tier(0.69999))
	assert.Equal(t, schema.TierEscalatedReview, e.tier(0.7))
	assert.Equal(t, schema.TierEscalatedReview, e.tier(1.0))
}

func TestReviewerTier_Ladder(t *testing.T) {
	e := newTestEvaluator(t, nil)

	assert.Equal(t, "", e.reviewerTier(schema.TierAutonomous, "engineer"))
	assert.Equal(t, "engineer", e.reviewerTier(schema.TierStandardReview, "engineer"))
	assert.Equal(t, "senior_engineer", e.reviewerTier(schema.TierEscalatedReview, "engineer"))
	assert.Equal(t, "lead_engineer", e.reviewerTier(schema.TierEscalatedReview, "senior_engineer"))
	// Top of the ladder cannot escalate past itself.
	assert.Equal(t, "chief_engineer", e.reviewerTier(schema.TierEscalatedReview, "chief_engineer"))
	// Unknown personas review at the most senior rung.
	assert.Equal(t, "chief_engineer", e.reviewerTier(schema.TierStandardReview, "drafter"))
}
