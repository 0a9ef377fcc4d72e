package risk

import (
	"context"
	"log/slog"
	"math"

	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/pkg/schema"
)

// Oracle is an optional external scorer consulted when the deterministic
// layers land in the ambiguous band. Implementations typically wrap an LLM or
// a statistical model.
type Oracle interface {
	// Assess returns a risk estimate in [0, 1] for a step output.
	Assess(ctx context.Context, output any, context map[string]any) (float64, error)
}

// Config holds the scoring thresholds and the reviewer ladder.
// Tier boundaries are inclusive at the lower bound: a score of exactly
// EscalatedAt lands in the escalated tier.
type Config struct {
	AutonomousBelow float64  // scores below this run without review
	EscalatedAt     float64  // scores at or above this escalate
	OracleBandLow   float64  // oracle consulted when subtotal >= this...
	OracleBandHigh  float64  // ...and <= this (band is inclusive on both ends)
	Ladder          []string // reviewer tiers, most junior first
}

// DefaultConfig returns the standard thresholds and ladder.
func DefaultConfig() Config {
	return Config{
		AutonomousBelow: 0.3,
		EscalatedAt:     0.7,
		OracleBandLow:   0.25,
		OracleBandHigh:  0.75,
		Ladder:          []string{"engineer", "senior_engineer", "lead_engineer", "chief_engineer"},
	}
}

// RuleHit records one risk rule that contributed to the score.
type RuleHit struct {
	Label        string  `json:"label"`
	Contribution float64 `json:"contribution"`
	// Error is set when the rule failed to evaluate. A failed rule counts as
	// a hit: an unanswerable question about risk is itself a risk signal.
	Error string `json:"error,omitempty"`
}

// Assessment is the full scoring breakdown for a step output.
type Assessment struct {
	Score                float64         `json:"score"`
	Tier                 schema.RiskTier `json:"tier"`
	RequiredReviewerTier string          `json:"required_reviewer_tier,omitempty"`
	RuleHits             []RuleHit       `json:"rule_hits,omitempty"`
	Magnitude            *float64        `json:"magnitude,omitempty"`
	OracleScore          *float64        `json:"oracle_score,omitempty"`
	OracleError          string          `json:"oracle_error,omitempty"`
}

// Evaluator scores step outputs through three layers: weighted rule
// predicates, re-run deviation magnitude, and an optional oracle for the
// ambiguous middle band.
type Evaluator struct {
	engines *expressions.Engines
	oracle  Oracle
	cfg     Config
	logger  *slog.Logger
}

// NewEvaluator creates an Evaluator. oracle may be nil.
func NewEvaluator(engines *expressions.Engines, oracle Oracle, cfg Config, logger *slog.Logger) *Evaluator {
	if len(cfg.Ladder) == 0 {
		cfg.Ladder = DefaultConfig().Ladder
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{engines: engines, oracle: oracle, cfg: cfg, logger: logger}
}

// Input carries everything Score needs about the step under assessment.
type Input struct {
	Step      *schema.StepDefinition
	Rules     []schema.RiskRule
	Output    any
	Prior     any  // previous value of the step's output variable
	HasPrior  bool // distinguishes a nil prior from no prior at all
	Variables map[string]any
}

// Score runs the three scoring layers and maps the result to a tier.
func (e *Evaluator) Score(ctx context.Context, in Input) *Assessment {
	a := &Assessment{}

	data := map[string]any{
		"output":    in.Output,
		"prior":     in.Prior,
		"variables": in.Variables,
		"step": map[string]any{
			"id":      in.Step.ID,
			"persona": in.Step.Persona,
			"tool":    in.Step.Tool,
		},
	}

	// Layer 1: weighted rule predicates.
	subtotal := 0.0
	for _, rule := range in.Rules {
		eng, err := e.engines.ForDialect(rule.Dialect)
		if err != nil {
			// Unknown dialects are rejected at registration; treat as a hit
			// if one slips through.
			subtotal += rule.Contribution
			a.RuleHits = append(a.RuleHits, RuleHit{Label: rule.Label, Contribution: rule.Contribution, Error: err.Error()})
			continue
		}
		out, err := eng.Evaluate(ctx, rule.Condition, data)
		if err != nil {
			subtotal += rule.Contribution
			a.RuleHits = append(a.RuleHits, RuleHit{Label: rule.Label, Contribution: rule.Contribution, Error: err.Error()})
			e.logger.WarnContext(ctx, "risk rule evaluation failed, counting as hit",
				"rule", rule.Label, "error", err)
			continue
		}
		if truthy(out) {
			subtotal += rule.Contribution
			a.RuleHits = append(a.RuleHits, RuleHit{Label: rule.Label, Contribution: rule.Contribution})
		}
	}

	// Layer 2: deviation magnitude against the prior value, when one exists.
	if in.HasPrior {
		if mag, ok := e.magnitude(ctx, in.Step, in.Output, in.Prior); ok {
			a.Magnitude = &mag
			subtotal += mag
		}
	}

	subtotal = clamp01(subtotal)

	// Layer 3: oracle, only inside the ambiguous band. A failing oracle never
	// blocks the pipeline; the deterministic subtotal stands.
	score := subtotal
	if e.oracle != nil && subtotal >= e.cfg.OracleBandLow && subtotal <= e.cfg.OracleBandHigh {
		oracleScore, err := e.oracle.Assess(ctx, in.Output, in.Variables)
		if err != nil {
			a.OracleError = err.Error()
			e.logger.WarnContext(ctx, "risk oracle unavailable, using deterministic score", "error", err)
		} else {
			oracleScore = clamp01(oracleScore)
			a.OracleScore = &oracleScore
			score = clamp01((subtotal + oracleScore) / 2)
		}
	}

	a.Score = score
	a.Tier = e.tier(score)
	a.RequiredReviewerTier = e.reviewerTier(a.Tier, in.Step.Persona)
	return a
}

// magnitude computes |new-old| / max(|new|, |old|) over the numeric values
// addressed by the step's magnitude path (or the raw outputs when no path is
// set). Non-numeric values yield no magnitude signal.
func (e *Evaluator) magnitude(ctx context.Context, step *schema.StepDefinition, output, prior any) (float64, bool) {
	newVal, okNew := e.extractNumeric(ctx, step.MagnitudePath, output)
	oldVal, okOld := e.extractNumeric(ctx, step.MagnitudePath, prior)
	if !okNew || !okOld {
		return 0, false
	}

	denom := math.Max(math.Abs(newVal), math.Abs(oldVal))
	if denom == 0 {
		return 0, true
	}
	return clamp01(math.Abs(newVal-oldVal) / denom), true
}

func (e *Evaluator) extractNumeric(ctx context.Context, path string, value any) (float64, bool) {
	if path != "" {
		extracted, err := e.engines.JQ().Extract(ctx, path, value)
		if err != nil {
			e.logger.WarnContext(ctx, "magnitude path extraction failed", "path", path, "error", err)
			return 0, false
		}
		value = extracted
	}
	return asFloat(value)
}

func (e *Evaluator) tier(score float64) schema.RiskTier {
	switch {
	case score < e.cfg.AutonomousBelow:
		return schema.TierAutonomous
	case score < e.cfg.EscalatedAt:
		return schema.TierStandardReview
	default:
		return schema.TierEscalatedReview
	}
}

// reviewerTier maps a tier and the acting persona to the rung that must sign
// off. Standard review goes to the persona's own rung; escalated review goes
// one rung above, capped at the top of the ladder. Personas outside the
// ladder review at the most senior rung.
func (e *Evaluator) reviewerTier(tier schema.RiskTier, persona string) string {
	if tier == schema.TierAutonomous {
		return ""
	}

	rung := -1
	for i, name := range e.cfg.Ladder {
		if name == persona {
			rung = i
			break
		}
	}
	top := len(e.cfg.Ladder) - 1
	if rung == -1 {
		return e.cfg.Ladder[top]
	}
	if tier == schema.TierEscalatedReview && rung < top {
		rung++
	}
	return e.cfg.Ladder[rung]
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case nil:
		return false
	default:
		return false
	}
}

func asFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	default:
		return 0, false
	}
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
