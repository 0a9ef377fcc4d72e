package expressions

import (
	"context"

	"github.com/girderhq/girder/pkg/schema"
)

// Engine evaluates risk-rule predicates against step outputs.
// Three implementations: CEL (default), Expr (logic), GoJQ (transforms).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
	// Check compiles the expression without evaluating it, so schemas can be
	// rejected at registration time instead of mid-execution.
	Check(expression string) error
}

// Engines bundles one engine per supported dialect.
type Engines struct {
	cel  *CELEngine
	expr *ExprEngine
	jq   *GoJQEngine
}

// NewEngines constructs the full dialect set.
func NewEngines() (*Engines, error) {
	celEngine, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Engines{
		cel:  celEngine,
		expr: NewExprEngine(),
		jq:   NewGoJQEngine(),
	}, nil
}

// ForDialect returns the engine for a dialect name. An empty dialect selects
// CEL, the default.
func (e *Engines) ForDialect(dialect string) (Engine, error) {
	switch dialect {
	case "", "cel":
		return e.cel, nil
	case "expr":
		return e.expr, nil
	case "jq":
		return e.jq, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression dialect %q", dialect)
	}
}

// JQ returns the jq engine directly; magnitude paths are always jq.
func (e *Engines) JQ() *GoJQEngine {
	return e.jq
}
