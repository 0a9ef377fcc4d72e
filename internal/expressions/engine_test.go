package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girderhq/girder/pkg/schema"
)

func TestEngines_ForDialect(t *testing.T) {
	engines, err := NewEngines()
	require.NoError(t, err)

	for dialect, name := range map[string]string{
		"":     "cel",
		"cel":  "cel",
		"expr": "expr",
		"jq":   "jq",
	} {
		eng, err := engines.ForDialect(dialect)
		require.NoError(t, err)
		assert.Equal(t, name, eng.Name())
	}

	_, err = engines.ForDialect("lua")
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}

func TestCELEngine_RiskPredicate(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()

	data := map[string]any{
		"output": map[string]any{"utilization": 0.93, "deflection_mm": 18.0},
		"variables": map[string]any{
			"span_m": 12.5,
		},
	}

	out, err := eng.Evaluate(ctx, `output.utilization > 0.9`, data)
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = eng.Evaluate(ctx, `output.deflection_mm > variables.span_m * 2.0`, data)
	require.NoError(t, err)
	assert.Equal(t, false, out)
}

func TestCELEngine_MissingKeysDefaultToEmpty(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	out, err := eng.Evaluate(context.Background(), `size(variables) == 0`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileErrorIsValidation(t *testing.T) {
	eng, err := NewCELEngine()
	require.NoError(t, err)

	_, err = eng.Evaluate(context.Background(), `output >`, nil)
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)

	require.Error(t, eng.Check(`output >`))
	require.NoError(t, eng.Check(`output.utilization > 0.9`))
}

func TestExprEngine_Evaluate(t *testing.T) {
	eng := NewExprEngine()
	ctx := context.Background()

	out, err := eng.Evaluate(ctx, `output.flags | any(# == "over_capacity")`, map[string]any{
		"output": map[string]any{"flags": []any{"over_capacity", "review"}},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Undefined variables resolve to nil rather than failing compilation.
	out, err = eng.Evaluate(ctx, `prior == nil`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestGoJQEngine_EvaluateAndExtract(t *testing.T) {
	eng := NewGoJQEngine()
	ctx := context.Background()

	out, err := eng.Evaluate(ctx, `.output.moment_kNm > 100`, map[string]any{
		"output": map[string]any{"moment_kNm": 240},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)

	val, err := eng.Extract(ctx, `.sizing.depth_mm`, map[string]any{
		"sizing": map[string]any{"depth_mm": 310},
	})
	require.NoError(t, err)
	assert.Equal(t, 310.0, val)

	// Missing path yields null, not an error.
	val, err = eng.Extract(ctx, `.sizing.width_mm`, map[string]any{"sizing": map[string]any{}})
	require.NoError(t, err)
	assert.Nil(t, val)
}

func TestGoJQEngine_ParseErrorIsValidation(t *testing.T) {
	eng := NewGoJQEngine()
	err := eng.Check(`.[unclosed`)
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, gerr.Code)
}
