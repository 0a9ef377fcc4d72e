package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girderhq/girder/internal/catalog"
	"github.com/girderhq/girder/internal/engine"
	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/internal/risk"
	"github.com/girderhq/girder/internal/scheduler"
	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/internal/tools"
	"github.com/girderhq/girder/internal/validation"
	"github.com/girderhq/girder/pkg/schema"
)

// newTestServer wires a GirderServer over a real store and a stub calculation
// tool. riskUtil controls whether runs suspend: values above 0.95 trip the
// schema's risk rule.
func newTestServer(t *testing.T, riskUtil float64) *GirderServer {
	t.Helper()

	dir := t.TempDir()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})

	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&tools.InvokerFunc{
		ToolName: "calc", FunctionName: "size_beam", Safe: true,
		Fn: func(ctx context.Context, inv tools.Invocation) (any, error) {
			return map[string]any{"depth_mm": 450.0, "utilization": riskUtil}, nil
		},
	}))

	engines, err := expressions.NewEngines()
	require.NoError(t, err)
	validator, err := validation.NewValidator(engines, registry)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cat := catalog.New(s, validator, logger)
	eng := engine.New(engine.Config{
		Store:     s,
		Catalog:   cat,
		Tools:     registry,
		Validator: validator,
		Risk:      risk.NewEvaluator(engines, nil, risk.DefaultConfig(), logger),
		PoolSize:  2,
		Logger:    logger,
	})
	t.Cleanup(eng.Pool().Shutdown)

	return NewGirderServer(GirderServerDeps{
		Engine:    eng,
		Catalog:   cat,
		Store:     s,
		Scheduler: scheduler.New(s, eng, logger),
		Logger:    logger,
	})
}

func beamDefinition() map[string]any {
	return map[string]any{
		"key":     "beam-review",
		"version": 1,
		"input_contract": map[string]any{
			"fields": []any{
				map[string]any{"name": "span_m", "type": "number", "required": true},
			},
		},
		"steps": []any{
			map[string]any{
				"id": 1, "persona": "engineer", "tool": "calc", "function": "size_beam",
				"input_variables": []any{"span_m"},
				"output_variable": "beam_design", "output_type": "object",
			},
		},
		"output_contract": map[string]any{
			"fields": []any{
				map[string]any{"name": "beam_design", "type": "object", "required": true},
			},
		},
		"risk_rules": []any{
			map[string]any{
				"label": "high_utilization", "dialect": "cel",
				"condition": "output.utilization > 0.95", "contribution": 0.5,
			},
		},
	}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "tool returned error: %+v", result.Content)
	require.NotEmpty(t, result.Content)
	text := mcp.GetTextFromContent(result.Content[0])
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text), &out))
	return out
}

func registerBeam(t *testing.T, s *GirderServer) {
	t.Helper()
	result, err := s.handleRegisterSchema(context.Background(),
		buildRequest("girder.register_schema", map[string]any{"definition": beamDefinition()}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, "beam-review", out["key"])
}

// --- Tests ---

func TestRegisterSchemaTool(t *testing.T) {
	s := newTestServer(t, 0.2)
	registerBeam(t, s)

	// Re-registering the same key+version is rejected.
	result, err := s.handleRegisterSchema(context.Background(),
		buildRequest("girder.register_schema", map[string]any{"definition": beamDefinition()}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRegisterSchemaToolInvalid(t *testing.T) {
	s := newTestServer(t, 0.2)

	def := beamDefinition()
	def["steps"] = []any{
		map[string]any{
			"id": 1, "persona": "engineer", "tool": "calc", "function": "no_such_function",
			"output_variable": "beam_design",
		},
	}
	result, err := s.handleRegisterSchema(context.Background(),
		buildRequest("girder.register_schema", map[string]any{"definition": def}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	// Missing definition entirely.
	result, err = s.handleRegisterSchema(context.Background(),
		buildRequest("girder.register_schema", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStartTool(t *testing.T) {
	s := newTestServer(t, 0.2)
	registerBeam(t, s)

	result, err := s.handleStart(context.Background(), buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)

	assert.Equal(t, string(schema.ExecutionStatusCompleted), out["status"])
	assert.Equal(t, "beam-review@v1", out["schema"])
	vars := out["variables"].(map[string]any)
	assert.Contains(t, vars, "beam_design")
}

func TestStartToolSuspends(t *testing.T) {
	s := newTestServer(t, 0.99)
	registerBeam(t, s)

	result, err := s.handleStart(context.Background(), buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)

	assert.Equal(t, string(schema.ExecutionStatusAwaitingReview), out["status"])
	assert.NotEmpty(t, out["pending_checkpoint_id"])
}

func TestStartToolBadInputs(t *testing.T) {
	s := newTestServer(t, 0.2)
	registerBeam(t, s)

	result, err := s.handleStart(context.Background(), buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"wrong_field": true},
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = s.handleStart(context.Background(), buildRequest("girder.start", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestStateAndResolveTools(t *testing.T) {
	s := newTestServer(t, 0.99)
	registerBeam(t, s)
	ctx := context.Background()

	start := resultJSON(t, must(s.handleStart(ctx, buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))))
	execID := start["execution_id"].(string)
	cpID := start["pending_checkpoint_id"].(string)

	stateResult, err := s.handleState(ctx, buildRequest("girder.state", map[string]any{
		"execution_id":  execID,
		"include_trail": true,
	}))
	require.NoError(t, err)
	state := resultJSON(t, stateResult)
	require.NotNil(t, state["pending_checkpoint"])
	assert.NotEmpty(t, state["trail"])

	resolveResult, err := s.handleResolve(ctx, buildRequest("girder.resolve", map[string]any{
		"checkpoint_id": cpID,
		"decision":      "approved",
		"decided_by":    "reviewer-1",
	}))
	require.NoError(t, err)
	resolved := resultJSON(t, resolveResult)
	assert.Equal(t, string(schema.ExecutionStatusCompleted), resolved["status"])

	// Second resolution loses.
	again, err := s.handleResolve(ctx, buildRequest("girder.resolve", map[string]any{
		"checkpoint_id": cpID,
		"decision":      "rejected",
		"decided_by":    "reviewer-2",
	}))
	require.NoError(t, err)
	assert.True(t, again.IsError)
}

func TestResolveToolScalarOverride(t *testing.T) {
	s := newTestServer(t, 0.99)
	ctx := context.Background()

	// The step's declared output is a bare number, so a MODIFIED override
	// arrives as a scalar, not an object.
	def := beamDefinition()
	def["key"] = "util-review"
	step := def["steps"].([]any)[0].(map[string]any)
	step["output_variable"] = "utilization_ratio"
	step["output_type"] = "number"
	def["output_contract"] = map[string]any{
		"fields": []any{
			map[string]any{"name": "utilization_ratio", "type": "number", "required": true},
		},
	}
	resultJSON(t, must(s.handleRegisterSchema(ctx,
		buildRequest("girder.register_schema", map[string]any{"definition": def}))))

	started := resultJSON(t, must(s.handleStart(ctx, buildRequest("girder.start", map[string]any{
		"schema_key": "util-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))))
	require.Equal(t, string(schema.ExecutionStatusAwaitingReview), started["status"])
	cpID := started["pending_checkpoint_id"].(string)

	resolved := resultJSON(t, must(s.handleResolve(ctx, buildRequest("girder.resolve", map[string]any{
		"checkpoint_id": cpID,
		"decision":      "modified",
		"decided_by":    "lead-1",
		"override":      0.87,
	}))))
	assert.Equal(t, string(schema.ExecutionStatusCompleted), resolved["status"])
	vars := resolved["variables"].(map[string]any)
	assert.Equal(t, 0.87, vars["utilization_ratio"])
}

func TestCancelTool(t *testing.T) {
	s := newTestServer(t, 0.99)
	registerBeam(t, s)
	ctx := context.Background()

	start := resultJSON(t, must(s.handleStart(ctx, buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))))
	execID := start["execution_id"].(string)

	result, err := s.handleCancel(ctx, buildRequest("girder.cancel", map[string]any{
		"execution_id": execID,
		"reason":       "project descoped",
		"cancelled_by": "pm-1",
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, string(schema.ExecutionStatusCancelled), out["status"])

	// Cancelling again is an error.
	result, err = s.handleCancel(ctx, buildRequest("girder.cancel", map[string]any{
		"execution_id": execID,
		"reason":       "again",
		"cancelled_by": "pm-1",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleTool(t *testing.T) {
	s := newTestServer(t, 0.2)
	registerBeam(t, s)
	ctx := context.Background()

	result, err := s.handleSchedule(ctx, buildRequest("girder.schedule", map[string]any{
		"schema_key": "beam-review",
		"cron":       "0 6 * * 1",
		"inputs":     map[string]any{"span_m": 12.5},
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.NotEmpty(t, out["run_id"])
	assert.Equal(t, "0 6 * * 1", out["cron"])

	// Bad cron expression.
	result, err = s.handleSchedule(ctx, buildRequest("girder.schedule", map[string]any{
		"schema_key": "beam-review",
		"cron":       "whenever",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryTool(t *testing.T) {
	s := newTestServer(t, 0.2)
	registerBeam(t, s)
	ctx := context.Background()

	resultJSON(t, must(s.handleStart(ctx, buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))))

	result, err := s.handleQuery(ctx, buildRequest("girder.query", map[string]any{
		"resource": "executions",
		"filter":   map[string]any{"status": "completed"},
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Len(t, out["executions"], 1)

	result, err = s.handleQuery(ctx, buildRequest("girder.query", map[string]any{
		"resource": "schemas",
	}))
	require.NoError(t, err)
	out = resultJSON(t, result)
	assert.Len(t, out["schemas"], 1)

	result, err = s.handleQuery(ctx, buildRequest("girder.query", map[string]any{
		"resource": "bogus",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestQueryToolAuditTrail(t *testing.T) {
	s := newTestServer(t, 0.2)
	registerBeam(t, s)
	ctx := context.Background()

	started := resultJSON(t, must(s.handleStart(ctx, buildRequest("girder.start", map[string]any{
		"schema_key": "beam-review",
		"inputs":     map[string]any{"span_m": 12.5},
	}))))
	execID := started["execution_id"].(string)

	result, err := s.handleQuery(ctx, buildRequest("girder.query", map[string]any{
		"resource": "audit",
		"filter":   map[string]any{"execution_id": execID},
	}))
	require.NoError(t, err)
	out := resultJSON(t, result)
	assert.Equal(t, execID, out["execution_id"])
	assert.NotEmpty(t, out["trail"])

	result, err = s.handleQuery(ctx, buildRequest("girder.query", map[string]any{
		"resource": "audit",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func must(result *mcp.CallToolResult, err error) *mcp.CallToolResult {
	if err != nil {
		panic(err)
	}
	return result
}
