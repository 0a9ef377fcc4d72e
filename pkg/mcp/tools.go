package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/girderhq/girder/internal/engine"
	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/pkg/schema"
)

// handleRegisterSchema validates and publishes a workflow schema version.
func (s *GirderServer) handleRegisterSchema(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed WorkflowSchema.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var ws schema.WorkflowSchema
	if err := json.Unmarshal(defBytes, &ws); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	rec, err := s.catalog.Register(ctx, &ws)
	if err != nil {
		return toolError("schema registration failed", err), nil
	}

	return marshalResult(map[string]any{
		"key":     rec.Key,
		"version": rec.Version,
		"steps":   len(rec.Definition.Steps),
	})
}

// handleStart launches an execution.
func (s *GirderServer) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schemaKey, err := req.RequireString("schema_key")
	if err != nil {
		return mcp.NewToolResultError("schema_key is required"), nil
	}
	version := req.GetInt("version", 0)
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	if req.GetBool("async", false) {
		id, startErr := s.engine.StartAsync(ctx, schemaKey, version, inputs)
		if startErr != nil {
			return toolError("start failed", startErr), nil
		}
		return marshalResult(map[string]any{"execution_id": id, "async": true})
	}

	ex, err := s.engine.Start(ctx, schemaKey, version, inputs)
	if err != nil {
		return toolError("start failed", err), nil
	}
	return marshalResult(executionSummary(ex))
}

// handleState returns an execution's observable state.
func (s *GirderServer) handleState(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	includeTrail := req.GetBool("include_trail", false)

	view, err := s.engine.State(ctx, executionID, includeTrail)
	if err != nil {
		return toolError("state query failed", err), nil
	}
	return marshalResult(view)
}

// handleResolve records a reviewer decision on a pending checkpoint and drives
// the execution forward.
func (s *GirderServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	checkpointID, err := req.RequireString("checkpoint_id")
	if err != nil {
		return mcp.NewToolResultError("checkpoint_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}
	decidedBy, err := req.RequireString("decided_by")
	if err != nil {
		return mcp.NewToolResultError("decided_by is required"), nil
	}

	res := engine.Resolution{
		Decision:  schema.Decision(decision),
		DecidedBy: decidedBy,
		Comments:  req.GetString("comments", ""),
	}
	// Overrides can be any JSON value; the step's declared output type may be
	// a scalar, so no map coercion here.
	if override, ok := req.GetArguments()["override"]; ok && override != nil {
		res.Override = override
	}

	ex, err := s.engine.Resolve(ctx, checkpointID, res)
	if err != nil {
		return toolError("resolve failed", err), nil
	}
	return marshalResult(executionSummary(ex))
}

// handleCancel terminates a live execution.
func (s *GirderServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason, err := req.RequireString("reason")
	if err != nil {
		return mcp.NewToolResultError("reason is required"), nil
	}
	cancelledBy, err := req.RequireString("cancelled_by")
	if err != nil {
		return mcp.NewToolResultError("cancelled_by is required"), nil
	}

	ex, err := s.engine.Cancel(ctx, executionID, reason, cancelledBy)
	if err != nil {
		return toolError("cancel failed", err), nil
	}
	return marshalResult(executionSummary(ex))
}

// handleSchedule registers a recurring run.
func (s *GirderServer) handleSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.scheduler == nil {
		return mcp.NewToolResultError("scheduler is disabled on this server"), nil
	}

	schemaKey, err := req.RequireString("schema_key")
	if err != nil {
		return mcp.NewToolResultError("schema_key is required"), nil
	}
	cronExpr, err := req.RequireString("cron")
	if err != nil {
		return mcp.NewToolResultError("cron is required"), nil
	}
	version := req.GetInt("version", 0)
	inputs := mcp.ParseStringMap(req, "inputs", nil)

	run, err := s.scheduler.Schedule(ctx, schemaKey, version, cronExpr, inputs)
	if err != nil {
		return toolError("schedule failed", err), nil
	}
	return marshalResult(map[string]any{
		"run_id":      run.ID,
		"schema_key":  run.SchemaKey,
		"cron":        run.CronExpression,
		"next_run_at": run.NextRunAt,
	})
}

// handleQuery lists executions, checkpoints, schemas, or scheduled runs.
func (s *GirderServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "checkpoints":
		return s.queryCheckpoints(ctx, filter)
	case "schemas":
		return s.querySchemas(ctx, filter)
	case "scheduled_runs":
		return s.queryScheduledRuns(ctx, filter)
	case "audit":
		return s.queryAudit(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *GirderServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if key, ok := filter["schema_key"].(string); ok {
		ef.SchemaKey = key
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *GirderServer) queryCheckpoints(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	cf := store.CheckpointFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		cf.ExecutionID = execID
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		cs := schema.CheckpointStatus(status)
		cf.Status = &cs
	}

	checkpoints, err := s.store.ListCheckpoints(ctx, cf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"checkpoints": checkpoints})
}

func (s *GirderServer) querySchemas(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	key := ""
	if k, ok := filter["key"].(string); ok {
		key = k
	}

	records, err := s.catalog.List(ctx, key, extractInt(filter, "limit", 50))
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"schemas": records})
}

func (s *GirderServer) queryScheduledRuns(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	rf := store.ScheduledRunFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		rf.Enabled = &enabled
	}

	runs, err := s.store.ListScheduledRuns(ctx, rf)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"scheduled_runs": runs})
}

func (s *GirderServer) queryAudit(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	execID, _ := filter["execution_id"].(string)
	if execID == "" {
		return mcp.NewToolResultError("audit queries require filter.execution_id"), nil
	}

	trail, err := s.engine.Audit().Trail(ctx, execID)
	if err != nil {
		return toolError("query failed", err), nil
	}
	return marshalResult(map[string]any{"execution_id": execID, "trail": trail})
}

// --- Internal helpers ---

// executionSummary trims an execution to what tool callers act on.
func executionSummary(ex *store.Execution) map[string]any {
	out := map[string]any{
		"execution_id": ex.ID,
		"schema":       schema.QualifiedKey(ex.SchemaKey, ex.SchemaVersion),
		"status":       ex.Status,
		"current_step": ex.CurrentStep,
		"variables":    ex.Variables,
	}
	if ex.PendingCheckpointID != "" {
		out["pending_checkpoint_id"] = ex.PendingCheckpointID
	}
	if len(ex.Error) > 0 {
		out["error"] = json.RawMessage(ex.Error)
	}
	return out
}

// toolError flattens a GirderError into a structured tool error message so
// agents can branch on the code.
func toolError(prefix string, err error) *mcp.CallToolResult {
	if gerr, ok := err.(*schema.GirderError); ok {
		return mcp.NewToolResultError(fmt.Sprintf("%s [%s]: %s", prefix, gerr.Code, gerr.Message))
	}
	return mcp.NewToolResultError(fmt.Sprintf("%s: %v", prefix, err))
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// marshalResult converts a value to a JSON tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
