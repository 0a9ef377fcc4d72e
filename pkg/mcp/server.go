package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/girderhq/girder/internal/catalog"
	"github.com/girderhq/girder/internal/engine"
	"github.com/girderhq/girder/internal/scheduler"
	"github.com/girderhq/girder/internal/store"
)

// GirderServerDeps holds the dependencies for creating a GirderServer.
type GirderServerDeps struct {
	Engine    *engine.Engine
	Catalog   *catalog.Catalog
	Store     store.Store
	Scheduler *scheduler.Scheduler // optional; nil disables girder.schedule
	Logger    *slog.Logger
}

// GirderServer wraps an MCP server with the workflow tool handlers. Agents
// register schemas, start executions, resolve checkpoints, and query state
// through it.
type GirderServer struct {
	engine    *engine.Engine
	catalog   *catalog.Catalog
	store     *storeFacade
	scheduler *scheduler.Scheduler
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// storeFacade narrows store.Store to what the query handlers need.
type storeFacade struct {
	store.Store
}

// NewGirderServer creates a GirderServer with all tools registered.
func NewGirderServer(deps GirderServerDeps) *GirderServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &GirderServer{
		engine:    deps.Engine,
		catalog:   deps.Catalog,
		store:     &storeFacade{Store: deps.Store},
		scheduler: deps.Scheduler,
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"girder",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Girder executes risk-gated engineering review workflows. Use girder.register_schema to publish a workflow definition, girder.start to run one, girder.state to inspect an execution and its pending checkpoint, girder.resolve to record a reviewer decision, girder.cancel to terminate a run, girder.schedule for recurring runs, and girder.query to list executions, checkpoints, schemas, or scheduled runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *GirderServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *GirderServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *GirderServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerSchemaTool(), Handler: s.handleRegisterSchema},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: stateTool(), Handler: s.handleState},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func registerSchemaTool() mcp.Tool {
	return mcp.NewTool("girder.register_schema",
		mcp.WithDescription("Validate and publish an immutable workflow schema version"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow schema object (key, version, input_contract, steps, output_contract, risk_rules)")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("girder.start",
		mcp.WithDescription("Start an execution of a registered workflow schema"),
		mcp.WithString("schema_key", mcp.Required(), mcp.Description("Key of the workflow schema to execute")),
		mcp.WithNumber("version", mcp.Description("Schema version (default: latest)")),
		mcp.WithObject("inputs", mcp.Description("Input variables satisfying the schema's input contract")),
		mcp.WithBoolean("async", mcp.Description("Return immediately with the execution ID instead of waiting for the first suspend or completion")),
	)
}

func stateTool() mcp.Tool {
	return mcp.NewTool("girder.state",
		mcp.WithDescription("Get an execution's status, variables, pending checkpoint, and optionally its audit trail"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to inspect")),
		mcp.WithBoolean("include_trail", mcp.Description("Include the full audit trail (default: false)")),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("girder.resolve",
		mcp.WithDescription("Record a reviewer decision on a pending checkpoint"),
		mcp.WithString("checkpoint_id", mcp.Required(), mcp.Description("ID of the pending checkpoint")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approved", "rejected", "modified"),
			mcp.Description("Reviewer verdict"),
		),
		mcp.WithString("decided_by", mcp.Required(), mcp.Description("Identity of the deciding reviewer")),
		mcp.WithAny("override", mcp.Description("Replacement step output, any JSON type matching the step's declared output type (required for modified)")),
		mcp.WithString("comments", mcp.Description("Reviewer comments recorded with the decision")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("girder.cancel",
		mcp.WithDescription("Terminate a live execution; any in-flight step result is discarded"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Required(), mcp.Description("Why the execution is being cancelled")),
		mcp.WithString("cancelled_by", mcp.Required(), mcp.Description("Identity of the canceller")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("girder.schedule",
		mcp.WithDescription("Register a recurring cron-triggered execution of a workflow schema"),
		mcp.WithString("schema_key", mcp.Required(), mcp.Description("Key of the workflow schema to run")),
		mcp.WithString("cron", mcp.Required(), mcp.Description("Five-field cron expression (minute hour dom month dow)")),
		mcp.WithNumber("version", mcp.Description("Schema version (default: latest at fire time)")),
		mcp.WithObject("inputs", mcp.Description("Input variables for each run")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("girder.query",
		mcp.WithDescription("Query executions, checkpoints, schemas, scheduled runs, or an execution's audit trail"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "checkpoints", "schemas", "scheduled_runs", "audit"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, schema_key, execution_id, key, enabled, since, limit)")),
	)
}
