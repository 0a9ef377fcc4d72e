package mcp

import (
	"context"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/girderhq/girder/internal/store"
)

// CheckpointNotifier broadcasts checkpoint-created events to connected MCP
// clients so reviewing agents learn about suspended executions without
// polling. Implements engine.ReviewGateway.
type CheckpointNotifier struct {
	mcpServer *server.MCPServer
	logger    *slog.Logger
}

// NewCheckpointNotifier creates a notifier pushing through the given server.
func NewCheckpointNotifier(mcpServer *server.MCPServer, logger *slog.Logger) *CheckpointNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointNotifier{mcpServer: mcpServer, logger: logger}
}

// OnCheckpointCreated pushes the checkpoint summary to every connected client.
// Best-effort: a failed push never affects the suspend that triggered it.
func (n *CheckpointNotifier) OnCheckpointCreated(ctx context.Context, ex *store.Execution, cp *store.Checkpoint) {
	n.mcpServer.SendNotificationToAllClients("notifications/message", map[string]any{
		"event":                  "checkpoint_created",
		"execution_id":           ex.ID,
		"checkpoint_id":          cp.ID,
		"step_id":                cp.StepID,
		"risk_score":             cp.RiskScore,
		"risk_tier":              cp.RiskTier,
		"required_reviewer_tier": cp.RequiredReviewerTier,
	})
	n.logger.InfoContext(ctx, "checkpoint notification pushed",
		"execution_id", ex.ID, "checkpoint_id", cp.ID)
}
