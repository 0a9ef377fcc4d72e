package store

import (
	"encoding/json"
	"time"

	"github.com/girderhq/girder/pkg/schema"
)

// SchemaRecord is the persisted form of a registered workflow schema.
// Records are immutable: a key+version pair is written once and never updated.
type SchemaRecord struct {
	Key          string                `json:"key"`
	Version      int                   `json:"version"`
	Definition   schema.WorkflowSchema `json:"definition"`
	RegisteredAt time.Time             `json:"registered_at"`
}

// Execution is the persisted state of one workflow invocation.
//
// Variables is append-only: a key, once written, is only ever replaced via an
// explicit MODIFIED checkpoint decision or a rejection rollback (which moves
// the displaced values into Priors). Version is the optimistic-concurrency
// token; every mutating write is conditional on it.
type Execution struct {
	ID                  string                 `json:"id"`
	SchemaKey           string                 `json:"schema_key"`
	SchemaVersion       int                    `json:"schema_version"`
	Status              schema.ExecutionStatus `json:"status"`
	CurrentStep         int                    `json:"current_step"` // 0-based index into the schema's steps
	Variables           map[string]any         `json:"variables"`
	Priors              map[string]any         `json:"priors,omitempty"`
	PendingCheckpointID string                 `json:"pending_checkpoint_id,omitempty"`
	Error               json.RawMessage        `json:"error,omitempty"`
	Version             int64                  `json:"version"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// Checkpoint is one human-review gate in an execution's history.
// Checkpoints are append-only: a resolved checkpoint is never mutated again;
// re-review of the same step after a retry creates a new checkpoint.
type Checkpoint struct {
	ID                   string                  `json:"id"`
	ExecutionID          string                  `json:"execution_id"`
	StepID               int                     `json:"step_id"`
	RiskScore            float64                 `json:"risk_score"`
	RiskTier             schema.RiskTier         `json:"risk_tier"`
	RequiredReviewerTier string                  `json:"required_reviewer_tier"`
	Status               schema.CheckpointStatus `json:"status"`
	ProposedOutput       json.RawMessage         `json:"proposed_output,omitempty"` // uncommitted step result awaiting the verdict
	Decision             json.RawMessage         `json:"decision,omitempty"`        // reviewer payload (overrides, comments)
	DecidedBy            string                  `json:"decided_by,omitempty"`
	CreatedAt            time.Time               `json:"created_at"`
	ResolvedAt           *time.Time              `json:"resolved_at,omitempty"`
}

// AuditEntry is an immutable record of one engine transition.
type AuditEntry struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	StepID      *int            `json:"step_id,omitempty"` // nil for execution-level events
	EventType   string          `json:"event_type"`
	Details     json.RawMessage `json:"details,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"` // per-execution, contiguous from 1
}

// ScheduledRun is a cron-triggered recurring execution start.
type ScheduledRun struct {
	ID             string          `json:"id"`
	SchemaKey      string          `json:"schema_key"`
	SchemaVersion  int             `json:"schema_version,omitempty"` // 0 = latest
	CronExpression string          `json:"cron_expression"`
	Inputs         json.RawMessage `json:"inputs,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionUpdate specifies the mutable fields of an execution. Nil fields
// are left unchanged. Variables and Priors are full replacements.
type ExecutionUpdate struct {
	Status              *schema.ExecutionStatus `json:"status,omitempty"`
	CurrentStep         *int                    `json:"current_step,omitempty"`
	Variables           map[string]any          `json:"variables,omitempty"`
	Priors              map[string]any          `json:"priors,omitempty"`
	PendingCheckpointID *string                 `json:"pending_checkpoint_id,omitempty"` // pointer to "" clears
	Error               json.RawMessage         `json:"error,omitempty"`
}

// SchemaFilter specifies criteria for listing schema records.
type SchemaFilter struct {
	Key   string `json:"key,omitempty"`
	Limit int    `json:"limit,omitempty"`
}

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	SchemaKey string                  `json:"schema_key,omitempty"`
	Status    *schema.ExecutionStatus `json:"status,omitempty"`
	Since     *time.Time              `json:"since,omitempty"`
	Limit     int                     `json:"limit,omitempty"`
	Offset    int                     `json:"offset,omitempty"`
}

// CheckpointFilter specifies criteria for listing checkpoints.
type CheckpointFilter struct {
	ExecutionID string                   `json:"execution_id,omitempty"`
	Status      *schema.CheckpointStatus `json:"status,omitempty"`
	Limit       int                      `json:"limit,omitempty"`
}

// ScheduledRunUpdate specifies the mutable fields of a scheduled run.
type ScheduledRunUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledRunFilter specifies criteria for listing scheduled runs.
type ScheduledRunFilter struct {
	Enabled *bool `json:"enabled,omitempty"`
	Limit   int   `json:"limit,omitempty"`
}
