package store

import (
	"context"
	"encoding/json"

	"github.com/girderhq/girder/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Schemas (immutable once written)
	PutSchema(ctx context.Context, rec *SchemaRecord) error
	GetSchema(ctx context.Context, key string, version int) (*SchemaRecord, error)
	LatestSchema(ctx context.Context, key string) (*SchemaRecord, error)
	ListSchemas(ctx context.Context, filter SchemaFilter) ([]*SchemaRecord, error)

	// Executions
	CreateExecution(ctx context.Context, ex *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// UpdateExecution applies the update iff the stored optimistic version
	// equals expectedVersion, bumping it by one. A stale version yields
	// ErrCodeConcurrentModification.
	UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Checkpoints (append-only history)
	// SuspendExecution writes the execution update and the new pending
	// checkpoint in a single transaction, guarded by expectedVersion.
	SuspendExecution(ctx context.Context, executionID string, expectedVersion int64, update ExecutionUpdate, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ResolveCheckpoint flips a pending checkpoint to its terminal status.
	// A second call observes ErrCodeCheckpointResolved.
	ResolveCheckpoint(ctx context.Context, id string, status schema.CheckpointStatus, decision json.RawMessage, decidedBy string) error
	ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error)

	// Audit (append-only)
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	AuditTrail(ctx context.Context, executionID string, since int64) ([]*AuditEntry, error)

	// Scheduled runs
	CreateScheduledRun(ctx context.Context, run *ScheduledRun) error
	GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error)
	UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error
	ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error)
	DeleteScheduledRun(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
