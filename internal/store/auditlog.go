package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/girderhq/girder/pkg/schema"
)

// AuditLog provides append-and-verify operations over the audit_log table.
// Entries are the authoritative history of an execution: one per transition,
// never mutated, never deleted.
type AuditLog struct {
	store Store
}

// NewAuditLog wraps a Store to provide audit operations.
func NewAuditLog(s Store) *AuditLog {
	return &AuditLog{store: s}
}

// Record marshals details and appends an audit entry. A nil stepID marks an
// execution-level event. Details may be nil.
func (al *AuditLog) Record(ctx context.Context, executionID string, stepID *int, eventType string, details any) error {
	var raw json.RawMessage
	if details != nil {
		b, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		raw = b
	}
	return al.store.AppendAudit(ctx, &AuditEntry{
		ExecutionID: executionID,
		StepID:      stepID,
		EventType:   eventType,
		Details:     raw,
		Timestamp:   time.Now().UTC(),
	})
}

// Trail returns the full ordered history for an execution.
func (al *AuditLog) Trail(ctx context.Context, executionID string) ([]*AuditEntry, error) {
	return al.store.AuditTrail(ctx, executionID, 0)
}

// VerifyTrail returns the trail after checking sequence contiguity. A gap
// means entries were lost or tampered with, which invalidates the history.
func (al *AuditLog) VerifyTrail(ctx context.Context, executionID string) ([]*AuditEntry, error) {
	entries, err := al.store.AuditTrail(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get audit trail: %w", err)
	}
	for i, e := range entries {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s audit trail: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}
	return entries, nil
}
