package engine

import (
	"context"

	"github.com/girderhq/girder/pkg/schema"
)

// AuditAppender is satisfied by store.AuditLog; the FSM emits one audit entry
// per status transition.
type AuditAppender interface {
	Record(ctx context.Context, executionID string, stepID *int, eventType string, details any) error
}

// ValidExecutionTransitions defines the allowed execution status transitions.
// Terminal statuses admit nothing; resolving or cancelling a finished
// execution is an invalid transition, not a silent no-op.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusAwaitingReview,
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusRejected,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusAwaitingReview: {
		schema.ExecutionStatusRunning,
		schema.ExecutionStatusRejected,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusRejected:  {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
}

// ExecutionFSM validates execution lifecycle transitions and emits the
// corresponding audit events. The caller persists the new state; the FSM only
// guards and records.
type ExecutionFSM struct {
	audit AuditAppender
}

// NewExecutionFSM creates an ExecutionFSM emitting through the given appender.
func NewExecutionFSM(audit AuditAppender) *ExecutionFSM {
	return &ExecutionFSM{audit: audit}
}

// Guard returns an error if the transition is not allowed.
func (f *ExecutionFSM) Guard(executionID string, from, to schema.ExecutionStatus) error {
	if !isValidTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates the transition and emits its audit event. details may
// be nil.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus, details any) error {
	if err := f.Guard(executionID, from, to); err != nil {
		return err
	}

	eventType := transitionEventType(from, to)
	if eventType != "" {
		if err := f.audit.Record(ctx, executionID, nil, eventType, details); err != nil {
			return schema.NewErrorf(schema.ErrCodeStore, "emit transition event: %s", err.Error()).WithCause(err)
		}
	}
	return nil
}

func isValidTransition(from, to schema.ExecutionStatus) bool {
	allowed, ok := ValidExecutionTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

func transitionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionStatusCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionStatusFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionStatusRejected:
		return schema.EventExecutionRejected
	case schema.ExecutionStatusCancelled:
		return schema.EventExecutionCancelled
	case schema.ExecutionStatusRunning:
		if from == schema.ExecutionStatusAwaitingReview {
			return schema.EventExecutionResumed
		}
		return ""
	default:
		// awaiting_review is recorded via checkpoint_created, which carries
		// the risk assessment.
		return ""
	}
}
