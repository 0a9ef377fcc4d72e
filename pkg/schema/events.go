package schema

// Audit event type constants. One entry is appended per transition; entries
// are never mutated or deleted.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionRejected  = "execution_rejected"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionResumed   = "execution_resumed"

	EventStepStarted         = "step_started"
	EventStepCompleted       = "step_completed"
	EventStepFailed          = "step_failed"
	EventStepResultDiscarded = "step_result_discarded"

	EventCheckpointCreated  = "checkpoint_created"
	EventCheckpointResolved = "checkpoint_resolved"

	EventVariablesRolledBack = "variables_rolled_back"
	EventOutputValidated     = "output_validated"
	EventOutputRejected      = "output_rejected"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning        ExecutionStatus = "running"
	ExecutionStatusAwaitingReview ExecutionStatus = "awaiting_review"
	ExecutionStatusCompleted      ExecutionStatus = "completed"
	ExecutionStatusRejected       ExecutionStatus = "rejected"
	ExecutionStatusFailed         ExecutionStatus = "failed"
	ExecutionStatusCancelled      ExecutionStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusRejected, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// CheckpointStatus represents the lifecycle state of a review checkpoint.
type CheckpointStatus string

const (
	CheckpointStatusPending  CheckpointStatus = "pending"
	CheckpointStatusApproved CheckpointStatus = "approved"
	CheckpointStatusRejected CheckpointStatus = "rejected"
	CheckpointStatusModified CheckpointStatus = "modified"
)

// Decision is a reviewer's verdict on a pending checkpoint.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionModified Decision = "modified"
)

// Valid reports whether the decision is one of the recognized verdicts.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApproved, DecisionRejected, DecisionModified:
		return true
	}
	return false
}

// RiskTier classifies a risk score into an autonomy level.
type RiskTier string

const (
	TierAutonomous      RiskTier = "autonomous"
	TierStandardReview  RiskTier = "standard_review"
	TierEscalatedReview RiskTier = "escalated_review"
)
