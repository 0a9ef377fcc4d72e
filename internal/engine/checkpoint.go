package engine

import (
	"context"
	"encoding/json"

	"github.com/girderhq/girder/internal/logging"
	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/pkg/schema"
)

// Resolution is a reviewer's verdict on a pending checkpoint.
type Resolution struct {
	Decision  schema.Decision `json:"decision"`
	Override  any             `json:"override,omitempty"` // replacement output, modified only
	Comments  string          `json:"comments,omitempty"`
	DecidedBy string          `json:"decided_by"`
}

// Resolve applies a reviewer decision to a pending checkpoint and drives the
// execution forward. Exactly one resolution wins per checkpoint; later calls
// observe CHECKPOINT_ALREADY_RESOLVED. A MODIFIED decision whose override
// fails the step's output type gate is rejected up front and the checkpoint
// stays pending.
func (e *Engine) Resolve(ctx context.Context, checkpointID string, res Resolution) (*store.Execution, error) {
	if !res.Decision.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", res.Decision)
	}

	cp, err := e.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	ex, err := e.store.GetExecution(ctx, cp.ExecutionID)
	if err != nil {
		return nil, err
	}
	ws, err := e.catalog.Get(ctx, ex.SchemaKey, ex.SchemaVersion)
	if err != nil {
		return nil, err
	}
	step := ws.StepByID(cp.StepID)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"checkpoint %q references unknown step %d", cp.ID, cp.StepID)
	}

	// Idempotency first: a caller retrying an already-won resolution must see
	// CHECKPOINT_ALREADY_RESOLVED even after the execution reached a terminal
	// state, so the retry reads as a safe no-op rather than a state error.
	if cp.Status != schema.CheckpointStatusPending {
		return nil, schema.NewErrorf(schema.ErrCodeCheckpointResolved,
			"checkpoint %q already resolved as %s", cp.ID, cp.Status).
			WithDetails(map[string]any{"status": string(cp.Status), "decided_by": cp.DecidedBy})
	}
	if ex.Status.Terminal() {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q is already %s", ex.ID, ex.Status)
	}

	ctx = logging.WithExecutionID(ctx, ex.ID)
	ctx = logging.WithCheckpointID(ctx, cp.ID)

	// Work out the value to commit before resolving, so a bad override never
	// consumes the checkpoint.
	var committed any
	switch res.Decision {
	case schema.DecisionApproved:
		if len(cp.ProposedOutput) > 0 {
			if err := json.Unmarshal(cp.ProposedOutput, &committed); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"checkpoint %q proposed output unreadable: %s", cp.ID, err.Error()).WithCause(err)
			}
		}
	case schema.DecisionModified:
		if vres := e.validator.CheckValue(step.OutputVariable, step.OutputType, res.Override); !vres.Valid() {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidOverride,
				"override for %q does not satisfy declared type %q", step.OutputVariable, step.OutputType).
				WithStep(step.ID).
				WithDetails(map[string]any{"errors": vres.Errors})
		}
		committed = res.Override
	}

	payload, err := json.Marshal(res)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "resolution is not serializable").WithCause(err)
	}

	// The pending-status guard in the store is the idempotency gate: the
	// first resolution wins, every later one errors here.
	cpStatus := checkpointStatusFor(res.Decision)
	if err := e.store.ResolveCheckpoint(ctx, cp.ID, cpStatus, payload, res.DecidedBy); err != nil {
		return nil, err
	}

	_ = e.audit.Record(ctx, ex.ID, &cp.StepID, schema.EventCheckpointResolved, map[string]any{
		"checkpoint_id": cp.ID,
		"decision":      string(res.Decision),
		"decided_by":    res.DecidedBy,
		"comments":      res.Comments,
	})
	e.logger.InfoContext(ctx, "checkpoint resolved",
		"decision", res.Decision, "decided_by", res.DecidedBy)

	switch res.Decision {
	case schema.DecisionApproved, schema.DecisionModified:
		err = e.commitResolution(ctx, ex, ws, step, committed)
	case schema.DecisionRejected:
		err = e.reject(ctx, ex, ws, step)
	}
	if err != nil {
		return nil, err
	}
	return e.store.GetExecution(ctx, ex.ID)
}

// commitResolution commits the approved (or overridden) value, returns the
// execution to running, and continues the interpreter loop.
func (e *Engine) commitResolution(ctx context.Context, ex *store.Execution, ws *schema.WorkflowSchema, step *schema.StepDefinition, value any) error {
	running := schema.ExecutionStatusRunning
	if err := e.fsm.Guard(ex.ID, ex.Status, running); err != nil {
		return err
	}

	newVars := cloneVars(ex.Variables)
	if step.OutputVariable != "" {
		newVars[step.OutputVariable] = value
	}
	next := ex.CurrentStep + 1
	clear := ""

	prev := ex.Status
	if err := e.casUpdate(ctx, ex, step.ID, store.ExecutionUpdate{
		Status:              &running,
		CurrentStep:         &next,
		Variables:           newVars,
		PendingCheckpointID: &clear,
	}); err != nil {
		return err
	}
	_ = e.fsm.Transition(ctx, ex.ID, prev, running, map[string]any{"step": step.ID})

	return e.advance(ctx, ex, ws)
}

// reject handles a REJECTED decision. With no retry target the execution is
// terminally rejected. With one, every variable written from the retry target
// onward is displaced into Priors and the cursor rewinds, so the re-run sees
// its predecessors' outputs as priors for magnitude scoring.
func (e *Engine) reject(ctx context.Context, ex *store.Execution, ws *schema.WorkflowSchema, step *schema.StepDefinition) error {
	clear := ""

	if step.RetryStep == 0 {
		rejected := schema.ExecutionStatusRejected
		prev := ex.Status
		if err := e.fsm.Guard(ex.ID, ex.Status, rejected); err != nil {
			return err
		}
		if err := e.casUpdate(ctx, ex, step.ID, store.ExecutionUpdate{
			Status:              &rejected,
			PendingCheckpointID: &clear,
		}); err != nil {
			return err
		}
		_ = e.fsm.Transition(ctx, ex.ID, prev, rejected, map[string]any{"step": step.ID})
		e.logger.InfoContext(ctx, "execution rejected with no retry target", "step", step.ID)
		return nil
	}

	running := schema.ExecutionStatusRunning
	prev := ex.Status
	if err := e.fsm.Guard(ex.ID, ex.Status, running); err != nil {
		return err
	}

	// Displace outputs of steps retry_step..current. The rejected step's own
	// output was never committed; it rode on the checkpoint.
	newVars := cloneVars(ex.Variables)
	newPriors := cloneVars(ex.Priors)
	var displaced []string
	for id := step.RetryStep; id <= step.ID; id++ {
		s := ws.StepByID(id)
		if s == nil || s.OutputVariable == "" {
			continue
		}
		if val, ok := newVars[s.OutputVariable]; ok {
			newPriors[s.OutputVariable] = val
			delete(newVars, s.OutputVariable)
			displaced = append(displaced, s.OutputVariable)
		}
	}
	rewound := step.RetryStep - 1 // 0-based cursor

	if err := e.casUpdate(ctx, ex, step.ID, store.ExecutionUpdate{
		Status:              &running,
		CurrentStep:         &rewound,
		Variables:           newVars,
		Priors:              newPriors,
		PendingCheckpointID: &clear,
	}); err != nil {
		return err
	}

	_ = e.audit.Record(ctx, ex.ID, &step.ID, schema.EventVariablesRolledBack, map[string]any{
		"retry_step": step.RetryStep,
		"displaced":  displaced,
	})
	_ = e.fsm.Transition(ctx, ex.ID, prev, running, map[string]any{"retry_step": step.RetryStep})
	e.logger.InfoContext(ctx, "rolled back for retry",
		"from_step", step.ID, "retry_step", step.RetryStep, "displaced", displaced)

	return e.advance(ctx, ex, ws)
}

// Cancel terminates a live execution. In-flight tool results lose the
// version race against the cancel write and are discarded by the runner.
func (e *Engine) Cancel(ctx context.Context, executionID, reason, cancelledBy string) (*store.Execution, error) {
	ctx = logging.WithExecutionID(ctx, executionID)

	for attempt := 0; ; attempt++ {
		ex, err := e.store.GetExecution(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if ex.Status.Terminal() {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"execution %q is already %s", executionID, ex.Status)
		}

		cancelled := schema.ExecutionStatusCancelled
		clear := ""
		pendingCP := ex.PendingCheckpointID
		err = e.store.UpdateExecution(ctx, executionID, ex.Version, store.ExecutionUpdate{
			Status:              &cancelled,
			PendingCheckpointID: &clear,
			Error: errJSON(schema.NewErrorf(schema.ErrCodeCancelled,
				"cancelled by %s: %s", cancelledBy, reason)),
		})
		if err != nil {
			if gerr, ok := err.(*schema.GirderError); ok && gerr.Code == schema.ErrCodeConcurrentModification && attempt < casRetries {
				continue
			}
			return nil, err
		}

		// Close out an open checkpoint so it cannot be resolved against a
		// dead execution. A racing reviewer may have already resolved it;
		// either way the cancel verdict on the execution stands.
		if pendingCP != "" {
			decision, _ := json.Marshal(Resolution{Decision: schema.DecisionRejected, Comments: "execution cancelled", DecidedBy: cancelledBy})
			if rerr := e.store.ResolveCheckpoint(ctx, pendingCP, schema.CheckpointStatusRejected, decision, cancelledBy); rerr != nil {
				if gerr, ok := rerr.(*schema.GirderError); !ok || gerr.Code != schema.ErrCodeCheckpointResolved {
					e.logger.WarnContext(ctx, "failed to close pending checkpoint on cancel",
						"checkpoint_id", pendingCP, "error", rerr)
				}
			}
		}

		_ = e.fsm.Transition(ctx, executionID, ex.Status, cancelled, map[string]any{
			"reason": reason, "cancelled_by": cancelledBy,
		})
		e.logger.InfoContext(ctx, "execution cancelled", "reason", reason, "by", cancelledBy)
		return e.store.GetExecution(ctx, executionID)
	}
}

// Resume picks up an execution from its persisted state after a crash or
// restart. Terminal executions need nothing; a running one re-enters the
// interpreter loop at the persisted cursor. A suspended one is left waiting
// unless a crash landed between the checkpoint resolution and the execution
// write, in which case the recorded verdict is re-applied.
func (e *Engine) Resume(ctx context.Context, executionID string) (*store.Execution, error) {
	ctx = logging.WithExecutionID(ctx, executionID)

	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if ex.Status == schema.ExecutionStatusAwaitingReview {
		return e.resumeSuspended(ctx, ex)
	}
	if ex.Status != schema.ExecutionStatusRunning {
		return ex, nil
	}

	ws, err := e.catalog.Get(ctx, ex.SchemaKey, ex.SchemaVersion)
	if err != nil {
		return nil, err
	}

	_ = e.audit.Record(ctx, ex.ID, nil, schema.EventExecutionResumed, map[string]any{
		"current_step": ex.CurrentStep,
	})
	e.logger.InfoContext(ctx, "resuming execution", "current_step", ex.CurrentStep)

	if err := e.advance(ctx, ex, ws); err != nil {
		e.logger.ErrorContext(ctx, "resumed execution halted", "error", err)
	}
	return e.store.GetExecution(ctx, executionID)
}

// resumeSuspended re-applies a resolved-but-uncommitted checkpoint verdict.
// A checkpoint still pending means the execution is genuinely waiting on a
// reviewer and there is nothing to do.
func (e *Engine) resumeSuspended(ctx context.Context, ex *store.Execution) (*store.Execution, error) {
	if ex.PendingCheckpointID == "" {
		return ex, nil
	}
	cp, err := e.store.GetCheckpoint(ctx, ex.PendingCheckpointID)
	if err != nil {
		return nil, err
	}
	if cp.Status == schema.CheckpointStatusPending {
		return ex, nil
	}

	ws, err := e.catalog.Get(ctx, ex.SchemaKey, ex.SchemaVersion)
	if err != nil {
		return nil, err
	}
	step := ws.StepByID(cp.StepID)
	if step == nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution,
			"checkpoint %q references unknown step %d", cp.ID, cp.StepID)
	}

	var res Resolution
	if len(cp.Decision) > 0 {
		if err := json.Unmarshal(cp.Decision, &res); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution,
				"checkpoint %q decision unreadable: %s", cp.ID, err.Error()).WithCause(err)
		}
	}

	e.logger.InfoContext(ctx, "re-applying resolved checkpoint after restart",
		"checkpoint_id", cp.ID, "decision", res.Decision)

	switch res.Decision {
	case schema.DecisionApproved:
		var committed any
		if len(cp.ProposedOutput) > 0 {
			if err := json.Unmarshal(cp.ProposedOutput, &committed); err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeExecution,
					"checkpoint %q proposed output unreadable: %s", cp.ID, err.Error()).WithCause(err)
			}
		}
		err = e.commitResolution(ctx, ex, ws, step, committed)
	case schema.DecisionModified:
		err = e.commitResolution(ctx, ex, ws, step, res.Override)
	default:
		err = e.reject(ctx, ex, ws, step)
	}
	if err != nil {
		e.logger.ErrorContext(ctx, "resumed execution halted", "error", err)
	}
	return e.store.GetExecution(ctx, ex.ID)
}

// RecoverRunning resumes every non-terminal execution on the pool: running
// ones re-enter the loop, suspended ones get their resolved-but-uncommitted
// verdicts re-applied. Returns the number of executions submitted.
func (e *Engine) RecoverRunning(ctx context.Context) (int, error) {
	running := schema.ExecutionStatusRunning
	list, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		return 0, err
	}
	awaiting := schema.ExecutionStatusAwaitingReview
	suspended, err := e.store.ListExecutions(ctx, store.ExecutionFilter{Status: &awaiting})
	if err != nil {
		return 0, err
	}
	list = append(list, suspended...)

	submitted := 0
	for _, ex := range list {
		id := ex.ID
		if err := e.pool.Submit(ctx, func(ctx context.Context) error {
			_, rerr := e.Resume(ctx, id)
			return rerr
		}); err != nil {
			return submitted, err
		}
		submitted++
	}
	return submitted, nil
}

// StateView is the full observable state of an execution.
type StateView struct {
	Execution         *store.Execution    `json:"execution"`
	PendingCheckpoint *store.Checkpoint   `json:"pending_checkpoint,omitempty"`
	Trail             []*store.AuditEntry `json:"trail,omitempty"`
}

// State returns the execution, its pending checkpoint if any, and optionally
// the audit trail.
func (e *Engine) State(ctx context.Context, executionID string, withTrail bool) (*StateView, error) {
	ex, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}

	view := &StateView{Execution: ex}
	if ex.PendingCheckpointID != "" {
		cp, err := e.store.GetCheckpoint(ctx, ex.PendingCheckpointID)
		if err != nil {
			return nil, err
		}
		view.PendingCheckpoint = cp
	}
	if withTrail {
		trail, err := e.audit.Trail(ctx, executionID)
		if err != nil {
			return nil, err
		}
		view.Trail = trail
	}
	return view, nil
}

func checkpointStatusFor(d schema.Decision) schema.CheckpointStatus {
	switch d {
	case schema.DecisionApproved:
		return schema.CheckpointStatusApproved
	case schema.DecisionModified:
		return schema.CheckpointStatusModified
	default:
		return schema.CheckpointStatusRejected
	}
}
