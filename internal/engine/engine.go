package engine

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/girderhq/girder/internal/catalog"
	"github.com/girderhq/girder/internal/logging"
	"github.com/girderhq/girder/internal/risk"
	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/internal/tools"
	"github.com/girderhq/girder/internal/validation"
	"github.com/girderhq/girder/pkg/schema"
)

// casRetries bounds reload-and-retry loops on optimistic write conflicts.
// The only concurrent writer for a live execution is Cancel, so one reload
// normally settles it.
const casRetries = 3

// ReviewGateway is notified when a checkpoint suspends an execution, so an
// external surface (MCP notification, queue, email bridge) can summon the
// reviewer. Notification failures never affect the suspend itself.
type ReviewGateway interface {
	OnCheckpointCreated(ctx context.Context, ex *store.Execution, cp *store.Checkpoint)
}

// NopGateway discards checkpoint notifications.
type NopGateway struct{}

func (NopGateway) OnCheckpointCreated(context.Context, *store.Execution, *store.Checkpoint) {}

// Engine interprets workflow schemas: it walks steps in order, resolves
// inputs from the variable context, invokes tools, scores outputs, and either
// advances autonomously or suspends behind a checkpoint. All state lives in
// the store; the engine keeps nothing that a crash could lose.
type Engine struct {
	store     store.Store
	catalog   *catalog.Catalog
	tools     *tools.Registry
	validator *validation.Validator
	risk      *risk.Evaluator
	audit     *store.AuditLog
	fsm       *ExecutionFSM
	gateway   ReviewGateway
	pool      *RunPool
	logger    *slog.Logger
}

// Config bundles the engine's collaborators.
type Config struct {
	Store     store.Store
	Catalog   *catalog.Catalog
	Tools     *tools.Registry
	Validator *validation.Validator
	Risk      *risk.Evaluator
	Gateway   ReviewGateway
	PoolSize  int
	Logger    *slog.Logger
}

// New creates an Engine.
func New(cfg Config) *Engine {
	audit := store.NewAuditLog(cfg.Store)
	gateway := cfg.Gateway
	if gateway == nil {
		gateway = NopGateway{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     cfg.Store,
		catalog:   cfg.Catalog,
		tools:     cfg.Tools,
		validator: cfg.Validator,
		risk:      cfg.Risk,
		audit:     audit,
		fsm:       NewExecutionFSM(audit),
		gateway:   gateway,
		pool:      NewRunPool(cfg.PoolSize),
		logger:    logger,
	}
}

// SetGateway replaces the review gateway. Call before serving traffic; the
// engine does not guard concurrent replacement.
func (e *Engine) SetGateway(g ReviewGateway) {
	if g == nil {
		g = NopGateway{}
	}
	e.gateway = g
}

// Audit exposes the audit log for read access.
func (e *Engine) Audit() *store.AuditLog { return e.audit }

// Pool exposes the run pool for metrics and shutdown.
func (e *Engine) Pool() *RunPool { return e.pool }

// Start validates inputs against the schema's input contract, creates the
// execution, and runs it synchronously until it completes, fails, or suspends
// at a checkpoint. version 0 selects the latest registered version.
func (e *Engine) Start(ctx context.Context, schemaKey string, version int, inputs map[string]any) (*store.Execution, error) {
	ex, ws, err := e.create(ctx, schemaKey, version, inputs)
	if err != nil {
		return nil, err
	}

	ctx = logging.WithExecutionID(ctx, ex.ID)
	if err := e.advance(ctx, ex, ws); err != nil {
		e.logger.ErrorContext(ctx, "execution halted", "error", err)
	}
	return e.store.GetExecution(ctx, ex.ID)
}

// StartAsync creates the execution and runs it on the pool, returning the
// execution ID immediately.
func (e *Engine) StartAsync(ctx context.Context, schemaKey string, version int, inputs map[string]any) (string, error) {
	ex, ws, err := e.create(ctx, schemaKey, version, inputs)
	if err != nil {
		return "", err
	}

	err = e.pool.Submit(ctx, func(ctx context.Context) error {
		return e.advance(logging.WithExecutionID(ctx, ex.ID), ex, ws)
	})
	if err != nil {
		return ex.ID, err
	}
	return ex.ID, nil
}

func (e *Engine) create(ctx context.Context, schemaKey string, version int, inputs map[string]any) (*store.Execution, *schema.WorkflowSchema, error) {
	ws, err := e.catalog.Resolve(ctx, schemaKey, version)
	if err != nil {
		return nil, nil, err
	}

	if err := e.validator.ValidateInputs(ws, inputs).ToError(schema.ErrCodeValidation); err != nil {
		return nil, nil, err
	}

	ex := &store.Execution{
		ID:            uuid.New().String(),
		SchemaKey:     ws.Key,
		SchemaVersion: ws.Version,
		Status:        schema.ExecutionStatusRunning,
		Variables:     cloneVars(inputs),
		Priors:        map[string]any{},
	}
	if err := e.store.CreateExecution(ctx, ex); err != nil {
		return nil, nil, err
	}

	_ = e.audit.Record(ctx, ex.ID, nil, schema.EventExecutionCreated, map[string]any{
		"schema": ws.QualifiedKey(),
		"inputs": varNames(inputs),
	})
	e.logger.InfoContext(ctx, "execution created",
		"execution_id", ex.ID, "schema", ws.QualifiedKey())
	return ex, ws, nil
}

// advance is the interpreter loop. It runs until the execution leaves the
// running status: completion, failure, cancellation, or a checkpoint suspend.
// ex is mutated to track the persisted state.
func (e *Engine) advance(ctx context.Context, ex *store.Execution, ws *schema.WorkflowSchema) error {
	for ex.Status == schema.ExecutionStatusRunning {
		if ex.CurrentStep >= len(ws.Steps) {
			return e.finish(ctx, ex, ws)
		}

		step := &ws.Steps[ex.CurrentStep]
		stepCtx := logging.WithStepID(ctx, step.ID)

		// A populated output variable at this point means the interpreter
		// state and the variable context disagree; continuing would clobber
		// committed data.
		if step.OutputVariable != "" {
			if _, exists := ex.Variables[step.OutputVariable]; exists {
				return e.fail(stepCtx, ex, step.ID, schema.NewErrorf(schema.ErrCodeDuplicateVariable,
					"variable %q already set before step %d ran", step.OutputVariable, step.ID).WithStep(step.ID))
			}
		}

		inputs, err := resolveInputs(step, ex.Variables)
		if err != nil {
			return e.fail(stepCtx, ex, step.ID, err)
		}

		_ = e.audit.Record(stepCtx, ex.ID, &step.ID, schema.EventStepStarted, map[string]any{
			"tool": step.Tool, "function": step.Function, "persona": step.Persona,
		})

		// The tool call happens with no locks or transactions held; it may
		// take minutes.
		output, err := e.tools.Invoke(stepCtx, tools.Invocation{
			Tool:     step.Tool,
			Function: step.Function,
			Persona:  step.Persona,
			Inputs:   inputs,
		})
		if err != nil {
			stepErr := schema.NewErrorf(schema.ErrCodeStepFailed,
				"step %d tool %s.%s failed: %s", step.ID, step.Tool, step.Function, err.Error()).
				WithStep(step.ID).WithCause(err)
			_ = e.audit.Record(stepCtx, ex.ID, &step.ID, schema.EventStepFailed, map[string]any{
				"error": err.Error(),
			})
			return e.fail(stepCtx, ex, step.ID, stepErr)
		}

		prior, hasPrior := priorFor(ex, step)
		assessment := e.risk.Score(stepCtx, risk.Input{
			Step:      step,
			Rules:     ws.RiskRules,
			Output:    output,
			Prior:     prior,
			HasPrior:  hasPrior,
			Variables: ex.Variables,
		})

		if assessment.Tier == schema.TierAutonomous {
			if err := e.commitStep(stepCtx, ex, step, output, assessment); err != nil {
				return err
			}
			continue
		}

		return e.suspend(stepCtx, ex, step, output, assessment)
	}
	return nil
}

// commitStep writes the step output and advances the cursor in one
// compare-and-swap update.
func (e *Engine) commitStep(ctx context.Context, ex *store.Execution, step *schema.StepDefinition, output any, assessment *risk.Assessment) error {
	newVars := cloneVars(ex.Variables)
	if step.OutputVariable != "" {
		newVars[step.OutputVariable] = output
	}
	next := ex.CurrentStep + 1

	err := e.casUpdate(ctx, ex, step.ID, store.ExecutionUpdate{
		CurrentStep: &next,
		Variables:   newVars,
	})
	if err != nil {
		return err
	}

	_ = e.audit.Record(ctx, ex.ID, &step.ID, schema.EventStepCompleted, map[string]any{
		"output_variable": step.OutputVariable,
		"risk":            assessment,
	})
	e.logger.InfoContext(ctx, "step completed autonomously",
		"step", step.ID, "risk_score", assessment.Score)
	return nil
}

// suspend atomically parks the execution behind a new pending checkpoint.
// The step output is NOT committed to the variable context; it rides on the
// checkpoint until a reviewer decides.
func (e *Engine) suspend(ctx context.Context, ex *store.Execution, step *schema.StepDefinition, output any, assessment *risk.Assessment) error {
	proposed, err := json.Marshal(output)
	if err != nil {
		return e.fail(ctx, ex, step.ID, schema.NewErrorf(schema.ErrCodeExecution,
			"step %d output is not serializable: %s", step.ID, err.Error()).WithStep(step.ID).WithCause(err))
	}

	cp := &store.Checkpoint{
		ID:                   uuid.New().String(),
		ExecutionID:          ex.ID,
		StepID:               step.ID,
		RiskScore:            assessment.Score,
		RiskTier:             assessment.Tier,
		RequiredReviewerTier: assessment.RequiredReviewerTier,
		Status:               schema.CheckpointStatusPending,
		ProposedOutput:       proposed,
	}

	awaiting := schema.ExecutionStatusAwaitingReview
	if err := e.fsm.Guard(ex.ID, ex.Status, awaiting); err != nil {
		return err
	}

	for attempt := 0; ; attempt++ {
		err := e.store.SuspendExecution(ctx, ex.ID, ex.Version, store.ExecutionUpdate{
			Status:              &awaiting,
			PendingCheckpointID: &cp.ID,
		}, cp)
		if err == nil {
			break
		}
		retry, rerr := e.reloadOnConflict(ctx, ex, step.ID, err, attempt)
		if rerr != nil {
			return rerr
		}
		if !retry {
			return nil
		}
	}
	ex.Status = awaiting
	ex.PendingCheckpointID = cp.ID
	ex.Version++

	_ = e.audit.Record(logging.WithCheckpointID(ctx, cp.ID), ex.ID, &step.ID, schema.EventCheckpointCreated, map[string]any{
		"checkpoint_id":          cp.ID,
		"risk":                   assessment,
		"required_reviewer_tier": cp.RequiredReviewerTier,
	})
	e.logger.InfoContext(ctx, "execution suspended for review",
		"step", step.ID, "checkpoint_id", cp.ID,
		"risk_score", assessment.Score, "tier", assessment.Tier)

	e.gateway.OnCheckpointCreated(ctx, ex, cp)
	return nil
}

// finish runs the output contract gate once the last step has committed.
func (e *Engine) finish(ctx context.Context, ex *store.Execution, ws *schema.WorkflowSchema) error {
	result := e.validator.ValidateOutputs(ws, ex.Variables)
	if result.Valid() {
		completed := schema.ExecutionStatusCompleted
		if err := e.casUpdate(ctx, ex, 0, store.ExecutionUpdate{Status: &completed}); err != nil {
			return err
		}
		prev := schema.ExecutionStatusRunning
		_ = e.audit.Record(ctx, ex.ID, nil, schema.EventOutputValidated, map[string]any{
			"fields": contractNames(ws.OutputContract.Fields),
		})
		_ = e.fsm.Transition(ctx, ex.ID, prev, completed, nil)
		e.logger.InfoContext(ctx, "execution completed", "execution_id", ex.ID)
		return nil
	}

	_ = e.audit.Record(ctx, ex.ID, nil, schema.EventOutputRejected, map[string]any{
		"errors": result.Errors,
	})
	return e.fail(ctx, ex, 0, result.ToError(schema.ErrCodeContract))
}

// fail moves the execution to the failed terminal status, persisting the
// cause. The cause is returned so callers can propagate it.
func (e *Engine) fail(ctx context.Context, ex *store.Execution, stepID int, cause error) error {
	failed := schema.ExecutionStatusFailed
	prev := ex.Status
	err := e.casUpdate(ctx, ex, stepID, store.ExecutionUpdate{
		Status: &failed,
		Error:  errJSON(cause),
	})
	if err != nil {
		// Cancelled under us; the cancel verdict stands.
		return cause
	}
	_ = e.fsm.Transition(ctx, ex.ID, prev, failed, map[string]any{"error": cause.Error()})
	e.logger.ErrorContext(ctx, "execution failed", "execution_id", ex.ID, "error", cause)
	return cause
}

// casUpdate applies an optimistic update, reloading and retrying on version
// conflicts. If a reload shows the execution left the running status (a
// concurrent cancel), the in-flight result is discarded and the update
// abandoned.
func (e *Engine) casUpdate(ctx context.Context, ex *store.Execution, stepID int, update store.ExecutionUpdate) error {
	for attempt := 0; ; attempt++ {
		err := e.store.UpdateExecution(ctx, ex.ID, ex.Version, update)
		if err == nil {
			applyUpdate(ex, update)
			ex.Version++
			return nil
		}
		retry, rerr := e.reloadOnConflict(ctx, ex, stepID, err, attempt)
		if rerr != nil {
			return rerr
		}
		if !retry {
			return schema.NewErrorf(schema.ErrCodeCancelled,
				"execution %q is %s", ex.ID, ex.Status)
		}
	}
}

// reloadOnConflict refreshes ex after a failed write. Returns retry=true when
// the write should be attempted again with the fresh version. A terminal or
// suspended reload means another actor won; the pending step result is
// discarded and recorded.
func (e *Engine) reloadOnConflict(ctx context.Context, ex *store.Execution, stepID int, err error, attempt int) (bool, error) {
	gerr, ok := err.(*schema.GirderError)
	if !ok || gerr.Code != schema.ErrCodeConcurrentModification || attempt >= casRetries {
		return false, err
	}

	fresh, getErr := e.store.GetExecution(ctx, ex.ID)
	if getErr != nil {
		return false, getErr
	}
	*ex = *fresh

	if ex.Status != schema.ExecutionStatusRunning {
		var sid *int
		if stepID > 0 {
			sid = &stepID
		}
		_ = e.audit.Record(ctx, ex.ID, sid, schema.EventStepResultDiscarded, map[string]any{
			"status": string(ex.Status),
		})
		e.logger.WarnContext(ctx, "discarding in-flight step result",
			"execution_id", ex.ID, "status", ex.Status)
		return false, nil
	}
	return true, nil
}

// --- helpers ---

func resolveInputs(step *schema.StepDefinition, variables map[string]any) ([]tools.Input, error) {
	inputs := make([]tools.Input, 0, len(step.InputVariables))
	for _, name := range step.InputVariables {
		val, ok := variables[name]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeMissingVariable,
				"step %d requires variable %q, which is not set", step.ID, name).WithStep(step.ID)
		}
		inputs = append(inputs, tools.Input{Name: name, Value: val})
	}
	return inputs, nil
}

// priorFor returns the previous value of the step's output variable. Priors
// are populated by rejection rollbacks, so a prior only exists on a re-run.
func priorFor(ex *store.Execution, step *schema.StepDefinition) (any, bool) {
	if step.OutputVariable == "" {
		return nil, false
	}
	v, ok := ex.Priors[step.OutputVariable]
	return v, ok
}

func applyUpdate(ex *store.Execution, update store.ExecutionUpdate) {
	if update.Status != nil {
		ex.Status = *update.Status
	}
	if update.CurrentStep != nil {
		ex.CurrentStep = *update.CurrentStep
	}
	if update.Variables != nil {
		ex.Variables = update.Variables
	}
	if update.Priors != nil {
		ex.Priors = update.Priors
	}
	if update.PendingCheckpointID != nil {
		ex.PendingCheckpointID = *update.PendingCheckpointID
	}
	if update.Error != nil {
		ex.Error = update.Error
	}
}

func cloneVars(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func varNames(m map[string]any) []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	return names
}

func contractNames(fields []schema.ContractField) []string {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Name)
	}
	return names
}

func errJSON(err error) json.RawMessage {
	var gerr *schema.GirderError
	if g, ok := err.(*schema.GirderError); ok {
		gerr = g
	} else {
		gerr = schema.NewError(schema.ErrCodeExecution, err.Error())
	}
	b, merr := json.Marshal(gerr)
	if merr != nil {
		b, _ = json.Marshal(map[string]string{"message": err.Error()})
	}
	return b
}
