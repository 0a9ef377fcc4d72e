package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/girderhq/girder/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

func testSchema(key string, version int) schema.WorkflowSchema {
	return schema.WorkflowSchema{
		Key:     key,
		Version: version,
		Steps: []schema.StepDefinition{
			{ID: 1, Persona: "engineer", Tool: "calc", Function: "size_beam", OutputVariable: "beam"},
		},
		OutputContract: schema.OutputContract{
			Fields: []schema.ContractField{{Name: "beam", Type: "object", Required: true}},
		},
	}
}

func seedExecution(t *testing.T, s *LibSQLStore) *Execution {
	t.Helper()
	ex := &Execution{
		ID:            uuid.New().String(),
		SchemaKey:     "beam-review",
		SchemaVersion: 1,
		Status:        schema.ExecutionStatusRunning,
		Variables:     map[string]any{"span_m": 12.5},
	}
	require.NoError(t, s.CreateExecution(context.Background(), ex))
	return ex
}

// --- Schema Tests ---

func TestPutAndGetSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SchemaRecord{Key: "beam-review", Version: 1, Definition: testSchema("beam-review", 1)}
	require.NoError(t, s.PutSchema(ctx, rec))

	got, err := s.GetSchema(ctx, "beam-review", 1)
	require.NoError(t, err)
	assert.Equal(t, "beam-review", got.Key)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.Definition.Steps, 1)
	assert.Equal(t, "size_beam", got.Definition.Steps[0].Function)
}

func TestPutSchema_DuplicateVersionRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &SchemaRecord{Key: "beam-review", Version: 1, Definition: testSchema("beam-review", 1)}
	require.NoError(t, s.PutSchema(ctx, rec))

	err := s.PutSchema(ctx, rec)
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, gerr.Code)

	// A new version of the same key is fine.
	rec2 := &SchemaRecord{Key: "beam-review", Version: 2, Definition: testSchema("beam-review", 2)}
	require.NoError(t, s.PutSchema(ctx, rec2))
}

func TestLatestSchema(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for v := 1; v <= 3; v++ {
		require.NoError(t, s.PutSchema(ctx, &SchemaRecord{
			Key: "beam-review", Version: v, Definition: testSchema("beam-review", v),
		}))
	}

	got, err := s.LatestSchema(ctx, "beam-review")
	require.NoError(t, err)
	assert.Equal(t, 3, got.Version)
}

func TestGetSchema_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSchema(context.Background(), "nope", 1)
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeSchemaNotFound, gerr.Code)
}

// --- Execution Tests ---

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	assert.Equal(t, 0, got.CurrentStep)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, 12.5, got.Variables["span_m"])
}

func TestUpdateExecution_CAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	step := 1
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, 1, ExecutionUpdate{
		CurrentStep: &step,
		Variables:   map[string]any{"span_m": 12.5, "beam": "W310x39"},
	}))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, 1, got.CurrentStep)
	assert.Equal(t, "W310x39", got.Variables["beam"])
}

func TestUpdateExecution_StaleVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	step := 1
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, 1, ExecutionUpdate{CurrentStep: &step}))

	// Second writer still holds version 1; its write must be refused.
	err := s.UpdateExecution(ctx, ex.ID, 1, ExecutionUpdate{CurrentStep: &step})
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConcurrentModification, gerr.Code)

	// State reflects exactly one write.
	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestUpdateExecution_NotFound(t *testing.T) {
	s := newTestStore(t)
	status := schema.ExecutionStatusFailed
	err := s.UpdateExecution(context.Background(), "nonexistent", 1, ExecutionUpdate{Status: &status})
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, gerr.Code)
}

func TestListExecutions_ByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	running := seedExecution(t, s)
	done := seedExecution(t, s)
	completed := schema.ExecutionStatusCompleted
	require.NoError(t, s.UpdateExecution(ctx, done.ID, 1, ExecutionUpdate{Status: &completed}))

	list, err := s.ListExecutions(ctx, ExecutionFilter{Status: &completed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, done.ID, list[0].ID)

	runningStatus := schema.ExecutionStatusRunning
	list, err = s.ListExecutions(ctx, ExecutionFilter{Status: &runningStatus})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, running.ID, list[0].ID)
}

// --- Checkpoint Tests ---

func pendingCheckpoint(ex *Execution) *Checkpoint {
	return &Checkpoint{
		ID:                   uuid.New().String(),
		ExecutionID:          ex.ID,
		StepID:               1,
		RiskScore:            0.55,
		RiskTier:             schema.TierStandardReview,
		RequiredReviewerTier: "engineer",
		Status:               schema.CheckpointStatusPending,
	}
}

func TestSuspendExecution_Atomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	cp := pendingCheckpoint(ex)
	awaiting := schema.ExecutionStatusAwaitingReview
	require.NoError(t, s.SuspendExecution(ctx, ex.ID, 1, ExecutionUpdate{
		Status:              &awaiting,
		PendingCheckpointID: &cp.ID,
	}, cp))

	got, err := s.GetExecution(ctx, ex.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusAwaitingReview, got.Status)
	assert.Equal(t, cp.ID, got.PendingCheckpointID)
	assert.Equal(t, int64(2), got.Version)

	gotCP, err := s.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusPending, gotCP.Status)
	assert.Equal(t, 0.55, gotCP.RiskScore)
}

func TestSuspendExecution_StaleVersionWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	step := 1
	require.NoError(t, s.UpdateExecution(ctx, ex.ID, 1, ExecutionUpdate{CurrentStep: &step}))

	cp := pendingCheckpoint(ex)
	awaiting := schema.ExecutionStatusAwaitingReview
	err := s.SuspendExecution(ctx, ex.ID, 1, ExecutionUpdate{
		Status:              &awaiting,
		PendingCheckpointID: &cp.ID,
	}, cp)
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConcurrentModification, gerr.Code)

	// The checkpoint must not exist either: suspend is all or nothing.
	_, err = s.GetCheckpoint(ctx, cp.ID)
	require.Error(t, err)
}

func TestResolveCheckpoint_FirstWriterWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	cp := pendingCheckpoint(ex)
	awaiting := schema.ExecutionStatusAwaitingReview
	require.NoError(t, s.SuspendExecution(ctx, ex.ID, 1, ExecutionUpdate{
		Status: &awaiting, PendingCheckpointID: &cp.ID,
	}, cp))

	decision := json.RawMessage(`{"decision":"approved"}`)
	require.NoError(t, s.ResolveCheckpoint(ctx, cp.ID, schema.CheckpointStatusApproved, decision, "alice"))

	// Second resolution loses, regardless of verdict.
	err := s.ResolveCheckpoint(ctx, cp.ID, schema.CheckpointStatusRejected, nil, "bob")
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCheckpointResolved, gerr.Code)

	got, err := s.GetCheckpoint(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.CheckpointStatusApproved, got.Status)
	assert.Equal(t, "alice", got.DecidedBy)
	require.NotNil(t, got.ResolvedAt)
}

func TestResolveCheckpoint_NotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.ResolveCheckpoint(context.Background(), "nonexistent", schema.CheckpointStatusApproved, nil, "alice")
	require.Error(t, err)
	gerr, ok := err.(*schema.GirderError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, gerr.Code)
}

func TestListCheckpoints_ByExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)

	cp1 := pendingCheckpoint(ex)
	awaiting := schema.ExecutionStatusAwaitingReview
	require.NoError(t, s.SuspendExecution(ctx, ex.ID, 1, ExecutionUpdate{
		Status: &awaiting, PendingCheckpointID: &cp1.ID,
	}, cp1))
	require.NoError(t, s.ResolveCheckpoint(ctx, cp1.ID, schema.CheckpointStatusApproved, nil, "alice"))

	cp2 := pendingCheckpoint(ex)
	cp2.StepID = 2
	running := schema.ExecutionStatusRunning
	require.NoError(t, s.SuspendExecution(ctx, ex.ID, 2, ExecutionUpdate{
		Status: &running, PendingCheckpointID: &cp2.ID,
	}, cp2))

	all, err := s.ListCheckpoints(ctx, CheckpointFilter{ExecutionID: ex.ID})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	pending := schema.CheckpointStatusPending
	open, err := s.ListCheckpoints(ctx, CheckpointFilter{ExecutionID: ex.ID, Status: &pending})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, cp2.ID, open[0].ID)
}

// --- Audit Tests ---

func TestAppendAudit_SequenceContiguous(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)
	other := seedExecution(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
			ExecutionID: ex.ID, EventType: schema.EventStepStarted,
		}))
	}
	// Another execution's trail starts at 1 independently.
	require.NoError(t, s.AppendAudit(ctx, &AuditEntry{
		ExecutionID: other.ID, EventType: schema.EventExecutionCreated,
	}))

	trail, err := s.AuditTrail(ctx, ex.ID, 0)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	for i, e := range trail {
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	otherTrail, err := s.AuditTrail(ctx, other.ID, 0)
	require.NoError(t, err)
	require.Len(t, otherTrail, 1)
	assert.Equal(t, int64(1), otherTrail[0].Sequence)
}

func TestAuditLog_RecordAndVerify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	ex := seedExecution(t, s)
	al := NewAuditLog(s)

	step := 1
	require.NoError(t, al.Record(ctx, ex.ID, nil, schema.EventExecutionCreated, nil))
	require.NoError(t, al.Record(ctx, ex.ID, &step, schema.EventStepStarted, map[string]any{"tool": "calc"}))
	require.NoError(t, al.Record(ctx, ex.ID, &step, schema.EventStepCompleted, nil))

	trail, err := al.VerifyTrail(ctx, ex.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Nil(t, trail[0].StepID)
	require.NotNil(t, trail[1].StepID)
	assert.Equal(t, 1, *trail[1].StepID)
	assert.JSONEq(t, `{"tool":"calc"}`, string(trail[1].Details))
}

// --- Scheduled Run Tests ---

func TestScheduledRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	run := &ScheduledRun{
		ID:             uuid.New().String(),
		SchemaKey:      "beam-review",
		CronExpression: "0 6 * * 1",
		Inputs:         json.RawMessage(`{"span_m": 10}`),
		Enabled:        true,
	}
	require.NoError(t, s.CreateScheduledRun(ctx, run))

	got, err := s.GetScheduledRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "0 6 * * 1", got.CronExpression)
	assert.True(t, got.Enabled)

	disabled := false
	require.NoError(t, s.UpdateScheduledRun(ctx, run.ID, ScheduledRunUpdate{
		Enabled: &disabled, LastRunStatus: "completed",
	}))

	got, err = s.GetScheduledRun(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Equal(t, "completed", got.LastRunStatus)

	enabled := true
	list, err := s.ListScheduledRuns(ctx, ScheduledRunFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteScheduledRun(ctx, run.ID))
	_, err = s.GetScheduledRun(ctx, run.ID)
	require.Error(t, err)
}
