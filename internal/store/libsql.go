package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/girderhq/girder/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/girder.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Schemas ---

func (s *LibSQLStore) PutSchema(ctx context.Context, rec *SchemaRecord) error {
	def, err := json.Marshal(rec.Definition)
	if err != nil {
		return fmt.Errorf("marshal schema definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schemas (key, version, definition, registered_at) VALUES (?, ?, ?, ?)`,
		rec.Key, rec.Version, string(def), timeOrNow(rec.RegisteredAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint") {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"schema %s already registered", schema.QualifiedKey(rec.Key, rec.Version))
	}
	return err
}

func (s *LibSQLStore) GetSchema(ctx context.Context, key string, version int) (*SchemaRecord, error) {
	rec := &SchemaRecord{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, version, definition, registered_at FROM schemas WHERE key = ? AND version = ?`,
		key, version,
	).Scan(&rec.Key, &rec.Version, &defJSON, &rec.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, schemaNotFound(key, version)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal schema definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) LatestSchema(ctx context.Context, key string) (*SchemaRecord, error) {
	rec := &SchemaRecord{}
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT key, version, definition, registered_at FROM schemas
		 WHERE key = ? ORDER BY version DESC LIMIT 1`, key,
	).Scan(&rec.Key, &rec.Version, &defJSON, &rec.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, schemaNotFound(key, 0)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal schema definition: %w", err)
	}
	return rec, nil
}

func (s *LibSQLStore) ListSchemas(ctx context.Context, filter SchemaFilter) ([]*SchemaRecord, error) {
	var where []string
	var args []any

	if filter.Key != "" {
		where = append(where, "key = ?")
		args = append(args, filter.Key)
	}

	query := `SELECT key, version, definition, registered_at FROM schemas`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY key, version DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*SchemaRecord
	for rows.Next() {
		rec := &SchemaRecord{}
		var defJSON string
		if err := rows.Scan(&rec.Key, &rec.Version, &defJSON, &rec.RegisteredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(defJSON), &rec.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal schema definition: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, ex *Execution) error {
	vars, err := marshalMapOrDefault(ex.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	priors, err := marshalMapOrDefault(ex.Priors)
	if err != nil {
		return fmt.Errorf("marshal priors: %w", err)
	}
	if ex.Version == 0 {
		ex.Version = 1
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, schema_key, schema_version, status, current_step, variables, priors, pending_checkpoint_id, error, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ex.ID, ex.SchemaKey, ex.SchemaVersion, string(ex.Status), ex.CurrentStep,
		string(vars), string(priors), nullStr(ex.PendingCheckpointID), nullRaw(ex.Error),
		ex.Version, timeOrNow(ex.CreatedAt), timeOrNow(ex.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schema_key, schema_version, status, current_step, variables, priors, pending_checkpoint_id, error, version, created_at, updated_at
		 FROM executions WHERE id = ?`, id,
	)
	ex, err := scanExecution(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return ex, err
}

// UpdateExecution performs a compare-and-swap write: the update lands only if
// the stored version still equals expectedVersion, and bumps it by one.
func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, expectedVersion int64, update ExecutionUpdate) error {
	sets, args, err := executionSets(update)
	if err != nil {
		return err
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, expectedVersion)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return s.checkExecutionCAS(ctx, res, id, expectedVersion)
}

// SuspendExecution writes the execution update (status, pending checkpoint
// pointer) and the new checkpoint row in one transaction, so a crash can never
// leave an awaiting_review execution without its checkpoint or vice versa.
func (s *LibSQLStore) SuspendExecution(ctx context.Context, executionID string, expectedVersion int64, update ExecutionUpdate, cp *Checkpoint) error {
	sets, args, err := executionSets(update)
	if err != nil {
		return err
	}
	sets = append(sets, "version = version + 1", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, executionID, expectedVersion)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND version = ?", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Release the connection before the diagnostic query; with a single
		// connection an open tx would block it.
		_ = tx.Rollback()
		return s.casConflict(ctx, executionID, expectedVersion)
	}

	if err := insertCheckpoint(ctx, tx, cp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit suspend: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.SchemaKey != "" {
		where = append(where, "schema_key = ?")
		args = append(args, filter.SchemaKey)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, schema_key, schema_version, status, current_step, variables, priors, pending_checkpoint_id, error, version, created_at, updated_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []*Execution
	for rows.Next() {
		ex, err := scanExecution(rows.Scan)
		if err != nil {
			return nil, err
		}
		executions = append(executions, ex)
	}
	return executions, rows.Err()
}

// --- Checkpoints ---

func (s *LibSQLStore) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, execution_id, step_id, risk_score, risk_tier, required_reviewer_tier, status, proposed_output, decision, decided_by, created_at, resolved_at
		 FROM checkpoints WHERE id = ?`, id,
	)
	cp, err := scanCheckpoint(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("checkpoint", id)
	}
	return cp, err
}

// ResolveCheckpoint flips a pending checkpoint to its terminal status. The
// status guard in the WHERE clause makes resolution idempotent: the first
// caller wins, every later caller sees CHECKPOINT_ALREADY_RESOLVED.
func (s *LibSQLStore) ResolveCheckpoint(ctx context.Context, id string, status schema.CheckpointStatus, decision json.RawMessage, decidedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE checkpoints SET status = ?, decision = ?, decided_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		string(status), nullRaw(decision), nullStr(decidedBy), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		cp, getErr := s.GetCheckpoint(ctx, id)
		if getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeCheckpointResolved,
			"checkpoint %q already resolved as %s", id, cp.Status).
			WithDetails(map[string]any{"status": string(cp.Status), "decided_by": cp.DecidedBy})
	}
	return nil
}

func (s *LibSQLStore) ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*Checkpoint, error) {
	var where []string
	var args []any

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, execution_id, step_id, risk_score, risk_tier, required_reviewer_tier, status, proposed_output, decision, decided_by, created_at, resolved_at FROM checkpoints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var checkpoints []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// --- Audit ---

// AppendAudit assigns the next per-execution sequence number and inserts the
// entry in a single transaction, so sequences stay contiguous under
// concurrent writers.
func (s *LibSQLStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM audit_log WHERE execution_id = ?`, entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (execution_id, step_id, event_type, details, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, nullIntPtr(entry.StepID), entry.EventType,
		nullRaw(entry.Details), timeOrNow(entry.Timestamp), seq,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit entry: %w", err)
	}
	return nil
}

func (s *LibSQLStore) AuditTrail(ctx context.Context, executionID string, since int64) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, step_id, event_type, details, timestamp, sequence
		 FROM audit_log WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		e := &AuditEntry{}
		var stepID sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &stepID, &e.EventType, &details, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		if stepID.Valid {
			v := int(stepID.Int64)
			e.StepID = &v
		}
		e.Details = rawOrNil(details)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scheduled runs ---

func (s *LibSQLStore) CreateScheduledRun(ctx context.Context, run *ScheduledRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_runs (id, schema_key, schema_version, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.SchemaKey, run.SchemaVersion, run.CronExpression,
		nullRaw(run.Inputs), run.Enabled, nullTime(run.LastRunAt), nullTime(run.NextRunAt),
		nullStr(run.LastRunStatus), timeOrNow(run.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledRun(ctx context.Context, id string) (*ScheduledRun, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, schema_key, schema_version, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_runs WHERE id = ?`, id,
	)
	run, err := scanScheduledRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_run", id)
	}
	return run, err
}

func (s *LibSQLStore) UpdateScheduledRun(ctx context.Context, id string, update ScheduledRunUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_runs SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

func (s *LibSQLStore) ListScheduledRuns(ctx context.Context, filter ScheduledRunFilter) ([]*ScheduledRun, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, schema_key, schema_version, cron_expression, inputs, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ScheduledRun
	for rows.Next() {
		run, err := scanScheduledRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) DeleteScheduledRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_run", id)
}

// --- Scan helpers ---

func scanExecution(scan func(dest ...any) error) (*Execution, error) {
	ex := &Execution{}
	var (
		status               string
		varsJSON, priorsJSON string
		pendingCP, errJSON   sql.NullString
	)
	err := scan(&ex.ID, &ex.SchemaKey, &ex.SchemaVersion, &status, &ex.CurrentStep,
		&varsJSON, &priorsJSON, &pendingCP, &errJSON, &ex.Version, &ex.CreatedAt, &ex.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ex.Status = schema.ExecutionStatus(status)
	if varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &ex.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	if priorsJSON != "" {
		if err := json.Unmarshal([]byte(priorsJSON), &ex.Priors); err != nil {
			return nil, fmt.Errorf("unmarshal priors: %w", err)
		}
	}
	ex.PendingCheckpointID = pendingCP.String
	ex.Error = rawOrNil(errJSON)
	return ex, nil
}

func scanCheckpoint(scan func(dest ...any) error) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var (
		tier, status                  string
		proposed, decision, decidedBy sql.NullString
		resolvedAt                    sql.NullTime
	)
	err := scan(&cp.ID, &cp.ExecutionID, &cp.StepID, &cp.RiskScore, &tier,
		&cp.RequiredReviewerTier, &status, &proposed, &decision, &decidedBy, &cp.CreatedAt, &resolvedAt)
	if err != nil {
		return nil, err
	}
	cp.RiskTier = schema.RiskTier(tier)
	cp.Status = schema.CheckpointStatus(status)
	cp.ProposedOutput = rawOrNil(proposed)
	cp.Decision = rawOrNil(decision)
	cp.DecidedBy = decidedBy.String
	if resolvedAt.Valid {
		cp.ResolvedAt = &resolvedAt.Time
	}
	return cp, nil
}

func scanScheduledRun(scan func(dest ...any) error) (*ScheduledRun, error) {
	run := &ScheduledRun{}
	var inputs, lastStatus sql.NullString
	var lastRun, nextRun sql.NullTime
	err := scan(&run.ID, &run.SchemaKey, &run.SchemaVersion, &run.CronExpression,
		&inputs, &run.Enabled, &lastRun, &nextRun, &lastStatus, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	run.Inputs = rawOrNil(inputs)
	run.LastRunStatus = lastStatus.String
	if lastRun.Valid {
		run.LastRunAt = &lastRun.Time
	}
	if nextRun.Valid {
		run.NextRunAt = &nextRun.Time
	}
	return run, nil
}

func insertCheckpoint(ctx context.Context, tx *sql.Tx, cp *Checkpoint) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO checkpoints (id, execution_id, step_id, risk_score, risk_tier, required_reviewer_tier, status, proposed_output, decision, decided_by, created_at, resolved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.ExecutionID, cp.StepID, cp.RiskScore, string(cp.RiskTier),
		cp.RequiredReviewerTier, string(cp.Status), nullRaw(cp.ProposedOutput),
		nullRaw(cp.Decision), nullStr(cp.DecidedBy), timeOrNow(cp.CreatedAt), nullTime(cp.ResolvedAt),
	)
	if err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}
	return nil
}

func executionSets(update ExecutionUpdate) ([]string, []any, error) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, *update.CurrentStep)
	}
	if update.Variables != nil {
		vars, err := marshalMapOrDefault(update.Variables)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.Priors != nil {
		priors, err := marshalMapOrDefault(update.Priors)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal priors: %w", err)
		}
		sets = append(sets, "priors = ?")
		args = append(args, string(priors))
	}
	if update.PendingCheckpointID != nil {
		sets = append(sets, "pending_checkpoint_id = ?")
		args = append(args, nullStr(*update.PendingCheckpointID))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	return sets, args, nil
}

// checkExecutionCAS explains a zero-row CAS update: the row is either gone or
// someone else won the version race.
func (s *LibSQLStore) checkExecutionCAS(ctx context.Context, res sql.Result, id string, expectedVersion int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	return s.casConflict(ctx, id, expectedVersion)
}

func (s *LibSQLStore) casConflict(ctx context.Context, id string, expectedVersion int64) error {
	var current int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM executions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConcurrentModification,
		"execution %q modified concurrently (expected version %d, found %d)", id, expectedVersion, current).
		WithDetails(map[string]any{"expected_version": expectedVersion, "current_version": current})
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.GirderError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func schemaNotFound(key string, version int) *schema.GirderError {
	return schema.NewErrorf(schema.ErrCodeSchemaNotFound,
		"schema %q not found", schema.QualifiedKey(key, version))
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
