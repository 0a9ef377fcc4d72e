package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/pkg/schema"
)

// WorkflowStarter is the interface the scheduler uses to launch executions.
// Satisfied by the engine (avoids import cycle).
type WorkflowStarter interface {
	StartAsync(ctx context.Context, schemaKey string, version int, inputs map[string]any) (string, error)
}

// Scheduler polls the store for due scheduled runs and starts them. Recurring
// compliance re-reviews and nightly batch checks go through here.
type Scheduler struct {
	store   store.Store
	starter WorkflowStarter
	parser  cron.Parser
	logger  *slog.Logger
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // run IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(s store.Store, starter WorkflowStarter, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    s,
		starter:  starter,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Schedule validates the cron expression and registers a new recurring run.
func (s *Scheduler) Schedule(ctx context.Context, schemaKey string, version int, cronExpr string, inputs map[string]any) (*store.ScheduledRun, error) {
	next, err := s.CalculateNextRun(cronExpr, time.Now().UTC())
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q: %s", cronExpr, err.Error()).WithCause(err)
	}

	var raw json.RawMessage
	if inputs != nil {
		raw, err = json.Marshal(inputs)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "inputs are not serializable").WithCause(err)
		}
	}

	run := &store.ScheduledRun{
		ID:             uuid.New().String(),
		SchemaKey:      schemaKey,
		SchemaVersion:  version,
		CronExpression: cronExpr,
		Inputs:         raw,
		Enabled:        true,
		NextRunAt:      &next,
	}
	if err := s.store.CreateScheduledRun(ctx, run); err != nil {
		return nil, err
	}
	s.logger.Info("scheduled run registered",
		slog.String("run_id", run.ID),
		slog.String("schema", schema.QualifiedKey(schemaKey, version)),
		slog.String("cron", cronExpr))
	return run, nil
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick checks all enabled runs and starts those that are due.
func (s *Scheduler) tick(ctx context.Context) {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		s.logger.Error("failed to list scheduled runs", slog.String("error", err.Error()))
		return
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if run.NextRunAt == nil || !run.NextRunAt.After(now) {
			if !s.tryAcquire(run.ID) {
				continue // already running (dedup)
			}
			if err := s.fire(ctx, run, now); err != nil {
				s.logger.Error("failed to start scheduled run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
			}
			s.release(run.ID)
		}
	}
}

// fire starts one scheduled execution and updates the run's timestamps.
func (s *Scheduler) fire(ctx context.Context, run *store.ScheduledRun, now time.Time) error {
	s.logger.Info("starting scheduled run",
		slog.String("run_id", run.ID),
		slog.String("schema", schema.QualifiedKey(run.SchemaKey, run.SchemaVersion)),
	)

	var inputs map[string]any
	if len(run.Inputs) > 0 {
		if err := json.Unmarshal(run.Inputs, &inputs); err != nil {
			return s.updateRunStatus(ctx, run, now, "error")
		}
	}

	executionID, err := s.starter.StartAsync(ctx, run.SchemaKey, run.SchemaVersion, inputs)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled run failed to start",
			slog.String("run_id", run.ID),
			slog.String("error", err.Error()),
		)
	} else {
		s.logger.Info("scheduled run started",
			slog.String("run_id", run.ID),
			slog.String("execution_id", executionID),
		)
	}

	return s.updateRunStatus(ctx, run, now, status)
}

func (s *Scheduler) updateRunStatus(ctx context.Context, run *store.ScheduledRun, now time.Time, status string) error {
	nextRun, err := s.CalculateNextRun(run.CronExpression, now)
	if err != nil {
		return fmt.Errorf("calculate next run for %q: %w", run.ID, err)
	}

	return s.store.UpdateScheduledRun(ctx, run.ID, store.ScheduledRunUpdate{
		LastRunAt:     &now,
		NextRunAt:     &nextRun,
		LastRunStatus: status,
	})
}

// tryAcquire returns true and marks the run as in-flight if it is not already
// running.
func (s *Scheduler) tryAcquire(runID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[runID]; ok {
		return false
	}
	s.inflight[runID] = struct{}{}
	return true
}

// release removes the run from the in-flight set.
func (s *Scheduler) release(runID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, runID)
}

// CalculateNextRun computes the next fire time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return nil
	}

	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	s.logger.Info("scheduler stopped")
	return nil
}

// RecoverMissed fires runs whose next_run_at passed while the process was
// down, once each.
func (s *Scheduler) RecoverMissed(ctx context.Context) error {
	enabled := true
	runs, err := s.store.ListScheduledRuns(ctx, store.ScheduledRunFilter{Enabled: &enabled})
	if err != nil {
		return fmt.Errorf("list missed runs: %w", err)
	}

	now := time.Now().UTC()
	recovered := 0
	for _, run := range runs {
		if run.NextRunAt != nil && run.NextRunAt.Before(now) {
			if !s.tryAcquire(run.ID) {
				continue
			}
			if err := s.fire(ctx, run, now); err != nil {
				s.logger.Error("failed to recover missed run",
					slog.String("run_id", run.ID),
					slog.String("error", err.Error()),
				)
				s.release(run.ID)
				continue
			}
			s.release(run.ID)
			recovered++
		}
	}

	if recovered > 0 {
		s.logger.Info("recovered missed runs", slog.Int("count", recovered))
	}
	return nil
}
