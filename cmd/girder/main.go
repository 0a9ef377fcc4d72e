// girder is an MCP server that executes risk-gated engineering review
// workflows: data-defined schemas interpreted step by step, suspended behind
// human checkpoints whenever the risk score demands review.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/girderhq/girder/internal/catalog"
	"github.com/girderhq/girder/internal/config"
	"github.com/girderhq/girder/internal/engine"
	"github.com/girderhq/girder/internal/expressions"
	"github.com/girderhq/girder/internal/logging"
	"github.com/girderhq/girder/internal/risk"
	"github.com/girderhq/girder/internal/scheduler"
	"github.com/girderhq/girder/internal/store"
	"github.com/girderhq/girder/internal/tools"
	"github.com/girderhq/girder/internal/validation"
	"github.com/girderhq/girder/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "girder: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := buildLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := store.NewLibSQLStore(cfg.DB.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer s.Close()
	if err := s.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	engines, err := expressions.NewEngines()
	if err != nil {
		return fmt.Errorf("build expression engines: %w", err)
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, engines); err != nil {
		return fmt.Errorf("register builtin tools: %w", err)
	}
	logger.Info("tool registry ready", "functions", registry.Count())

	validator, err := validation.NewValidator(engines, registry)
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}
	cat := catalog.New(s, validator, logger)

	evaluator := risk.NewEvaluator(engines, nil, risk.Config{
		AutonomousBelow: cfg.Risk.AutonomousBelow,
		EscalatedAt:     cfg.Risk.EscalatedAt,
		OracleBandLow:   cfg.Risk.OracleBandLow,
		OracleBandHigh:  cfg.Risk.OracleBandHigh,
		Ladder:          cfg.Risk.Ladder,
	}, logger)

	eng := engine.New(engine.Config{
		Store:     s,
		Catalog:   cat,
		Tools:     registry,
		Validator: validator,
		Risk:      evaluator,
		PoolSize:  cfg.Engine.PoolSize,
		Logger:    logger,
	})
	defer eng.Pool().Shutdown()

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(s, eng, logger)
	}

	srv := mcp.NewGirderServer(mcp.GirderServerDeps{
		Engine:    eng,
		Catalog:   cat,
		Store:     s,
		Scheduler: sched,
		Logger:    logger,
	})
	eng.SetGateway(mcp.NewCheckpointNotifier(srv.MCPServer(), logger))

	// Pick up whatever the last process left behind before accepting traffic.
	recovered, err := eng.RecoverRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover executions: %w", err)
	}
	if recovered > 0 {
		logger.Info("recovered interrupted executions", "count", recovered)
	}

	if sched != nil {
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Error("missed-run recovery failed", "error", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() { _ = sched.Stop() }()
	}

	logger.Info("girder serving on stdio", "db", cfg.DB.Path)
	return srv.Serve(ctx)
}

func buildLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	// stdout carries the MCP transport; logs go to stderr.
	var inner slog.Handler
	if cfg.Log.Format == "json" {
		inner = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		inner = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(logging.NewCorrelationHandler(inner))
}
