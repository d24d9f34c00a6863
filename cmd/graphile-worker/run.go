package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/graphile/worker-sub000/internal/config"
	"github.com/graphile/worker-sub000/internal/db"
	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/executor"
	"github.com/graphile/worker-sub000/internal/fetcher"
	"github.com/graphile/worker-sub000/internal/metrics"
	"github.com/graphile/worker-sub000/internal/runner"
	"github.com/graphile/worker-sub000/internal/signals"
	"github.com/graphile/worker-sub000/internal/web"
	"github.com/graphile/worker-sub000/internal/worker"
)

func runCmd(cfg *config.Config) *cobra.Command {
	var memoryLogInterval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run jobs and scheduled crontab items until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), cfg, memoryLogInterval, true)
		},
	}
	cfg.BindFlags(cmd.Flags())
	cmd.Flags().DurationVar(&memoryLogInterval, "memory-log-interval", 0, "Log memory statistics this often (0 disables)")
	return cmd
}

func onceCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run every job that is due now, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorker(cmd.Context(), cfg, 0, false)
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, memoryLogInterval time.Duration, continuous bool) error {
	logger, err := setup(cfg)
	if err != nil {
		return err
	}
	tasks, err := executor.Tasks(cfg.Tasks, executor.Options{
		Timeout:        cfg.TaskTimeout,
		MaxOutputBytes: cfg.MaxTaskOutputBytes,
		Validator:      executor.NewValidator(cfg.AllowedCommands),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return fmt.Errorf("%w: configure commands with --task identifier=command or the tasks section of the config file", runner.ErrNoTasks)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pg, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.MaxPoolSize,
		ApplicationName: "graphile-worker",
		Logger:          logger,
	})
	if err != nil {
		return err
	}
	defer pg.Close()

	bus := events.NewBus(0, logger)
	if cfg.MetricsAddr != "" {
		stopObserving := metrics.NewEventMetrics(nil).Observe(bus)
		defer stopObserving()
		metrics.NewCollector(pg, nil).Start(ctx, cfg.MetricsInterval, logger)
		if cfg.MetricsToken == "" {
			logger.Warn("Metrics endpoint has no auth; bind to localhost or set --metrics-token", "addr", cfg.MetricsAddr)
		}
		server := web.NewServer(web.Options{
			Addr:       cfg.MetricsAddr,
			Token:      cfg.MetricsToken,
			AuthLimit:  cfg.MetricsAuthLimit,
			AuthWindow: cfg.MetricsAuthWindow,
			DB:         pg,
			Events:     bus,
			Logger:     logger,
		})
		go func() {
			if err := server.Start(ctx); err != nil {
				logger.Error("Metrics server error", "error", err)
			}
		}()
	}
	startMemoryLogger(ctx, logger, memoryLogInterval)

	opts := runnerOptions(cfg, tasks, logger)
	opts.PgPool = pg
	opts.Events = bus
	opts.Signals = signals.New(signals.Options{
		ForcefulTimeout: cfg.ForcefulShutdownTimeout,
		Logger:          logger,
	})

	if !continuous {
		return runner.RunOnce(ctx, opts)
	}
	r, err := runner.Run(ctx, opts)
	if err != nil {
		return err
	}
	logger.Info("Worker started", "concurrency", cfg.Concurrency, "tasks", len(tasks))
	<-r.Done()
	if err := r.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func refetchDelay(cfg *config.Config) *fetcher.RefetchDelay {
	if cfg.LocalQueueRefetchDelay <= 0 {
		return nil
	}
	return &fetcher.RefetchDelay{
		Duration:          cfg.LocalQueueRefetchDelay,
		Threshold:         cfg.LocalQueueRefetchThreshold,
		MaxAbortThreshold: cfg.LocalQueueRefetchMaxAbortThreshold,
	}
}

func runnerOptions(cfg *config.Config, tasks worker.TaskList, logger *slog.Logger) runner.Options {
	return runner.Options{
		SkipMigrate:                  cfg.SkipMigrate,
		Tasks:                        tasks,
		Concurrency:                  cfg.Concurrency,
		WorkerID:                     cfg.WorkerID,
		PollInterval:                 cfg.PollInterval,
		LocalQueueSize:               cfg.LocalQueueSize,
		LocalQueueTTL:                cfg.LocalQueueTTL,
		LocalQueueRefetchDelay:       refetchDelay(cfg),
		CompleteJobBatchDelay:        cfg.CompleteJobBatchDelay,
		FailJobBatchDelay:            cfg.FailJobBatchDelay,
		MaxContiguousErrors:          cfg.MaxContiguousErrors,
		GracefulShutdownAbortTimeout: cfg.GracefulShutdownAbortTimeout,
		MinResetLockedInterval:       cfg.MinResetLockedInterval,
		MaxResetLockedInterval:       cfg.MaxResetLockedInterval,
		ForbiddenFlags:               cfg.ForbiddenFlags,
		Crontab:                      cfg.Crontab,
		CrontabFile:                  cfg.CrontabFile,
		Logger:                       logger,
	}
}
