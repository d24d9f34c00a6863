// Command graphile-worker runs and administers a PostgreSQL job queue.
//
// Subcommands:
//
//	run       run jobs (and the crontab) until interrupted
//	once      run every job that is due now, then exit
//	migrate   apply pending schema migrations and exit
//	add-job   enqueue a job
//	crontab   parse a crontab and print upcoming runs
//	cleanup   garbage collect task identifiers, queues and failed jobs
//	jobs      list and administer jobs
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/graphile/worker-sub000/internal/config"
	"github.com/graphile/worker-sub000/internal/db"
	"github.com/graphile/worker-sub000/internal/logging"
	"github.com/graphile/worker-sub000/internal/queue"
)

var version = "dev"

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := newRootCmd(cfg, os.Stdout).Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// newRootCmd binds flags onto cfg, which already holds file and environment
// settings, so flags take precedence over both.
func newRootCmd(cfg *config.Config, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "graphile-worker",
		Short:         "PostgreSQL job queue worker",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(out)
	root.PersistentFlags().String("config", "", "Path to a YAML or TOML config file")
	root.AddCommand(
		runCmd(cfg),
		onceCmd(cfg),
		migrateCmd(cfg),
		addJobCmd(cfg),
		crontabCmd(cfg),
		cleanupCmd(cfg),
		jobsCmd(cfg),
	)
	return root
}

func bindConnectionFlags(flags *pflag.FlagSet, cfg *config.Config) {
	flags.StringVarP(&cfg.DatabaseURL, "connection", "c", cfg.DatabaseURL, "Database connection string (defaults to DATABASE_URL)")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or text")
}

// setup validates cfg and installs the default logger.
func setup(cfg *config.Config) (*slog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return logging.Init(cfg.LoggingOptions())
}

func openService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.Service, func(), error) {
	pg, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.MaxPoolSize,
		ApplicationName: "graphile-worker",
		Logger:          logger,
	})
	if err != nil {
		return nil, nil, err
	}
	return queue.NewService(pg, queue.WithLogger(logger)), pg.Close, nil
}
