// Package config resolves worker settings from defaults, an optional YAML or
// TOML file, GRAPHILE_WORKER_* environment variables and command-line flags,
// in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"

	"github.com/graphile/worker-sub000/internal/logging"
)

const EnvPrefix = "GRAPHILE_WORKER_"

type Config struct {
	DatabaseURL string `env:"DATABASE_URL"`
	MaxPoolSize int32  `env:"MAX_POOL_SIZE"`
	SkipMigrate bool   `env:"SKIP_MIGRATE"`

	WorkerID                     string        `env:"WORKER_ID"`
	Concurrency                  int           `env:"CONCURRENCY"`
	PollInterval                 time.Duration `env:"POLL_INTERVAL"`
	LocalQueueSize               int           `env:"LOCAL_QUEUE_SIZE"`
	LocalQueueTTL                time.Duration `env:"LOCAL_QUEUE_TTL"`
	CompleteJobBatchDelay        time.Duration `env:"COMPLETE_JOB_BATCH_DELAY"`
	FailJobBatchDelay            time.Duration `env:"FAIL_JOB_BATCH_DELAY"`
	MaxContiguousErrors          int           `env:"MAX_CONTIGUOUS_ERRORS"`
	GracefulShutdownAbortTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_ABORT_TIMEOUT"`
	ForcefulShutdownTimeout      time.Duration `env:"FORCEFUL_SHUTDOWN_TIMEOUT"`
	MinResetLockedInterval       time.Duration `env:"MIN_RESET_LOCKED_INTERVAL"`
	MaxResetLockedInterval       time.Duration `env:"MAX_RESET_LOCKED_INTERVAL"`
	ForbiddenFlags               []string      `env:"FORBIDDEN_FLAGS" envSeparator:","`

	// LocalQueueRefetchDelay > 0 holds off refetching after a fetch returns
	// LocalQueueRefetchThreshold jobs or fewer.
	LocalQueueRefetchDelay             time.Duration `env:"LOCAL_QUEUE_REFETCH_DELAY"`
	LocalQueueRefetchThreshold         int           `env:"LOCAL_QUEUE_REFETCH_THRESHOLD"`
	LocalQueueRefetchMaxAbortThreshold int           `env:"LOCAL_QUEUE_REFETCH_MAX_ABORT_THRESHOLD"`

	Crontab     string `env:"CRONTAB"`
	CrontabFile string `env:"CRONTAB_FILE"`

	// Tasks maps task identifiers to commands, e.g.
	// GRAPHILE_WORKER_TASKS="send_email:./bin/send-email,resize:./bin/resize".
	Tasks              map[string]string `env:"TASKS" envSeparator:"," envKeyValSeparator:":"`
	AllowedCommands    []string          `env:"ALLOWED_COMMANDS" envSeparator:","`
	TaskTimeout        time.Duration     `env:"TASK_TIMEOUT"`
	MaxTaskOutputBytes int               `env:"MAX_TASK_OUTPUT_BYTES"`

	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`

	MetricsAddr       string        `env:"METRICS_ADDR"`
	MetricsToken      string        `env:"METRICS_TOKEN"`
	MetricsInterval   time.Duration `env:"METRICS_INTERVAL"`
	MetricsAuthLimit  int           `env:"METRICS_AUTH_LIMIT"`
	MetricsAuthWindow time.Duration `env:"METRICS_AUTH_WINDOW"`
}

func DefaultConfig() *Config {
	return &Config{
		Concurrency:                  1,
		PollInterval:                 2 * time.Second,
		LocalQueueTTL:                30 * time.Minute,
		MaxContiguousErrors:          10,
		GracefulShutdownAbortTimeout: 5 * time.Second,
		MinResetLockedInterval:       8 * time.Minute,
		MaxResetLockedInterval:       10 * time.Minute,
		Tasks:                        map[string]string{},
		MaxTaskOutputBytes:           64 * 1024,
		LogLevel:                     "info",
		LogFormat:                    "json",
		MetricsInterval:              15 * time.Second,
		MetricsAuthLimit:             30,
		MetricsAuthWindow:            time.Minute,
	}
}

// ApplyEnv overlays GRAPHILE_WORKER_* variables. A bare DATABASE_URL is
// used when GRAPHILE_WORKER_DATABASE_URL is unset.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	if c.DatabaseURL != "" {
		return nil
	}
	var fallback struct {
		DatabaseURL string `env:"DATABASE_URL"`
	}
	if err := env.Parse(&fallback); err != nil {
		return fmt.Errorf("parse environment: %w", err)
	}
	c.DatabaseURL = fallback.DatabaseURL
	return nil
}

// BindFlags registers flags whose defaults are the current values, so
// flags only override what the user passes explicitly.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.DatabaseURL, "connection", "c", c.DatabaseURL, "Database connection string (defaults to DATABASE_URL)")
	fs.Int32Var(&c.MaxPoolSize, "max-pool-size", c.MaxPoolSize, "Maximum database connections")
	fs.BoolVar(&c.SkipMigrate, "skip-migrate", c.SkipMigrate, "Do not apply schema migrations at startup")
	fs.StringVar(&c.WorkerID, "worker-id", c.WorkerID, "Worker id (only with concurrency 1)")
	fs.IntVarP(&c.Concurrency, "jobs", "j", c.Concurrency, "Number of jobs to run concurrently")
	fs.DurationVar(&c.PollInterval, "poll-interval", c.PollInterval, "How long to wait between polling for jobs")
	fs.IntVar(&c.LocalQueueSize, "local-queue-size", c.LocalQueueSize, "Jobs to claim per fetch (0 fetches one job per worker)")
	fs.DurationVar(&c.LocalQueueTTL, "local-queue-ttl", c.LocalQueueTTL, "How long fetched jobs may wait locally before being returned")
	fs.DurationVar(&c.LocalQueueRefetchDelay, "local-queue-refetch-delay", c.LocalQueueRefetchDelay, "Hold off refetching for about this long after a short fetch (0 disables)")
	fs.IntVar(&c.LocalQueueRefetchThreshold, "local-queue-refetch-threshold", c.LocalQueueRefetchThreshold, "Fetches returning this many jobs or fewer start the refetch delay")
	fs.IntVar(&c.LocalQueueRefetchMaxAbortThreshold, "local-queue-refetch-max-abort-threshold", c.LocalQueueRefetchMaxAbortThreshold, "Announced jobs that may cut a refetch delay short (0 means 5x the local queue size)")
	fs.DurationVar(&c.CompleteJobBatchDelay, "complete-job-batch-delay", c.CompleteJobBatchDelay, "Delay for batching job completions (negative disables)")
	fs.DurationVar(&c.FailJobBatchDelay, "fail-job-batch-delay", c.FailJobBatchDelay, "Delay for batching job failures (negative disables)")
	fs.IntVar(&c.MaxContiguousErrors, "max-contiguous-errors", c.MaxContiguousErrors, "Fetch errors in a row before a worker gives up")
	fs.DurationVar(&c.GracefulShutdownAbortTimeout, "graceful-shutdown-abort-timeout", c.GracefulShutdownAbortTimeout, "How long running jobs get before their context is cancelled on shutdown")
	fs.DurationVar(&c.ForcefulShutdownTimeout, "forceful-shutdown-timeout", c.ForcefulShutdownTimeout, "Escalate a graceful shutdown to forceful after this long (0 waits for a second signal)")
	fs.DurationVar(&c.MinResetLockedInterval, "min-reset-locked-interval", c.MinResetLockedInterval, "Minimum time between stale lock sweeps")
	fs.DurationVar(&c.MaxResetLockedInterval, "max-reset-locked-interval", c.MaxResetLockedInterval, "Maximum time between stale lock sweeps")
	fs.StringSliceVar(&c.ForbiddenFlags, "forbidden-flags", c.ForbiddenFlags, "Skip jobs carrying any of these flags")
	fs.StringVar(&c.Crontab, "crontab", c.Crontab, "Crontab text")
	fs.StringVar(&c.CrontabFile, "crontab-file", c.CrontabFile, "Path to a crontab file")
	fs.StringToStringVar(&c.Tasks, "task", c.Tasks, "Task command as identifier=command (repeatable)")
	fs.StringSliceVar(&c.AllowedCommands, "allowed-commands", c.AllowedCommands, "Path prefixes task commands must start with")
	fs.DurationVar(&c.TaskTimeout, "task-timeout", c.TaskTimeout, "Kill a task command after this long (0 disables)")
	fs.IntVar(&c.MaxTaskOutputBytes, "max-task-output-bytes", c.MaxTaskOutputBytes, "Captured stdout/stderr per task run")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json or text")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Serve /healthz, /metrics and /events on this address")
	fs.StringVar(&c.MetricsToken, "metrics-token", c.MetricsToken, "Bearer token required by the metrics server")
	fs.DurationVar(&c.MetricsInterval, "metrics-interval", c.MetricsInterval, "How often job table gauges are sampled")
}

func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, errors.New("database url is required (set DATABASE_URL or --connection)"))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.WorkerID != "" && c.Concurrency > 1 {
		errs = append(errs, errors.New("worker id must not be set when concurrency > 1"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll interval must be positive"))
	}
	if c.LocalQueueSize < 0 {
		errs = append(errs, errors.New("local queue size must not be negative"))
	}
	if c.LocalQueueRefetchDelay < 0 || c.LocalQueueRefetchThreshold < 0 || c.LocalQueueRefetchMaxAbortThreshold < 0 {
		errs = append(errs, errors.New("local queue refetch delay settings must not be negative"))
	}
	if c.LocalQueueRefetchDelay > c.PollInterval {
		errs = append(errs, fmt.Errorf("local queue refetch delay (%s) must not be larger than poll interval (%s)", c.LocalQueueRefetchDelay, c.PollInterval))
	}
	if c.MaxResetLockedInterval < c.MinResetLockedInterval {
		errs = append(errs, errors.New("max reset locked interval must be >= min reset locked interval"))
	}
	if c.Crontab != "" && c.CrontabFile != "" {
		errs = append(errs, errors.New("crontab and crontab file are mutually exclusive"))
	}
	if c.MaxTaskOutputBytes < 0 {
		errs = append(errs, errors.New("max task output bytes must not be negative"))
	}
	if _, err := logging.New(logging.Options{Level: c.LogLevel, Format: c.LogFormat}); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// LoggingOptions returns the logger settings.
func (c *Config) LoggingOptions() logging.Options {
	return logging.Options{Level: c.LogLevel, Format: c.LogFormat}
}
