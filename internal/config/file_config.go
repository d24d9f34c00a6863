package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

var defaultConfigFilenames = []string{
	"graphile-worker.yaml",
	"graphile-worker.yml",
	"graphile-worker.toml",
	".graphile-worker.yaml",
	".graphile-worker.yml",
	".graphile-worker.toml",
}

type FileConfig struct {
	DatabaseURL string            `yaml:"database_url" toml:"database_url"`
	MaxPoolSize *int32            `yaml:"max_pool_size" toml:"max_pool_size"`
	Worker      WorkerFileConfig  `yaml:"worker" toml:"worker"`
	Cron        CronFileConfig    `yaml:"cron" toml:"cron"`
	Tasks       map[string]string `yaml:"tasks" toml:"tasks"`
	Executor    ExecFileConfig    `yaml:"executor" toml:"executor"`
	Log         LogFileConfig     `yaml:"log" toml:"log"`
	Metrics     MetricsFileConfig `yaml:"metrics" toml:"metrics"`
}

type WorkerFileConfig struct {
	WorkerID                     string   `yaml:"worker_id" toml:"worker_id"`
	Concurrency                  *int     `yaml:"concurrency" toml:"concurrency"`
	PollInterval                 string   `yaml:"poll_interval" toml:"poll_interval"`
	LocalQueueSize               *int     `yaml:"local_queue_size" toml:"local_queue_size"`
	LocalQueueTTL                string   `yaml:"local_queue_ttl" toml:"local_queue_ttl"`
	CompleteJobBatchDelay        string   `yaml:"complete_job_batch_delay" toml:"complete_job_batch_delay"`
	FailJobBatchDelay            string   `yaml:"fail_job_batch_delay" toml:"fail_job_batch_delay"`
	MaxContiguousErrors          *int     `yaml:"max_contiguous_errors" toml:"max_contiguous_errors"`
	GracefulShutdownAbortTimeout string   `yaml:"graceful_shutdown_abort_timeout" toml:"graceful_shutdown_abort_timeout"`
	ForcefulShutdownTimeout      string   `yaml:"forceful_shutdown_timeout" toml:"forceful_shutdown_timeout"`
	MinResetLockedInterval       string   `yaml:"min_reset_locked_interval" toml:"min_reset_locked_interval"`
	MaxResetLockedInterval       string   `yaml:"max_reset_locked_interval" toml:"max_reset_locked_interval"`
	ForbiddenFlags               []string `yaml:"forbidden_flags" toml:"forbidden_flags"`

	LocalQueueRefetchDelay RefetchDelayFileConfig `yaml:"local_queue_refetch_delay" toml:"local_queue_refetch_delay"`
}

type RefetchDelayFileConfig struct {
	Duration          string `yaml:"duration" toml:"duration"`
	Threshold         *int   `yaml:"threshold" toml:"threshold"`
	MaxAbortThreshold *int   `yaml:"max_abort_threshold" toml:"max_abort_threshold"`
}

type CronFileConfig struct {
	Crontab string `yaml:"crontab" toml:"crontab"`
	File    string `yaml:"file" toml:"file"`
}

type ExecFileConfig struct {
	AllowedCommands []string `yaml:"allowed_commands" toml:"allowed_commands"`
	Timeout         string   `yaml:"timeout" toml:"timeout"`
	MaxOutputBytes  *int     `yaml:"max_output_bytes" toml:"max_output_bytes"`
}

type LogFileConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

type MetricsFileConfig struct {
	Addr       string `yaml:"addr" toml:"addr"`
	AuthToken  string `yaml:"auth_token" toml:"auth_token"`
	Interval   string `yaml:"interval" toml:"interval"`
	AuthLimit  *int   `yaml:"auth_limit" toml:"auth_limit"`
	AuthWindow string `yaml:"auth_window" toml:"auth_window"`
}

// ResolveConfigPath finds the config file from --config, then
// GRAPHILE_WORKER_CONFIG, then well-known names in the working directory.
// An empty path means no file.
func ResolveConfigPath(args []string) (string, error) {
	path, ok, err := parseConfigFlag(args)
	if err != nil {
		return "", err
	}
	if ok {
		return path, nil
	}
	if p := os.Getenv(EnvPrefix + "CONFIG"); p != "" {
		return p, nil
	}
	for _, name := range defaultConfigFilenames {
		if fileExists(name) {
			return name, nil
		}
	}
	return "", nil
}

func LoadFileConfig(path string) (*FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension: %s", filepath.Ext(path))
	}
	return &cfg, nil
}

// ApplyFileConfig overlays the fields set in fc onto cfg.
func ApplyFileConfig(cfg *Config, fc *FileConfig) error {
	if fc == nil {
		return nil
	}
	setString(&cfg.DatabaseURL, fc.DatabaseURL)
	if fc.MaxPoolSize != nil {
		cfg.MaxPoolSize = *fc.MaxPoolSize
	}

	w := fc.Worker
	setString(&cfg.WorkerID, w.WorkerID)
	setInt(&cfg.Concurrency, w.Concurrency)
	setInt(&cfg.LocalQueueSize, w.LocalQueueSize)
	setInt(&cfg.MaxContiguousErrors, w.MaxContiguousErrors)
	setInt(&cfg.LocalQueueRefetchThreshold, w.LocalQueueRefetchDelay.Threshold)
	setInt(&cfg.LocalQueueRefetchMaxAbortThreshold, w.LocalQueueRefetchDelay.MaxAbortThreshold)
	if len(w.ForbiddenFlags) > 0 {
		cfg.ForbiddenFlags = append([]string(nil), w.ForbiddenFlags...)
	}
	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"worker.poll_interval", w.PollInterval, &cfg.PollInterval},
		{"worker.local_queue_ttl", w.LocalQueueTTL, &cfg.LocalQueueTTL},
		{"worker.local_queue_refetch_delay.duration", w.LocalQueueRefetchDelay.Duration, &cfg.LocalQueueRefetchDelay},
		{"worker.complete_job_batch_delay", w.CompleteJobBatchDelay, &cfg.CompleteJobBatchDelay},
		{"worker.fail_job_batch_delay", w.FailJobBatchDelay, &cfg.FailJobBatchDelay},
		{"worker.graceful_shutdown_abort_timeout", w.GracefulShutdownAbortTimeout, &cfg.GracefulShutdownAbortTimeout},
		{"worker.forceful_shutdown_timeout", w.ForcefulShutdownTimeout, &cfg.ForcefulShutdownTimeout},
		{"worker.min_reset_locked_interval", w.MinResetLockedInterval, &cfg.MinResetLockedInterval},
		{"worker.max_reset_locked_interval", w.MaxResetLockedInterval, &cfg.MaxResetLockedInterval},
		{"executor.timeout", fc.Executor.Timeout, &cfg.TaskTimeout},
		{"metrics.interval", fc.Metrics.Interval, &cfg.MetricsInterval},
		{"metrics.auth_window", fc.Metrics.AuthWindow, &cfg.MetricsAuthWindow},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := parseDurationField(d.field, d.value)
		if err != nil {
			return err
		}
		*d.dst = parsed
	}

	setString(&cfg.Crontab, fc.Cron.Crontab)
	setString(&cfg.CrontabFile, fc.Cron.File)

	if len(fc.Tasks) > 0 {
		if cfg.Tasks == nil {
			cfg.Tasks = make(map[string]string, len(fc.Tasks))
		}
		for name, cmd := range fc.Tasks {
			cfg.Tasks[name] = cmd
		}
	}
	if len(fc.Executor.AllowedCommands) > 0 {
		cfg.AllowedCommands = append([]string(nil), fc.Executor.AllowedCommands...)
	}
	setInt(&cfg.MaxTaskOutputBytes, fc.Executor.MaxOutputBytes)

	setString(&cfg.LogLevel, fc.Log.Level)
	setString(&cfg.LogFormat, fc.Log.Format)

	setString(&cfg.MetricsAddr, fc.Metrics.Addr)
	setString(&cfg.MetricsToken, fc.Metrics.AuthToken)
	setInt(&cfg.MetricsAuthLimit, fc.Metrics.AuthLimit)
	return nil
}

// Load resolves the full configuration: defaults, the config file named
// in args (or found on disk), then the environment.
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()
	path, err := ResolveConfigPath(args)
	if err != nil {
		return nil, err
	}
	fc, err := LoadFileConfig(path)
	if err != nil {
		return nil, err
	}
	if err := ApplyFileConfig(cfg, fc); err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func parseConfigFlag(args []string) (string, bool, error) {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 >= len(args) || args[i+1] == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return args[i+1], true, nil
		}
		if value, ok := strings.CutPrefix(arg, "--config="); ok {
			if value == "" {
				return "", true, fmt.Errorf("missing value for --config")
			}
			return value, true, nil
		}
	}
	return "", false, nil
}

func parseDurationField(field, value string) (time.Duration, error) {
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", field, err)
	}
	return parsed, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
