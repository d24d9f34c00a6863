// Package executor turns external commands into task handlers. The job
// payload is written to the command's stdin as {"payload": ...} and job
// metadata is passed through GRAPHILE_WORKER_* environment variables.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/graphile/worker-sub000/internal/queue"
	"github.com/graphile/worker-sub000/internal/worker"
)

const (
	defaultMaxOutput = 64 * 1024
	stderrInError    = 512
	// killGrace is how long an interrupted command has to exit after
	// SIGTERM before the group is killed.
	killGrace = 2 * time.Second
)

// Result is the outcome of one command run.
type Result struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
}

// limitedBuffer keeps the first cap bytes and drops the rest. It only
// implements io.Writer so io.Copy cannot bypass the cap through ReadFrom.
type limitedBuffer struct {
	buf       bytes.Buffer
	cap       int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	left := l.cap - l.buf.Len()
	if left <= 0 {
		l.truncated = len(p) > 0 || l.truncated
		return len(p), nil
	}
	n := len(p)
	if n > left {
		p = p[:left]
		l.truncated = true
	}
	_, err := l.buf.Write(p)
	return n, err
}

func (l *limitedBuffer) String() string { return l.buf.String() }

type Options struct {
	// Timeout bounds a single run. Zero relies on the job's context only.
	Timeout        time.Duration
	MaxOutputBytes int
	// Validator restricts which programs may be configured. Nil allows any.
	Validator *Validator
	Dir       string
	Env       []string
	Logger    *slog.Logger
}

// Command runs one program for a task identifier.
type Command struct {
	Identifier string
	Args       []string
	opts       Options
	logger     *slog.Logger
}

// NewCommand splits cmdline on whitespace and validates the program path.
func NewCommand(identifier, cmdline string, opts Options) (*Command, error) {
	args := strings.Fields(cmdline)
	if len(args) == 0 {
		return nil, fmt.Errorf("task %q: empty command", identifier)
	}
	if opts.Validator != nil {
		if err := opts.Validator.Validate(args[0]); err != nil {
			return nil, fmt.Errorf("task %q: %w", identifier, err)
		}
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = defaultMaxOutput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Command{Identifier: identifier, Args: args, opts: opts, logger: logger}, nil
}

// Tasks builds a task list from identifier to command line.
func Tasks(commands map[string]string, opts Options) (worker.TaskList, error) {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	tasks := make(worker.TaskList, len(commands))
	var errs []error
	for _, name := range names {
		cmd, err := NewCommand(name, commands[name], opts)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tasks[name] = cmd.Handle
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Handle is a worker.TaskHandler. A non-zero exit fails the job.
func (c *Command) Handle(ctx context.Context, payload json.RawMessage, helpers *worker.Helpers) error {
	logger := c.logger
	if helpers != nil && helpers.Logger != nil {
		logger = helpers.Logger
	}
	var job *queue.Job
	if helpers != nil {
		job = helpers.Job
	}
	res, err := c.Run(ctx, job, payload)
	if err != nil {
		return err
	}
	logger.Debug("Task command finished",
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"stdout", res.Stdout,
		"stderr", res.Stderr,
		"truncated", res.Truncated,
	)
	if res.ExitCode != 0 {
		return exitError(res)
	}
	return nil
}

// Run executes the command once. The process group is terminated when ctx
// ends or the timeout elapses.
func (c *Command) Run(ctx context.Context, job *queue.Job, payload json.RawMessage) (*Result, error) {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	stdin, err := json.Marshal(struct {
		Payload json.RawMessage `json:"payload"`
	}{payload})
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	if c.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.opts.Timeout)
		defer cancel()
	}

	cmd := exec.Command(c.Args[0], c.Args[1:]...)
	cmd.Dir = c.opts.Dir
	cmd.Env = append(append(os.Environ(), c.opts.Env...), c.jobEnv(job)...)
	cmd.Stdin = bytes.NewReader(stdin)
	stdout := &limitedBuffer{cap: c.opts.MaxOutputBytes}
	stderr := &limitedBuffer{cap: c.opts.MaxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = killGrace
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Args[0], err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var runErr error
	select {
	case runErr = <-waitErr:
	case <-ctx.Done():
		interruptProcessGroup(cmd)
		select {
		case <-waitErr:
		case <-time.After(killGrace):
			killProcessGroup(cmd)
			<-waitErr
		}
		return nil, fmt.Errorf("command %s interrupted: %w", c.Args[0], ctx.Err())
	}

	res := &Result{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.truncated || stderr.truncated,
		Duration:  time.Since(start),
	}
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("wait %s: %w", c.Args[0], runErr)
	}
	return res, nil
}

func (c *Command) jobEnv(job *queue.Job) []string {
	env := []string{
		"GRAPHILE_WORKER_TASK_IDENTIFIER=" + c.Identifier,
		"GRAPHILE_WORKER_PAYLOAD_FORMAT=json",
	}
	if job == nil {
		return env
	}
	env = append(env,
		"GRAPHILE_WORKER_JOB_ID="+strconv.FormatInt(job.ID, 10),
		"GRAPHILE_WORKER_JOB_ATTEMPTS="+strconv.Itoa(job.Attempts),
		"GRAPHILE_WORKER_JOB_MAX_ATTEMPTS="+strconv.Itoa(job.MaxAttempts),
		"GRAPHILE_WORKER_JOB_PRIORITY="+strconv.Itoa(job.Priority),
		"GRAPHILE_WORKER_JOB_RUN_AT="+job.RunAt.UTC().Format(time.RFC3339Nano),
	)
	if job.Key != nil {
		env = append(env, "GRAPHILE_WORKER_JOB_KEY="+*job.Key)
	}
	return env
}

func exitError(res *Result) error {
	msg := strings.TrimSpace(res.Stderr)
	if len(msg) > stderrInError {
		msg = "..." + msg[len(msg)-stderrInError:]
	}
	if msg == "" {
		return fmt.Errorf("command exited with code %d", res.ExitCode)
	}
	return fmt.Errorf("command exited with code %d: %s", res.ExitCode, msg)
}
