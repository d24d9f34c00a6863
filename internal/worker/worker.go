package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/queue"
)

const (
	DefaultPollInterval        = 2 * time.Second
	DefaultMaxContiguousErrors = 10
)

// JobSource hands out claimed jobs. A nil job with a nil error means
// nothing is runnable.
type JobSource interface {
	GetJob(ctx context.Context, flagsToSkip []string) (*queue.Job, error)
}

// Reporter records job outcomes. An error from either method is fatal to
// the worker, which then keeps the job for TakeUnreportedJob.
type Reporter interface {
	CompleteJob(ctx context.Context, job *queue.Job) error
	FailJob(ctx context.Context, spec queue.FailSpec) error
}

type Options struct {
	// ID defaults to worker-<uuid>.
	ID       string
	PoolID   string
	Tasks    TaskList
	Source   JobSource
	Reporter Reporter
	Store    HelperStore
	// Continuous keeps polling after the queue drains; otherwise the worker
	// stops at the first empty fetch.
	Continuous   bool
	PollInterval time.Duration
	// ForbiddenFlags is consulted before every fetch.
	ForbiddenFlags func() []string
	// MaxContiguousErrors stops a continuous worker after that many failed
	// fetches in a row. Negative disables the limit.
	MaxContiguousErrors int
	// Abort is the parent of every handler context.
	Abort  context.Context
	Events events.Emitter
	Logger *slog.Logger
}

// Worker executes one job at a time until released.
type Worker struct {
	id     string
	opts   Options
	events events.Emitter
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu         sync.Mutex
	active     bool
	idle       bool
	again      bool
	activeJob  *queue.Job
	unreported *queue.Job
	err        error
}

// New creates a worker; Start launches its loop.
func New(opts Options) (*Worker, error) {
	if opts.Source == nil {
		return nil, errors.New("worker: job source is required")
	}
	if opts.Reporter == nil {
		return nil, errors.New("worker: reporter is required")
	}
	if opts.ID == "" {
		opts.ID = "worker-" + uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxContiguousErrors == 0 {
		opts.MaxContiguousErrors = DefaultMaxContiguousErrors
	}
	if opts.Abort == nil {
		opts.Abort = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		id:     opts.ID,
		opts:   opts,
		events: events.OrNoop(opts.Events),
		logger: logger.With("worker_id", opts.ID),
		ctx:    ctx,
		cancel: cancel,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		active: true,
	}
	w.emit(events.Event{Type: events.WorkerCreate})
	return w, nil
}

func (w *Worker) ID() string { return w.id }

// Start runs the loop in a new goroutine.
func (w *Worker) Start() { go w.run() }

// Done is closed once the loop has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Err reports why the loop exited; nil after a normal release.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Wait blocks until the loop exits or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJob returns the job currently executing, if any.
func (w *Worker) ActiveJob() *queue.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.activeJob
}

// TakeUnreportedJob returns the job whose outcome could not be recorded when
// the worker stopped on a Reporter error, and forgets it.
func (w *Worker) TakeUnreportedJob() *queue.Job {
	w.mu.Lock()
	defer w.mu.Unlock()
	job := w.unreported
	w.unreported = nil
	return job
}

// Nudge wakes an idle worker and reports whether it did. A busy worker
// remembers the nudge and fetches again straight after its current job.
func (w *Worker) Nudge() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.active {
		return false
	}
	if w.idle {
		w.idle = false
		select {
		case w.wake <- struct{}{}:
		default:
		}
		return true
	}
	w.again = true
	return false
}

// Release stops the worker from taking new jobs. A running job finishes
// unless the caller abandons it by not waiting on Done.
func (w *Worker) Release() {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return
	}
	w.active = false
	w.mu.Unlock()
	w.emit(events.Event{Type: events.WorkerRelease})
	w.cancel()
}

func (w *Worker) isActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

func (w *Worker) takeAgain() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	again := w.again
	w.again = false
	return again
}

func (w *Worker) setActiveJob(job *queue.Job) {
	w.mu.Lock()
	w.activeJob = job
	w.mu.Unlock()
}

func (w *Worker) setUnreported(job *queue.Job) {
	w.mu.Lock()
	w.unreported = job
	w.mu.Unlock()
}

func (w *Worker) stop(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.Release()
}

func (w *Worker) run() {
	defer func() {
		w.emit(events.Event{Type: events.WorkerStop, Err: w.Err()})
		close(w.done)
	}()

	contiguousErrors := 0
	for w.isActive() {
		w.emit(events.Event{Type: events.WorkerGetJobStart})
		var flags []string
		if w.opts.ForbiddenFlags != nil {
			flags = w.opts.ForbiddenFlags()
		}
		job, err := w.opts.Source.GetJob(w.ctx, flags)
		if err != nil {
			if !w.isActive() {
				return
			}
			w.emit(events.Event{Type: events.WorkerGetJobError, Err: err})
			if !w.opts.Continuous {
				w.stop(fmt.Errorf("get job: %w", err))
				return
			}
			contiguousErrors++
			w.logger.Error("failed to get job",
				"error", err,
				"contiguous_errors", contiguousErrors,
				"retry_in", w.opts.PollInterval,
			)
			if limit := w.opts.MaxContiguousErrors; limit > 0 && contiguousErrors >= limit {
				fatal := fmt.Errorf("worker failed to get a job %d times in a row: %w", contiguousErrors, err)
				w.emit(events.Event{Type: events.WorkerFatalError, Err: fatal})
				w.stop(fatal)
				return
			}
			if !w.idleWait() {
				return
			}
			continue
		}
		contiguousErrors = 0

		if job == nil {
			w.emit(events.Event{Type: events.WorkerGetJobEmpty})
			if !w.opts.Continuous {
				w.Release()
				return
			}
			if !w.idleWait() {
				return
			}
			continue
		}

		// A job claimed during release still runs to completion.
		if err := w.execute(job); err != nil {
			w.emit(events.Event{Type: events.WorkerFatalError, JobID: job.ID, Task: job.TaskIdentifier, Err: err})
			w.logger.Error("failed to record job outcome", "job_id", job.ID, "error", err)
			w.stop(err)
			return
		}
		w.takeAgain()
	}
}

// idleWait sleeps for the poll interval or until nudged, returning at once
// if a nudge arrived while busy. It reports false once the worker has been
// released.
func (w *Worker) idleWait() bool {
	w.mu.Lock()
	if !w.active {
		w.mu.Unlock()
		return false
	}
	if w.again {
		w.again = false
		w.mu.Unlock()
		return true
	}
	w.idle = true
	w.mu.Unlock()

	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-w.wake:
	case <-w.ctx.Done():
	}

	w.mu.Lock()
	w.idle = false
	active := w.active
	w.mu.Unlock()
	return active
}

func (w *Worker) execute(job *queue.Job) error {
	w.setActiveJob(job)

	w.emit(events.Event{Type: events.JobStart, JobID: job.ID, Task: job.TaskIdentifier, Attempts: job.Attempts, MaxAttempts: job.MaxAttempts})
	start := time.Now()

	var err error
	if handler, ok := w.opts.Tasks[job.TaskIdentifier]; ok {
		err = w.invoke(handler, job)
	} else {
		err = fmt.Errorf("unsupported task '%s'", job.TaskIdentifier)
	}
	duration := time.Since(start)

	replacement, err := w.batchOutcome(job, err)
	base := events.Event{
		JobID:       job.ID,
		Task:        job.TaskIdentifier,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		Duration:    duration,
	}
	ctx := context.WithoutCancel(w.ctx)

	// The outcome is decided; a forceful shutdown must not fail this job
	// again once it is handed to the Reporter.
	w.setActiveJob(nil)
	if err != nil {
		ev := base
		ev.Type, ev.Err = events.JobError, err
		w.emit(ev)
		if job.Attempts >= job.MaxAttempts {
			ev.Type = events.JobFailed
			w.emit(ev)
		}
		w.logger.Error(fmt.Sprintf("Failed task %d (%s, %.2fms%s) with error '%s'",
			job.ID, job.TaskIdentifier, ms(duration), attemptNote(job), err.Error()),
			"job_id", job.ID, "task", job.TaskIdentifier,
		)
		if ferr := w.opts.Reporter.FailJob(ctx, queue.FailSpec{Job: job, Message: err.Error(), ReplacementPayload: replacement}); ferr != nil {
			w.setUnreported(job)
			return fmt.Errorf("fail job %d: %w", job.ID, ferr)
		}
	} else {
		ev := base
		ev.Type = events.JobSuccess
		w.emit(ev)
		w.logger.Info(fmt.Sprintf("Completed task %d (%s, %.2fms%s) with success",
			job.ID, job.TaskIdentifier, ms(duration), attemptNote(job)),
			"job_id", job.ID, "task", job.TaskIdentifier,
		)
		if cerr := w.opts.Reporter.CompleteJob(ctx, job); cerr != nil {
			w.setUnreported(job)
			return fmt.Errorf("complete job %d: %w", job.ID, cerr)
		}
	}

	ev := base
	ev.Type, ev.Err = events.JobComplete, err
	w.emit(ev)
	return nil
}

func (w *Worker) invoke(handler TaskHandler, job *queue.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return handler(w.opts.Abort, job.Payload, newHelpers(job, w.opts.Store, w.logger))
}

// batchOutcome narrows a BatchErrors result to the failed items of an array
// payload. The returned payload is nil unless only some items failed.
func (w *Worker) batchOutcome(job *queue.Job, err error) (json.RawMessage, error) {
	var batch BatchErrors
	if err == nil || !errors.As(err, &batch) {
		return nil, err
	}
	var items []json.RawMessage
	if jerr := json.Unmarshal(job.Payload, &items); jerr != nil || len(items) != len(batch) {
		w.logger.Warn("batch result does not match the payload; treating it as a single outcome",
			"job_id", job.ID, "results", len(batch), "items", len(items))
		if batch.Failed() == 0 {
			return nil, nil
		}
		return nil, err
	}

	failedItems := make([]json.RawMessage, 0, len(items))
	msgs := make([]string, 0, len(items))
	for i, itemErr := range batch {
		if itemErr != nil {
			failedItems = append(failedItems, items[i])
			msgs = append(msgs, itemErr.Error())
		}
	}
	if len(failedItems) == 0 {
		return nil, nil
	}
	replacement, merr := json.Marshal(failedItems)
	if merr != nil {
		return nil, err
	}
	return replacement, errors.New("batch failures:\n" + strings.Join(msgs, "\n"))
}

func (w *Worker) emit(ev events.Event) {
	ev.PoolID = w.opts.PoolID
	ev.WorkerID = w.id
	w.events.Emit(ev)
}

func ms(d time.Duration) float64 { return float64(d) / float64(time.Millisecond) }

func attemptNote(job *queue.Job) string {
	if job.Attempts <= 1 {
		return ""
	}
	return fmt.Sprintf(", attempt %d of %d", job.Attempts, job.MaxAttempts)
}
