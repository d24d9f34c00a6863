// Package pool runs a set of workers sharing one fetcher, one notification
// listener and one stale-lock reset loop.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/graphile/worker-sub000/internal/backoff"
	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/fetcher"
	"github.com/graphile/worker-sub000/internal/queue"
	"github.com/graphile/worker-sub000/internal/worker"
)

// ErrWorkerIDWithConcurrency rejects a pinned worker id on a pool with more
// than one worker.
var ErrWorkerIDWithConcurrency = errors.New("worker id must not be set when concurrency > 1; each worker needs a unique identifier")

// ErrShutdownInProgress is returned by a shutdown request that arrives while
// an earlier one is still running.
var ErrShutdownInProgress = errors.New("pool shutdown already in progress")

const (
	DefaultConcurrency                  = 1
	DefaultGracefulShutdownAbortTimeout = 5 * time.Second
	DefaultMinResetLockedInterval       = 8 * time.Minute
	DefaultMaxResetLockedInterval       = 10 * time.Minute
	firstResetLockedCap                 = time.Minute
	shutdownStoreTimeout                = 30 * time.Second
)

// Store is the part of the queue service a pool drives.
type Store interface {
	fetcher.Store
	worker.HelperStore
	CompleteJobs(ctx context.Context, poolID string, jobs []*queue.Job) error
	FailJobs(ctx context.Context, poolID string, specs []queue.FailSpec) error
	ForceFailJobs(ctx context.Context, poolID string, jobs []*queue.Job, message string) ([]*queue.Job, error)
	ResetLockedAt(ctx context.Context) error
}

type Options struct {
	// ID defaults to pool-<uuid>.
	ID string
	// WorkerID pins the id of the only worker; requires Concurrency 1.
	WorkerID    string
	Concurrency int
	Tasks       worker.TaskList
	Store       Store
	// Listen opens the notification connection. Nil disables listening.
	Listen ListenFunc
	// Continuous keeps the pool alive waiting for new jobs; otherwise it
	// drains what is runnable and stops.
	Continuous   bool
	PollInterval time.Duration
	// LocalQueueSize > 0 claims jobs in batches of that size.
	LocalQueueSize int
	LocalQueueTTL  time.Duration

	// LocalQueueRefetchDelay is disabled when nil.
	LocalQueueRefetchDelay *fetcher.RefetchDelay

	// Batch delays for recording outcomes; negative records each job
	// immediately.
	CompleteJobBatchDelay        time.Duration
	FailJobBatchDelay            time.Duration
	ForbiddenFlags               func() []string
	MaxContiguousErrors          int
	GracefulShutdownAbortTimeout time.Duration
	MinResetLockedInterval       time.Duration
	MaxResetLockedInterval       time.Duration
	Events                       events.Emitter
	Logger                       *slog.Logger
}

// Pool owns its workers and the background loops that feed them.
type Pool struct {
	id     string
	opts   Options
	store  Store
	events events.Emitter
	logger *slog.Logger

	fetcher   fetcher.Fetcher
	workers   []*worker.Worker
	completer *batcher[*queue.Job]
	failer    *batcher[queue.FailSpec]

	abortCtx context.Context
	abort    context.CancelFunc
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup

	mu           sync.Mutex
	started      bool
	shuttingDown bool
	forceful     bool
	forceCh      chan struct{}
	nudgeOffset  int
	errs         []error
	done         chan struct{}
	finishOnce   sync.Once

	releaseOnce sync.Once
	releaseErrs []error
}

// New validates opts and builds an unstarted pool.
func New(opts Options) (*Pool, error) {
	if opts.Store == nil {
		return nil, errors.New("pool: store is required")
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.WorkerID != "" && opts.Concurrency > 1 {
		return nil, ErrWorkerIDWithConcurrency
	}
	if opts.ID == "" {
		opts.ID = "pool-" + uuid.NewString()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = worker.DefaultPollInterval
	}
	if opts.GracefulShutdownAbortTimeout <= 0 {
		opts.GracefulShutdownAbortTimeout = DefaultGracefulShutdownAbortTimeout
	}
	if opts.MinResetLockedInterval <= 0 {
		opts.MinResetLockedInterval = DefaultMinResetLockedInterval
	}
	if opts.MaxResetLockedInterval < opts.MinResetLockedInterval {
		opts.MaxResetLockedInterval = max(DefaultMaxResetLockedInterval, opts.MinResetLockedInterval)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pool{
		id:      opts.ID,
		opts:    opts,
		store:   opts.Store,
		events:  events.OrNoop(opts.Events),
		logger:  logger.With("pool_id", opts.ID),
		forceCh: make(chan struct{}),
		done:    make(chan struct{}),
	}
	p.abortCtx, p.abort = context.WithCancel(context.Background())
	p.bgCtx, p.bgCancel = context.WithCancel(context.Background())

	if opts.CompleteJobBatchDelay >= 0 {
		p.completer = newBatcher(opts.CompleteJobBatchDelay, p.flushCompleted, func(err error, jobs []*queue.Job) {
			p.batchFailed("complete", err, len(jobs))
		})
	}
	if opts.FailJobBatchDelay >= 0 {
		p.failer = newBatcher(opts.FailJobBatchDelay, p.flushFailed, func(err error, specs []queue.FailSpec) {
			p.batchFailed("fail", err, len(specs))
		})
	}
	return p, nil
}

func (p *Pool) ID() string { return p.id }

// Done is closed when the pool has fully shut down.
func (p *Pool) Done() <-chan struct{} { return p.done }

// Err returns every error that ended or occurred during the pool's life.
func (p *Pool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.errs...)
}

// Wait blocks until the pool is done or ctx ends.
func (p *Pool) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) recordErr(err error) {
	if err == nil {
		return
	}
	p.mu.Lock()
	p.errs = append(p.errs, err)
	p.mu.Unlock()
}

func (p *Pool) isActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.shuttingDown
}

// Start creates the workers and background loops. Run-once pools reset
// stale locks first so that abandoned jobs are picked up.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("pool already started")
	}
	p.started = true
	p.mu.Unlock()

	if !p.opts.Continuous {
		if err := p.resetLocked(ctx); err != nil {
			p.finish()
			return err
		}
	}

	tasks := p.opts.Tasks.Names()
	if p.opts.LocalQueueSize > 0 {
		p.fetcher = fetcher.NewLocalQueue(p.store, fetcher.Options{
			PoolID:       p.id,
			Tasks:        tasks,
			Size:         p.opts.LocalQueueSize,
			TTL:          p.opts.LocalQueueTTL,
			PollInterval: p.opts.PollInterval,
			Continuous:   p.opts.Continuous,
			RefetchDelay: p.opts.LocalQueueRefetchDelay,
			Events:       p.events,
			Logger:       p.logger,
		})
	} else {
		p.fetcher = fetcher.NewDirect(p.store, p.id, tasks)
	}

	p.emit(events.Event{Type: events.PoolCreate, Count: p.opts.Concurrency})

	workers := make([]*worker.Worker, 0, p.opts.Concurrency)
	for i := 0; i < p.opts.Concurrency; i++ {
		w, err := worker.New(worker.Options{
			ID:                  p.opts.WorkerID,
			PoolID:              p.id,
			Tasks:               p.opts.Tasks,
			Source:              p.fetcher,
			Reporter:            p,
			Store:               p.store,
			Continuous:          p.opts.Continuous,
			PollInterval:        p.opts.PollInterval,
			ForbiddenFlags:      p.opts.ForbiddenFlags,
			MaxContiguousErrors: p.opts.MaxContiguousErrors,
			Abort:               p.abortCtx,
			Events:              p.events,
			Logger:              p.logger,
		})
		if err != nil {
			p.finish()
			return err
		}
		workers = append(workers, w)
	}
	p.mu.Lock()
	p.workers = workers
	p.mu.Unlock()

	if p.opts.Continuous {
		if p.opts.Listen != nil {
			p.bg.Add(1)
			go func() {
				defer p.bg.Done()
				p.listenLoop(p.bgCtx)
			}()
		}
		p.bg.Add(1)
		go func() {
			defer p.bg.Done()
			p.resetLockedLoop(p.bgCtx)
		}()
	}

	for _, w := range workers {
		w.Start()
	}
	go p.watchWorkers(workers)
	return nil
}

// watchWorkers reacts to workers stopping on their own: in continuous mode
// any exit outside shutdown stops the pool, in run-once mode the pool stops
// after the last worker.
func (p *Pool) watchWorkers(workers []*worker.Worker) {
	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			<-w.Done()
			if !p.isActive() {
				return
			}
			if err := w.Err(); err != nil {
				p.logger.Error("Worker exited with error", "worker_id", w.ID(), "error", err)
			}
			if p.opts.Continuous {
				go p.GracefulShutdown("worker " + w.ID() + " exited unexpectedly")
			}
		}(w)
	}
	wg.Wait()
	if !p.opts.Continuous && p.isActive() {
		_ = p.GracefulShutdown("run complete")
	}
}

// Nudge wakes up to count idle workers after new jobs were announced.
func (p *Pool) Nudge(count int) {
	if !p.isActive() || count <= 0 {
		return
	}
	p.fetcher.Pulse(count)

	p.mu.Lock()
	workers := p.workers
	offset := p.nudgeOffset
	p.nudgeOffset++
	p.mu.Unlock()

	woken := 0
	for i := 0; i < len(workers) && woken < count; i++ {
		if workers[(offset+i)%len(workers)].Nudge() {
			woken++
		}
	}
}

// ActiveJobs lists the jobs currently executing.
func (p *Pool) ActiveJobs() []*queue.Job {
	p.mu.Lock()
	workers := p.workers
	p.mu.Unlock()
	var jobs []*queue.Job
	for _, w := range workers {
		if job := w.ActiveJob(); job != nil {
			jobs = append(jobs, job)
		}
		if job := w.TakeUnreportedJob(); job != nil {
			jobs = append(jobs, job)
		}
	}
	return jobs
}

// CompleteJob implements worker.Reporter.
func (p *Pool) CompleteJob(ctx context.Context, job *queue.Job) error {
	if p.completer != nil {
		p.completer.Add(job)
		return nil
	}
	return p.store.CompleteJobs(ctx, p.id, []*queue.Job{job})
}

// FailJob implements worker.Reporter.
func (p *Pool) FailJob(ctx context.Context, spec queue.FailSpec) error {
	if p.failer != nil {
		p.failer.Add(spec)
		return nil
	}
	return p.store.FailJobs(ctx, p.id, []queue.FailSpec{spec})
}

func (p *Pool) flushCompleted(ctx context.Context, jobs []*queue.Job) error {
	return p.store.CompleteJobs(ctx, p.id, jobs)
}

func (p *Pool) flushFailed(ctx context.Context, specs []queue.FailSpec) error {
	return p.store.FailJobs(ctx, p.id, specs)
}

func (p *Pool) batchFailed(op string, err error, count int) {
	err = fmt.Errorf("%s %d jobs: %w", op, count, err)
	p.recordErr(err)
	p.logger.Error("Failed to record job outcomes; shutting down", "error", err)
	p.emit(events.Event{Type: events.PoolFatalError, Count: count, Err: err})
	go p.GracefulShutdown("failed to " + op + " jobs")
}

func (p *Pool) resetLockedLoop(ctx context.Context) {
	delay := backoff.Upto(min(firstResetLockedCap, p.opts.MaxResetLockedInterval))
	for {
		if backoff.Sleep(ctx, delay) != nil {
			return
		}
		_ = p.resetLocked(ctx)
		delay = backoff.Between(p.opts.MinResetLockedInterval, p.opts.MaxResetLockedInterval)
	}
}

func (p *Pool) resetLocked(ctx context.Context) error {
	p.emit(events.Event{Type: events.ResetLockedStarted})
	if err := p.store.ResetLockedAt(ctx); err != nil {
		p.logger.Error("Failed to reset stale locks", "error", err)
		p.emit(events.Event{Type: events.ResetLockedFailure, Err: err})
		return err
	}
	p.emit(events.Event{Type: events.ResetLockedSuccess})
	return nil
}

// beginShutdown marks the pool as shutting down. It reports false when a
// shutdown of the same or stronger kind is already under way.
func (p *Pool) beginShutdown(forceful bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if forceful {
		if p.forceful {
			return false
		}
		p.forceful = true
		p.shuttingDown = true
		close(p.forceCh)
		return true
	}
	if p.shuttingDown {
		return false
	}
	p.shuttingDown = true
	return true
}

// inFlightResult answers a repeated shutdown request without waiting.
func (p *Pool) inFlightResult() error {
	select {
	case <-p.done:
		return p.Err()
	default:
		return ErrShutdownInProgress
	}
}

func (p *Pool) currentWorkers() []*worker.Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

func (p *Pool) stopBackground() {
	p.bgCancel()
	p.bg.Wait()
}

// GracefulShutdown stops taking jobs and waits for running jobs to finish.
// Handlers see their context cancelled once the abort timeout elapses. If
// the shutdown fails it escalates to ForcefulShutdown with the error message
// and still returns the graceful error.
//
// A call made while a shutdown is running logs a warning and returns at
// once: the pool's result if it has finished, otherwise
// ErrShutdownInProgress.
func (p *Pool) GracefulShutdown(reason string) error {
	if !p.beginShutdown(false) {
		p.logger.Warn("Graceful shutdown requested while already shutting down", "reason", reason)
		return p.inFlightResult()
	}
	return p.gracefulShutdown(reason)
}

func (p *Pool) gracefulShutdown(reason string) error {
	p.logger.Info("Graceful shutdown", "reason", reason)
	p.emit(events.Event{Type: events.PoolGracefulShutdown, Message: reason})

	workers := p.currentWorkers()
	for _, w := range workers {
		w.Release()
	}
	abortTimer := time.AfterFunc(p.opts.GracefulShutdownAbortTimeout, p.abort)
	defer abortTimer.Stop()

	stopped := make(chan struct{})
	go func() {
		for _, w := range workers {
			<-w.Done()
		}
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-p.forceCh:
		<-p.done
		return p.Err()
	}

	var errs []error
	var stuck []*queue.Job
	for _, w := range workers {
		if err := w.Err(); err != nil {
			errs = append(errs, fmt.Errorf("worker %s: %w", w.ID(), err))
			if job := w.TakeUnreportedJob(); job != nil {
				stuck = append(stuck, job)
			}
		}
	}
	errs = append(errs, p.releaseResources()...)
	if len(stuck) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStoreTimeout)
		_, err := p.store.ForceFailJobs(ctx, p.id, stuck, "Worker failed to release gracefully: "+reason)
		cancel()
		if err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if p.forcefulStarted() {
		<-p.done
		return p.Err()
	}
	if err == nil {
		p.emit(events.Event{Type: events.PoolGracefulShutdownComplete})
		p.finish()
		return p.Err()
	}
	p.recordErr(err)
	p.logger.Error("Graceful shutdown completed with errors; shutting down forcefully", "error", err)
	p.emit(events.Event{Type: events.PoolGracefulShutdownError, Err: err})
	if p.beginShutdown(true) {
		_ = p.forcefulShutdown(err.Error())
	} else {
		<-p.done
	}
	return err
}

// ForcefulShutdown abandons running jobs: their handlers are aborted and the
// jobs are failed in the store straight away. A handler that ignores the
// abort may still finish and record its outcome afterwards.
//
// A repeated call logs a warning and returns at once, like GracefulShutdown.
func (p *Pool) ForcefulShutdown(reason string) error {
	if !p.beginShutdown(true) {
		p.logger.Warn("Forceful shutdown requested while already shutting down forcefully", "reason", reason)
		return p.inFlightResult()
	}
	return p.forcefulShutdown(reason)
}

func (p *Pool) forcefulShutdown(reason string) error {
	p.logger.Warn("Forceful shutdown", "reason", reason)
	p.emit(events.Event{Type: events.PoolForcefulShutdown, Message: reason})
	p.abort()

	workers := p.currentWorkers()
	for _, w := range workers {
		w.Release()
	}
	var jobs []*queue.Job
	for _, w := range workers {
		if job := w.ActiveJob(); job != nil {
			jobs = append(jobs, job)
		}
	}

	errs := p.releaseResources()
	if len(jobs) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownStoreTimeout)
		failed, err := p.store.ForceFailJobs(ctx, p.id, jobs, "Forced worker shutdown: "+reason)
		cancel()
		if err != nil {
			errs = append(errs, err)
		} else {
			p.logger.Info("Failed jobs abandoned by forceful shutdown", "count", len(failed))
		}
	}

	if err := errors.Join(errs...); err != nil {
		p.recordErr(err)
		p.logger.Error("Forceful shutdown completed with errors", "error", err)
		p.emit(events.Event{Type: events.PoolForcefulShutdownError, Err: err})
	} else {
		p.emit(events.Event{Type: events.PoolForcefulShutdownComplete, Count: len(jobs)})
	}
	p.finish()
	return p.Err()
}

func (p *Pool) forcefulStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forceful
}

// releaseResources stops the background loops, returns cached jobs and
// flushes pending outcomes. Only the first call does the work; later calls
// wait for it and report no errors of their own.
func (p *Pool) releaseResources() []error {
	first := false
	p.releaseOnce.Do(func() {
		first = true
		p.stopBackground()
		if p.fetcher != nil {
			if err := p.fetcher.Release(); err != nil {
				p.releaseErrs = append(p.releaseErrs, fmt.Errorf("release fetcher: %w", err))
			}
		}
		if p.completer != nil {
			p.completer.Close()
		}
		if p.failer != nil {
			p.failer.Close()
		}
	})
	if !first {
		return nil
	}
	return p.releaseErrs
}

func (p *Pool) finish() {
	p.finishOnce.Do(func() {
		p.mu.Lock()
		p.shuttingDown = true
		p.mu.Unlock()
		p.bgCancel()
		p.abort()
		p.emit(events.Event{Type: events.PoolRelease})
		close(p.done)
	})
}

func (p *Pool) emit(ev events.Event) {
	ev.PoolID = p.id
	p.events.Emit(ev)
}
