// Package runner wires the store, worker pool, cron scheduler, event bus and
// signal handling into a single running unit.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graphile/worker-sub000/internal/cron"
	"github.com/graphile/worker-sub000/internal/db"
	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/fetcher"
	"github.com/graphile/worker-sub000/internal/pool"
	"github.com/graphile/worker-sub000/internal/queue"
	"github.com/graphile/worker-sub000/internal/signals"
	"github.com/graphile/worker-sub000/internal/worker"
)

var (
	ErrNoTasks         = errors.New("no task handlers registered")
	ErrAlreadyStopped  = errors.New("runner already stopped")
	ErrCrontabConflict = errors.New("crontab and crontab file are mutually exclusive")
	ErrNoDatabase      = errors.New("database url, pool or store is required")
)

// Store is everything the pool and the cron scheduler need from the
// database.
type Store interface {
	pool.Store
	cron.Store
}

type Options struct {
	// Connection. Store takes precedence over PgPool, which takes
	// precedence over DatabaseURL. A pool opened from DatabaseURL is closed
	// when the runner stops.
	DatabaseURL string
	MaxPoolSize int32
	PgPool      *pgxpool.Pool
	Store       Store
	// Listen overrides the notification source. Derived from the store
	// when the runner builds it.
	Listen pool.ListenFunc
	// SkipMigrate leaves the schema untouched at startup.
	SkipMigrate bool

	Tasks                        worker.TaskList
	Concurrency                  int
	WorkerID                     string
	PollInterval                 time.Duration
	LocalQueueSize               int
	LocalQueueTTL                time.Duration
	LocalQueueRefetchDelay       *fetcher.RefetchDelay
	CompleteJobBatchDelay        time.Duration
	FailJobBatchDelay            time.Duration
	MaxContiguousErrors          int
	GracefulShutdownAbortTimeout time.Duration
	MinResetLockedInterval       time.Duration
	MaxResetLockedInterval       time.Duration
	// ForbiddenFlags is consulted before every fetch. ForbiddenFlagsFunc
	// wins when both are set.
	ForbiddenFlags     []string
	ForbiddenFlagsFunc func() []string

	// Crontab and CrontabFile are mutually exclusive; CronItems are added
	// to whichever is parsed.
	Crontab     string
	CrontabFile string
	CronItems   []*cron.Item
	CronClock   cron.Clock

	// NoHandleSignals skips registration with the signal broadcaster.
	NoHandleSignals bool
	Signals         *signals.Broadcaster

	Events *events.Bus
	Logger *slog.Logger
}

func (o Options) validate() error {
	if len(o.Tasks) == 0 {
		return ErrNoTasks
	}
	if o.WorkerID != "" && o.Concurrency > 1 {
		return pool.ErrWorkerIDWithConcurrency
	}
	if o.Crontab != "" && o.CrontabFile != "" {
		return ErrCrontabConflict
	}
	if o.Store == nil && o.PgPool == nil && o.DatabaseURL == "" {
		return ErrNoDatabase
	}
	return nil
}

func (o Options) forbiddenFlags() func() []string {
	if o.ForbiddenFlagsFunc != nil {
		return o.ForbiddenFlagsFunc
	}
	if len(o.ForbiddenFlags) == 0 {
		return nil
	}
	flags := append([]string(nil), o.ForbiddenFlags...)
	return func() []string { return flags }
}

func (o Options) cronItems() ([]*cron.Item, error) {
	var items []*cron.Item
	switch {
	case o.Crontab != "":
		parsed, err := cron.Parse(o.Crontab)
		if err != nil {
			return nil, err
		}
		items = parsed
	case o.CrontabFile != "":
		parsed, err := cron.LoadFile(o.CrontabFile)
		if err != nil {
			return nil, err
		}
		items = parsed
	}
	return append(items, o.CronItems...), nil
}

// Runner is a started pool plus, in continuous mode, its cron scheduler.
type Runner struct {
	opts   Options
	store  Store
	pool   *pool.Pool
	cron   *cron.Scheduler
	bus    *events.Bus
	logger *slog.Logger

	ownedPg    *pgxpool.Pool
	unregister func()

	mu      sync.Mutex
	stopped bool
	killed  bool
	err     error
	done    chan struct{}
}

// Run starts a continuous runner. It returns once the pool is running;
// use Wait or Done to observe its end. Cancelling ctx shuts the runner down
// gracefully.
func Run(ctx context.Context, opts Options) (*Runner, error) {
	items, err := opts.cronItems()
	if err != nil {
		return nil, err
	}
	r, err := build(ctx, opts, true)
	if err != nil {
		return nil, err
	}
	if len(items) > 0 {
		r.cron = cron.New(cron.Options{
			Items:  items,
			Store:  r.store,
			Clock:  opts.CronClock,
			Events: r.bus,
			Logger: r.logger.With("component", "cron"),
		})
	}

	if err := r.pool.Start(ctx); err != nil {
		r.closeResources()
		return nil, fmt.Errorf("start pool: %w", err)
	}
	if r.cron != nil {
		r.cron.Start(context.Background())
	}
	r.registerSignals()
	go r.supervise(ctx)
	return r, nil
}

// RunOnce runs every job that is runnable now and returns when there are
// none left. Crontab options are ignored.
func RunOnce(ctx context.Context, opts Options) error {
	r, err := build(ctx, opts, false)
	if err != nil {
		return err
	}
	if err := r.pool.Start(ctx); err != nil {
		r.closeResources()
		return fmt.Errorf("start pool: %w", err)
	}
	r.registerSignals()
	go r.supervise(ctx)
	<-r.done
	return r.Err()
}

func build(ctx context.Context, opts Options, continuous bool) (*Runner, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := opts.Events
	if bus == nil {
		bus = events.NewBus(0, logger)
	}
	r := &Runner{
		opts:   opts,
		bus:    bus,
		logger: logger,
		done:   make(chan struct{}),
	}

	listen := opts.Listen
	r.store = opts.Store
	if r.store == nil {
		pg := opts.PgPool
		dsn := opts.DatabaseURL
		if pg == nil {
			var err error
			pg, err = db.NewPool(ctx, dsn, db.PoolOptions{
				MaxConns:        opts.MaxPoolSize,
				ApplicationName: "graphile-worker",
				Logger:          logger,
			})
			if err != nil {
				return nil, err
			}
			r.ownedPg = pg
		} else if dsn == "" {
			dsn = pg.Config().ConnString()
		}
		if !opts.SkipMigrate {
			if _, err := db.Migrate(ctx, dsn, logger); err != nil {
				r.closeResources()
				return nil, err
			}
		}
		svc := queue.NewService(pg, queue.WithLogger(logger))
		r.store = svc
		if listen == nil {
			listen = pool.ServiceListener(svc)
		}
	}
	if !continuous {
		listen = nil
	}

	p, err := pool.New(pool.Options{
		WorkerID:                     opts.WorkerID,
		Concurrency:                  opts.Concurrency,
		Tasks:                        opts.Tasks,
		Store:                        r.store,
		Listen:                       listen,
		Continuous:                   continuous,
		PollInterval:                 opts.PollInterval,
		LocalQueueSize:               opts.LocalQueueSize,
		LocalQueueTTL:                opts.LocalQueueTTL,
		LocalQueueRefetchDelay:       opts.LocalQueueRefetchDelay,
		CompleteJobBatchDelay:        opts.CompleteJobBatchDelay,
		FailJobBatchDelay:            opts.FailJobBatchDelay,
		ForbiddenFlags:               opts.forbiddenFlags(),
		MaxContiguousErrors:          opts.MaxContiguousErrors,
		GracefulShutdownAbortTimeout: opts.GracefulShutdownAbortTimeout,
		MinResetLockedInterval:       opts.MinResetLockedInterval,
		MaxResetLockedInterval:       opts.MaxResetLockedInterval,
		Events:                       bus,
		Logger:                       logger,
	})
	if err != nil {
		r.closeResources()
		return nil, err
	}
	r.pool = p
	return r, nil
}

func (r *Runner) registerSignals() {
	if r.opts.NoHandleSignals {
		return
	}
	b := r.opts.Signals
	if b == nil {
		b = signals.Shared()
	}
	r.unregister = b.Register(r)
}

// supervise waits for the pool to end, stopping it when the scheduler
// fails or ctx is cancelled, then releases everything the runner owns.
func (r *Runner) supervise(ctx context.Context) {
	var cronDone <-chan struct{}
	if r.cron != nil {
		cronDone = r.cron.Done()
	}
	select {
	case <-r.pool.Done():
	case <-cronDone:
		if err := r.cron.Err(); err != nil {
			_ = r.pool.GracefulShutdown("cron scheduler failed: " + err.Error())
		}
	case <-ctx.Done():
		_ = r.pool.GracefulShutdown("context cancelled")
	}
	<-r.pool.Done()

	var cronErr error
	if r.cron != nil {
		r.cron.Stop()
		cronErr = r.cron.Err()
	}
	r.closeResources()

	r.mu.Lock()
	r.err = errors.Join(r.pool.Err(), cronErr)
	r.mu.Unlock()
	r.bus.Emit(events.Event{Type: events.Stop, PoolID: r.pool.ID()})
	close(r.done)
}

func (r *Runner) closeResources() {
	if r.unregister != nil {
		r.unregister()
	}
	if r.ownedPg != nil {
		r.ownedPg.Close()
	}
}

// Stop shuts the runner down gracefully and waits for it to finish.
func (r *Runner) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return ErrAlreadyStopped
	}
	r.stopped = true
	r.mu.Unlock()

	err := r.GracefulShutdown("runner stopped")
	<-r.done
	if errors.Is(err, pool.ErrShutdownInProgress) {
		err = r.pool.Err()
	}
	return err
}

// Kill abandons running jobs, failing them in the store. It may follow a
// Stop that is taking too long.
func (r *Runner) Kill() error {
	r.mu.Lock()
	if r.killed {
		r.mu.Unlock()
		return ErrAlreadyStopped
	}
	r.killed = true
	r.stopped = true
	r.mu.Unlock()

	err := r.ForcefulShutdown("runner killed")
	<-r.done
	if errors.Is(err, pool.ErrShutdownInProgress) {
		err = r.pool.Err()
	}
	return err
}

// GracefulShutdown is called by the signal broadcaster.
func (r *Runner) GracefulShutdown(reason string) error {
	r.bus.Emit(events.Event{Type: events.GracefulShutdown, PoolID: r.pool.ID(), Message: reason})
	return r.pool.GracefulShutdown(reason)
}

// ForcefulShutdown is called by the signal broadcaster.
func (r *Runner) ForcefulShutdown(reason string) error {
	r.bus.Emit(events.Event{Type: events.ForcefulShutdown, PoolID: r.pool.ID(), Message: reason})
	return r.pool.ForcefulShutdown(reason)
}

func (r *Runner) AddJob(ctx context.Context, spec queue.JobSpec) (*queue.Job, error) {
	return r.store.AddJob(ctx, spec)
}

func (r *Runner) AddJobs(ctx context.Context, specs []queue.JobSpec) ([]*queue.Job, error) {
	return r.store.AddJobs(ctx, specs)
}

func (r *Runner) Events() *events.Bus { return r.bus }

func (r *Runner) Done() <-chan struct{} { return r.done }

// Err is the terminal error of the pool and scheduler, valid after Done.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Wait blocks until the runner has stopped or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveJobs lists the jobs currently being executed.
func (r *Runner) ActiveJobs() []*queue.Job { return r.pool.ActiveJobs() }
