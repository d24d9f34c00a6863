package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graphile/worker-sub000/internal/queue"
)

var errNoPool = errors.New("no database pool available")

// HelperStore is what handlers may reach through their Helpers.
type HelperStore interface {
	AddJob(ctx context.Context, spec queue.JobSpec) (*queue.Job, error)
	AddJobs(ctx context.Context, specs []queue.JobSpec) ([]*queue.Job, error)
	QueueName(ctx context.Context, id int32) (string, error)
	Pool() *pgxpool.Pool
}

// Helpers gives a handler access to its job, a scoped logger and the store.
type Helpers struct {
	Job    *queue.Job
	Logger *slog.Logger

	store     HelperStore
	queueOnce sync.Once
	queueName string
	queueErr  error
}

func newHelpers(job *queue.Job, store HelperStore, logger *slog.Logger) *Helpers {
	return &Helpers{
		Job:    job,
		Logger: logger.With("job_id", job.ID, "task", job.TaskIdentifier),
		store:  store,
	}
}

// AddJob enqueues another job.
func (h *Helpers) AddJob(ctx context.Context, spec queue.JobSpec) (*queue.Job, error) {
	if h.store == nil {
		return nil, errNoPool
	}
	return h.store.AddJob(ctx, spec)
}

// AddJobs enqueues several jobs in one transaction.
func (h *Helpers) AddJobs(ctx context.Context, specs []queue.JobSpec) ([]*queue.Job, error) {
	if h.store == nil {
		return nil, errNoPool
	}
	return h.store.AddJobs(ctx, specs)
}

// Query runs a statement on a pooled connection.
func (h *Helpers) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool, err := h.pool()
	if err != nil {
		return nil, err
	}
	return pool.Query(ctx, sql, args...)
}

// WithConn runs fn with a dedicated pooled connection.
func (h *Helpers) WithConn(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	pool, err := h.pool()
	if err != nil {
		return err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()
	return fn(conn)
}

func (h *Helpers) pool() (*pgxpool.Pool, error) {
	if h.store == nil || h.store.Pool() == nil {
		return nil, errNoPool
	}
	return h.store.Pool(), nil
}

// QueueName resolves the job's queue name once. Jobs outside a named queue
// return "".
func (h *Helpers) QueueName(ctx context.Context) (string, error) {
	if h.Job.JobQueueID == nil {
		return "", nil
	}
	h.queueOnce.Do(func() {
		if h.store == nil {
			h.queueErr = errNoPool
			return
		}
		h.queueName, h.queueErr = h.store.QueueName(ctx, *h.Job.JobQueueID)
	})
	return h.queueName, h.queueErr
}
