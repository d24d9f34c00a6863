package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graphile/worker-sub000/internal/backoff"
)

var (
	// ErrNoRunnableTasks is returned when a claim is attempted with an empty
	// task list.
	ErrNoRunnableTasks = errors.New("no runnable tasks")
	ErrJobNotFound     = errors.New("job not found")
)

const maxRetries = 100

// retryableCodes maps SQLSTATEs worth retrying to their delay bounds.
var retryableCodes = map[string]backoff.Options{
	"40001": {MinDelay: 50 * time.Millisecond, MaxDelay: 5 * time.Second}, // serialization_failure
	"40P01": {MinDelay: 50 * time.Millisecond, MaxDelay: 5 * time.Second}, // deadlock_detected
	"57P03": {MinDelay: 3 * time.Second, MaxDelay: 120 * time.Second},     // cannot_connect_now
}

// Service is the store protocol over the graphile_worker schema. All
// mutating statements are single atomic statements or short transactions.
type Service struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	clock  func() time.Time

	taskMu    sync.Mutex
	taskSets  map[string][]int32
	taskNames map[int32]string

	queueMu    sync.Mutex
	queueNames map[int32]string
}

type Option func(*Service)

// WithLogger sets the logger used for retry warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock makes claims compare run_at against clock() instead of the
// database's now().
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

func NewService(pool *pgxpool.Pool, opts ...Option) *Service {
	s := &Service{
		pool:       pool,
		logger:     slog.Default(),
		taskSets:   map[string][]int32{},
		taskNames:  map[int32]string{},
		queueNames: map[int32]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pool exposes the underlying connection pool for handler helpers.
func (s *Service) Pool() *pgxpool.Pool {
	return s.pool
}

// WithRetries runs fn, retrying serialization failures, deadlocks and
// "cannot connect now" errors with jittered backoff.
func (s *Service) WithRetries(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		opts, ok := RetryOptions(err)
		if !ok {
			return err
		}
		lastErr = err
		opts.Multiplier = 1.5
		delay := backoff.Delay(attempt, opts)
		s.logger.Warn("retrying statement", "attempt", attempt+1, "delay", delay, "error", err)
		if err := backoff.Sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return fmt.Errorf("retried %d times: %w", maxRetries, lastErr)
}

// RetryOptions returns the delay bounds for a retryable SQLSTATE.
func RetryOptions(err error) (backoff.Options, bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return backoff.Options{}, false
	}
	opts, ok := retryableCodes[pgErr.Code]
	return opts, ok
}

// IsRetryable reports whether err carries a retryable SQLSTATE.
func IsRetryable(err error) bool {
	_, ok := RetryOptions(err)
	return ok
}

const jobColumns = `jobs.id, jobs.job_queue_id, jobs.task_id, jobs.payload, jobs.priority,
	jobs.run_at, jobs.attempts, jobs.max_attempts, jobs.last_error, jobs.created_at,
	jobs.updated_at, jobs.key, jobs.locked_at, jobs.locked_by, jobs.revision, jobs.flags`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	if err := row.Scan(
		&j.ID,
		&j.JobQueueID,
		&j.TaskID,
		&j.Payload,
		&j.Priority,
		&j.RunAt,
		&j.Attempts,
		&j.MaxAttempts,
		&j.LastError,
		&j.CreatedAt,
		&j.UpdatedAt,
		&j.Key,
		&j.LockedAt,
		&j.LockedBy,
		&j.Revision,
		&j.Flags,
	); err != nil {
		return nil, err
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	defer rows.Close()
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// TaskIDs upserts the identifiers into _private_tasks and returns their ids.
// Results are cached per distinct set of names.
func (s *Service) TaskIDs(ctx context.Context, names []string) ([]int32, error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	key := strings.Join(sorted, "\x00")

	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	if ids, ok := s.taskSets[key]; ok {
		return ids, nil
	}

	var ids []int32
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		ids = ids[:0]
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO graphile_worker._private_tasks (identifier)
			SELECT unnest($1::text[])
			ON CONFLICT (identifier) DO NOTHING`, sorted); err != nil {
			return err
		}
		rows, err := s.pool.Query(ctx, `
			SELECT id, identifier FROM graphile_worker._private_tasks
			WHERE identifier = any($1::text[])`, sorted)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int32
			var identifier string
			if err := rows.Scan(&id, &identifier); err != nil {
				return err
			}
			ids = append(ids, id)
			s.taskNames[id] = identifier
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("resolve task identifiers: %w", err)
	}
	s.taskSets[key] = ids
	return ids, nil
}

// forgetTasks drops cached task ids after identifiers were garbage collected.
func (s *Service) forgetTasks() {
	s.taskMu.Lock()
	s.taskSets = map[string][]int32{}
	s.taskNames = map[int32]string{}
	s.taskMu.Unlock()
}

func (s *Service) taskName(id int32) string {
	s.taskMu.Lock()
	defer s.taskMu.Unlock()
	return s.taskNames[id]
}

func (s *Service) nowArg() any {
	if s.clock == nil {
		return nil
	}
	return s.clock()
}

// ClaimJobs locks up to batchSize runnable jobs for poolID. Jobs are
// returned in claim order: priority, then run_at, then id. A named queue
// contributes at most one job and is locked alongside it. Jobs carrying any
// of flagsToSkip are ignored.
func (s *Service) ClaimJobs(ctx context.Context, poolID string, tasks []string, flagsToSkip []string, batchSize int) ([]*Job, error) {
	if len(tasks) == 0 {
		return nil, ErrNoRunnableTasks
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	taskIDs, err := s.TaskIDs(ctx, tasks)
	if err != nil {
		return nil, err
	}

	flagsClause := ""
	if len(flagsToSkip) > 0 {
		flagsClause = "AND ((jobs.flags ?| $5::text[]) IS NOT TRUE)"
	}
	query := `
		WITH candidates AS (
			SELECT jobs.job_queue_id, jobs.priority, jobs.run_at, jobs.id
			FROM graphile_worker._private_jobs AS jobs
			WHERE jobs.is_available = true
			  AND jobs.run_at <= coalesce($4::timestamptz, now())
			  AND jobs.task_id = any($2::int[])
			  AND (
				jobs.job_queue_id IS NULL
				OR jobs.job_queue_id IN (
					SELECT id FROM graphile_worker._private_job_queues AS job_queues
					WHERE job_queues.is_available = true
					FOR UPDATE SKIP LOCKED
				)
			  )
			  ` + flagsClause + `
			ORDER BY jobs.priority ASC, jobs.run_at ASC, jobs.id ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		),
		j AS (
			SELECT DISTINCT ON (coalesce(job_queue_id::bigint, -id)) job_queue_id, priority, run_at, id
			FROM candidates
			ORDER BY coalesce(job_queue_id::bigint, -id), priority, run_at, id
		),
		q AS (
			UPDATE graphile_worker._private_job_queues AS job_queues
			SET locked_by = $1::text, locked_at = coalesce($4::timestamptz, now())
			FROM j
			WHERE job_queues.id = j.job_queue_id
		)
		UPDATE graphile_worker._private_jobs AS jobs
		SET attempts = jobs.attempts + 1,
		    locked_by = $1::text,
		    locked_at = coalesce($4::timestamptz, now())
		FROM j
		WHERE jobs.id = j.id
		RETURNING ` + jobColumns

	args := []any{poolID, taskIDs, batchSize, s.nowArg()}
	if len(flagsToSkip) > 0 {
		args = append(args, flagsToSkip)
	}

	var jobs []*Job
	err = s.WithRetries(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, query, args...)
		if err != nil {
			return err
		}
		jobs, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	for _, j := range jobs {
		j.TaskIdentifier = s.taskName(j.TaskID)
	}
	sort.Slice(jobs, func(a, b int) bool {
		ja, jb := jobs[a], jobs[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		if !ja.RunAt.Equal(jb.RunAt) {
			return ja.RunAt.Before(jb.RunAt)
		}
		return ja.ID < jb.ID
	})
	return jobs, nil
}

func jobIDs(jobs []*Job) []int64 {
	ids := make([]int64, 0, len(jobs))
	for _, j := range jobs {
		ids = append(ids, j.ID)
	}
	return ids
}

// CompleteJobs deletes the jobs and unlocks their queues when poolID still
// holds them. Completing a job that no longer exists is a no-op.
func (s *Service) CompleteJobs(ctx context.Context, poolID string, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := jobIDs(jobs)
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			WITH j AS (
				DELETE FROM graphile_worker._private_jobs AS jobs
				USING unnest($1::bigint[]) AS n(n)
				WHERE jobs.id = n
				RETURNING jobs.job_queue_id
			)
			UPDATE graphile_worker._private_job_queues AS job_queues
			SET locked_by = null, locked_at = null
			FROM j
			WHERE job_queues.id = j.job_queue_id
			  AND job_queues.locked_by = $2::text`, ids, poolID)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete jobs: %w", err)
	}
	return nil
}

type failEntry struct {
	JobID   int64           `json:"jobId"`
	Message string          `json:"message"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// FailJobs records a failed attempt for each entry: last_error is set, the
// lock released and run_at pushed back by exp(min(attempts, 10)) seconds.
// Entries whose job is no longer locked by poolID are ignored.
func (s *Service) FailJobs(ctx context.Context, poolID string, specs []FailSpec) error {
	if len(specs) == 0 {
		return nil
	}
	entries := make([]failEntry, 0, len(specs))
	for _, spec := range specs {
		entries = append(entries, failEntry{
			JobID:   spec.Job.ID,
			Message: truncateString(spec.Message, maxLastErrorLen),
			Payload: spec.ReplacementPayload,
		})
	}
	doc, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("encode failures: %w", err)
	}
	err = s.WithRetries(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			WITH j AS (
				UPDATE graphile_worker._private_jobs AS jobs
				SET last_error = (el->>'message'),
				    run_at = greatest(now(), jobs.run_at) + (exp(least(jobs.attempts, 10)) * interval '1 second'),
				    locked_by = null,
				    locked_at = null,
				    payload = coalesce(el->'payload', jobs.payload),
				    updated_at = now()
				FROM json_array_elements($2::json) AS els(el)
				WHERE jobs.id = (el->>'jobId')::bigint
				  AND jobs.locked_by = $1::text
				RETURNING jobs.job_queue_id
			)
			UPDATE graphile_worker._private_job_queues AS job_queues
			SET locked_by = null, locked_at = null
			FROM j
			WHERE job_queues.id = j.job_queue_id
			  AND job_queues.locked_by = $1::text`, poolID, string(doc))
		return err
	})
	if err != nil {
		return fmt.Errorf("fail jobs: %w", err)
	}
	return nil
}

// ForceFailJobs fails jobs still locked by poolID with a shared message and
// returns the rows that were updated. Used when a pool shuts down with jobs
// in flight.
func (s *Service) ForceFailJobs(ctx context.Context, poolID string, jobs []*Job, message string) ([]*Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	ids := jobIDs(jobs)
	var failed []*Job
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			WITH j AS (
				UPDATE graphile_worker._private_jobs AS jobs
				SET last_error = $2::text,
				    run_at = greatest(now(), jobs.run_at) + (exp(least(jobs.attempts, 10)) * interval '1 second'),
				    locked_by = null,
				    locked_at = null,
				    updated_at = now()
				WHERE jobs.id = any($1::bigint[])
				  AND jobs.locked_by = $3::text
				RETURNING `+jobColumns+`
			),
			q AS (
				UPDATE graphile_worker._private_job_queues AS job_queues
				SET locked_by = null, locked_at = null
				FROM j
				WHERE job_queues.id = j.job_queue_id
				  AND job_queues.locked_by = $3::text
			)
			SELECT * FROM j`, ids, truncateString(message, maxLastErrorLen), poolID)
		if err != nil {
			return err
		}
		failed, err = collectJobs(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("force fail jobs: %w", err)
	}
	for _, j := range failed {
		j.TaskIdentifier = s.taskName(j.TaskID)
	}
	return failed, nil
}

// ReturnJobs hands jobs back as if they were never attempted: attempts is
// decremented (floor 0) and the job and queue locks are cleared.
func (s *Service) ReturnJobs(ctx context.Context, poolID string, jobs []*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	ids := jobIDs(jobs)
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			WITH j AS (
				UPDATE graphile_worker._private_jobs AS jobs
				SET attempts = greatest(0, jobs.attempts - 1),
				    locked_by = null,
				    locked_at = null
				WHERE jobs.id = any($2::bigint[])
				  AND jobs.locked_by = $1::text
				RETURNING jobs.job_queue_id
			)
			UPDATE graphile_worker._private_job_queues AS job_queues
			SET locked_by = null, locked_at = null
			FROM j
			WHERE job_queues.id = j.job_queue_id
			  AND job_queues.locked_by = $1::text`, poolID, ids)
		return err
	})
	if err != nil {
		return fmt.Errorf("return jobs: %w", err)
	}
	return nil
}

// StaleLockAge is how long a lock may be held before ResetLockedAt
// considers its owner dead.
const StaleLockAge = 4 * time.Hour

// ResetLockedAt clears locks older than StaleLockAge on jobs and queues.
// Jobs whose run_at lies in the past are made runnable immediately.
func (s *Service) ResetLockedAt(ctx context.Context) error {
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			WITH j AS (
				UPDATE graphile_worker._private_jobs AS jobs
				SET locked_at = null,
				    locked_by = null,
				    run_at = greatest(jobs.run_at, now())
				WHERE jobs.locked_at < now() - $1::interval
			)
			UPDATE graphile_worker._private_job_queues AS job_queues
			SET locked_at = null, locked_by = null
			WHERE job_queues.locked_at < now() - $1::interval`, StaleLockAge)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset locked: %w", err)
	}
	return nil
}

// QueueName resolves a job queue id, caching every lookup.
func (s *Service) QueueName(ctx context.Context, id int32) (string, error) {
	s.queueMu.Lock()
	name, ok := s.queueNames[id]
	s.queueMu.Unlock()
	if ok {
		return name, nil
	}
	names, err := s.GetQueueNames(ctx, []int32{id})
	if err != nil {
		return "", err
	}
	name, ok = names[id]
	if !ok {
		return "", fmt.Errorf("queue %d: %w", id, ErrJobNotFound)
	}
	return name, nil
}

// GetQueueNames resolves several queue ids in one statement.
func (s *Service) GetQueueNames(ctx context.Context, ids []int32) (map[int32]string, error) {
	out := make(map[int32]string, len(ids))
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		rows, err := s.pool.Query(ctx, `
			SELECT id, queue_name FROM graphile_worker._private_job_queues
			WHERE id = any($1::int[])`, ids)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var id int32
			var name string
			if err := rows.Scan(&id, &name); err != nil {
				return err
			}
			out[id] = name
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("get queue names: %w", err)
	}
	s.queueMu.Lock()
	for id, name := range out {
		s.queueNames[id] = name
	}
	s.queueMu.Unlock()
	return out, nil
}
