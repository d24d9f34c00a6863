package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// JobState filters ListJobs.
type JobState string

const (
	JobStateAny     JobState = ""
	JobStatePending JobState = "pending"
	JobStateLocked  JobState = "locked"
	JobStateFailed  JobState = "failed"
)

// JobSummary is a row of the graphile_worker.jobs view.
type JobSummary struct {
	ID             int64
	QueueName      *string
	TaskIdentifier string
	Priority       int
	RunAt          time.Time
	Attempts       int
	MaxAttempts    int
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Key            *string
	LockedAt       *time.Time
	LockedBy       *string
	Revision       int
}

type JobFilter struct {
	Task  string
	Queue string
	State JobState
	Limit uint64
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// ListJobs returns jobs matching the filter, most recently updated first.
func (s *Service) ListJobs(ctx context.Context, filter JobFilter) ([]JobSummary, error) {
	limit := filter.Limit
	if limit == 0 {
		limit = 50
	}
	query := psql.Select(
		"id", "queue_name", "task_identifier", "priority", "run_at", "attempts",
		"max_attempts", "last_error", "created_at", "updated_at", "key",
		"locked_at", "locked_by", "revision",
	).From(Schema + ".jobs").OrderBy("updated_at DESC", "id DESC").Limit(limit)

	if filter.Task != "" {
		query = query.Where(sq.Eq{"task_identifier": filter.Task})
	}
	if filter.Queue != "" {
		query = query.Where(sq.Eq{"queue_name": filter.Queue})
	}
	switch filter.State {
	case JobStateAny:
	case JobStatePending:
		query = query.Where(sq.And{sq.Eq{"locked_at": nil}, sq.Expr("attempts < max_attempts")})
	case JobStateLocked:
		query = query.Where(sq.NotEq{"locked_at": nil})
	case JobStateFailed:
		query = query.Where(sq.Expr("attempts >= max_attempts"))
	default:
		return nil, fmt.Errorf("unknown job state %q", filter.State)
	}

	text, args, err := query.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, text, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []JobSummary
	for rows.Next() {
		var item JobSummary
		var queueName, lastError, key, lockedBy sql.NullString
		var lockedAt sql.NullTime
		if err := rows.Scan(
			&item.ID,
			&queueName,
			&item.TaskIdentifier,
			&item.Priority,
			&item.RunAt,
			&item.Attempts,
			&item.MaxAttempts,
			&lastError,
			&item.CreatedAt,
			&item.UpdatedAt,
			&key,
			&lockedAt,
			&lockedBy,
			&item.Revision,
		); err != nil {
			return nil, err
		}
		item.QueueName = nullStringPtr(queueName)
		item.LastError = nullStringPtr(lastError)
		item.Key = nullStringPtr(key)
		item.LockedAt = nullTimePtr(lockedAt)
		item.LockedBy = nullStringPtr(lockedBy)
		items = append(items, item)
	}
	return items, rows.Err()
}

// CompleteJobsByID deletes jobs that are not currently locked by a live
// worker, returning the deleted rows.
func (s *Service) CompleteJobsByID(ctx context.Context, ids []int64) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM graphile_worker._private_jobs AS jobs
		WHERE jobs.id = any($1::bigint[])
		  AND (jobs.locked_at IS NULL OR jobs.locked_at < now() - $2::interval)
		RETURNING `+jobColumns, ids, StaleLockAge)
	if err != nil {
		return nil, fmt.Errorf("complete jobs by id: %w", err)
	}
	return s.withTaskNames(ctx, rows)
}

// PermanentlyFailJobs marks unlocked jobs as failed so they are never
// retried. An empty reason records a generic message.
func (s *Service) PermanentlyFailJobs(ctx context.Context, ids []int64, reason string) ([]*Job, error) {
	if reason == "" {
		reason = "Manually marked as failed"
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE graphile_worker._private_jobs AS jobs
		SET last_error = $2::text,
		    attempts = jobs.max_attempts,
		    updated_at = now()
		WHERE jobs.id = any($1::bigint[])
		  AND (jobs.locked_at IS NULL OR jobs.locked_at < now() - $3::interval)
		RETURNING `+jobColumns, ids, truncateString(reason, maxLastErrorLen), StaleLockAge)
	if err != nil {
		return nil, fmt.Errorf("permanently fail jobs: %w", err)
	}
	return s.withTaskNames(ctx, rows)
}

// RescheduleOptions leaves a field unchanged when nil.
type RescheduleOptions struct {
	RunAt       *time.Time
	Priority    *int
	Attempts    *int
	MaxAttempts *int
}

// RescheduleJobs updates scheduling fields of unlocked jobs.
func (s *Service) RescheduleJobs(ctx context.Context, ids []int64, opts RescheduleOptions) ([]*Job, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE graphile_worker._private_jobs AS jobs
		SET run_at = coalesce($2::timestamptz, jobs.run_at),
		    priority = coalesce($3::int, jobs.priority),
		    attempts = coalesce($4::int, jobs.attempts),
		    max_attempts = coalesce($5::int, jobs.max_attempts),
		    updated_at = now()
		WHERE jobs.id = any($1::bigint[])
		  AND (jobs.locked_at IS NULL OR jobs.locked_at < now() - $6::interval)
		RETURNING `+jobColumns, ids, opts.RunAt, opts.Priority, opts.Attempts, opts.MaxAttempts, StaleLockAge)
	if err != nil {
		return nil, fmt.Errorf("reschedule jobs: %w", err)
	}
	return s.withTaskNames(ctx, rows)
}

// ForceUnlockWorkers releases every job and queue lock held by the given
// worker or pool ids. Use only for ids known to be dead.
func (s *Service) ForceUnlockWorkers(ctx context.Context, ids []string) error {
	_, err := s.pool.Exec(ctx, `
		WITH j AS (
			UPDATE graphile_worker._private_jobs
			SET locked_at = null, locked_by = null
			WHERE locked_by = any($1::text[])
		)
		UPDATE graphile_worker._private_job_queues
		SET locked_at = null, locked_by = null
		WHERE locked_by = any($1::text[])`, ids)
	if err != nil {
		return fmt.Errorf("force unlock workers: %w", err)
	}
	return nil
}

func (s *Service) withTaskNames(ctx context.Context, rows pgx.Rows) ([]*Job, error) {
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	if err := s.resolveTaskNames(ctx, jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Service) resolveTaskNames(ctx context.Context, jobs []*Job) error {
	var missing []int32
	for _, j := range jobs {
		if name := s.taskName(j.TaskID); name != "" {
			j.TaskIdentifier = name
		} else {
			missing = append(missing, j.TaskID)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, identifier FROM graphile_worker._private_tasks
		WHERE id = any($1::int[])`, missing)
	if err != nil {
		return err
	}
	defer rows.Close()
	names := map[int32]string{}
	for rows.Next() {
		var id int32
		var identifier string
		if err := rows.Scan(&id, &identifier); err != nil {
			return err
		}
		names[id] = identifier
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for _, j := range jobs {
		if j.TaskIdentifier == "" {
			j.TaskIdentifier = names[j.TaskID]
		}
	}
	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	return &value.Time
}
