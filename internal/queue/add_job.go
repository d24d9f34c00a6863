package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const insertJobSQL = `
	INSERT INTO graphile_worker._private_jobs AS jobs
		(job_queue_id, task_id, payload, run_at, max_attempts, key, priority, flags)
	SELECT
		(SELECT id FROM graphile_worker._private_job_queues WHERE queue_name = $2::text),
		(SELECT id FROM graphile_worker._private_tasks WHERE identifier = $1::text),
		$3::json,
		coalesce($4::timestamptz, now()),
		$5::int,
		$6::text,
		$7::int,
		$8::jsonb
	`

const upsertJobSQL = insertJobSQL + `
	ON CONFLICT (key) DO UPDATE SET
		job_queue_id = excluded.job_queue_id,
		task_id = excluded.task_id,
		payload = CASE
			WHEN json_typeof(jobs.payload) = 'array' AND json_typeof(excluded.payload) = 'array'
			THEN (jobs.payload::jsonb || excluded.payload::jsonb)::json
			ELSE excluded.payload
		END,
		max_attempts = excluded.max_attempts,
		run_at = CASE WHEN $9::boolean THEN jobs.run_at ELSE excluded.run_at END,
		priority = excluded.priority,
		flags = excluded.flags,
		revision = jobs.revision + 1,
		attempts = 0,
		last_error = null,
		updated_at = now()
	WHERE jobs.locked_at IS NULL
	RETURNING ` + jobColumns

const dedupeJobSQL = insertJobSQL + `
	ON CONFLICT (key) DO NOTHING
	RETURNING ` + jobColumns

// A running job keeps executing but gives up its key so a fresh job can
// take it; attempts is maxed so the running one is not retried.
const releaseLockedKeySQL = `
	UPDATE graphile_worker._private_jobs
	SET key = null, attempts = max_attempts, updated_at = now()
	WHERE key = $1::text AND locked_at IS NOT NULL`

// lockRaceAttempts bounds how often a keyed upsert is retried when the
// existing job gets locked between releasing its key and the upsert.
const lockRaceAttempts = 3

type preparedJob struct {
	identifier  string
	payload     []byte
	queueName   *string
	runAt       any
	maxAttempts int
	key         *string
	mode        KeyMode
	priority    int
	flags       []byte
}

func prepareJob(spec JobSpec) (preparedJob, error) {
	if spec.Identifier == "" {
		return preparedJob{}, errors.New("job identifier is required")
	}
	if !spec.JobKeyMode.Valid() {
		return preparedJob{}, fmt.Errorf("invalid job key mode %q", spec.JobKeyMode)
	}
	if spec.JobKeyMode != "" && spec.JobKeyMode != KeyModeReplace && spec.JobKey == "" {
		return preparedJob{}, fmt.Errorf("job key mode %q requires a job key", spec.JobKeyMode)
	}
	p := preparedJob{
		identifier:  spec.Identifier,
		maxAttempts: spec.MaxAttempts,
		mode:        spec.JobKeyMode,
	}
	if p.mode == "" {
		p.mode = KeyModeReplace
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	if spec.Priority != nil {
		p.priority = *spec.Priority
	}
	if spec.RunAt != nil {
		p.runAt = *spec.RunAt
	}
	if spec.QueueName != "" {
		q := spec.QueueName
		p.queueName = &q
	}
	if spec.JobKey != "" {
		k := spec.JobKey
		p.key = &k
	}

	payload := spec.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return preparedJob{}, fmt.Errorf("encode payload for %s: %w", spec.Identifier, err)
	}
	if string(raw) == "null" {
		raw = []byte("{}")
	}
	p.payload = raw

	if len(spec.Flags) > 0 {
		set := make(map[string]bool, len(spec.Flags))
		for _, f := range spec.Flags {
			set[f] = true
		}
		if p.flags, err = json.Marshal(set); err != nil {
			return preparedJob{}, err
		}
	}
	return p, nil
}

func (p preparedJob) statement() string {
	if p.mode == KeyModeUnsafeDedupe {
		return dedupeJobSQL
	}
	return upsertJobSQL
}

func (p preparedJob) args() []any {
	args := []any{p.identifier, p.queueName, string(p.payload), p.runAt, p.maxAttempts, p.key, p.priority, nil}
	if p.flags != nil {
		args[7] = string(p.flags)
	}
	if p.mode != KeyModeUnsafeDedupe {
		args = append(args, p.mode == KeyModePreserveRunAt)
	}
	return args
}

func (p preparedJob) releasesLockedKey() bool {
	return p.key != nil && p.mode != KeyModeUnsafeDedupe
}

// AddJob enqueues one job. See AddJobs for key semantics.
func (s *Service) AddJob(ctx context.Context, spec JobSpec) (*Job, error) {
	jobs, err := s.AddJobs(ctx, []JobSpec{spec})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// AddJobs enqueues jobs in a single transaction. A job with a key updates the
// pending job holding that key instead of inserting, bumping its revision;
// when both payloads are JSON arrays they are concatenated. A job that
// currently holds the key while locked loses it to the new row. In
// unsafe_dedupe mode an existing job with the key is returned untouched.
func (s *Service) AddJobs(ctx context.Context, specs []JobSpec) ([]*Job, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	prepared := make([]preparedJob, 0, len(specs))
	for _, spec := range specs {
		p, err := prepareJob(spec)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}

	var jobs []*Job
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		jobs, err = addPrepared(ctx, tx, prepared)
		if err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("add jobs: %w", err)
	}
	return jobs, nil
}

// AddJobsTx enqueues jobs inside a caller-owned transaction.
func (s *Service) AddJobsTx(ctx context.Context, tx pgx.Tx, specs []JobSpec) ([]*Job, error) {
	prepared := make([]preparedJob, 0, len(specs))
	for _, spec := range specs {
		p, err := prepareJob(spec)
		if err != nil {
			return nil, err
		}
		prepared = append(prepared, p)
	}
	return addPrepared(ctx, tx, prepared)
}

func addPrepared(ctx context.Context, tx pgx.Tx, prepared []preparedJob) ([]*Job, error) {
	if len(prepared) == 0 {
		return nil, nil
	}
	identifiers := make([]string, 0, len(prepared))
	var queueNames []string
	for _, p := range prepared {
		identifiers = append(identifiers, p.identifier)
		if p.queueName != nil {
			queueNames = append(queueNames, *p.queueName)
		}
	}

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO graphile_worker._private_tasks (identifier)
		SELECT DISTINCT unnest($1::text[])
		ON CONFLICT (identifier) DO NOTHING`, identifiers)
	batch.Queue(`
		INSERT INTO graphile_worker._private_job_queues (queue_name)
		SELECT DISTINCT unnest($1::text[])
		ON CONFLICT (queue_name) DO NOTHING`, queueNames)
	for _, p := range prepared {
		if p.releasesLockedKey() {
			batch.Queue(releaseLockedKeySQL, *p.key)
		}
		batch.Queue(p.statement(), p.args()...)
	}

	jobs := make([]*Job, len(prepared))
	results := tx.SendBatch(ctx, batch)
	if _, err := results.Exec(); err != nil {
		results.Close()
		return nil, fmt.Errorf("register tasks: %w", err)
	}
	if _, err := results.Exec(); err != nil {
		results.Close()
		return nil, fmt.Errorf("register queues: %w", err)
	}
	for i, p := range prepared {
		if p.releasesLockedKey() {
			if _, err := results.Exec(); err != nil {
				results.Close()
				return nil, fmt.Errorf("release key %s: %w", *p.key, err)
			}
		}
		job, err := scanJob(results.QueryRow())
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			results.Close()
			return nil, fmt.Errorf("insert %s: %w", p.identifier, err)
		}
		jobs[i] = job
	}
	if err := results.Close(); err != nil {
		return nil, err
	}

	for i, p := range prepared {
		if jobs[i] != nil {
			continue
		}
		job, err := resolveMissing(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		jobs[i] = job
	}

	ids := make([]int64, 0, len(jobs))
	for i, job := range jobs {
		job.TaskIdentifier = prepared[i].identifier
		ids = append(ids, job.ID)
	}
	if _, err := tx.Exec(ctx, `
		SELECT pg_notify($2::text, json_build_object('count', count(*))::text)
		FROM graphile_worker._private_jobs
		WHERE id = any($1::bigint[]) AND run_at <= now()
		HAVING count(*) > 0`, ids, ChannelJobsInsert); err != nil {
		return nil, fmt.Errorf("notify jobs: %w", err)
	}
	return jobs, nil
}

// resolveMissing handles an insert that produced no row: the deduplicated
// job in unsafe_dedupe mode, or a keyed job locked by a worker after its key
// was released.
func resolveMissing(ctx context.Context, tx pgx.Tx, p preparedJob) (*Job, error) {
	if p.mode == KeyModeUnsafeDedupe {
		job, err := scanJob(tx.QueryRow(ctx, `
			SELECT `+jobColumns+`
			FROM graphile_worker._private_jobs AS jobs
			WHERE jobs.key = $1::text`, *p.key))
		if err != nil {
			return nil, fmt.Errorf("load deduplicated job %s: %w", *p.key, err)
		}
		return job, nil
	}
	for attempt := 0; attempt < lockRaceAttempts; attempt++ {
		if _, err := tx.Exec(ctx, releaseLockedKeySQL, *p.key); err != nil {
			return nil, fmt.Errorf("release key %s: %w", *p.key, err)
		}
		job, err := scanJob(tx.QueryRow(ctx, p.statement(), p.args()...))
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("insert %s: %w", p.identifier, err)
		}
	}
	return nil, fmt.Errorf("job key %s stayed locked", *p.key)
}
