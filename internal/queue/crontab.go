package queue

import (
	"context"
	"fmt"
	"time"
)

// KnownCrontabs lists every crontab identifier recorded so far.
func (s *Service) KnownCrontabs(ctx context.Context) ([]KnownCrontab, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT identifier, known_since, last_execution
		FROM graphile_worker._private_known_crontabs`)
	if err != nil {
		return nil, fmt.Errorf("load known crontabs: %w", err)
	}
	defer rows.Close()

	var items []KnownCrontab
	for rows.Next() {
		var k KnownCrontab
		if err := rows.Scan(&k.Identifier, &k.KnownSince, &k.LastExecution); err != nil {
			return nil, err
		}
		items = append(items, k)
	}
	return items, rows.Err()
}

// RegisterCrontabs records identifiers seen for the first time. They are
// not backfilled before knownSince.
func (s *Service) RegisterCrontabs(ctx context.Context, identifiers []string, knownSince time.Time) error {
	if len(identifiers) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO graphile_worker._private_known_crontabs (identifier, known_since)
		SELECT identifier, $2::timestamptz
		FROM unnest($1::text[]) AS unnest (identifier)
		ON CONFLICT DO NOTHING`, identifiers, knownSince)
	if err != nil {
		return fmt.Errorf("register crontabs: %w", err)
	}
	return nil
}

// ScheduleCronJobs enqueues the jobs due at ts. last_execution only ever
// moves forward, so a job is added only for identifiers whose
// last_execution this call advanced; replays of an already executed
// timestamp, from this or any other process, add nothing. The identifiers
// that were scheduled are returned.
func (s *Service) ScheduleCronJobs(ctx context.Context, jobs []CronJob, ts time.Time) ([]string, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	identifiers := make([]string, 0, len(jobs))
	for _, j := range jobs {
		identifiers = append(identifiers, j.Identifier)
	}

	var scheduled []string
	err := s.WithRetries(ctx, func(ctx context.Context) error {
		scheduled = scheduled[:0]
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx) //nolint:errcheck

		rows, err := tx.Query(ctx, `
			INSERT INTO graphile_worker._private_known_crontabs AS known_crontabs
				(identifier, known_since, last_execution)
			SELECT identifier, $2::timestamptz, $2::timestamptz
			FROM unnest($1::text[]) AS unnest (identifier)
			ON CONFLICT (identifier) DO UPDATE
			SET last_execution = excluded.last_execution
			WHERE known_crontabs.last_execution IS NULL
			   OR known_crontabs.last_execution < excluded.last_execution
			RETURNING known_crontabs.identifier`, identifiers, ts)
		if err != nil {
			return err
		}
		advanced := map[string]bool{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			advanced[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var specs []JobSpec
		for _, j := range jobs {
			if advanced[j.Identifier] {
				specs = append(specs, j.Spec)
				scheduled = append(scheduled, j.Identifier)
			}
		}
		if len(specs) > 0 {
			if _, err := s.AddJobsTx(ctx, tx, specs); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cron jobs: %w", err)
	}
	return scheduled, nil
}
