package queue

import (
	"context"
	"fmt"
	"strings"
)

// CleanupTask names one garbage-collection step.
type CleanupTask string

const (
	CleanupGCTaskIdentifiers     CleanupTask = "GC_TASK_IDENTIFIERS"
	CleanupGCJobQueues           CleanupTask = "GC_JOB_QUEUES"
	CleanupDeletePermafailedJobs CleanupTask = "DELETE_PERMAFAILED_JOBS"
)

var allCleanupTasks = []CleanupTask{
	CleanupGCTaskIdentifiers,
	CleanupGCJobQueues,
	CleanupDeletePermafailedJobs,
}

// ParseCleanupTasks validates task names, defaulting to the two GC steps.
func ParseCleanupTasks(names []string) ([]CleanupTask, error) {
	if len(names) == 0 {
		return []CleanupTask{CleanupGCJobQueues, CleanupGCTaskIdentifiers}, nil
	}
	var invalid []string
	tasks := make([]CleanupTask, 0, len(names))
	for _, name := range names {
		task := CleanupTask(name)
		known := false
		for _, t := range allCleanupTasks {
			if t == task {
				known = true
				break
			}
		}
		if !known {
			invalid = append(invalid, name)
			continue
		}
		tasks = append(tasks, task)
	}
	if len(invalid) > 0 {
		allowed := make([]string, 0, len(allCleanupTasks))
		for _, t := range allCleanupTasks {
			allowed = append(allowed, string(t))
		}
		return nil, fmt.Errorf("invalid cleanup tasks; allowed values: '%s'; you provided: '%s'",
			strings.Join(allowed, "', '"), strings.Join(names, "', '"))
	}
	return tasks, nil
}

type CleanupOptions struct {
	Tasks []CleanupTask
	// TaskIdentifiersToKeep survive GC_TASK_IDENTIFIERS even when unused.
	TaskIdentifiersToKeep []string
}

// Cleanup deletes permanently failed jobs, unused task identifiers and
// empty unlocked queues, as selected.
func (s *Service) Cleanup(ctx context.Context, opts CleanupOptions) error {
	selected := map[CleanupTask]bool{}
	for _, t := range opts.Tasks {
		selected[t] = true
	}
	keep := opts.TaskIdentifiersToKeep
	if keep == nil {
		keep = []string{}
	}

	if selected[CleanupDeletePermafailedJobs] {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM graphile_worker._private_jobs
			WHERE attempts = max_attempts AND locked_at IS NULL`); err != nil {
			return fmt.Errorf("delete permafailed jobs: %w", err)
		}
	}
	if selected[CleanupGCTaskIdentifiers] {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM graphile_worker._private_tasks AS tasks
			WHERE tasks.id NOT IN (SELECT jobs.task_id FROM graphile_worker._private_jobs AS jobs)
			  AND tasks.identifier <> all($1::text[])`, keep); err != nil {
			return fmt.Errorf("gc task identifiers: %w", err)
		}
		s.forgetTasks()
	}
	if selected[CleanupGCJobQueues] {
		if _, err := s.pool.Exec(ctx, `
			DELETE FROM graphile_worker._private_job_queues AS job_queues
			WHERE locked_at IS NULL
			  AND id NOT IN (
				SELECT job_queue_id FROM graphile_worker._private_jobs
				WHERE job_queue_id IS NOT NULL
			  )`); err != nil {
			return fmt.Errorf("gc job queues: %w", err)
		}
		s.queueMu.Lock()
		s.queueNames = map[int32]string{}
		s.queueMu.Unlock()
	}
	return nil
}
