package queue

import (
	"encoding/json"
	"sort"
	"time"
)

// Schema holds every worker table.
const Schema = "graphile_worker"

const (
	// ChannelJobsInsert carries {"count":N} after jobs become runnable.
	ChannelJobsInsert = "jobs:insert"
	// ChannelMigrate carries {"migrationNumber":N,"breaking":bool}.
	ChannelMigrate = "worker:migrate"
)

// DefaultMaxAttempts applies when a JobSpec leaves MaxAttempts unset.
const DefaultMaxAttempts = 25

// Job is a row of _private_jobs with its task identifier resolved.
type Job struct {
	ID             int64           `db:"id"`
	JobQueueID     *int32          `db:"job_queue_id"`
	TaskID         int32           `db:"task_id"`
	TaskIdentifier string          `db:"-"`
	Payload        json.RawMessage `db:"payload"`
	Priority       int             `db:"priority"`
	RunAt          time.Time       `db:"run_at"`
	Attempts       int             `db:"attempts"`
	MaxAttempts    int             `db:"max_attempts"`
	LastError      *string         `db:"last_error"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	Key            *string         `db:"key"`
	LockedAt       *time.Time      `db:"locked_at"`
	LockedBy       *string         `db:"locked_by"`
	Revision       int             `db:"revision"`
	Flags          map[string]bool `db:"flags"`
}

// FlagList returns the job's flags in sorted order.
func (j *Job) FlagList() []string {
	out := make([]string, 0, len(j.Flags))
	for f, on := range j.Flags {
		if on {
			out = append(out, f)
		}
	}
	sort.Strings(out)
	return out
}

// KeyMode selects how AddJob treats an existing job holding the same key.
type KeyMode string

const (
	// KeyModeReplace overwrites the pending job, including run_at.
	KeyModeReplace KeyMode = "replace"
	// KeyModePreserveRunAt overwrites the pending job but keeps its run_at.
	KeyModePreserveRunAt KeyMode = "preserve_run_at"
	// KeyModeUnsafeDedupe leaves an existing job untouched, locked or not.
	KeyModeUnsafeDedupe KeyMode = "unsafe_dedupe"
)

// Valid reports whether m is a known mode; the empty mode means replace.
func (m KeyMode) Valid() bool {
	switch m {
	case "", KeyModeReplace, KeyModePreserveRunAt, KeyModeUnsafeDedupe:
		return true
	}
	return false
}

// JobSpec describes a job to enqueue.
type JobSpec struct {
	Identifier string
	// Payload is marshalled to JSON; nil becomes {}.
	Payload     any
	QueueName   string
	RunAt       *time.Time
	MaxAttempts int
	JobKey      string
	JobKeyMode  KeyMode
	Priority    *int
	Flags       []string
}

// FailSpec is one entry of a FailJobs batch.
type FailSpec struct {
	Job     *Job
	Message string
	// ReplacementPayload, when set, overwrites the stored payload.
	ReplacementPayload json.RawMessage
}

// KnownCrontab is a row of _private_known_crontabs.
type KnownCrontab struct {
	Identifier    string
	KnownSince    time.Time
	LastExecution *time.Time
}

// CronJob is one scheduled execution of a crontab item.
type CronJob struct {
	Identifier string
	Spec       JobSpec
}
