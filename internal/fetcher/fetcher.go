// Package fetcher hands claimed jobs to workers, either straight from the
// store or through a batching local queue.
package fetcher

import (
	"context"
	"errors"

	"github.com/graphile/worker-sub000/internal/queue"
)

// ErrReleased is returned when jobs are requested from a released fetcher.
var ErrReleased = errors.New("fetcher released")

// Store is the subset of the store protocol used to claim and return jobs.
type Store interface {
	ClaimJobs(ctx context.Context, poolID string, tasks []string, flagsToSkip []string, batchSize int) ([]*queue.Job, error)
	ReturnJobs(ctx context.Context, poolID string, jobs []*queue.Job) error
}

// Fetcher supplies jobs to workers. GetJob returns (nil, nil) when nothing
// is runnable right now.
type Fetcher interface {
	GetJob(ctx context.Context, flagsToSkip []string) (*queue.Job, error)
	// Pulse reports that roughly count jobs were just inserted.
	Pulse(count int)
	Release() error
}

// Direct claims a single job per request.
type Direct struct {
	store  Store
	poolID string
	tasks  []string
}

func NewDirect(store Store, poolID string, tasks []string) *Direct {
	return &Direct{store: store, poolID: poolID, tasks: tasks}
}

func (d *Direct) GetJob(ctx context.Context, flagsToSkip []string) (*queue.Job, error) {
	return claimOne(ctx, d.store, d.poolID, d.tasks, flagsToSkip)
}

func (d *Direct) Pulse(int) {}

func (d *Direct) Release() error { return nil }

// claimOne never cancels an in-flight claim: a claim that commits after its
// caller gave up would leave the job locked until the stale-lock reset.
func claimOne(ctx context.Context, store Store, poolID string, tasks []string, flagsToSkip []string) (*queue.Job, error) {
	jobs, err := store.ClaimJobs(context.WithoutCancel(ctx), poolID, tasks, flagsToSkip, 1)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}
