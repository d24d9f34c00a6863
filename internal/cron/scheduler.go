package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/queue"
)

// Store persists crontab progress and enqueues the resulting jobs.
type Store interface {
	KnownCrontabs(ctx context.Context) ([]queue.KnownCrontab, error)
	RegisterCrontabs(ctx context.Context, identifiers []string, knownSince time.Time) error
	ScheduleCronJobs(ctx context.Context, jobs []queue.CronJob, ts time.Time) ([]string, error)
}

// Clock is the scheduler's view of time.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

const cronTimestampFormat = "2006-01-02T15:04:05.000Z07:00"

type Options struct {
	Items  []*Item
	Store  Store
	Clock  Clock
	Events events.Emitter
	Logger *slog.Logger
}

// Scheduler enqueues a job for every item on each matching minute. At
// startup it backfills missed minutes of known items within their Backfill
// window.
type Scheduler struct {
	items  []*Item
	store  Store
	clock  Clock
	events events.Emitter
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func New(opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = realClock{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		items:  opts.Items,
		store:  opts.Store,
		clock:  clock,
		events: events.OrNoop(opts.Events),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// LoadFile parses a crontab file. A missing file yields no items.
func LoadFile(path string) ([]*Item, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read crontab %s: %w", path, err)
	}
	return Parse(string(data))
}

// Start runs the scheduler until Stop is called or a store call fails.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.done)
		if err := s.run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("Cron scheduler stopped", "error", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
		}
	}()
}

// Stop ends the scheduler and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Scheduler) Done() <-chan struct{} { return s.done }

func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Scheduler) run(ctx context.Context) error {
	start := s.clock.Now().UTC()
	s.events.Emit(events.Event{Type: events.CronStarting, At: start})

	if err := s.backfill(ctx, start); err != nil {
		return err
	}
	s.events.Emit(events.Event{Type: events.CronStarted, At: start})
	for _, it := range s.items {
		s.logger.Debug("Cron item registered", "identifier", it.Identifier, "next_run", it.Schedule().Next(start))
	}

	next := ceilMinute(start)
	for {
		// Minutes already past are processed back to back.
		if wait := next.Sub(s.clock.Now()) + time.Millisecond; wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.clock.After(wait):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}

		now := s.clock.Now().UTC()
		current := now.Truncate(time.Minute)
		if current.Before(next) {
			s.logger.Debug("Cron timer fired early; rescheduling", "expected", next, "now", now)
			s.events.Emit(events.Event{Type: events.CronPrematureTimer, At: next})
			continue
		}
		if current.After(next) {
			s.logger.Debug("Cron timer fired late; catching up", "expected", next, "behind", now.Sub(next))
			s.events.Emit(events.Event{Type: events.CronOverdueTimer, At: next})
		}

		digest := DigestOf(next)
		var jobs []queue.CronJob
		for _, it := range s.items {
			if it.Matches(digest) {
				jobs = append(jobs, it.job(next, false))
			}
		}
		if len(jobs) > 0 {
			ids := identifiers(jobs)
			s.events.Emit(events.Event{Type: events.CronSchedule, At: next, Identifiers: ids, Count: len(jobs)})
			scheduled, err := s.store.ScheduleCronJobs(ctx, jobs, next)
			if err != nil {
				return err
			}
			s.events.Emit(events.Event{Type: events.CronScheduled, At: next, Identifiers: scheduled, Count: len(scheduled)})
		}
		next = next.Add(time.Minute)
	}
}

// backfill records new identifiers and enqueues the minutes that known
// items missed, one timestamp at a time in ascending order.
func (s *Scheduler) backfill(ctx context.Context, start time.Time) error {
	known, err := s.store.KnownCrontabs(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]queue.KnownCrontab, len(known))
	for _, k := range known {
		byID[k.Identifier] = k
	}

	type candidate struct {
		item      *Item
		notBefore time.Time
	}
	var candidates []candidate
	var unknown []string
	var largest time.Duration
	for _, it := range s.items {
		k, ok := byID[it.Identifier]
		if !ok {
			unknown = append(unknown, it.Identifier)
			continue
		}
		notBefore := k.KnownSince
		if k.LastExecution != nil {
			notBefore = *k.LastExecution
		}
		candidates = append(candidates, candidate{item: it, notBefore: notBefore})
		largest = max(largest, it.Options.Backfill)
	}
	if err := s.store.RegisterCrontabs(ctx, unknown, start); err != nil {
		return err
	}
	if largest <= 0 {
		return nil
	}

	for ts := ceilMinute(start.Add(-largest)); ts.Before(start); ts = ts.Add(time.Minute) {
		ago := start.Sub(ts)
		digest := DigestOf(ts)
		var jobs []queue.CronJob
		for _, c := range candidates {
			if c.item.Options.Backfill >= ago && !ts.Before(c.notBefore) && c.item.Matches(digest) {
				jobs = append(jobs, c.item.job(ts, true))
			}
		}
		if len(jobs) == 0 {
			continue
		}
		s.events.Emit(events.Event{Type: events.CronBackfill, At: ts, Identifiers: identifiers(jobs), Count: len(jobs)})
		if _, err := s.store.ScheduleCronJobs(ctx, jobs, ts); err != nil {
			return err
		}
	}
	return nil
}

func (it *Item) job(ts time.Time, backfilled bool) queue.CronJob {
	payload := make(map[string]any, len(it.Payload)+1)
	for k, v := range it.Payload {
		payload[k] = v
	}
	payload["_cron"] = map[string]any{
		"ts":         ts.UTC().Format(cronTimestampFormat),
		"backfilled": backfilled,
	}
	runAt := ts
	return queue.CronJob{
		Identifier: it.Identifier,
		Spec: queue.JobSpec{
			Identifier:  it.Task,
			Payload:     payload,
			QueueName:   it.Options.QueueName,
			RunAt:       &runAt,
			MaxAttempts: it.Options.MaxAttempts,
			JobKey:      it.Options.JobKey,
			JobKeyMode:  it.Options.JobKeyMode,
			Priority:    it.Options.Priority,
		},
	}
}

func identifiers(jobs []queue.CronJob) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Identifier)
	}
	return out
}

func ceilMinute(t time.Time) time.Time {
	t = t.UTC()
	floor := t.Truncate(time.Minute)
	if floor.Equal(t) {
		return floor
	}
	return floor.Add(time.Minute)
}
