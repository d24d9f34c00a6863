package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/queue"
)

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []clockWaiter
}

type clockWaiter struct {
	at time.Time
	ch chan time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, clockWaiter{at: c.now.Add(d), ch: ch})
	return ch
}

// Set moves the clock, firing due timers.
func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.at.After(t) {
			w.ch <- t
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// fireEarly fires every timer without moving the clock.
func (c *fakeClock) fireEarly() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.waiters {
		w.ch <- c.now
	}
	c.waiters = nil
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

type fakeCronStore struct {
	mu        sync.Mutex
	known     map[string]queue.KnownCrontab
	scheduled []queue.CronJob
}

func newFakeCronStore() *fakeCronStore {
	return &fakeCronStore{known: map[string]queue.KnownCrontab{}}
}

func (s *fakeCronStore) KnownCrontabs(context.Context) ([]queue.KnownCrontab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]queue.KnownCrontab, 0, len(s.known))
	for _, k := range s.known {
		out = append(out, k)
	}
	return out, nil
}

func (s *fakeCronStore) RegisterCrontabs(_ context.Context, ids []string, since time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if _, ok := s.known[id]; !ok {
			s.known[id] = queue.KnownCrontab{Identifier: id, KnownSince: since}
		}
	}
	return nil
}

func (s *fakeCronStore) ScheduleCronJobs(_ context.Context, jobs []queue.CronJob, ts time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, j := range jobs {
		k, ok := s.known[j.Identifier]
		if ok && k.LastExecution != nil && !k.LastExecution.Before(ts) {
			continue
		}
		last := ts
		k.Identifier = j.Identifier
		k.LastExecution = &last
		if !ok {
			k.KnownSince = ts
		}
		s.known[j.Identifier] = k
		s.scheduled = append(s.scheduled, j)
		out = append(out, j.Identifier)
	}
	return out, nil
}

func (s *fakeCronStore) jobs() []queue.CronJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]queue.CronJob(nil), s.scheduled...)
}

type cronRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *cronRecorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *cronRecorder) of(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// step moves the clock and waits for the scheduler to arm its next timer.
func step(t *testing.T, clock *fakeClock, to time.Time) {
	t.Helper()
	waitUntil(t, "scheduler timer", func() bool { return clock.pending() > 0 })
	clock.Set(to)
	waitUntil(t, "scheduler to re-arm", func() bool { return clock.pending() > 0 })
}

func TestSchedulerFiresOnceAtMatchingMinute(t *testing.T) {
	midnight := at("2021-01-01T00:00:00Z")
	clock := &fakeClock{now: midnight.Add(time.Second)}
	store := newFakeCronStore()
	rec := &cronRecorder{}
	s := New(Options{
		Items:  []*Item{mustItem(t, "0 */4 * * * my_task")},
		Store:  store,
		Clock:  clock,
		Events: rec,
	})
	s.Start(context.Background())
	defer s.Stop()

	// Timers are armed for one millisecond past each minute.
	tick := func(ts time.Time) { step(t, clock, ts.Add(time.Millisecond)) }

	for ts := midnight.Add(time.Minute); ts.Before(midnight.Add(4 * time.Hour)); ts = ts.Add(time.Minute) {
		tick(ts)
	}
	if n := len(rec.of(events.CronSchedule)); n != 0 {
		t.Fatalf("%d schedule events before 04:00", n)
	}
	if n := len(rec.of(events.CronOverdueTimer)); n != 0 {
		t.Fatalf("%d overdue timers while stepping minute by minute", n)
	}

	tick(midnight.Add(4 * time.Hour))
	sched := rec.of(events.CronSchedule)
	if len(sched) != 1 {
		t.Fatalf("schedule events = %d, want 1", len(sched))
	}
	if !sched[0].At.Equal(midnight.Add(4 * time.Hour)) {
		t.Fatalf("scheduled at %s", sched[0].At)
	}

	// Rewind before 04:00 and come back: the minute must not fire again.
	tick(midnight.Add(3*time.Hour + 59*time.Minute))
	tick(midnight.Add(4 * time.Hour))
	tick(midnight.Add(4*time.Hour + time.Minute))
	if n := len(rec.of(events.CronSchedule)); n != 1 {
		t.Fatalf("schedule events after rewind = %d, want 1", n)
	}

	jobs := store.jobs()
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d", len(jobs))
	}
	payload := jobs[0].Spec.Payload.(map[string]any)
	meta := payload["_cron"].(map[string]any)
	if meta["ts"] != "2021-01-01T04:00:00.000Z" || meta["backfilled"] != false {
		t.Fatalf("_cron = %v", meta)
	}
	if jobs[0].Spec.RunAt == nil || !jobs[0].Spec.RunAt.Equal(midnight.Add(4*time.Hour)) {
		t.Fatalf("run_at = %v", jobs[0].Spec.RunAt)
	}
}

func TestSchedulerReschedulesPrematureTimer(t *testing.T) {
	start := at("2021-01-01T00:00:01Z")
	clock := &fakeClock{now: start}
	store := newFakeCronStore()
	rec := &cronRecorder{}
	s := New(Options{
		Items:  []*Item{mustItem(t, "* * * * * tick")},
		Store:  store,
		Clock:  clock,
		Events: rec,
	})
	s.Start(context.Background())
	defer s.Stop()

	waitUntil(t, "scheduler timer", func() bool { return clock.pending() > 0 })
	clock.fireEarly()
	waitUntil(t, "premature timer", func() bool { return len(rec.of(events.CronPrematureTimer)) == 1 })
	waitUntil(t, "scheduler to re-arm", func() bool { return clock.pending() > 0 })
	if n := len(store.jobs()); n != 0 {
		t.Fatalf("scheduled %d jobs on an early timer", n)
	}
}

func TestSchedulerOverdueTimerCatchesUpOneMinuteAtATime(t *testing.T) {
	start := at("2021-01-01T00:00:30Z")
	clock := &fakeClock{now: start}
	store := newFakeCronStore()
	rec := &cronRecorder{}
	s := New(Options{
		Items:  []*Item{mustItem(t, "* * * * * tick")},
		Store:  store,
		Clock:  clock,
		Events: rec,
	})
	s.Start(context.Background())
	defer s.Stop()

	step(t, clock, at("2021-01-01T00:03:10Z"))
	waitUntil(t, "catch up", func() bool { return len(store.jobs()) == 3 })
	if len(rec.of(events.CronOverdueTimer)) == 0 {
		t.Fatal("expected overdue timer events")
	}
	jobs := store.jobs()
	for i, want := range []string{"00:01", "00:02", "00:03"} {
		if got := jobs[i].Spec.RunAt.Format("15:04"); got != want {
			t.Fatalf("job %d at %s, want %s", i, got, want)
		}
	}
}

func TestSchedulerBackfillsKnownItems(t *testing.T) {
	now := at("2021-01-02T01:00:00Z")
	clock := &fakeClock{now: now}
	store := newFakeCronStore()
	last := now.Add(-25 * time.Hour)
	store.known["do_it"] = queue.KnownCrontab{Identifier: "do_it", KnownSince: last.Add(-time.Hour), LastExecution: &last}
	rec := &cronRecorder{}
	s := New(Options{
		Items: []*Item{
			mustItem(t, "0 */4 * * * do_it ?fill=1d"),
			mustItem(t, "0 */4 * * * brand_new ?fill=1d"),
		},
		Store:  store,
		Clock:  clock,
		Events: rec,
	})
	s.Start(context.Background())
	defer s.Stop()

	waitUntil(t, "cron started", func() bool { return len(rec.of(events.CronStarted)) == 1 })
	jobs := store.jobs()
	if len(jobs) < 6 || len(jobs) > 7 {
		t.Fatalf("backfilled %d jobs, want 6 or 7", len(jobs))
	}
	for _, j := range jobs {
		if j.Spec.Identifier != "do_it" {
			t.Fatalf("unexpected backfill for %s", j.Spec.Identifier)
		}
		meta := j.Spec.Payload.(map[string]any)["_cron"].(map[string]any)
		if meta["backfilled"] != true {
			t.Fatalf("_cron = %v", meta)
		}
	}
	for i := 1; i < len(jobs); i++ {
		if !jobs[i].Spec.RunAt.After(*jobs[i-1].Spec.RunAt) {
			t.Fatal("backfill must run in ascending time order")
		}
	}
	if _, ok := store.known["brand_new"]; !ok {
		t.Fatal("new identifier was not registered")
	}
}

type failingCronStore struct{ *fakeCronStore }

func (failingCronStore) ScheduleCronJobs(context.Context, []queue.CronJob, time.Time) ([]string, error) {
	return nil, errors.New("db down")
}

func TestSchedulerStopsOnStoreError(t *testing.T) {
	start := at("2021-01-01T00:00:00Z")
	clock := &fakeClock{now: start}
	s := New(Options{
		Items: []*Item{mustItem(t, "* * * * * tick")},
		Store: failingCronStore{newFakeCronStore()},
		Clock: clock,
	})
	s.Start(context.Background())
	defer s.Stop()

	waitUntil(t, "scheduler timer", func() bool { return clock.pending() > 0 })
	clock.Set(start.Add(time.Minute))
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler kept running after a store error")
	}
	if err := s.Err(); err == nil || err.Error() != "db down" {
		t.Fatalf("Err = %v", err)
	}
}
