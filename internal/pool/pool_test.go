package pool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/queue"
	"github.com/graphile/worker-sub000/internal/worker"
)

type forceFailCall struct {
	ids     []int64
	message string
}

type fakeStore struct {
	mu          sync.Mutex
	ready       []*queue.Job
	completed   []int64
	failed      []queue.FailSpec
	returned    []int64
	forceFailed []forceFailCall
	resets      int
	completeErr error
	returnErr   error
}

func (s *fakeStore) add(jobs ...*queue.Job) {
	s.mu.Lock()
	s.ready = append(s.ready, jobs...)
	s.mu.Unlock()
}

func (s *fakeStore) ClaimJobs(_ context.Context, _ string, _ []string, _ []string, batchSize int) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := min(batchSize, len(s.ready))
	out := s.ready[:n:n]
	s.ready = s.ready[n:]
	return out, nil
}

func (s *fakeStore) ReturnJobs(_ context.Context, _ string, jobs []*queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.returnErr != nil {
		return s.returnErr
	}
	for _, j := range jobs {
		s.returned = append(s.returned, j.ID)
	}
	return nil
}

func (s *fakeStore) CompleteJobs(_ context.Context, _ string, jobs []*queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.completeErr != nil {
		return s.completeErr
	}
	for _, j := range jobs {
		s.completed = append(s.completed, j.ID)
	}
	return nil
}

func (s *fakeStore) FailJobs(_ context.Context, _ string, specs []queue.FailSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed = append(s.failed, specs...)
	return nil
}

func (s *fakeStore) ForceFailJobs(_ context.Context, _ string, jobs []*queue.Job, message string) ([]*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := forceFailCall{message: message}
	for _, j := range jobs {
		call.ids = append(call.ids, j.ID)
	}
	s.forceFailed = append(s.forceFailed, call)
	return jobs, nil
}

func (s *fakeStore) ResetLockedAt(context.Context) error {
	s.mu.Lock()
	s.resets++
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) AddJob(context.Context, queue.JobSpec) (*queue.Job, error) {
	return nil, errors.New("not supported")
}

func (s *fakeStore) AddJobs(context.Context, []queue.JobSpec) ([]*queue.Job, error) {
	return nil, errors.New("not supported")
}

func (s *fakeStore) QueueName(context.Context, int32) (string, error) { return "", nil }

func (s *fakeStore) Pool() *pgxpool.Pool { return nil }

func (s *fakeStore) snapshot() fakeStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fakeStore{
		completed:   append([]int64(nil), s.completed...),
		failed:      append([]queue.FailSpec(nil), s.failed...),
		returned:    append([]int64(nil), s.returned...),
		forceFailed: append([]forceFailCall(nil), s.forceFailed...),
		resets:      s.resets,
	}
}

type fakeListener struct {
	ch chan queue.Notification
}

func (l *fakeListener) Wait(ctx context.Context) (queue.Notification, error) {
	select {
	case n := <-l.ch:
		return n, nil
	case <-ctx.Done():
		return queue.Notification{}, ctx.Err()
	}
}

func (l *fakeListener) Close(context.Context) {}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) has(t events.Type) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.Type == t {
			return true
		}
	}
	return false
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func job(id int64, task string) *queue.Job {
	return &queue.Job{ID: id, TaskIdentifier: task, Payload: json.RawMessage(`{}`), Attempts: 1, MaxAttempts: 25}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func waitDone(t *testing.T, p *Pool) {
	t.Helper()
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not finish")
	}
}

func noop(context.Context, json.RawMessage, *worker.Helpers) error { return nil }

func newPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestWorkerIDRequiresSingleWorker(t *testing.T) {
	_, err := New(Options{Store: &fakeStore{}, WorkerID: "w1", Concurrency: 2})
	if !errors.Is(err, ErrWorkerIDWithConcurrency) {
		t.Fatalf("err = %v", err)
	}
	if _, err := New(Options{Store: &fakeStore{}, WorkerID: "w1", Concurrency: 1}); err != nil {
		t.Fatalf("single worker: %v", err)
	}
}

func TestRunOnceDrainsAndStops(t *testing.T) {
	store := &fakeStore{}
	store.add(job(1, "a"), job(2, "a"), job(3, "b"), job(4, "a"))
	rec := &recorder{}
	p := newPool(t, Options{
		Store:       store,
		Tasks:       worker.TaskList{"a": noop, "b": noop},
		Concurrency: 2,
		Events:      rec,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	if err := p.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
	snap := store.snapshot()
	if len(snap.completed) != 4 {
		t.Fatalf("completed = %v", snap.completed)
	}
	if snap.resets != 1 {
		t.Fatalf("resets = %d, want 1 before a run-once pool starts", snap.resets)
	}
	for _, typ := range []events.Type{events.PoolCreate, events.PoolGracefulShutdownComplete, events.PoolRelease} {
		if !rec.has(typ) {
			t.Fatalf("missing event %s", typ)
		}
	}
}

func TestRunOnceWithLocalQueue(t *testing.T) {
	store := &fakeStore{}
	for i := int64(1); i <= 10; i++ {
		store.add(job(i, "a"))
	}
	p := newPool(t, Options{
		Store:          store,
		Tasks:          worker.TaskList{"a": noop},
		Concurrency:    3,
		LocalQueueSize: 4,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	snap := store.snapshot()
	if len(snap.completed) != 10 {
		t.Fatalf("completed %d jobs, want 10", len(snap.completed))
	}
	if len(snap.returned) != 0 {
		t.Fatalf("returned = %v", snap.returned)
	}
}

func TestImmediateRecordingErrorStopsPool(t *testing.T) {
	store := &fakeStore{completeErr: errors.New("db gone")}
	store.add(job(1, "a"))
	p := newPool(t, Options{
		Store:                 store,
		Tasks:                 worker.TaskList{"a": noop},
		CompleteJobBatchDelay: -1,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitDone(t, p)

	if err := p.Err(); err == nil || !strings.Contains(err.Error(), "db gone") {
		t.Fatalf("Err = %v", err)
	}
	snap := store.snapshot()
	if len(snap.forceFailed) != 1 || snap.forceFailed[0].ids[0] != 1 {
		t.Fatalf("forceFailed = %+v", snap.forceFailed)
	}
}

func TestGracefulShutdownWaitsForRunningJob(t *testing.T) {
	store := &fakeStore{}
	store.add(job(1, "slow"))
	started := make(chan struct{})
	finish := make(chan struct{})
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"slow": func(context.Context, json.RawMessage, *worker.Helpers) error {
			close(started)
			<-finish
			return nil
		}},
		Continuous:                   true,
		PollInterval:                 time.Hour,
		GracefulShutdownAbortTimeout: time.Hour,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	result := make(chan error, 1)
	go func() { result <- p.GracefulShutdown("test") }()

	select {
	case <-p.Done():
		t.Fatal("pool finished while a job was running")
	case <-time.After(50 * time.Millisecond):
	}
	close(finish)

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("GracefulShutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("graceful shutdown did not return")
	}
	snap := store.snapshot()
	if len(snap.completed) != 1 || len(snap.forceFailed) != 0 {
		t.Fatalf("completed=%v forceFailed=%v", snap.completed, snap.forceFailed)
	}
}

func TestGracefulShutdownAbortsAfterTimeout(t *testing.T) {
	store := &fakeStore{}
	store.add(job(1, "wait"))
	started := make(chan struct{})
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"wait": func(ctx context.Context, _ json.RawMessage, _ *worker.Helpers) error {
			close(started)
			<-ctx.Done()
			return errors.New("aborted")
		}},
		Continuous:                   true,
		PollInterval:                 time.Hour,
		GracefulShutdownAbortTimeout: 10 * time.Millisecond,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started
	if err := p.GracefulShutdown("test"); err != nil {
		t.Fatalf("GracefulShutdown: %v", err)
	}
	snap := store.snapshot()
	if len(snap.failed) != 1 || snap.failed[0].Message != "aborted" {
		t.Fatalf("failed = %+v", snap.failed)
	}
}

func TestGracefulShutdownErrorEscalatesToForceful(t *testing.T) {
	store := &fakeStore{returnErr: errors.New("db gone")}
	store.add(job(1, "wait"), job(2, "wait"), job(3, "wait"))
	started := make(chan struct{})
	var once sync.Once
	rec := &recorder{}
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"wait": func(ctx context.Context, _ json.RawMessage, _ *worker.Helpers) error {
			once.Do(func() { close(started) })
			<-ctx.Done()
			return errors.New("aborted")
		}},
		Continuous:                   true,
		PollInterval:                 time.Hour,
		LocalQueueSize:               3,
		GracefulShutdownAbortTimeout: 10 * time.Millisecond,
		Events:                       rec,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	err := p.GracefulShutdown("test")
	if err == nil || !strings.Contains(err.Error(), "db gone") {
		t.Fatalf("GracefulShutdown = %v", err)
	}
	waitDone(t, p)
	if !rec.has(events.PoolGracefulShutdownError) {
		t.Fatal("missing pool:gracefulShutdown:error")
	}
	var forceful *events.Event
	rec.mu.Lock()
	for i := range rec.events {
		if rec.events[i].Type == events.PoolForcefulShutdown {
			forceful = &rec.events[i]
		}
	}
	rec.mu.Unlock()
	if forceful == nil || !strings.Contains(forceful.Message, "db gone") {
		t.Fatalf("forceful shutdown event = %+v", forceful)
	}
	if err := p.Err(); err == nil || !strings.Contains(err.Error(), "db gone") {
		t.Fatalf("Err = %v", err)
	}
}

func TestRepeatedGracefulShutdownReturnsWithoutBlocking(t *testing.T) {
	store := &fakeStore{}
	store.add(job(1, "slow"))
	started := make(chan struct{})
	finish := make(chan struct{})
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"slow": func(context.Context, json.RawMessage, *worker.Helpers) error {
			close(started)
			<-finish
			return nil
		}},
		Continuous:                   true,
		PollInterval:                 time.Hour,
		GracefulShutdownAbortTimeout: time.Hour,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	first := make(chan error, 1)
	go func() { first <- p.GracefulShutdown("first") }()
	waitFor(t, "shutdown to begin", func() bool { return !p.isActive() })

	second := make(chan error, 1)
	go func() { second <- p.GracefulShutdown("second") }()
	select {
	case err := <-second:
		if !errors.Is(err, ErrShutdownInProgress) {
			t.Fatalf("second GracefulShutdown = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("second GracefulShutdown blocked on the running shutdown")
	}

	close(finish)
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first GracefulShutdown: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("graceful shutdown did not return")
	}
	if err := p.GracefulShutdown("third"); err != nil {
		t.Fatalf("GracefulShutdown after finish = %v", err)
	}
}

func TestForcefulShutdownFailsActiveJobs(t *testing.T) {
	store := &fakeStore{}
	store.add(job(1, "stuck"), job(2, "stuck"))
	var startedWG sync.WaitGroup
	startedWG.Add(2)
	release := make(chan struct{})
	defer close(release)
	rec := &recorder{}
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"stuck": func(context.Context, json.RawMessage, *worker.Helpers) error {
			startedWG.Done()
			<-release
			return nil
		}},
		Concurrency:  2,
		Continuous:   true,
		PollInterval: time.Hour,
		Events:       rec,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	startedWG.Wait()

	if err := p.ForcefulShutdown("SIGTERM"); err != nil {
		t.Fatalf("ForcefulShutdown: %v", err)
	}
	waitDone(t, p)

	snap := store.snapshot()
	if len(snap.forceFailed) != 1 {
		t.Fatalf("forceFailed = %+v", snap.forceFailed)
	}
	call := snap.forceFailed[0]
	if len(call.ids) != 2 || !strings.HasPrefix(call.message, "Forced worker shutdown: SIGTERM") {
		t.Fatalf("forceFailed = %+v", call)
	}
	if !rec.has(events.PoolForcefulShutdownComplete) {
		t.Fatal("missing pool:forcefulShutdown:complete")
	}
	if err := p.ForcefulShutdown("again"); err != nil {
		t.Fatalf("second ForcefulShutdown: %v", err)
	}
}

func TestForcefulOverridesGraceful(t *testing.T) {
	store := &fakeStore{}
	store.add(job(1, "stuck"))
	started := make(chan struct{})
	release := make(chan struct{})
	defer close(release)
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"stuck": func(context.Context, json.RawMessage, *worker.Helpers) error {
			close(started)
			<-release
			return nil
		}},
		Continuous:                   true,
		PollInterval:                 time.Hour,
		GracefulShutdownAbortTimeout: time.Hour,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	<-started

	graceful := make(chan error, 1)
	go func() { graceful <- p.GracefulShutdown("first signal") }()
	time.Sleep(20 * time.Millisecond)
	if err := p.ForcefulShutdown("second signal"); err != nil {
		t.Fatalf("ForcefulShutdown: %v", err)
	}
	select {
	case <-graceful:
	case <-time.After(3 * time.Second):
		t.Fatal("graceful shutdown never returned after forceful shutdown")
	}
	if snap := store.snapshot(); len(snap.forceFailed) != 1 {
		t.Fatalf("forceFailed = %+v", snap.forceFailed)
	}
}

func TestNotificationNudgesIdleWorker(t *testing.T) {
	store := &fakeStore{}
	listener := &fakeListener{ch: make(chan queue.Notification, 1)}
	rec := &recorder{}
	ran := make(chan int64, 1)
	p := newPool(t, Options{
		Store: store,
		Tasks: worker.TaskList{"a": func(_ context.Context, _ json.RawMessage, h *worker.Helpers) error {
			ran <- h.Job.ID
			return nil
		}},
		Listen:       func(context.Context) (Listener, error) { return listener, nil },
		Continuous:   true,
		PollInterval: time.Hour,
		Events:       rec,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.GracefulShutdown("test done")

	waitFor(t, "listener", func() bool { return rec.has(events.PoolListenSuccess) })
	waitFor(t, "idle worker", func() bool { return rec.has(events.WorkerGetJobEmpty) })
	time.Sleep(10 * time.Millisecond)

	store.add(job(42, "a"))
	listener.ch <- queue.Notification{Channel: queue.ChannelJobsInsert, Payload: `{"count":1}`}

	select {
	case id := <-ran:
		if id != 42 {
			t.Fatalf("ran job %d", id)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("notification did not wake a worker")
	}
}

func TestBreakingMigrationShutsDownPool(t *testing.T) {
	listener := &fakeListener{ch: make(chan queue.Notification, 1)}
	rec := &recorder{}
	p := newPool(t, Options{
		Store:        &fakeStore{},
		Tasks:        worker.TaskList{"a": noop},
		Listen:       func(context.Context) (Listener, error) { return listener, nil },
		Continuous:   true,
		PollInterval: time.Hour,
		Events:       rec,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "listener", func() bool { return rec.has(events.PoolListenSuccess) })

	listener.ch <- queue.Notification{Channel: queue.ChannelMigrate, Payload: `{"migrationNumber":2,"breaking":true}`}
	waitDone(t, p)
	if !rec.has(events.WorkerMigrate) {
		t.Fatal("missing worker:migrate event")
	}
}

func TestListenerReconnects(t *testing.T) {
	listener := &fakeListener{ch: make(chan queue.Notification)}
	var mu sync.Mutex
	calls := 0
	rec := &recorder{}
	p := newPool(t, Options{
		Store: &fakeStore{},
		Tasks: worker.TaskList{"a": noop},
		Listen: func(context.Context) (Listener, error) {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls == 1 {
				return nil, errors.New("connection refused")
			}
			return listener, nil
		},
		Continuous:   true,
		PollInterval: time.Hour,
		Events:       rec,
	})
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.GracefulShutdown("test done")

	waitFor(t, "reconnect", func() bool { return rec.has(events.PoolListenSuccess) })
	if !rec.has(events.PoolListenError) {
		t.Fatal("missing pool:listen:error")
	}
}

func TestBatcherCoalescesAndFlushesOnClose(t *testing.T) {
	var mu sync.Mutex
	var batches [][]int
	b := newBatcher(time.Hour, func(_ context.Context, items []int) error {
		mu.Lock()
		batches = append(batches, append([]int(nil), items...))
		mu.Unlock()
		return nil
	}, nil)
	for i := 1; i <= 3; i++ {
		b.Add(i)
	}
	b.Close()

	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("batches = %v", batches)
	}
}

func TestBatcherFlushesAfterDelay(t *testing.T) {
	flushed := make(chan []string, 1)
	b := newBatcher(5*time.Millisecond, func(_ context.Context, items []string) error {
		flushed <- items
		return nil
	}, nil)
	b.Add("x")
	b.Add("y")
	select {
	case items := <-flushed:
		if len(items) != 2 {
			t.Fatalf("items = %v", items)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("batch never flushed")
	}
	b.Close()
}
