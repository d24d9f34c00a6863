package worker

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
)

type sourceResult struct {
	job *queue.Job
	err error
}

type fakeSource struct {
	mu      sync.Mutex
	results []sourceResult
	calls   int
	flags   [][]string
}

func (s *fakeSource) GetJob(ctx context.Context, flags []string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.flags = append(s.flags, flags)
	if len(s.results) == 0 {
		return nil, nil
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r.job, r.err
}

func (s *fakeSource) push(job *queue.Job) {
	s.mu.Lock()
	s.results = append(s.results, sourceResult{job: job})
	s.mu.Unlock()
}

func (s *fakeSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeReporter struct {
	mu        sync.Mutex
	completed []int64
	failed    []queue.FailSpec
	err       error
}

func (r *fakeReporter) CompleteJob(_ context.Context, job *queue.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.completed = append(r.completed, job.ID)
	return nil
}

func (r *fakeReporter) FailJob(_ context.Context, spec queue.FailSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.failed = append(r.failed, spec)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(ev events.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.events))
	for _, ev := range r.events {
		if strings.HasPrefix(string(ev.Type), "job:") {
			out = append(out, ev.Type)
		}
	}
	return out
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newJob(id int64, task string, payload string) *queue.Job {
	return &queue.Job{ID: id, TaskIdentifier: task, Payload: json.RawMessage(payload), Attempts: 1, MaxAttempts: 25}
}

func startWorker(t *testing.T, opts Options) *Worker {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	w, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.Start()
	t.Cleanup(func() {
		w.Release()
		<-w.Done()
	})
	return w
}

func waitDone(t *testing.T, w *Worker) {
	t.Helper()
	select {
	case <-w.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestRunOnceCompletesAndStops(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(1, "echo", `{"a":1}`))
	src.push(newJob(2, "echo", `{"a":2}`))
	rep := &fakeReporter{}
	rec := &recorder{}

	var seen []string
	w := startWorker(t, Options{
		Tasks: TaskList{"echo": func(ctx context.Context, payload json.RawMessage, h *Helpers) error {
			seen = append(seen, string(payload))
			return nil
		}},
		Source:   src,
		Reporter: rep,
		Events:   rec,
	})
	waitDone(t, w)

	if err := w.Err(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.completed) != 2 || rep.completed[0] != 1 || rep.completed[1] != 2 {
		t.Fatalf("completed = %v", rep.completed)
	}
	if len(seen) != 2 {
		t.Fatalf("handler saw %v", seen)
	}
	want := []events.Type{
		events.JobStart, events.JobSuccess, events.JobComplete,
		events.JobStart, events.JobSuccess, events.JobComplete,
	}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestUnsupportedTaskFails(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(7, "missing", `{}`))
	rep := &fakeReporter{}
	w := startWorker(t, Options{Tasks: TaskList{}, Source: src, Reporter: rep})
	waitDone(t, w)

	if len(rep.failed) != 1 {
		t.Fatalf("failed = %v", rep.failed)
	}
	if got := rep.failed[0].Message; got != "unsupported task 'missing'" {
		t.Fatalf("message = %q", got)
	}
}

func TestFailedEventOnLastAttempt(t *testing.T) {
	src := &fakeSource{}
	job := newJob(3, "boom", `{}`)
	job.Attempts, job.MaxAttempts = 3, 3
	src.push(job)
	rep := &fakeReporter{}
	rec := &recorder{}
	w := startWorker(t, Options{
		Tasks: TaskList{"boom": func(context.Context, json.RawMessage, *Helpers) error {
			return errors.New("kaput")
		}},
		Source:   src,
		Reporter: rep,
		Events:   rec,
	})
	waitDone(t, w)

	want := []events.Type{events.JobStart, events.JobError, events.JobFailed, events.JobComplete}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("events = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if rep.failed[0].Message != "kaput" {
		t.Fatalf("message = %q", rep.failed[0].Message)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(4, "panic", `{}`))
	rep := &fakeReporter{}
	w := startWorker(t, Options{
		Tasks: TaskList{"panic": func(context.Context, json.RawMessage, *Helpers) error {
			panic("oh no")
		}},
		Source:   src,
		Reporter: rep,
	})
	waitDone(t, w)

	if len(rep.failed) != 1 || !strings.Contains(rep.failed[0].Message, "oh no") {
		t.Fatalf("failed = %+v", rep.failed)
	}
}

func TestBatchPartialFailureReplacesPayload(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(5, "batch", `[{"n":1},{"n":2},{"n":3}]`))
	rep := &fakeReporter{}
	w := startWorker(t, Options{
		Tasks: TaskList{"batch": func(context.Context, json.RawMessage, *Helpers) error {
			return BatchErrors{nil, errors.New("two"), errors.New("three")}
		}},
		Source:   src,
		Reporter: rep,
	})
	waitDone(t, w)

	if len(rep.failed) != 1 {
		t.Fatalf("failed = %+v", rep.failed)
	}
	spec := rep.failed[0]
	if spec.Message != "batch failures:\ntwo\nthree" {
		t.Fatalf("message = %q", spec.Message)
	}
	if string(spec.ReplacementPayload) != `[{"n":2},{"n":3}]` {
		t.Fatalf("replacement = %s", spec.ReplacementPayload)
	}
}

func TestBatchAllSucceededCompletes(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(6, "batch", `[1,2]`))
	rep := &fakeReporter{}
	w := startWorker(t, Options{
		Tasks: TaskList{"batch": func(context.Context, json.RawMessage, *Helpers) error {
			return BatchErrors{nil, nil}
		}},
		Source:   src,
		Reporter: rep,
	})
	waitDone(t, w)

	if len(rep.completed) != 1 || len(rep.failed) != 0 {
		t.Fatalf("completed=%v failed=%v", rep.completed, rep.failed)
	}
}

func TestBatchLengthMismatchFailsWholeJob(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(8, "batch", `[1,2,3]`))
	rep := &fakeReporter{}
	w := startWorker(t, Options{
		Tasks: TaskList{"batch": func(context.Context, json.RawMessage, *Helpers) error {
			return BatchErrors{errors.New("x")}
		}},
		Source:   src,
		Reporter: rep,
	})
	waitDone(t, w)

	if len(rep.failed) != 1 || rep.failed[0].ReplacementPayload != nil {
		t.Fatalf("failed = %+v", rep.failed)
	}
}

func TestReporterErrorIsFatal(t *testing.T) {
	src := &fakeSource{}
	src.push(newJob(9, "echo", `{}`))
	src.push(newJob(10, "echo", `{}`))
	rep := &fakeReporter{err: errors.New("db down")}
	rec := &recorder{}
	w := startWorker(t, Options{
		Tasks:    TaskList{"echo": func(context.Context, json.RawMessage, *Helpers) error { return nil }},
		Source:   src,
		Reporter: rep,
		Events:   rec,
	})
	waitDone(t, w)

	if err := w.Err(); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("err = %v", err)
	}
	if src.callCount() != 1 {
		t.Fatalf("worker kept fetching after a fatal error: %d calls", src.callCount())
	}
	if job := w.ActiveJob(); job != nil {
		t.Fatalf("active job after fatal error = %+v", job)
	}
	if job := w.TakeUnreportedJob(); job == nil || job.ID != 9 {
		t.Fatalf("unreported job after fatal error = %+v", job)
	}
	if job := w.TakeUnreportedJob(); job != nil {
		t.Fatalf("unreported job handed out twice: %+v", job)
	}
	var fatal bool
	for _, ev := range rec.events {
		if ev.Type == events.WorkerFatalError {
			fatal = true
		}
	}
	if !fatal {
		t.Fatal("expected worker:fatalError")
	}
}

type blockingReporter struct {
	entered chan *queue.Job
	release chan struct{}
	err     error
}

func (r *blockingReporter) CompleteJob(_ context.Context, job *queue.Job) error {
	r.entered <- job
	<-r.release
	return r.err
}

func (r *blockingReporter) FailJob(_ context.Context, spec queue.FailSpec) error {
	r.entered <- spec.Job
	<-r.release
	return r.err
}

func TestActiveJobClearedBeforeReporting(t *testing.T) {
	for _, tc := range []struct {
		name    string
		handler TaskHandler
		err     error
	}{
		{"complete", func(context.Context, json.RawMessage, *Helpers) error { return nil }, nil},
		{"fail", func(context.Context, json.RawMessage, *Helpers) error { return errors.New("boom") }, nil},
		{"complete error", func(context.Context, json.RawMessage, *Helpers) error { return nil }, errors.New("db down")},
		{"fail error", func(context.Context, json.RawMessage, *Helpers) error { return errors.New("boom") }, errors.New("db down")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			src := &fakeSource{}
			src.push(newJob(3, "echo", `{}`))
			rep := &blockingReporter{entered: make(chan *queue.Job, 1), release: make(chan struct{}), err: tc.err}
			w := startWorker(t, Options{
				Tasks:    TaskList{"echo": tc.handler},
				Source:   src,
				Reporter: rep,
			})

			select {
			case job := <-rep.entered:
				if job.ID != 3 {
					t.Fatalf("reported job %d", job.ID)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("reporter not called")
			}
			if job := w.ActiveJob(); job != nil {
				t.Fatalf("job %d still active while its outcome is reported", job.ID)
			}
			close(rep.release)
			waitDone(t, w)

			if job := w.ActiveJob(); job != nil {
				t.Fatalf("job %d active after worker stopped", job.ID)
			}
			unreported := w.TakeUnreportedJob()
			if tc.err == nil && unreported != nil {
				t.Fatalf("unexpected unreported job %d", unreported.ID)
			}
			if tc.err != nil && (unreported == nil || unreported.ID != 3) {
				t.Fatalf("unreported job = %+v", unreported)
			}
		})
	}
}

func TestRunOnceGetJobErrorStopsWorker(t *testing.T) {
	src := &fakeSource{results: []sourceResult{{err: errors.New("conn refused")}}}
	w := startWorker(t, Options{Source: src, Reporter: &fakeReporter{}})
	waitDone(t, w)

	if err := w.Err(); err == nil || !strings.Contains(err.Error(), "conn refused") {
		t.Fatalf("err = %v", err)
	}
}

func TestContinuousStopsAfterContiguousErrors(t *testing.T) {
	boom := errors.New("boom")
	src := &fakeSource{results: []sourceResult{{err: boom}, {err: boom}, {err: boom}}}
	w := startWorker(t, Options{
		Source:              src,
		Reporter:            &fakeReporter{},
		Continuous:          true,
		PollInterval:        time.Millisecond,
		MaxContiguousErrors: 3,
	})
	waitDone(t, w)

	if !errors.Is(w.Err(), boom) {
		t.Fatalf("err = %v", w.Err())
	}
	if src.callCount() != 3 {
		t.Fatalf("calls = %d", src.callCount())
	}
}

func TestContinuousRecoversAfterError(t *testing.T) {
	src := &fakeSource{results: []sourceResult{{err: errors.New("blip")}, {job: newJob(11, "echo", `{}`)}}}
	rep := &fakeReporter{}
	done := make(chan struct{})
	startWorker(t, Options{
		Tasks: TaskList{"echo": func(context.Context, json.RawMessage, *Helpers) error {
			close(done)
			return nil
		}},
		Source:       src,
		Reporter:     rep,
		Continuous:   true,
		PollInterval: time.Millisecond,
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job never ran after the fetch error")
	}
}

func TestNudgeWakesIdleWorker(t *testing.T) {
	src := &fakeSource{}
	rep := &fakeReporter{}
	ran := make(chan int64, 1)
	w := startWorker(t, Options{
		Tasks: TaskList{"echo": func(_ context.Context, _ json.RawMessage, h *Helpers) error {
			ran <- h.Job.ID
			return nil
		}},
		Source:       src,
		Reporter:     rep,
		Continuous:   true,
		PollInterval: time.Hour,
	})

	deadline := time.Now().Add(2 * time.Second)
	for src.callCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never polled")
		}
		time.Sleep(time.Millisecond)
	}
	src.push(newJob(12, "echo", `{}`))

	woke := false
	for !woke && time.Now().Before(deadline) {
		woke = w.Nudge()
		time.Sleep(time.Millisecond)
	}
	if !woke {
		t.Fatal("idle worker never accepted a nudge")
	}
	select {
	case id := <-ran:
		if id != 12 {
			t.Fatalf("ran job %d", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("nudged worker did not run the job")
	}
}

func TestReleaseWhileIdle(t *testing.T) {
	src := &fakeSource{}
	w := startWorker(t, Options{Source: src, Reporter: &fakeReporter{}, Continuous: true, PollInterval: time.Hour})
	for src.callCount() == 0 {
		time.Sleep(time.Millisecond)
	}
	w.Release()
	waitDone(t, w)
	if w.Nudge() {
		t.Fatal("released worker accepted a nudge")
	}
}

func TestHandlerSeesAbort(t *testing.T) {
	abort, cancel := context.WithCancel(context.Background())
	src := &fakeSource{}
	src.push(newJob(13, "wait", `{}`))
	rep := &fakeReporter{}
	started := make(chan struct{})
	w := startWorker(t, Options{
		Tasks: TaskList{"wait": func(ctx context.Context, _ json.RawMessage, _ *Helpers) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		}},
		Source:   src,
		Reporter: rep,
		Abort:    abort,
	})
	<-started
	if job := w.ActiveJob(); job == nil || job.ID != 13 {
		t.Fatalf("active job = %+v", job)
	}
	cancel()
	waitDone(t, w)
	if len(rep.failed) != 1 || rep.failed[0].Message != context.Canceled.Error() {
		t.Fatalf("failed = %+v", rep.failed)
	}
	if w.ActiveJob() != nil {
		t.Fatal("active job not cleared")
	}
}

func TestForbiddenFlagsPassedToSource(t *testing.T) {
	src := &fakeSource{}
	w := startWorker(t, Options{
		Source:         src,
		Reporter:       &fakeReporter{},
		ForbiddenFlags: func() []string { return []string{"slow"} },
	})
	waitDone(t, w)
	if len(src.flags) != 1 || len(src.flags[0]) != 1 || src.flags[0][0] != "slow" {
		t.Fatalf("flags = %v", src.flags)
	}
}

func TestHelpersQueueNameWithoutQueue(t *testing.T) {
	h := newHelpers(newJob(1, "x", `{}`), nil, testLogger())
	name, err := h.QueueName(context.Background())
	if err != nil || name != "" {
		t.Fatalf("QueueName = %q, %v", name, err)
	}
	if _, err := h.AddJob(context.Background(), queue.JobSpec{Identifier: "y"}); err == nil {
		t.Fatal("expected error without a store")
	}
	if _, err := h.AddJobs(context.Background(), []queue.JobSpec{{Identifier: "y"}}); err == nil {
		t.Fatal("expected error without a store")
	}
}

type fakeHelperStore struct {
	added [][]queue.JobSpec
}

func (s *fakeHelperStore) AddJob(ctx context.Context, spec queue.JobSpec) (*queue.Job, error) {
	jobs, err := s.AddJobs(ctx, []queue.JobSpec{spec})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

func (s *fakeHelperStore) AddJobs(_ context.Context, specs []queue.JobSpec) ([]*queue.Job, error) {
	s.added = append(s.added, specs)
	jobs := make([]*queue.Job, 0, len(specs))
	for i, spec := range specs {
		jobs = append(jobs, &queue.Job{ID: int64(100 + i), TaskIdentifier: spec.Identifier})
	}
	return jobs, nil
}

func (s *fakeHelperStore) QueueName(context.Context, int32) (string, error) { return "", nil }

func (s *fakeHelperStore) Pool() *pgxpool.Pool { return nil }

func TestHelpersAddJobsSingleCall(t *testing.T) {
	store := &fakeHelperStore{}
	h := newHelpers(newJob(1, "x", `{}`), store, testLogger())
	jobs, err := h.AddJobs(context.Background(), []queue.JobSpec{{Identifier: "a"}, {Identifier: "b"}})
	if err != nil {
		t.Fatalf("AddJobs: %v", err)
	}
	if len(store.added) != 1 || len(store.added[0]) != 2 {
		t.Fatalf("expected one batch of two specs, got %v", store.added)
	}
	if len(jobs) != 2 || jobs[0].TaskIdentifier != "a" || jobs[1].TaskIdentifier != "b" {
		t.Fatalf("jobs = %+v", jobs)
	}
}

func TestTaskListNames(t *testing.T) {
	tl := TaskList{"b": nil, "a": nil}
	if got := tl.Names(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("Names = %v", got)
	}
}
