package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/graphile/worker-sub000/internal/backoff"
	"github.com/graphile/worker-sub000/internal/events"
	"github.com/graphile/worker-sub000/internal/queue"
)

// Mode is the state of a LocalQueue.
type Mode string

const (
	// ModePolling: the cache is empty; a claim is in flight or a poll timer
	// is armed.
	ModePolling Mode = "POLLING"
	// ModeWaiting: claimed jobs are cached and served to workers.
	ModeWaiting Mode = "WAITING"
	// ModeTTLExpired: cached jobs outlived the TTL and were returned.
	ModeTTLExpired Mode = "TTL_EXPIRED"
	ModeReleased   Mode = "RELEASED"
)

const (
	DefaultTTL          = 30 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// randFloat is swapped in tests.
var randFloat = rand.Float64

// RefetchDelay holds off refetching after a fetch returns Threshold jobs or
// fewer. The delay is jittered between half and one and a half Duration and
// is cut short once pulses announce MaxAbortThreshold jobs (randomised
// downward per delay; zero means five fetch batches).
type RefetchDelay struct {
	Duration          time.Duration
	Threshold         int
	MaxAbortThreshold int
}

type Options struct {
	PoolID string
	Tasks  []string
	// Size is the number of jobs claimed per fetch.
	Size         int
	TTL          time.Duration
	PollInterval time.Duration
	// Continuous arms the poll timer after an empty fetch. Run-once pools
	// leave it false.
	Continuous bool
	// RefetchDelay is disabled when nil.
	RefetchDelay *RefetchDelay
	Events       events.Emitter
	Logger       *slog.Logger
}

type fetchCall struct {
	done       chan struct{}
	err        error
	fetchedMax bool
	baseline   uint64
}

// LocalQueue claims jobs in batches and serves them from memory. At most one
// claim is in flight; concurrent requests share it.
type LocalQueue struct {
	store  Store
	opts   Options
	logger *slog.Logger
	events events.Emitter
	ctx    context.Context

	mu         sync.Mutex
	mode       Mode
	jobs       []*queue.Job // next job last
	fetch      *fetchCall
	fetchAgain bool
	counter    uint64
	pollTimer  *time.Timer
	ttlTimer   *time.Timer
	ttlGen     uint64
	pending    []events.Event

	delayActive  bool
	delayFetch   bool
	delayTimer   *time.Timer
	delayGen     uint64
	delayCounter int
	delayAbortAt float64
	// delayed is handed to GetJob callers while a refetch delay is active
	// and started once the delay ends.
	delayed *fetchCall

	bg     sync.WaitGroup
	errMu  sync.Mutex
	bgErrs []error
}

// NewLocalQueue starts in POLLING mode with an immediate fetch.
func NewLocalQueue(store Store, opts Options) *LocalQueue {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	l := &LocalQueue{
		store:  store,
		opts:   opts,
		logger: opts.Logger.With("component", "local_queue", "pool_id", opts.PoolID),
		events: events.OrNoop(opts.Events),
		ctx:    context.Background(),
	}
	l.mu.Lock()
	l.setModeLocked(ModePolling)
	l.startFetchLocked()
	l.unlockAndEmit()
	return l
}

// Mode reports the current mode.
func (l *LocalQueue) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

func (l *LocalQueue) unlockAndEmit() {
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, e := range pending {
		l.events.Emit(e)
	}
}

func (l *LocalQueue) emitLocked(e events.Event) {
	e.PoolID = l.opts.PoolID
	l.pending = append(l.pending, e)
}

func (l *LocalQueue) setModeLocked(mode Mode) {
	old := l.mode
	l.mode = mode
	l.emitLocked(events.Event{
		Type:     events.LocalQueueSetMode,
		Metadata: map[string]string{"old_mode": string(old), "new_mode": string(mode)},
	})
}

func (l *LocalQueue) stopPollTimerLocked() {
	if l.pollTimer != nil {
		l.pollTimer.Stop()
		l.pollTimer = nil
	}
}

func (l *LocalQueue) stopTTLTimerLocked() {
	l.ttlGen++
	if l.ttlTimer != nil {
		l.ttlTimer.Stop()
		l.ttlTimer = nil
	}
}

func (l *LocalQueue) armTTLTimerLocked() {
	l.stopTTLTimerLocked()
	gen := l.ttlGen
	l.ttlTimer = time.AfterFunc(l.opts.TTL, func() { l.expire(gen) })
}

// startFetchLocked returns the claim a GetJob caller should wait on. While a
// refetch delay is active the claim is deferred until the delay ends.
func (l *LocalQueue) startFetchLocked() *fetchCall {
	l.stopPollTimerLocked()
	if l.delayActive {
		l.delayFetch = true
		if l.delayed == nil {
			l.delayed = &fetchCall{done: make(chan struct{}), baseline: l.counter}
		}
		return l.delayed
	}
	call := &fetchCall{done: make(chan struct{})}
	l.launchLocked(call)
	return call
}

func (l *LocalQueue) launchLocked(call *fetchCall) {
	l.fetchAgain = false
	l.delayCounter = 0
	call.baseline = l.counter
	l.fetch = call
	l.bg.Add(1)
	go l.runFetch(call)
}

func (l *LocalQueue) runFetch(call *fetchCall) {
	defer l.bg.Done()
	jobs, err := l.store.ClaimJobs(l.ctx, l.opts.PoolID, l.opts.Tasks, nil, l.opts.Size)

	l.mu.Lock()
	l.fetch = nil
	call.err = err
	call.fetchedMax = len(jobs) >= l.opts.Size
	if err == nil {
		l.emitLocked(events.Event{Type: events.LocalQueueGetJobsComplete, Count: len(jobs)})
		if l.mode != ModeReleased && l.shouldDelayLocked(len(jobs)) {
			l.startRefetchDelayLocked(len(jobs))
		}
	}

	switch {
	case l.mode == ModeReleased:
		if len(jobs) > 0 {
			l.returnJobsLocked(jobs)
		}
	case err != nil:
		l.logger.Error("failed to fetch jobs; will retry on next poll", "error", err)
		if l.opts.Continuous {
			l.armPollTimerLocked()
		}
	case len(jobs) > 0:
		l.jobs = make([]*queue.Job, 0, len(jobs))
		for i := len(jobs) - 1; i >= 0; i-- {
			l.jobs = append(l.jobs, jobs[i])
		}
		l.setModeLocked(ModeWaiting)
		l.armTTLTimerLocked()
	case call.fetchedMax || l.fetchAgain:
		l.startFetchLocked()
	case l.opts.Continuous:
		l.armPollTimerLocked()
	}
	l.checkDelayAbortLocked()
	l.unlockAndEmit()
	close(call.done)
}

func (l *LocalQueue) armPollTimerLocked() {
	l.stopPollTimerLocked()
	l.pollTimer = time.AfterFunc(l.opts.PollInterval, l.poll)
}

func (l *LocalQueue) poll() {
	l.mu.Lock()
	if l.mode == ModePolling && l.fetch == nil && len(l.jobs) == 0 {
		l.startFetchLocked()
	}
	l.unlockAndEmit()
}

func (l *LocalQueue) shouldDelayLocked(count int) bool {
	d := l.opts.RefetchDelay
	return d != nil && count < l.opts.Size && count <= d.Threshold
}

func (l *LocalQueue) startRefetchDelayLocked(count int) {
	d := l.opts.RefetchDelay
	maxAbort := d.MaxAbortThreshold
	if maxAbort <= 0 {
		maxAbort = 5 * l.opts.Size
	}
	l.delayAbortAt = randFloat() * float64(maxAbort)
	if l.delayAbortAt == 0 {
		l.delayAbortAt = math.Inf(1)
	}
	delay := time.Duration(float64(d.Duration) * (0.5 + randFloat()))
	l.fetchAgain = false
	l.delayActive = true
	l.delayFetch = false
	l.delayGen++
	gen := l.delayGen
	l.delayTimer = time.AfterFunc(delay, func() { l.refetchDelayExpired(gen) })
	l.emitLocked(events.Event{
		Type:  events.LocalQueueRefetchDelayStart,
		Count: count,
		Metadata: map[string]string{
			"delay":           delay.String(),
			"threshold":       fmt.Sprint(d.Threshold),
			"abort_threshold": fmt.Sprint(l.delayAbortAt),
		},
	})
}

func (l *LocalQueue) refetchDelayExpired(gen uint64) {
	l.mu.Lock()
	if l.delayActive && l.delayGen == gen {
		l.endRefetchDelayLocked(false)
	}
	l.unlockAndEmit()
}

func (l *LocalQueue) stopRefetchDelayLocked() {
	l.delayGen++
	l.delayActive = false
	if l.delayTimer != nil {
		l.delayTimer.Stop()
		l.delayTimer = nil
	}
}

func (l *LocalQueue) endRefetchDelayLocked(aborted bool) {
	l.stopRefetchDelayLocked()
	if aborted {
		l.delayFetch = true
		l.emitLocked(events.Event{Type: events.LocalQueueRefetchDelayAbort, Count: l.delayCounter})
	} else {
		l.emitLocked(events.Event{Type: events.LocalQueueRefetchDelayExpired})
	}
	if l.mode != ModePolling || !l.delayFetch {
		return
	}
	l.delayFetch = false
	l.stopPollTimerLocked()
	call := l.delayed
	l.delayed = nil
	if call == nil {
		call = &fetchCall{done: make(chan struct{})}
	}
	l.launchLocked(call)
}

// checkDelayAbortLocked reports whether a refetch delay is active, ending it
// early once enough jobs have been announced.
func (l *LocalQueue) checkDelayAbortLocked() bool {
	if !l.delayActive || l.mode == ModeReleased {
		return false
	}
	if float64(l.delayCounter) >= l.delayAbortAt {
		l.endRefetchDelayLocked(true)
	}
	return true
}

func (l *LocalQueue) expire(gen uint64) {
	l.mu.Lock()
	if l.mode != ModeWaiting || l.ttlGen != gen {
		l.mu.Unlock()
		return
	}
	l.ttlTimer = nil
	jobs := l.jobs
	l.jobs = nil
	l.setModeLocked(ModeTTLExpired)
	l.returnJobsLocked(jobs)
	l.unlockAndEmit()
}

// GetJob pops a cached job, sharing or starting a fetch when the cache is
// empty. Requests with flagsToSkip bypass the cache.
func (l *LocalQueue) GetJob(ctx context.Context, flagsToSkip []string) (*queue.Job, error) {
	if len(flagsToSkip) > 0 {
		if l.Mode() == ModeReleased {
			return nil, nil
		}
		return claimOne(ctx, l.store, l.opts.PoolID, l.opts.Tasks, flagsToSkip)
	}

	l.mu.Lock()
	l.counter++
	myID := l.counter
	for {
		switch l.mode {
		case ModeReleased:
			l.unlockAndEmit()
			return nil, nil
		case ModeTTLExpired:
			l.setModeLocked(ModePolling)
			l.startFetchLocked()
		}

		if job := l.popLocked(); job != nil {
			l.unlockAndEmit()
			return job, nil
		}

		call := l.fetch
		if call == nil {
			call = l.startFetchLocked()
		}
		l.unlockAndEmit()

		select {
		case <-call.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		l.mu.Lock()
		if job := l.popLocked(); job != nil {
			l.unlockAndEmit()
			return job, nil
		}
		if call.err != nil {
			l.unlockAndEmit()
			return nil, call.err
		}
		if !call.fetchedMax && myID <= call.baseline {
			l.unlockAndEmit()
			return nil, nil
		}
	}
}

func (l *LocalQueue) popLocked() *queue.Job {
	n := len(l.jobs)
	if n == 0 {
		return nil
	}
	job := l.jobs[n-1]
	l.jobs[n-1] = nil
	l.jobs = l.jobs[:n-1]
	if len(l.jobs) == 0 && l.mode == ModeWaiting {
		l.stopTTLTimerLocked()
		l.setModeLocked(ModePolling)
		l.startFetchLocked()
	}
	return job
}

// Pulse triggers an immediate fetch when polling. A pulse during a fetch
// schedules another one; WAITING ignores pulses. During a refetch delay
// pulses only count toward aborting it.
func (l *LocalQueue) Pulse(count int) {
	l.mu.Lock()
	l.delayCounter += count
	if l.checkDelayAbortLocked() {
		l.unlockAndEmit()
		return
	}
	if l.mode == ModePolling {
		if l.fetch != nil {
			l.fetchAgain = true
		} else if l.pollTimer != nil {
			l.startFetchLocked()
		}
	}
	l.unlockAndEmit()
}

func (l *LocalQueue) returnJobsLocked(jobs []*queue.Job) {
	if len(jobs) == 0 {
		return
	}
	l.emitLocked(events.Event{Type: events.LocalQueueReturnJobs, Count: len(jobs)})
	l.bg.Add(1)
	go func() {
		defer l.bg.Done()
		if err := l.returnWithRetries(jobs); err != nil {
			l.errMu.Lock()
			l.bgErrs = append(l.bgErrs, err)
			l.errMu.Unlock()
		}
	}()
}

func (l *LocalQueue) returnWithRetries(jobs []*queue.Job) error {
	opts := backoff.BatchOptions
	var initial error
	for attempt := 1; ; attempt++ {
		err := l.store.ReturnJobs(l.ctx, l.opts.PoolID, jobs)
		if err == nil {
			return nil
		}
		if initial == nil {
			initial = err
		}
		l.logger.Error("failed to return jobs from local queue",
			"attempt", attempt, "max_attempts", opts.MaxAttempts, "jobs", len(jobs), "error", err)

		if l.Mode() == ModeReleased {
			return fmt.Errorf("return jobs from local queue: %w", initial)
		}
		if attempt >= opts.MaxAttempts {
			l.mu.Lock()
			if l.mode != ModeReleased {
				l.releaseLocked()
			}
			l.unlockAndEmit()
			return fmt.Errorf("return jobs from local queue; aborting after %d attempts: %w", attempt, initial)
		}
		delayOpts := opts
		if bounds, ok := queue.RetryOptions(err); ok {
			delayOpts.MinDelay, delayOpts.MaxDelay = bounds.MinDelay, bounds.MaxDelay
		}
		time.Sleep(backoff.Delay(attempt-1, delayOpts))
	}
}

func (l *LocalQueue) releaseLocked() {
	old := l.mode
	l.setModeLocked(ModeReleased)
	l.stopPollTimerLocked()
	l.stopRefetchDelayLocked()
	if l.delayed != nil {
		close(l.delayed.done)
		l.delayed = nil
	}
	if old == ModeWaiting {
		l.stopTTLTimerLocked()
		jobs := l.jobs
		l.jobs = nil
		l.returnJobsLocked(jobs)
	}
}

// Release returns cached jobs and waits for background work. Jobs claimed by
// a fetch still in flight are returned when it completes.
func (l *LocalQueue) Release() error {
	l.mu.Lock()
	if l.mode != ModeReleased {
		l.releaseLocked()
	}
	l.unlockAndEmit()
	l.bg.Wait()

	l.errMu.Lock()
	defer l.errMu.Unlock()
	return errors.Join(l.bgErrs...)
}
