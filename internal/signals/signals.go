// Package signals turns termination signals into pool shutdowns. The first
// signal asks every registered target to shut down gracefully, the second
// forcefully, and once that completes the signal is raised again with its
// default disposition restored.
package signals

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

// Target is something that can be shut down, typically a pool or runner.
type Target interface {
	GracefulShutdown(reason string) error
	ForcefulShutdown(reason string) error
}

type Options struct {
	// ForcefulTimeout escalates a graceful shutdown that is still running
	// after this long. Zero waits for a second signal.
	ForcefulTimeout time.Duration
	Logger          *slog.Logger
}

// Broadcaster listens for signals only while at least one target is
// registered.
type Broadcaster struct {
	opts   Options
	logger *slog.Logger

	notify     func(c chan<- os.Signal, sig ...os.Signal)
	stopNotify func(c chan<- os.Signal)
	raise      func(sig os.Signal) error

	mu       sync.Mutex
	targets  map[uint64]Target
	nextID   uint64
	ch       chan os.Signal
	done     chan struct{}
	gen      uint64
	received int
}

var (
	sharedOnce sync.Once
	shared     *Broadcaster
)

// Shared returns the process-wide broadcaster.
func Shared() *Broadcaster {
	sharedOnce.Do(func() { shared = New(Options{}) })
	return shared
}

func New(opts Options) *Broadcaster {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		opts:       opts,
		logger:     logger,
		notify:     signal.Notify,
		stopNotify: signal.Stop,
		raise:      raise,
		targets:    make(map[uint64]Target),
	}
}

// Register adds t and returns a function that removes it. Signal handling
// is installed with the first target and removed with the last.
func (b *Broadcaster) Register(t Target) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.targets[id] = t
	if b.ch == nil {
		b.startLocked()
	}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.targets, id)
			if len(b.targets) == 0 {
				b.stopLocked()
			}
		})
	}
}

func (b *Broadcaster) startLocked() {
	b.ch = make(chan os.Signal, 4)
	b.done = make(chan struct{})
	b.received = 0
	b.gen++
	b.notify(b.ch, handled...)
	go b.loop(b.ch, b.done)
}

func (b *Broadcaster) stopLocked() {
	if b.ch == nil {
		return
	}
	b.stopNotify(b.ch)
	close(b.done)
	b.ch = nil
	b.done = nil
}

func (b *Broadcaster) loop(ch <-chan os.Signal, done <-chan struct{}) {
	for {
		select {
		case sig := <-ch:
			b.handle(sig)
		case <-done:
			return
		}
	}
}

func (b *Broadcaster) snapshotLocked() []Target {
	out := make([]Target, 0, len(b.targets))
	for _, t := range b.targets {
		out = append(out, t)
	}
	return out
}

func (b *Broadcaster) handle(sig os.Signal) {
	b.mu.Lock()
	b.received++
	n := b.received
	gen := b.gen
	targets := b.snapshotLocked()
	b.mu.Unlock()

	switch n {
	case 1:
		b.logger.Warn("Received signal; shutting down gracefully", "signal", sig.String(), "targets", len(targets))
		go b.shutdownAll(targets, sig, false)
		if b.opts.ForcefulTimeout > 0 {
			time.AfterFunc(b.opts.ForcefulTimeout, func() { b.escalate(gen, sig) })
		}
	case 2:
		b.logger.Error("Received second signal; shutting down forcefully", "signal", sig.String())
		go b.forceAndRaise(targets, sig)
	default:
		b.logger.Error("Received repeated signal; exiting", "signal", sig.String())
		b.reraise(sig)
	}
}

// escalate forces shutdown when the graceful one started in generation gen
// is still running.
func (b *Broadcaster) escalate(gen uint64, sig os.Signal) {
	b.mu.Lock()
	if b.gen != gen || b.ch == nil || b.received >= 2 {
		b.mu.Unlock()
		return
	}
	b.received = 2
	targets := b.snapshotLocked()
	b.mu.Unlock()

	b.logger.Error("Graceful shutdown timed out; shutting down forcefully", "timeout", b.opts.ForcefulTimeout)
	b.forceAndRaise(targets, sig)
}

func (b *Broadcaster) forceAndRaise(targets []Target, sig os.Signal) {
	b.shutdownAll(targets, sig, true)
	b.reraise(sig)
}

func (b *Broadcaster) shutdownAll(targets []Target, sig os.Signal, forceful bool) {
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			var err error
			if forceful {
				err = t.ForcefulShutdown(sig.String())
			} else {
				err = t.GracefulShutdown(sig.String())
			}
			if err != nil {
				b.logger.Error("Shutdown finished with errors", "forceful", forceful, "error", err)
			}
		}(t)
	}
	wg.Wait()
}

func (b *Broadcaster) reraise(sig os.Signal) {
	b.mu.Lock()
	b.stopLocked()
	b.mu.Unlock()
	if err := b.raise(sig); err != nil {
		b.logger.Error("Failed to re-raise signal", "signal", sig.String(), "error", err)
	}
}
