package pool

import (
	"context"
	"sync"
	"time"

	"github.com/graphile/worker-sub000/internal/backoff"
)

// maxPendingBatch bounds how many items may queue behind a flush before Add
// blocks.
const maxPendingBatch = 1000

// batcher collects items for delay and hands them to flush in one call.
// Flushes run one at a time and are retried with backoff.BatchOptions.
type batcher[T any] struct {
	delay   time.Duration
	flush   func(ctx context.Context, items []T) error
	onFatal func(err error, items []T)

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []T
	timer    *time.Timer
	flushing bool
	closed   bool
	idle     chan struct{}
}

func newBatcher[T any](delay time.Duration, flush func(context.Context, []T) error, onFatal func(error, []T)) *batcher[T] {
	b := &batcher[T]{delay: delay, flush: flush, onFatal: onFatal}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Add queues item. It blocks while the backlog is full.
func (b *batcher[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.pending) >= maxPendingBatch && !b.closed {
		b.cond.Wait()
	}
	b.pending = append(b.pending, item)
	b.scheduleLocked()
}

func (b *batcher[T]) scheduleLocked() {
	if b.timer != nil || b.flushing || len(b.pending) == 0 {
		return
	}
	b.timer = time.AfterFunc(b.delay, b.run)
}

func (b *batcher[T]) run() {
	b.mu.Lock()
	b.timer = nil
	if b.flushing || len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	items := b.pending
	b.pending = nil
	b.flushing = true
	b.cond.Broadcast()
	b.mu.Unlock()

	err := backoff.Retry(context.Background(), backoff.BatchOptions, nil, func(ctx context.Context) error {
		return b.flush(ctx, items)
	})
	if err != nil && b.onFatal != nil {
		b.onFatal(err, items)
	}

	b.mu.Lock()
	b.flushing = false
	if b.closed && len(b.pending) > 0 {
		b.mu.Unlock()
		b.run()
		return
	}
	b.scheduleLocked()
	if b.closed && !b.flushing && b.timer == nil && b.idle != nil {
		close(b.idle)
		b.idle = nil
	}
	b.mu.Unlock()
}

// Close flushes whatever is pending and waits for in-flight flushes.
func (b *batcher[T]) Close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	b.run()

	b.mu.Lock()
	if !b.flushing {
		b.mu.Unlock()
		return
	}
	if b.idle == nil {
		b.idle = make(chan struct{})
	}
	idle := b.idle
	b.mu.Unlock()
	<-idle
}
