// Package backoff computes retry, reconnect and jitter delays.
package backoff

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Options controls an exponential retry schedule.
type Options struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// BatchOptions is used for returning jobs and for flushing completion batches.
var BatchOptions = Options{
	MaxAttempts: 20,
	MinDelay:    200 * time.Millisecond,
	MaxDelay:    30 * time.Second,
	Multiplier:  1.5,
}

const (
	listenerBaseDelay = 50 * time.Millisecond
	listenerMaxDelay  = 60 * time.Second
)

// randFloat is swapped in tests.
var randFloat = rand.Float64

// Delay returns the wait before the attempt following previousAttempts
// failures: min(MinDelay*Multiplier^n, MaxDelay) scaled by a jitter in
// [0.5, 1.5).
func Delay(previousAttempts int, opts Options) time.Duration {
	mult := opts.Multiplier
	if mult <= 0 {
		mult = 2
	}
	raw := float64(opts.MinDelay) * math.Pow(mult, float64(previousAttempts))
	if opts.MaxDelay > 0 && raw > float64(opts.MaxDelay) {
		raw = float64(opts.MaxDelay)
	}
	return time.Duration(raw * (0.5 + randFloat()))
}

// ListenerDelay returns the reconnect delay for the notification listener.
// The jitter factor sits in [0.5, 1.0) and is skewed toward the top.
func ListenerDelay(attempts int) time.Duration {
	capped := math.Min(float64(listenerMaxDelay), float64(listenerBaseDelay)*math.Exp(float64(attempts)))
	jitter := 0.5 + math.Sqrt(randFloat())/2
	return time.Duration(math.Ceil(jitter * capped))
}

// Between returns a uniformly random duration in [min, max).
func Between(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(randFloat()*float64(max-min))
}

// Upto returns a uniformly random duration in [0, max).
func Upto(max time.Duration) time.Duration {
	return Between(0, max)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retry calls fn until it succeeds, ctx ends or MaxAttempts is reached.
// retryable decides whether an error is worth another attempt; nil retries
// every error.
func Retry(ctx context.Context, opts Options, retryable func(error) bool, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if opts.MaxAttempts > 0 && attempt+1 >= opts.MaxAttempts {
			return err
		}
		if sleepErr := Sleep(ctx, Delay(attempt, opts)); sleepErr != nil {
			return err
		}
	}
}
