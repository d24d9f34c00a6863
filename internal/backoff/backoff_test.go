package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func withRand(t *testing.T, v float64) {
	t.Helper()
	prev := randFloat
	randFloat = func() float64 { return v }
	t.Cleanup(func() { randFloat = prev })
}

func TestDelayGrowsAndCaps(t *testing.T) {
	withRand(t, 0.5)
	opts := Options{MinDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{4, time.Second},
		{10, time.Second},
	}
	for _, tc := range cases {
		if got := Delay(tc.attempts, opts); got != tc.want {
			t.Fatalf("Delay(%d) = %v, want %v", tc.attempts, got, tc.want)
		}
	}
}

func TestDelayJitterRange(t *testing.T) {
	opts := Options{MinDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	withRand(t, 0)
	if got := Delay(0, opts); got != 500*time.Millisecond {
		t.Fatalf("low jitter = %v", got)
	}
	withRand(t, 0.999)
	if got := Delay(0, opts); got < 1490*time.Millisecond || got >= 1500*time.Millisecond {
		t.Fatalf("high jitter = %v", got)
	}
}

func TestListenerDelay(t *testing.T) {
	withRand(t, 1)
	if got := ListenerDelay(0); got != 50*time.Millisecond {
		t.Fatalf("ListenerDelay(0) = %v", got)
	}
	if got := ListenerDelay(20); got != 60*time.Second {
		t.Fatalf("ListenerDelay(20) = %v, want cap", got)
	}
	withRand(t, 0)
	if got := ListenerDelay(20); got != 30*time.Second {
		t.Fatalf("ListenerDelay(20) with zero jitter = %v", got)
	}
}

func TestBetween(t *testing.T) {
	withRand(t, 0.25)
	if got := Between(time.Second, 5*time.Second); got != 2*time.Second {
		t.Fatalf("Between = %v", got)
	}
	if got := Between(5*time.Second, time.Second); got != 5*time.Second {
		t.Fatalf("inverted Between = %v", got)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), Options{MaxAttempts: 5, MinDelay: time.Millisecond}, func(err error) bool {
		return !errors.Is(err, fatal)
	}, func(context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	withRand(t, 0)
	calls := 0
	err := Retry(context.Background(), Options{MaxAttempts: 3, MinDelay: time.Millisecond, MaxDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		return errors.New("boom")
	})
	if err == nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}

func TestRetrySucceeds(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Options{MaxAttempts: 3, MinDelay: time.Millisecond}, nil, func(context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
