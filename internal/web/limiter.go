package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	DefaultAuthLimit      = 30
	DefaultAuthWindow     = time.Minute
	DefaultAuthMaxEntries = 1000
)

// authLimiter throttles failed authentication per remote host. Each host
// gets a token bucket refilling limit tokens per window.
type authLimiter struct {
	mu          sync.Mutex
	limit       int
	window      time.Duration
	maxEntries  int
	hosts       map[string]*hostLimiter
	lastCleanup time.Time
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newAuthLimiter(limit int, window time.Duration, maxEntries int) *authLimiter {
	if limit <= 0 {
		limit = DefaultAuthLimit
	}
	if window <= 0 {
		window = DefaultAuthWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultAuthMaxEntries
	}
	return &authLimiter{
		limit:      limit,
		window:     window,
		maxEntries: maxEntries,
		hosts:      make(map[string]*hostLimiter),
	}
}

func (l *authLimiter) allow(host string, now time.Time) bool {
	if l == nil {
		return true
	}
	if host == "" {
		host = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.hosts) >= l.maxEntries || now.Sub(l.lastCleanup) >= l.window {
		l.cleanup(now)
	}
	h := l.hosts[host]
	if h == nil {
		h = &hostLimiter{limiter: rate.NewLimiter(rate.Every(l.window/time.Duration(l.limit)), l.limit)}
		l.hosts[host] = h
	}
	h.lastSeen = now
	return h.limiter.AllowN(now, 1)
}

// cleanup drops hosts idle for two windows, then arbitrary hosts while the
// table is still over capacity.
func (l *authLimiter) cleanup(now time.Time) {
	cutoff := now.Add(-2 * l.window)
	for host, h := range l.hosts {
		if h.lastSeen.Before(cutoff) {
			delete(l.hosts, host)
		}
	}
	for host := range l.hosts {
		if len(l.hosts) < l.maxEntries {
			break
		}
		delete(l.hosts, host)
	}
	l.lastCleanup = now
}
