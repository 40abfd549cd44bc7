// Package ratelimit implements per-client sliding window rate limiting.
package ratelimit

import (
	"sync"
	"time"
)

// Window is the span over which requests are counted.
const Window = time.Minute

// minRetryAfter is the floor for the Retry-After hint on denials.
const minRetryAfter = time.Second

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// clientWindow holds the retained request timestamps for one client key.
type clientWindow struct {
	mu       sync.Mutex
	requests []time.Time
	lastSeen time.Time
}

// Limiter enforces a per-client request budget over a sliding window.
// Each client key carries its own lock so concurrent checks for distinct
// clients never contend.
type Limiter struct {
	limit   int
	windows sync.Map // string -> *clientWindow
	now     func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
}

// NewLimiter creates a limiter allowing limit requests per client per minute.
func NewLimiter(limit int) *Limiter {
	l := &Limiter{
		limit: limit,
		now:   time.Now,
		stop:  make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow records and admits the request if the client is under its budget.
// On denial nothing is recorded and RetryAfter reports how long until the
// oldest retained request leaves the window, never less than one second.
func (l *Limiter) Allow(clientID string) Decision {
	v, _ := l.windows.LoadOrStore(clientID, &clientWindow{})
	w := v.(*clientWindow)

	now := l.now()
	cutoff := now.Add(-Window)

	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastSeen = now

	// Prune expired timestamps in place.
	kept := w.requests[:0]
	for _, t := range w.requests {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	w.requests = kept

	if len(w.requests) >= l.limit {
		retryAfter := w.requests[0].Add(Window).Sub(now)
		if retryAfter < minRetryAfter {
			retryAfter = minRetryAfter
		}
		return Decision{Allowed: false, Remaining: 0, RetryAfter: retryAfter}
	}

	w.requests = append(w.requests, now)
	return Decision{
		Allowed:   true,
		Remaining: l.limit - len(w.requests),
	}
}

// Limit returns the configured per-client budget.
func (l *Limiter) Limit() int {
	return l.limit
}

// Stop terminates the background cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// janitor drops windows that have been idle for a full window span.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(Window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-2 * Window)
			l.windows.Range(func(key, value any) bool {
				w := value.(*clientWindow)
				w.mu.Lock()
				idle := w.lastSeen.Before(cutoff)
				w.mu.Unlock()
				if idle {
					l.windows.Delete(key)
				}
				return true
			})
		}
	}
}
