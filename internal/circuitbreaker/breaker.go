// Package circuitbreaker provides per-service circuit breakers that shed
// load from failing backends.
package circuitbreaker

import (
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed allows all requests through.
	StateClosed State = iota
	// StateHalfOpen allows a single trial request through.
	StateHalfOpen
	// StateOpen rejects all requests.
	StateOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker settings.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before allowing
	// a trial request.
	RecoveryTimeout time.Duration
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Service         string    `json:"service"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time,omitzero"`
}

// Breaker is a circuit breaker for a single backend service.
//
// Closed: requests pass; each failure increments the failure count and each
// success decrements it, so isolated failures decay instead of accumulating
// forever. Reaching the threshold opens the breaker.
//
// Open: requests are rejected until the recovery timeout elapses, then one
// trial request is admitted (half-open). Trial success closes the breaker
// and clears the count; trial failure reopens it and restarts the timeout.
type Breaker struct {
	service string
	cfg     Config

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailure   time.Time
	trialInFlight bool

	onStateChange func(service string, from, to State)
	now           func() time.Time
}

// New creates a circuit breaker for the named service.
func New(service string, cfg Config) *Breaker {
	return &Breaker{
		service: service,
		cfg:     cfg,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Allow reports whether a request may proceed. When the breaker is open,
// retryAfter is the remaining cooldown, never less than one second.
func (b *Breaker) Allow() (allowed bool, retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true, 0
	case StateHalfOpen:
		if b.trialInFlight {
			return false, b.remainingCooldownLocked()
		}
		b.trialInFlight = true
		return true, 0
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.trialInFlight = true
			return true, 0
		}
		return false, b.remainingCooldownLocked()
	}
	return false, minCooldown
}

const minCooldown = time.Second

func (b *Breaker) remainingCooldownLocked() time.Duration {
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.lastFailure)
	if remaining < minCooldown {
		remaining = minCooldown
	}
	return remaining
}

// RecordSuccess records a successful request outcome.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.failureCount = 0
		b.transitionLocked(StateClosed)
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	}
}

// CancelTrial releases a half-open trial slot without recording an outcome.
// Used when a request was rejected before reaching the upstream; only a
// trial that actually contacted the backend may close the breaker.
func (b *Breaker) CancelTrial() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.trialInFlight = false
	}
}

// RecordFailure records a failed request outcome.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastFailure = b.now()

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Service:         b.service,
		State:           b.state.String(),
		FailureCount:    b.failureCount,
		LastFailureTime: b.lastFailure,
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		// Called without the lock held to keep callbacks free to query
		// the breaker.
		go b.onStateChange(b.service, from, to)
	}
}
