// Package resilience provides the circuit breaker used to short-circuit calls
// to collaborators known to be unavailable.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// Circuit breaker states.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripping, reject calls
	StateHalfOpen              // allowing a probe call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before entering half-open.
	Timeout time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
}

// DefaultBreakerOpts provides sensible defaults.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker implements a circuit breaker with closed/open/half-open states.
// Callers pair Allow with Success or Failure once the outcome is known, and
// Trip it directly for failures with a known cooldown.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	openFor       time.Duration
	halfOpenCount int
	now           func() time.Time // for testing
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState returns state, transitioning open→half-open if the open period elapsed. Must hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.openFor {
		b.state = StateHalfOpen
		b.halfOpenCount = 0
	}
	return b.state
}

// Allow reports whether a call may proceed. In half-open state it admits up
// to HalfOpenMax probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			return ErrCircuitOpen
		}
		b.halfOpenCount++
	}
	return nil
}

// Success records a successful call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() == StateHalfOpen {
		b.state = StateClosed
	}
	b.failures = 0
}

// Failure records a failed call and trips the breaker once the threshold is reached.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.currentState() == StateHalfOpen || b.failures >= b.opts.FailThreshold {
		b.open(b.opts.Timeout)
	}
}

// Trip opens the breaker immediately for d, regardless of the failure count.
// A non-positive d uses the configured Timeout.
func (b *Breaker) Trip(d time.Duration) {
	if d <= 0 {
		d = b.opts.Timeout
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open(d)
}

// OpenUntil returns when an open breaker will admit a probe, or the zero
// time when it is not open.
func (b *Breaker) OpenUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentState() != StateOpen {
		return time.Time{}
	}
	return b.openedAt.Add(b.openFor)
}

// Reset closes the breaker and clears the failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
	b.halfOpenCount = 0
}

// Must hold mu.
func (b *Breaker) open(d time.Duration) {
	b.state = StateOpen
	b.openedAt = b.now()
	b.openFor = d
	b.failures = 0
	b.halfOpenCount = 0
}
