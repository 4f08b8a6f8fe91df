package resilience

import (
	"errors"
	"testing"
	"time"
)

var fail = errors.New("fail")

// record runs one admitted call with the given outcome.
func record(b *Breaker, err error) {
	if b.Allow() != nil {
		return
	}
	if err != nil {
		b.Failure()
		return
	}
	b.Success()
}

func TestBreakerStartsClosed(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})
	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %v", b.State())
	}
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})

	for i := 0; i < 3; i++ {
		record(b, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	if err := b.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 3, Timeout: time.Second})

	// 2 failures then success should reset counter
	record(b, fail)
	record(b, fail)
	record(b, nil)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after success, got %v", b.State())
	}

	// Should need 3 more failures to trip
	record(b, fail)
	record(b, fail)
	if b.State() != StateClosed {
		t.Fatalf("expected still closed, got %v", b.State())
	}
}

func TestBreakerHalfOpen(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }

	// Trip the breaker
	record(b, fail)
	record(b, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}

	// Advance time past timeout
	now = now.Add(6 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}

	// Success in half-open → closed
	record(b, nil)
	if b.State() != StateClosed {
		t.Fatalf("expected closed after half-open success, got %v", b.State())
	}
}

func TestBreakerHalfOpenFailure(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: 5 * time.Second, HalfOpenMax: 1})
	b.now = func() time.Time { return now }

	// Trip
	record(b, fail)
	record(b, fail)

	// Advance to half-open
	now = now.Add(6 * time.Second)

	// Fail in half-open → back to open
	record(b, fail)
	if b.State() != StateOpen {
		t.Fatalf("expected open after half-open failure, got %v", b.State())
	}
}

func TestBreakerAllowAndRecord(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 2, Timeout: time.Second})
	if err := b.Allow(); err != nil {
		t.Fatalf("closed breaker should allow: %v", err)
	}
	b.Failure()
	b.Failure()
	if !errors.Is(b.Allow(), ErrCircuitOpen) {
		t.Fatal("expected open after two failures")
	}
}

func TestBreakerTrip(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 5, Timeout: time.Second})
	b.now = func() time.Time { return now }

	b.Trip(time.Minute)
	if b.State() != StateOpen {
		t.Fatalf("expected open after Trip, got %v", b.State())
	}

	// The default timeout must not apply to a tripped breaker.
	now = now.Add(2 * time.Second)
	if b.State() != StateOpen {
		t.Fatalf("expected still open, got %v", b.State())
	}

	now = now.Add(time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatalf("expected half-open, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatalf("first probe should pass: %v", err)
	}
	if !errors.Is(b.Allow(), ErrCircuitOpen) {
		t.Fatal("second probe should be rejected")
	}
	b.Success()
	if b.State() != StateClosed {
		t.Fatalf("expected closed after probe success, got %v", b.State())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Fatalf("got %q want %q", s.String(), want)
		}
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Hour})
	b.Failure()
	if b.State() != StateOpen {
		t.Fatalf("expected open, got %v", b.State())
	}
	b.Reset()
	if err := b.Allow(); err != nil {
		t.Fatalf("reset breaker should allow: %v", err)
	}
}

func TestOpenUntil(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerOpts{FailThreshold: 1, Timeout: time.Second})
	b.now = func() time.Time { return now }
	if !b.OpenUntil().IsZero() {
		t.Fatal("closed breaker should report zero")
	}
	b.Trip(time.Minute)
	if got := b.OpenUntil(); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("got %v want %v", got, now.Add(time.Minute))
	}
	now = now.Add(2 * time.Minute)
	if !b.OpenUntil().IsZero() {
		t.Fatal("half-open breaker should report zero")
	}
}
