package store

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"crypto-ohlcv/internal/model"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // calls pass through
	BreakerOpen     BreakerState = 1 // calls rejected until the reset timeout elapses
	BreakerHalfOpen BreakerState = 2 // one trial call allowed
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned while the breaker rejects calls. It wraps
// model.ErrStoreUnavailable so callers retry it like any store outage.
var ErrBreakerOpen = fmt.Errorf("circuit breaker is open: %w", model.ErrStoreUnavailable)

// Breaker guards store writes. After maxFailures consecutive failures it
// opens for resetTimeout, then lets a single trial call through. A successful
// trial closes it; a failed one reopens it.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	maxFailures  int
	resetTimeout time.Duration
	openedAt     time.Time
	probing      bool
	now          func() time.Time

	// OnStateChange is called with the lock held; it must not call back into the breaker.
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a closed breaker. maxFailures < 1 is treated as 1.
func NewBreaker(maxFailures int, resetTimeout time.Duration) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &Breaker{
		maxFailures:  maxFailures,
		resetTimeout: resetTimeout,
		now:          time.Now,
	}
}

// Do runs fn unless the breaker is open. Errors that are not store outages
// (bad input, serialization) do not count as failures.
func (b *Breaker) Do(fn func() error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn()
	b.release(err)
	return err
}

func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probing = true
	case BreakerHalfOpen:
		if b.probing {
			return ErrBreakerOpen
		}
		b.probing = true
	}
	return nil
}

func (b *Breaker) release(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wasTrial := b.state == BreakerHalfOpen
	b.probing = false

	if err != nil && errors.Is(err, model.ErrStoreUnavailable) {
		b.failures++
		if wasTrial || b.failures >= b.maxFailures {
			b.openedAt = b.now()
			b.transition(BreakerOpen)
		}
		return
	}
	if wasTrial {
		b.transition(BreakerClosed)
	}
	b.failures = 0
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
