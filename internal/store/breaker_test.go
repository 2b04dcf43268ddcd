package store

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"crypto-ohlcv/internal/model"
)

var errDown = fmt.Errorf("dial tcp: refused: %w", model.ErrStoreUnavailable)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(max int) (*Breaker, *fakeClock) {
	clk := &fakeClock{t: time.Unix(0, 0)}
	b := NewBreaker(max, 10*time.Second)
	b.now = clk.now
	return b, clk
}

func TestBreaker_StartsClosed(t *testing.T) {
	b, _ := newTestBreaker(3)
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_OpensAfterFailures(t *testing.T) {
	b, _ := newTestBreaker(3)

	for i := 0; i < 3; i++ {
		if err := b.Do(func() error { return errDown }); err != errDown {
			t.Fatalf("expected errDown, got %v", err)
		}
	}
	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %v", b.State())
	}

	called := false
	err := b.Do(func() error { called = true; return nil })
	if !errors.Is(err, ErrBreakerOpen) || called {
		t.Fatalf("expected rejection without call, got err=%v called=%v", err, called)
	}
	if !errors.Is(err, model.ErrStoreUnavailable) {
		t.Error("breaker rejection should read as store unavailable")
	}
}

func TestBreaker_IgnoresNonStoreErrors(t *testing.T) {
	b, _ := newTestBreaker(2)
	bad := errors.New("bad candle")
	for i := 0; i < 5; i++ {
		b.Do(func() error { return bad })
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed, got %v", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b, clk := newTestBreaker(2)
	for i := 0; i < 2; i++ {
		b.Do(func() error { return errDown })
	}

	clk.advance(11 * time.Second)

	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("expected trial call to pass, got %v", err)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful trial call, got %v", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clk := newTestBreaker(2)
	for i := 0; i < 2; i++ {
		b.Do(func() error { return errDown })
	}
	clk.advance(11 * time.Second)
	b.Do(func() error { return errDown })

	if b.State() != BreakerOpen {
		t.Errorf("expected open after failed trial call, got %v", b.State())
	}
	if err := b.Do(func() error { return nil }); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected reopened breaker to reject, got %v", err)
	}
}

func TestBreaker_SingleTrialCall(t *testing.T) {
	b, clk := newTestBreaker(1)
	b.Do(func() error { return errDown })
	clk.advance(11 * time.Second)

	// While the trial call is in flight a second caller is rejected.
	err := b.Do(func() error {
		if inner := b.Do(func() error { return nil }); !errors.Is(inner, ErrBreakerOpen) {
			t.Errorf("expected concurrent call during trial to be rejected, got %v", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("trial call: %v", err)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	b, clk := newTestBreaker(1)
	var transitions []string
	b.OnStateChange = func(from, to BreakerState) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}

	b.Do(func() error { return errDown })
	clk.advance(11 * time.Second)
	b.Do(func() error { return nil })

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}
