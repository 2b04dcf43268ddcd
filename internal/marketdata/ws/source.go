// Package ws delivers exchange trade ticks over long-lived WebSocket
// connections and keeps them alive with a fixed-delay reconnect loop.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"crypto-ohlcv/internal/model"
)

// Kind tags why a stream session ended.
type Kind string

const (
	// KindTransport is a network or protocol failure. Always retried.
	KindTransport Kind = "transport"
	// KindInternal is a programming error such as a recovered panic.
	// Also retried, but counted separately.
	KindInternal Kind = "internal"
)

// StreamError is a tagged stream failure.
type StreamError struct {
	Kind Kind
	Err  error
}

func (e *StreamError) Error() string { return string(e.Kind) + ": " + e.Err.Error() }
func (e *StreamError) Unwrap() error { return e.Err }

// TransportError tags err as a lost connection.
func TransportError(err error) *StreamError {
	return &StreamError{Kind: KindTransport, Err: fmt.Errorf("%w: %v", model.ErrConnectionLost, err)}
}

// InternalError tags err as a programming error.
func InternalError(err error) *StreamError {
	return &StreamError{Kind: KindInternal, Err: err}
}

// Source opens one trade subscription session for symbol and sends ticks
// to out until the connection drops or ctx is cancelled. It returns nil
// only when ctx is cancelled.
type Source interface {
	Stream(ctx context.Context, symbol string, out chan<- model.Tick) error
}

// RunConfig configures Run.
type RunConfig struct {
	// ReconnectDelay is the fixed pause between sessions. Defaults to 3s.
	ReconnectDelay time.Duration

	// OnFailure is called for every failed session (optional).
	OnFailure func(err *StreamError)
	// OnReconnect is called before each reconnect attempt (optional).
	OnReconnect func()
}

// Run keeps a subscription alive until ctx is cancelled. Every session
// failure is retried after a fixed delay; the caller's state is untouched.
func Run(ctx context.Context, src Source, symbol string, out chan<- model.Tick, cfg RunConfig) {
	delay := cfg.ReconnectDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	log := slog.Default().With("symbol", symbol)

	for {
		if ctx.Err() != nil {
			return
		}

		serr := session(ctx, src, symbol, out)
		if serr == nil || ctx.Err() != nil {
			return
		}

		if serr.Kind == KindInternal {
			log.Error("stream session failed", "kind", serr.Kind, "error", serr.Err, "retry_in", delay)
		} else {
			log.Warn("stream disconnected", "kind", serr.Kind, "error", serr.Err, "retry_in", delay)
		}
		if cfg.OnFailure != nil {
			cfg.OnFailure(serr)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if cfg.OnReconnect != nil {
			cfg.OnReconnect()
		}
	}
}

// session runs one Stream call and converts its outcome to a tagged error.
func session(ctx context.Context, src Source, symbol string, out chan<- model.Tick) (serr *StreamError) {
	defer func() {
		if r := recover(); r != nil {
			serr = InternalError(fmt.Errorf("panic: %v\n%s", r, debug.Stack()))
		}
	}()

	err := src.Stream(ctx, symbol, out)
	if err == nil {
		if ctx.Err() != nil {
			return nil
		}
		// A session that ends without error still needs a reconnect.
		return TransportError(errors.New("stream closed"))
	}
	var tagged *StreamError
	if errors.As(err, &tagged) {
		return tagged
	}
	return TransportError(err)
}
