// Package flush writes finalized buckets to the rolling candle store.
//
// Each stream owns one Pipeline. A store outage is retried with a constant
// backoff up to a bounded number of attempts; after that the candle is
// dropped and reported as data loss. A bucket is written at most once.
package flush

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"crypto-ohlcv/internal/marketdata/agg"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
)

// Data loss reasons reported to OnDataLoss.
const (
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonRejected         = "rejected"
	ReasonCancelled        = "cancelled"
	ReasonStop             = "stop"
)

// ErrDuplicate is returned for a bucket at or below the last written one.
var ErrDuplicate = errors.New("bucket already flushed")

// Appender is the store write path the pipeline needs.
type Appender interface {
	Append(ctx context.Context, key string, c model.Candle) error
}

// Config bounds the retry loop.
type Config struct {
	MaxAttempts int           // total attempts per candle, >= 1
	Backoff     time.Duration // constant delay between attempts
}

// Pipeline converts finalized buckets to candles and appends them.
type Pipeline struct {
	key     model.StreamKey
	dest    Appender
	breaker *store.Breaker
	cfg     Config
	log     *slog.Logger

	lastWritten int64
	wrote       bool

	// Hooks (optional, set before first Flush)
	OnFlushed  func(c model.Candle)
	OnRetry    func(attempt int, err error)
	OnDataLoss func(c model.Candle, reason string, err error)
}

// New creates a pipeline for key. breaker may be nil.
func New(key model.StreamKey, dest Appender, breaker *store.Breaker, cfg Config) *Pipeline {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Pipeline{
		key:     key,
		dest:    dest,
		breaker: breaker,
		cfg:     cfg,
		log:     slog.Default().With("stream", key.String()),
	}
}

// Flush derives the candle for b and appends it to the store, retrying
// store outages with the same candle value. Buckets must be passed in
// increasing start order.
func (p *Pipeline) Flush(ctx context.Context, b agg.Bucket) (model.Candle, error) {
	c := b.Candle(p.key.Symbol)

	if p.wrote && b.Start <= p.lastWritten {
		p.log.Warn("skipping duplicate flush", "bucket", b.Start, "last_written", p.lastWritten)
		return c, ErrDuplicate
	}
	// Mark before writing: a bucket that fails here is lost, never rewritten.
	p.lastWritten, p.wrote = b.Start, true

	storeKey := p.key.StoreKey()
	attempt := 0
	op := func() error {
		attempt++
		err := p.append(ctx, storeKey, c)
		if err == nil {
			return nil
		}
		if !errors.Is(err, model.ErrStoreUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		p.log.Warn("flush failed, retrying", "bucket", b.Start, "attempt", attempt, "next", next, "error", err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.Backoff), uint64(p.cfg.MaxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(op, policy, notify)
	if err == nil {
		if p.OnFlushed != nil {
			p.OnFlushed(c)
		}
		return c, nil
	}

	reason := ReasonRetriesExhausted
	switch {
	case ctx.Err() != nil:
		reason = ReasonCancelled
	case !errors.Is(err, model.ErrStoreUnavailable):
		reason = ReasonRejected
	}
	p.ReportLoss(c, reason, err)
	return c, fmt.Errorf("%w: %s bucket %d after %d attempts: %v", model.ErrDataLoss, p.key, b.Start, attempt, err)
}

func (p *Pipeline) append(ctx context.Context, key string, c model.Candle) error {
	if p.breaker == nil {
		return p.dest.Append(ctx, key, c)
	}
	return p.breaker.Do(func() error { return p.dest.Append(ctx, key, c) })
}

// ReportLoss logs and reports a candle that will never reach the store.
func (p *Pipeline) ReportLoss(c model.Candle, reason string, err error) {
	p.log.Error("candle data loss", "bucket", c.Timestamp, "reason", reason, "error", err)
	if p.OnDataLoss != nil {
		p.OnDataLoss(c, reason, err)
	}
}

// LastWritten returns the newest bucket start handed to the store.
func (p *Pipeline) LastWritten() (int64, bool) { return p.lastWritten, p.wrote }
