// Package query answers range reads over the rolling candle store, falling
// back to the REST backfill on a miss.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"crypto-ohlcv/internal/backfill"
	"crypto-ohlcv/internal/logger"
	"crypto-ohlcv/internal/metrics"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
)

// Where a range result came from.
const (
	SourceStore    = "store"
	SourceBackfill = "backfill"
)

var (
	// ErrInvalidCandle is returned by Ingest for a candle with an inconsistent OHLC envelope.
	ErrInvalidCandle = errors.New("invalid candle")
	// ErrOutOfOrder is returned by Ingest for a timestamp at or below the
	// window's newest candle, or repeated within the batch.
	ErrOutOfOrder = errors.New("candle out of order")
)

// Service reads candles for (symbol, interval, range).
type Service struct {
	store   store.CandleStore
	fetcher backfill.Fetcher
	metrics *metrics.Metrics
	locks   store.KeyLocks
	now     func() time.Time

	// IsLive reports whether a stream currently owns key's window (optional).
	// Backfill does not write through and Ingest is refused while it does.
	IsLive func(key model.StreamKey) bool
}

// NewService creates a query service. fetcher and m may be nil; without a
// fetcher an empty store result is returned as is.
func NewService(s store.CandleStore, fetcher backfill.Fetcher, m *metrics.Metrics) *Service {
	return &Service{store: s, fetcher: fetcher, metrics: m, now: time.Now}
}

func (s *Service) live(key model.StreamKey) bool {
	return s.IsLive != nil && s.IsLive(key)
}

// Range returns candles with start <= timestamp <= end, ascending.
func (s *Service) Range(ctx context.Context, symbol, interval string, start, end int64) ([]model.Candle, string, error) {
	if start > end {
		return nil, "", fmt.Errorf("%w: start %d after end %d", model.ErrInvalidRange, start, end)
	}
	key, err := model.NewStreamKey(symbol, interval)
	if err != nil {
		return nil, "", err
	}

	cs, err := s.store.Range(ctx, key.StoreKey(), start, end)
	if err != nil {
		return nil, "", err
	}
	if len(cs) > 0 || s.fetcher == nil {
		return cs, SourceStore, nil
	}

	fetched, err := s.fetcher.Fetch(ctx, key.Symbol, key.IntervalSpec(), start, end)
	if err != nil {
		s.countBackfill("error")
		return nil, "", fmt.Errorf("backfill %s: %w", key, err)
	}
	s.countBackfill("ok")
	sort.SliceStable(fetched, func(i, j int) bool { return fetched[i].Timestamp < fetched[j].Timestamp })

	s.writeThrough(ctx, key, fetched)
	return store.FilterRange(fetched, start, end), SourceBackfill, nil
}

// writeThrough saves closed fetched candles newer than the window's tail,
// keeping the window in timestamp order. A live stream is the only writer
// for its key, so nothing is written while one runs. Failures are logged only.
func (s *Service) writeThrough(ctx context.Context, key model.StreamKey, fetched []model.Candle) {
	if s.live(key) {
		return
	}
	unlock := s.locks.Lock(key.StoreKey())
	defer unlock()

	latest, ok, err := s.store.Latest(ctx, key.StoreKey())
	if err != nil {
		slog.Warn("backfill write-through skipped", append(logger.LogWithTrace(ctx), "stream", key.String(), "error", err)...)
		return
	}
	newer := closedBuckets(fetched, key.IntervalSpec().Millis(), s.now().UnixMilli())
	if ok {
		i := sort.Search(len(newer), func(i int) bool { return newer[i].Timestamp > latest.Timestamp })
		newer = newer[i:]
	}
	if len(newer) == 0 {
		return
	}
	if err := s.store.AppendBatch(ctx, key.StoreKey(), newer); err != nil {
		slog.Warn("backfill write-through failed", append(logger.LogWithTrace(ctx), "stream", key.String(), "error", err)...)
		return
	}
	slog.Info("backfilled candles", append(logger.LogWithTrace(ctx), "stream", key.String(), "count", len(newer))...)
}

// closedBuckets returns the prefix of ascending cs whose buckets ended at or
// before nowMS. The exchange reports the still-open bucket as well.
func closedBuckets(cs []model.Candle, intervalMS, nowMS int64) []model.Candle {
	i := sort.Search(len(cs), func(i int) bool { return cs[i].Timestamp+intervalMS > nowMS })
	return cs[:i]
}

// Latest returns the newest stored candle for (symbol, interval).
func (s *Service) Latest(ctx context.Context, symbol, interval string) (model.Candle, bool, error) {
	key, err := model.NewStreamKey(symbol, interval)
	if err != nil {
		return model.Candle{}, false, err
	}
	return s.store.Latest(ctx, key.StoreKey())
}

// Ingest validates cs and appends them in timestamp order under (symbol,
// interval). Every candle must be newer than the window's tail; the batch is
// all or nothing.
func (s *Service) Ingest(ctx context.Context, symbol, interval string, cs []model.Candle) (int, error) {
	key, err := model.NewStreamKey(symbol, interval)
	if err != nil {
		return 0, err
	}
	if s.live(key) {
		return 0, fmt.Errorf("%w: %s is written by its live stream", model.ErrAlreadyRunning, key)
	}
	sorted := make([]model.Candle, len(cs))
	copy(sorted, cs)
	for i := range sorted {
		if _, err := CheckMillis(sorted[i].Timestamp); err != nil {
			return 0, fmt.Errorf("candle %d: %w", i, err)
		}
		if err := sorted[i].Validate(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidCandle, err)
		}
		sorted[i].Symbol = strings.ToUpper(key.Symbol)
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp < sorted[j].Timestamp })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].Timestamp == sorted[i-1].Timestamp {
			return 0, fmt.Errorf("%w: duplicate timestamp %d", ErrOutOfOrder, sorted[i].Timestamp)
		}
	}

	unlock := s.locks.Lock(key.StoreKey())
	defer unlock()

	if len(sorted) > 0 {
		latest, ok, err := s.store.Latest(ctx, key.StoreKey())
		if err != nil {
			return 0, err
		}
		if ok && sorted[0].Timestamp <= latest.Timestamp {
			return 0, fmt.Errorf("%w: %d not after stored %d", ErrOutOfOrder, sorted[0].Timestamp, latest.Timestamp)
		}
	}
	if err := s.store.AppendBatch(ctx, key.StoreKey(), sorted); err != nil {
		return 0, err
	}
	return len(sorted), nil
}

func (s *Service) countBackfill(result string) {
	if s.metrics != nil {
		s.metrics.BackfillFetches.WithLabelValues(result).Inc()
	}
}
