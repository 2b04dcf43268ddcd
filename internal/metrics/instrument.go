package metrics

import (
	"context"
	"time"

	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
)

// instrumentedStore records latency and failures of every store call.
type instrumentedStore struct {
	store.CandleStore
	m *Metrics
}

// InstrumentStore wraps s so each operation is observed in m.
func InstrumentStore(s store.CandleStore, m *Metrics) store.CandleStore {
	return &instrumentedStore{CandleStore: s, m: m}
}

func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	s.m.StoreOpDur.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		s.m.StoreErrors.WithLabelValues(op).Inc()
	}
}

func (s *instrumentedStore) Append(ctx context.Context, key string, c model.Candle) error {
	start := time.Now()
	err := s.CandleStore.Append(ctx, key, c)
	s.observe("append", start, err)
	return err
}

func (s *instrumentedStore) AppendBatch(ctx context.Context, key string, cs []model.Candle) error {
	start := time.Now()
	err := s.CandleStore.AppendBatch(ctx, key, cs)
	s.observe("append_batch", start, err)
	return err
}

func (s *instrumentedStore) Range(ctx context.Context, key string, from, to int64) ([]model.Candle, error) {
	start := time.Now()
	cs, err := s.CandleStore.Range(ctx, key, from, to)
	s.observe("range", start, err)
	return cs, err
}

func (s *instrumentedStore) Latest(ctx context.Context, key string) (model.Candle, bool, error) {
	start := time.Now()
	c, ok, err := s.CandleStore.Latest(ctx, key)
	s.observe("latest", start, err)
	return c, ok, err
}

func (s *instrumentedStore) Clear(ctx context.Context, key string) error {
	start := time.Now()
	err := s.CandleStore.Clear(ctx, key)
	s.observe("clear", start, err)
	return err
}
