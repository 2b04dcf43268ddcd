// Package memory is an in-process rolling candle store backed by ringbuf
// windows. It is used for local runs and tests; contents do not survive a restart.
package memory

import (
	"context"
	"fmt"
	"sync"

	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/ringbuf"
	"crypto-ohlcv/internal/store"
)

// Store keeps one ringbuf.Window per key.
type Store struct {
	capacity int
	locks    store.KeyLocks

	mu      sync.RWMutex
	windows map[string]*ringbuf.Window
}

var _ store.CandleStore = (*Store)(nil)

// New creates an empty store with the given per-key capacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = store.DefaultCapacity
	}
	return &Store{capacity: capacity, windows: make(map[string]*ringbuf.Window)}
}

func (s *Store) window(key string, create bool) *ringbuf.Window {
	s.mu.RLock()
	w := s.windows[key]
	s.mu.RUnlock()
	if w != nil || !create {
		return w
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w = s.windows[key]; w == nil {
		w = ringbuf.New(s.capacity)
		s.windows[key] = w
	}
	return w
}

func (s *Store) Append(ctx context.Context, key string, c model.Candle) error {
	return s.AppendBatch(ctx, key, []model.Candle{c})
}

func (s *Store) AppendBatch(_ context.Context, key string, cs []model.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	if _, err := store.Encode(cs); err != nil {
		return fmt.Errorf("memory append %s: %w", key, err)
	}
	unlock := s.locks.Lock(key)
	defer unlock()

	w := s.window(key, true)
	for _, c := range cs {
		w.Push(c)
	}
	return nil
}

func (s *Store) Range(_ context.Context, key string, start, end int64) ([]model.Candle, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	w := s.window(key, false)
	if w == nil {
		return []model.Candle{}, nil
	}
	return store.FilterRange(w.Slice(), start, end), nil
}

func (s *Store) Latest(_ context.Context, key string) (model.Candle, bool, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	w := s.window(key, false)
	if w == nil {
		return model.Candle{}, false, nil
	}
	c, ok := w.Last()
	return c, ok, nil
}

func (s *Store) Clear(_ context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()

	s.mu.Lock()
	delete(s.windows, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) Len(_ context.Context, key string) (int, error) {
	unlock := s.locks.Lock(key)
	defer unlock()

	if w := s.window(key, false); w != nil {
		return w.Len(), nil
	}
	return 0, nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
