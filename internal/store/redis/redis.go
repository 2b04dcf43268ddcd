// Package redis stores rolling candle windows as Redis lists, one list per
// "ohlcv:{SYMBOL}:{interval}" key. Append and trim run in one MULTI/EXEC so
// readers never see a list longer than the configured capacity.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
)

// Config configures the Redis store.
type Config struct {
	Addr     string // e.g. "localhost:6379"
	Password string
	DB       int
	Capacity int // rolling window size per key
}

// Store is a store.CandleStore on Redis lists.
type Store struct {
	client   *goredis.Client
	capacity int
	locks    store.KeyLocks
}

var _ store.CandleStore = (*Store)(nil)

// New connects to Redis and pings the server.
func New(cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, unavailable(err))
	}

	slog.Info("redis store connected", "addr", cfg.Addr, "capacity", cfg.Capacity)
	return NewWithClient(client, cfg.Capacity), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *goredis.Client, capacity int) *Store {
	if capacity <= 0 {
		capacity = store.DefaultCapacity
	}
	return &Store{client: client, capacity: capacity}
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// PubSubChannel is the channel a key's new candles are published on.
func PubSubChannel(key string) string { return "pub:" + key }

func (s *Store) Append(ctx context.Context, key string, c model.Candle) error {
	return s.AppendBatch(ctx, key, []model.Candle{c})
}

func (s *Store) AppendBatch(ctx context.Context, key string, cs []model.Candle) error {
	if len(cs) == 0 {
		return nil
	}
	encoded, err := store.Encode(cs)
	if err != nil {
		return fmt.Errorf("redis append %s: %w", key, err)
	}
	values := make([]interface{}, len(encoded))
	for i, b := range encoded {
		values[i] = b
	}

	unlock := s.locks.Lock(key)
	defer unlock()

	// Keep the newest capacity entries: LTRIM -N -1.
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-s.capacity), -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis append %s: %w", key, unavailable(err))
	}

	// Live subscribers only need the newest candle.
	last := values[len(values)-1]
	if err := s.client.Publish(ctx, PubSubChannel(key), last).Err(); err != nil {
		slog.Warn("redis publish failed", "key", key, "error", err)
	}
	return nil
}

func (s *Store) Range(ctx context.Context, key string, start, end int64) ([]model.Candle, error) {
	unlock := s.locks.Lock(key)
	raw, err := s.client.LRange(ctx, key, 0, -1).Result()
	unlock()
	if err != nil {
		return nil, fmt.Errorf("redis range %s: %w", key, unavailable(err))
	}

	cs := make([]model.Candle, 0, len(raw))
	for i, entry := range raw {
		c, err := model.DecodeCandle([]byte(entry))
		if err != nil {
			slog.Warn("skipping corrupt candle entry", "key", key, "index", i, "error", err)
			continue
		}
		cs = append(cs, c)
	}
	return store.FilterRange(cs, start, end), nil
}

func (s *Store) Latest(ctx context.Context, key string) (model.Candle, bool, error) {
	unlock := s.locks.Lock(key)
	raw, err := s.client.LIndex(ctx, key, -1).Result()
	unlock()
	if errors.Is(err, goredis.Nil) {
		return model.Candle{}, false, nil
	}
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("redis latest %s: %w", key, unavailable(err))
	}
	c, err := model.DecodeCandle([]byte(raw))
	if err != nil {
		return model.Candle{}, false, fmt.Errorf("redis latest %s: %w", key, err)
	}
	return c, true, nil
}

func (s *Store) Clear(ctx context.Context, key string) error {
	unlock := s.locks.Lock(key)
	defer unlock()
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis clear %s: %w", key, unavailable(err))
	}
	return nil
}

func (s *Store) Len(ctx context.Context, key string) (int, error) {
	n, err := s.client.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len %s: %w", key, unavailable(err))
	}
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", model.ErrStoreUnavailable, err)
}
