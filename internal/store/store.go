// Package store defines the rolling candle store contract shared by the
// memory, Redis and SQLite backends.
//
// A rolling window holds at most N candles per key, oldest first. Append and
// the trim that follows it are a single atomic step: no reader can observe a
// window longer than N.
package store

import (
	"context"
	"sort"

	"crypto-ohlcv/internal/model"
)

// DefaultCapacity is the rolling window size used when none is configured.
const DefaultCapacity = 500

// CandleStore is a bounded, key-addressed list of candles.
// Keys use the "ohlcv:{SYMBOL}:{interval}" form from model.StoreKey.
type CandleStore interface {
	// Append adds c to the tail of key's window and trims it to capacity.
	Append(ctx context.Context, key string, c model.Candle) error
	// AppendBatch appends cs in order and trims once, atomically.
	AppendBatch(ctx context.Context, key string, cs []model.Candle) error
	// Range returns candles with start <= timestamp <= end in ascending
	// timestamp order. No match is an empty slice, not an error.
	Range(ctx context.Context, key string, start, end int64) ([]model.Candle, error)
	// Latest returns the most recently appended candle.
	Latest(ctx context.Context, key string) (model.Candle, bool, error)
	Clear(ctx context.Context, key string) error
	Len(ctx context.Context, key string) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// FilterRange keeps candles inside [start, end] and sorts them by timestamp.
// Backends that read the whole window use it to answer Range.
func FilterRange(cs []model.Candle, start, end int64) []model.Candle {
	out := make([]model.Candle, 0, len(cs))
	for _, c := range cs {
		if c.Timestamp >= start && c.Timestamp <= end {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

// Encode serialises a batch before any write, so a candle that cannot be
// encoded rejects the whole batch and leaves the window untouched.
func Encode(cs []model.Candle) ([][]byte, error) {
	out := make([][]byte, len(cs))
	for i := range cs {
		b, err := cs[i].JSON()
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
