// Package agg buckets trade ticks into interval-aligned OHLCV candles.
//
// An Aggregator serves exactly one (symbol, interval) stream and owns its
// bucket map; nothing is shared between streams.
package agg

import (
	"sort"
	"strings"

	"crypto-ohlcv/internal/model"
)

// Bucket accumulates the ticks of one interval-aligned slot.
type Bucket struct {
	Start  int64 // bucket start, ms since epoch
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume float64
	Ticks  int
}

func newBucket(start int64, t model.Tick) *Bucket {
	return &Bucket{
		Start:  start,
		Open:   t.Price,
		High:   t.Price,
		Low:    t.Price,
		Close:  t.Price,
		Volume: t.Quantity,
		Ticks:  1,
	}
}

func (b *Bucket) add(t model.Tick) {
	if t.Price > b.High {
		b.High = t.Price
	}
	if t.Price < b.Low {
		b.Low = t.Price
	}
	b.Close = t.Price
	b.Volume += t.Quantity
	b.Ticks++
}

// Candle derives the finalized OHLCV record. Open is the first tick in
// arrival order, Close the last.
func (b Bucket) Candle(symbol string) model.Candle {
	return model.Candle{
		Timestamp: b.Start,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		Symbol:    strings.ToUpper(symbol),
	}
}

// Aggregator builds candles for one stream. It is driven by a single
// goroutine and is not safe for concurrent use.
type Aggregator struct {
	key        model.StreamKey
	intervalMS int64
	buckets    map[int64]*Bucket

	// Watermark: ticks at or below the last finalized bucket start are late.
	lastFinal int64
	finalized bool
	late      uint64

	// OnLateTick is called for each dropped late tick (optional, for metrics).
	OnLateTick func(t model.Tick, bucketStart int64)
}

// New creates an aggregator for key. The key must come from model.NewStreamKey.
func New(key model.StreamKey) *Aggregator {
	return &Aggregator{
		key:        key,
		intervalMS: key.IntervalSpec().Millis(),
		buckets:    make(map[int64]*Bucket),
	}
}

// Resume marks every bucket starting at or before lastStart as finalized,
// so ticks for them are dropped as late.
func (a *Aggregator) Resume(lastStart int64) {
	if !a.finalized || lastStart > a.lastFinal {
		a.lastFinal, a.finalized = lastStart, true
	}
}

// Key returns the stream key.
func (a *Aggregator) Key() model.StreamKey { return a.key }

// Add folds t into its bucket. Every open bucket strictly older than t's
// bucket is finalized and returned, oldest first; the caller must flush
// them in that order. A tick for an already finalized bucket is dropped, as
// is one that fails validation.
func (a *Aggregator) Add(t model.Tick) []Bucket {
	if err := t.Validate(); err != nil {
		return nil
	}
	start := a.key.IntervalSpec().BucketStart(t.Timestamp)

	if a.finalized && start <= a.lastFinal {
		a.late++
		if a.OnLateTick != nil {
			a.OnLateTick(t, start)
		}
		return nil
	}

	var done []Bucket
	if len(a.buckets) > 0 {
		older := make([]int64, 0, len(a.buckets))
		for s := range a.buckets {
			if s < start {
				older = append(older, s)
			}
		}
		sort.Slice(older, func(i, j int) bool { return older[i] < older[j] })
		for _, s := range older {
			done = append(done, *a.buckets[s])
			delete(a.buckets, s)
			a.lastFinal, a.finalized = s, true
		}
	}

	if b, ok := a.buckets[start]; ok {
		b.add(t)
	} else {
		a.buckets[start] = newBucket(start, t)
	}
	return done
}

// Pending returns the open buckets, oldest first, without finalizing them.
func (a *Aggregator) Pending() []Bucket {
	out := make([]Bucket, 0, len(a.buckets))
	for _, b := range a.buckets {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Discard drops all open buckets and returns what was dropped. Used on stop:
// a partial bucket is never flushed.
func (a *Aggregator) Discard() []Bucket {
	dropped := a.Pending()
	clear(a.buckets)
	return dropped
}

// LastFinalized returns the start of the newest finalized bucket.
func (a *Aggregator) LastFinalized() (int64, bool) { return a.lastFinal, a.finalized }

// LateTicks returns the number of dropped late ticks.
func (a *Aggregator) LateTicks() uint64 { return a.late }
