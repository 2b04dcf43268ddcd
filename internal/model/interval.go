package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval is a named candle interval.
type Interval struct {
	Name       string
	Duration   time.Duration
	BinanceKey string // kline interval code used by the REST backfill
}

// Millis returns the interval length in milliseconds.
func (i Interval) Millis() int64 {
	return i.Duration.Milliseconds()
}

// BucketStart truncates a millisecond timestamp to the start of its bucket.
func (i Interval) BucketStart(ts int64) int64 {
	ms := i.Millis()
	b := ts / ms * ms
	if ts < 0 && ts%ms != 0 {
		b -= ms
	}
	return b
}

var intervalRegistry = map[string]Interval{
	"1min":  {Name: "1min", Duration: time.Minute, BinanceKey: "1m"},
	"3min":  {Name: "3min", Duration: 3 * time.Minute, BinanceKey: "3m"},
	"5min":  {Name: "5min", Duration: 5 * time.Minute, BinanceKey: "5m"},
	"15min": {Name: "15min", Duration: 15 * time.Minute, BinanceKey: "15m"},
	"30min": {Name: "30min", Duration: 30 * time.Minute, BinanceKey: "30m"},
	"1hour": {Name: "1hour", Duration: time.Hour, BinanceKey: "1h"},
	"1h":    {Name: "1h", Duration: time.Hour, BinanceKey: "1h"},
	"4hour": {Name: "4hour", Duration: 4 * time.Hour, BinanceKey: "4h"},
	"1day":  {Name: "1day", Duration: 24 * time.Hour, BinanceKey: "1d"},
	"1d":    {Name: "1d", Duration: 24 * time.Hour, BinanceKey: "1d"},
}

// ParseInterval looks up a named interval.
func ParseInterval(name string) (Interval, error) {
	iv, ok := intervalRegistry[name]
	if !ok {
		return Interval{}, fmt.Errorf("%w: %q (supported: %s)", ErrInvalidInterval, name, strings.Join(IntervalNames(), ", "))
	}
	return iv, nil
}

// IntervalNames returns all supported interval names, sorted.
func IntervalNames() []string {
	names := make([]string, 0, len(intervalRegistry))
	for n := range intervalRegistry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
