package model

import (
	"fmt"
	"strings"
)

// StreamKey identifies one (symbol, interval) stream and its rolling window.
type StreamKey struct {
	Symbol   string `json:"symbol"`
	Interval string `json:"interval"`
}

// NewStreamKey normalises the symbol and validates both parts.
func NewStreamKey(symbol, interval string) (StreamKey, error) {
	s := strings.ToLower(strings.TrimSpace(symbol))
	if s == "" {
		return StreamKey{}, fmt.Errorf("%w: empty symbol", ErrInvalidSymbol)
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return StreamKey{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
		}
	}
	if _, err := ParseInterval(interval); err != nil {
		return StreamKey{}, err
	}
	return StreamKey{Symbol: s, Interval: interval}, nil
}

// ParseStreamKey parses the "{symbol}@{interval}" form.
func ParseStreamKey(s string) (StreamKey, error) {
	sym, iv, ok := strings.Cut(strings.TrimSpace(s), "@")
	if !ok {
		return StreamKey{}, fmt.Errorf("%w: %q is not symbol@interval", ErrInvalidSymbol, s)
	}
	return NewStreamKey(sym, iv)
}

// String returns "{symbol}@{interval}".
func (k StreamKey) String() string {
	return k.Symbol + "@" + k.Interval
}

// StoreKey returns the rolling window key: "ohlcv:{SYMBOL}:{interval}".
func (k StreamKey) StoreKey() string {
	return StoreKey(k.Symbol, k.Interval)
}

// IntervalSpec resolves the key's interval. Keys built by NewStreamKey always resolve.
func (k StreamKey) IntervalSpec() Interval {
	iv, _ := ParseInterval(k.Interval)
	return iv
}

// StoreKey builds "ohlcv:{SYMBOL}:{interval}" for a raw symbol.
func StoreKey(symbol, interval string) string {
	return "ohlcv:" + strings.ToUpper(symbol) + ":" + interval
}
