package model

import (
	"encoding/json"
	"fmt"
)

// Candle is a finalized OHLCV record for one interval-aligned bucket.
// Timestamp is the bucket start in milliseconds since epoch.
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Symbol    string  `json:"symbol,omitempty"`
}

// JSON returns the wire encoding stored in the rolling window. A candle
// with a NaN or infinite field cannot be encoded and yields ErrSerialization.
func (c *Candle) JSON() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: candle %d: %v", ErrSerialization, c.Timestamp, err)
	}
	return b, nil
}

// DecodeCandle parses one stored entry. Entries without a timestamp are
// treated as corrupt, since they cannot be placed in a range.
func DecodeCandle(data []byte) (Candle, error) {
	var raw struct {
		Timestamp *int64  `json:"timestamp"`
		Open      float64 `json:"open"`
		High      float64 `json:"high"`
		Low       float64 `json:"low"`
		Close     float64 `json:"close"`
		Volume    float64 `json:"volume"`
		Symbol    string  `json:"symbol"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Candle{}, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if raw.Timestamp == nil {
		return Candle{}, fmt.Errorf("%w: missing timestamp", ErrSerialization)
	}
	return Candle{
		Timestamp: *raw.Timestamp,
		Open:      raw.Open,
		High:      raw.High,
		Low:       raw.Low,
		Close:     raw.Close,
		Volume:    raw.Volume,
		Symbol:    raw.Symbol,
	}, nil
}

// Validate checks the OHLC envelope of an externally supplied candle.
func (c *Candle) Validate() error {
	switch {
	case !finite(c.Open) || !finite(c.High) || !finite(c.Low) || !finite(c.Close) || !finite(c.Volume):
		return fmt.Errorf("candle %d: non-finite value", c.Timestamp)
	case c.Timestamp < 0:
		return fmt.Errorf("candle: negative timestamp %d", c.Timestamp)
	case c.Volume < 0:
		return fmt.Errorf("candle %d: negative volume", c.Timestamp)
	case c.High < c.Open || c.High < c.Close || c.High < c.Low:
		return fmt.Errorf("candle %d: high %v below open/close/low", c.Timestamp, c.High)
	case c.Low > c.Open || c.Low > c.Close:
		return fmt.Errorf("candle %d: low %v above open/close", c.Timestamp, c.Low)
	}
	return nil
}
