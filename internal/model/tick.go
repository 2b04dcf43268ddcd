package model

import (
	"fmt"
	"math"
)

// Tick represents a single trade event from the exchange trade stream.
// Ticks are never persisted individually; the aggregator consumes them immediately.
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Timestamp int64   `json:"timestamp"` // trade time, ms since epoch
}

// Validate rejects ticks that cannot contribute to a candle.
func (t Tick) Validate() error {
	if !finite(t.Price) || !finite(t.Quantity) {
		return fmt.Errorf("tick %s: non-finite price %v or quantity %v", t.Symbol, t.Price, t.Quantity)
	}
	if t.Price <= 0 {
		return fmt.Errorf("tick %s: non-positive price %v", t.Symbol, t.Price)
	}
	if t.Quantity < 0 {
		return fmt.Errorf("tick %s: negative quantity %v", t.Symbol, t.Quantity)
	}
	if t.Timestamp < 0 {
		return fmt.Errorf("tick %s: negative timestamp %d", t.Symbol, t.Timestamp)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
