// Package indicator computes technical indicators over a range of candles.
//
// Each indicator is a Func that reads the candle series, runs the matching
// TA-Lib routine and reports the last value of each output series. Values
// that cannot be computed (too few candles, NaN, Inf) are reported as nil.
package indicator

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"crypto-ohlcv/internal/model"
)

var (
	ErrUnsupported   = errors.New("indicator not supported")
	ErrInvalidParams = errors.New("invalid indicator parameters")
	ErrNoValues      = errors.New("indicator returned no values")
)

// Params are the caller-supplied parameters, decoded from JSON.
type Params map[string]any

// Int reads an integer parameter. JSON numbers must be integral; numeric
// strings are accepted.
func (p Params) Int(name string, def int) (int, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, fmt.Errorf("%w: %s must be an integer, got %v", ErrInvalidParams, name, n)
		}
		return int(n), nil
	case int:
		return n, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidParams, name, n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("%w: %s must be an integer, got %T", ErrInvalidParams, name, v)
	}
}

// Float reads a numeric parameter.
func (p Params) Float(name string, def float64) (float64, error) {
	v, ok := p[name]
	if !ok || v == nil {
		return def, nil
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %s must be a number, got %q", ErrInvalidParams, name, n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidParams, name, v)
	}
}

// period reads a window length that must be at least 2.
func (p Params) period(name string, def int) (int, error) {
	n, err := p.Int(name, def)
	if err != nil {
		return 0, err
	}
	if n < 2 {
		return 0, fmt.Errorf("%w: %s must be >= 2, got %d", ErrInvalidParams, name, n)
	}
	return n, nil
}

// Result maps output field names to values; nil encodes as JSON null.
type Result map[string]*float64

// AllNil reports whether no field has a value.
func (r Result) AllNil() bool {
	for _, v := range r {
		if v != nil {
			return false
		}
	}
	return true
}

// Func computes one indicator over candles ordered oldest first.
type Func func(candles []model.Candle, p Params) (Result, error)

// series holds the OHLC columns TA-Lib consumes.
type series struct {
	high, low, close []float64
}

func columns(cs []model.Candle) series {
	s := series{
		high:  make([]float64, len(cs)),
		low:   make([]float64, len(cs)),
		close: make([]float64, len(cs)),
	}
	for i, c := range cs {
		s.high[i] = c.High
		s.low[i] = c.Low
		s.close[i] = c.Close
	}
	return s
}

// last returns the final element of out as a pointer, or nil when the
// series is empty or the value is not finite.
func last(out []float64) *float64 {
	if len(out) == 0 {
		return nil
	}
	v := out[len(out)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
