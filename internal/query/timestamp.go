package query

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"crypto-ohlcv/internal/model"
)

// Plausible epoch-millisecond bounds. Values in [secondsLow, secondsHigh)
// look like epoch seconds; values at or above microsLow look like micro-
// or nanoseconds.
const (
	secondsLow  = 1e9
	secondsHigh = 1e11
	microsLow   = 1e14
)

// ParseTimestamp reads a millisecond timestamp given as a JSON integer or a
// string holding a base-10 integer. Anything else, or a value that looks
// like a different unit, is ErrMalformedTimestamp.
func ParseTimestamp(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: missing", model.ErrMalformedTimestamp)
	}

	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, fmt.Errorf("%w: %s", model.ErrMalformedTimestamp, raw)
		}
	}

	v, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not integer milliseconds", model.ErrMalformedTimestamp, text)
	}
	return CheckMillis(v)
}

// CheckMillis rejects negative values and values in seconds or sub-millisecond units.
func CheckMillis(v int64) (int64, error) {
	switch {
	case v < 0:
		return 0, fmt.Errorf("%w: negative %d", model.ErrMalformedTimestamp, v)
	case v >= secondsLow && v < secondsHigh:
		return 0, fmt.Errorf("%w: %d looks like epoch seconds", model.ErrMalformedTimestamp, v)
	case v >= microsLow:
		return 0, fmt.Errorf("%w: %d looks like micro- or nanoseconds", model.ErrMalformedTimestamp, v)
	}
	return v, nil
}
