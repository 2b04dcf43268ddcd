// Package ringbuf provides a fixed-capacity window of model.Candle that
// evicts the oldest entry when full. It backs the in-memory rolling store.
// A Window is not safe for concurrent use; callers hold a per-key lock.
package ringbuf

import (
	"crypto-ohlcv/internal/model"
)

// Window is a bounded, oldest-first sequence of candles.
type Window struct {
	buf   []model.Candle
	head  int // index of the oldest element
	count int
}

// New creates a window holding at most capacity candles. Minimum capacity is 1.
func New(capacity int) *Window {
	if capacity < 1 {
		capacity = 1
	}
	return &Window{buf: make([]model.Candle, capacity)}
}

// Push appends c to the tail, overwriting the oldest candle when full.
func (w *Window) Push(c model.Candle) {
	n := len(w.buf)
	if w.count < n {
		w.buf[(w.head+w.count)%n] = c
		w.count++
		return
	}
	w.buf[w.head] = c
	w.head = (w.head + 1) % n
}

// At returns the i-th candle, oldest first. It panics if i is out of range.
func (w *Window) At(i int) model.Candle {
	if i < 0 || i >= w.count {
		panic("ringbuf: index out of range")
	}
	return w.buf[(w.head+i)%len(w.buf)]
}

// Last returns the newest candle.
func (w *Window) Last() (model.Candle, bool) {
	if w.count == 0 {
		return model.Candle{}, false
	}
	return w.At(w.count - 1), true
}

// Slice copies the window contents, oldest first.
func (w *Window) Slice() []model.Candle {
	out := make([]model.Candle, w.count)
	for i := range out {
		out[i] = w.At(i)
	}
	return out
}

// Len returns the number of stored candles.
func (w *Window) Len() int { return w.count }
