// Package stream manages the set of live (symbol, interval) streams.
//
// The Manager guarantees at most one running task per key. Each task owns
// its aggregator and flush pipeline and runs until stopped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"crypto-ohlcv/internal/marketdata/flush"
	"crypto-ohlcv/internal/marketdata/ws"
	"crypto-ohlcv/internal/metrics"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
)

// MaxBatch is the most keys StartBatch accepts in one call.
const MaxBatch = 20

// ErrClosed is returned after Shutdown.
var ErrClosed = errors.New("stream manager closed")

// Deps are shared by every stream task.
type Deps struct {
	Source         ws.Source
	Store          flush.Appender
	Breaker        *store.Breaker // optional
	Flush          flush.Config
	ReconnectDelay time.Duration
	Metrics        *metrics.Metrics // optional

	// OnCandle is called after each flushed candle (optional).
	OnCandle func(key model.StreamKey, c model.Candle)
}

// Manager tracks one task per stream key.
type Manager struct {
	deps Deps

	mu       sync.Mutex
	tasks    map[string]*task
	draining map[string]<-chan struct{} // stopped tasks that have not exited yet
	closed   bool
}

// NewManager creates an empty manager.
func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:     deps,
		tasks:    make(map[string]*task),
		draining: make(map[string]<-chan struct{}),
	}
}

// Start registers and launches a task for key.
func (m *Manager) Start(key model.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, ok := m.tasks[key.String()]; ok {
		return fmt.Errorf("%w: %s", model.ErrAlreadyRunning, key)
	}
	m.spawnLocked(key)
	return nil
}

// Stop cancels and deregisters key. The open bucket is discarded. Stop
// does not wait for the task to exit.
func (m *Manager) Stop(key model.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[key.String()]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	m.retireLocked(t)
	m.setActiveLocked()
	return nil
}

// Update atomically replaces oldKey with newKey. On any error the old
// stream keeps running untouched.
func (m *Manager) Update(oldKey, newKey model.StreamKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	old, ok := m.tasks[oldKey.String()]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrNotFound, oldKey)
	}
	if _, ok := m.tasks[newKey.String()]; ok {
		return fmt.Errorf("%w: %s", model.ErrAlreadyRunning, newKey)
	}

	m.spawnLocked(newKey)
	m.retireLocked(old)
	m.setActiveLocked()
	slog.Info("stream updated", "old", oldKey.String(), "new", newKey.String())
	return nil
}

// StartBatch starts every key not already running and returns the keys it
// started. More than MaxBatch keys is rejected before anything starts.
func (m *Manager) StartBatch(keys []model.StreamKey) ([]model.StreamKey, error) {
	if len(keys) > MaxBatch {
		return nil, fmt.Errorf("%w: %d keys, max %d", model.ErrBatchLimit, len(keys), MaxBatch)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	started := make([]model.StreamKey, 0, len(keys))
	for _, k := range keys {
		if _, ok := m.tasks[k.String()]; ok {
			continue
		}
		m.spawnLocked(k)
		started = append(started, k)
	}
	return started, nil
}

// StopAll stops every stream. confirm must be true.
func (m *Manager) StopAll(confirm bool) ([]string, error) {
	if !confirm {
		return nil, model.ErrConfirmationRequired
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stopped := make([]string, 0, len(m.tasks))
	for k, t := range m.tasks {
		m.retireLocked(t)
		stopped = append(stopped, k)
	}
	sort.Strings(stopped)
	m.setActiveLocked()
	return stopped, nil
}

// List returns the running keys as "{symbol}@{interval}", sorted.
func (m *Manager) List() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(m.tasks))
	for k := range m.tasks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Running reports whether a task for key is registered or still exiting.
// Either way that task is the window's writer.
func (m *Manager) Running(key model.StreamKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key.String()
	if _, ok := m.tasks[k]; ok {
		return true
	}
	_, ok := m.draining[k]
	return ok
}

// Count returns the number of running streams.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// Shutdown stops every stream, refuses new ones and waits for tasks to
// exit or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	var waiting []<-chan struct{}
	for _, t := range m.tasks {
		m.retireLocked(t)
	}
	for _, done := range m.draining {
		waiting = append(waiting, done)
	}
	m.setActiveLocked()
	m.mu.Unlock()

	for _, done := range waiting {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) spawnLocked(key model.StreamKey) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &task{key: key, cancel: cancel, done: make(chan struct{})}
	prev := m.draining[key.String()]
	m.tasks[key.String()] = t
	go t.run(ctx, m.deps, prev)
	m.setActiveLocked()
}

// retireLocked cancels t and tracks it until its goroutine exits.
func (m *Manager) retireLocked(t *task) {
	k := t.key.String()
	delete(m.tasks, k)
	t.cancel()
	m.draining[k] = t.done
	go func() {
		<-t.done
		m.mu.Lock()
		if m.draining[k] == (<-chan struct{})(t.done) {
			delete(m.draining, k)
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) setActiveLocked() {
	if m.deps.Metrics != nil {
		m.deps.Metrics.ActiveStreams.Set(float64(len(m.tasks)))
	}
}
