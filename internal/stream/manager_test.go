package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-ohlcv/internal/marketdata/flush"
	"crypto-ohlcv/internal/metrics"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store/memory"
)

// feedSource hands each symbol's ticks to whichever session is connected.
type feedSource struct {
	mu       sync.Mutex
	feeds    map[string]chan model.Tick
	sessions atomic.Int32
}

func newFeedSource() *feedSource {
	return &feedSource{feeds: make(map[string]chan model.Tick)}
}

func (f *feedSource) feed(symbol string) chan model.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.feeds[symbol]
	if !ok {
		ch = make(chan model.Tick, 100)
		f.feeds[symbol] = ch
	}
	return ch
}

func (f *feedSource) Stream(ctx context.Context, symbol string, out chan<- model.Tick) error {
	f.sessions.Add(1)
	defer f.sessions.Add(-1)
	in := f.feed(symbol)
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-in:
			select {
			case out <- t:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

type harness struct {
	mgr     *Manager
	src     *feedSource
	store   *memory.Store
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		src:     newFeedSource(),
		store:   memory.New(500),
		metrics: metrics.NewMetrics(prometheus.NewRegistry()),
	}
	h.mgr = NewManager(Deps{
		Source:         h.src,
		Store:          h.store,
		Flush:          flush.Config{MaxAttempts: 3, Backoff: time.Millisecond},
		ReconnectDelay: 10 * time.Millisecond,
		Metrics:        h.metrics,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.mgr.Shutdown(ctx)
	})
	return h
}

func key(t *testing.T, s string) model.StreamKey {
	t.Helper()
	k, err := model.ParseStreamKey(s)
	require.NoError(t, err)
	return k
}

func TestManager_StartTwiceFails(t *testing.T) {
	h := newHarness(t)
	k := key(t, "btcusdt@1min")

	require.NoError(t, h.mgr.Start(k))
	err := h.mgr.Start(k)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
	assert.Equal(t, []string{"btcusdt@1min"}, h.mgr.List())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.ActiveStreams))

	require.Eventually(t, func() bool { return h.src.sessions.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_StopUnknownAndKnown(t *testing.T) {
	h := newHarness(t)
	k := key(t, "ethusdt@5min")

	assert.ErrorIs(t, h.mgr.Stop(k), model.ErrNotFound)

	require.NoError(t, h.mgr.Start(k))
	require.NoError(t, h.mgr.Stop(k))
	assert.Empty(t, h.mgr.List())
	require.Eventually(t, func() bool { return h.src.sessions.Load() == 0 }, time.Second, 5*time.Millisecond)

	// A stopped key can be started again.
	require.NoError(t, h.mgr.Start(k))
}

func TestManager_TicksBecomeCandles(t *testing.T) {
	h := newHarness(t)
	k := key(t, "btcusdt@1min")
	require.NoError(t, h.mgr.Start(k))

	feed := h.src.feed("btcusdt")
	feed <- model.Tick{Symbol: "btcusdt", Price: 100, Quantity: 1000, Timestamp: 0}
	feed <- model.Tick{Symbol: "btcusdt", Price: 101, Quantity: 500, Timestamp: 30000}
	feed <- model.Tick{Symbol: "btcusdt", Price: 99, Quantity: 200, Timestamp: 61000}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, _ := h.store.Len(ctx, k.StoreKey())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.store.Range(ctx, k.StoreKey(), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.Candle{Timestamp: 0, Open: 100, High: 101, Low: 100, Close: 101, Volume: 1500, Symbol: "BTCUSDT"}, got[0])
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.TicksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.CandlesFlushed))
}

func TestManager_OnCandleReceivesKey(t *testing.T) {
	src := newFeedSource()
	got := make(chan string, 1)
	mgr := NewManager(Deps{
		Source:         src,
		Store:          memory.New(10),
		Flush:          flush.Config{MaxAttempts: 1},
		ReconnectDelay: 10 * time.Millisecond,
		OnCandle: func(k model.StreamKey, c model.Candle) {
			got <- fmt.Sprintf("%s %d", k, c.Timestamp)
		},
	})
	defer mgr.Shutdown(context.Background())

	require.NoError(t, mgr.Start(key(t, "ethusdt@5min")))
	feed := src.feed("ethusdt")
	feed <- model.Tick{Symbol: "ethusdt", Price: 10, Quantity: 1, Timestamp: 1000}
	feed <- model.Tick{Symbol: "ethusdt", Price: 11, Quantity: 1, Timestamp: 300_000}

	select {
	case s := <-got:
		assert.Equal(t, "ethusdt@5min 0", s)
	case <-time.After(2 * time.Second):
		t.Fatal("OnCandle not called")
	}
}

func TestManager_StopDiscardsPartialBucket(t *testing.T) {
	h := newHarness(t)
	k := key(t, "btcusdt@1min")
	require.NoError(t, h.mgr.Start(k))

	h.src.feed("btcusdt") <- model.Tick{Symbol: "btcusdt", Price: 100, Quantity: 1, Timestamp: 0}
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.TicksTotal) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, h.mgr.Stop(k))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.DataLoss.WithLabelValues(flush.ReasonStop)) == 1
	}, time.Second, 5*time.Millisecond)

	n, err := h.store.Len(context.Background(), k.StoreKey())
	require.NoError(t, err)
	assert.Zero(t, n, "partial bucket must not be flushed")
}

func TestManager_UpdateSwapsAtomically(t *testing.T) {
	h := newHarness(t)
	oldKey := key(t, "btcusdt@1min")
	newKey := key(t, "btcusdt@5min")
	other := key(t, "ethusdt@1min")

	assert.ErrorIs(t, h.mgr.Update(oldKey, newKey), model.ErrNotFound)

	require.NoError(t, h.mgr.Start(oldKey))
	require.NoError(t, h.mgr.Start(other))

	// Target already running: old stream stays.
	assert.ErrorIs(t, h.mgr.Update(oldKey, other), model.ErrAlreadyRunning)
	assert.Equal(t, []string{"btcusdt@1min", "ethusdt@1min"}, h.mgr.List())

	require.NoError(t, h.mgr.Update(oldKey, newKey))
	assert.Equal(t, []string{"btcusdt@5min", "ethusdt@1min"}, h.mgr.List())
}

func TestManager_StartBatch(t *testing.T) {
	h := newHarness(t)

	tooMany := make([]model.StreamKey, MaxBatch+1)
	for i := range tooMany {
		tooMany[i] = key(t, fmt.Sprintf("sym%d@1min", i))
	}
	_, err := h.mgr.StartBatch(tooMany)
	assert.ErrorIs(t, err, model.ErrBatchLimit)
	assert.Empty(t, h.mgr.List(), "rejected batch must start nothing")

	require.NoError(t, h.mgr.Start(key(t, "btcusdt@1min")))
	started, err := h.mgr.StartBatch([]model.StreamKey{
		key(t, "btcusdt@1min"),
		key(t, "ethusdt@1min"),
		key(t, "solusdt@15min"),
	})
	require.NoError(t, err)
	require.Len(t, started, 2)
	assert.Equal(t, "ethusdt@1min", started[0].String())
	assert.Len(t, h.mgr.List(), 3)
}

func TestManager_StopAllNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Start(key(t, "btcusdt@1min")))
	require.NoError(t, h.mgr.Start(key(t, "ethusdt@1min")))

	_, err := h.mgr.StopAll(false)
	assert.ErrorIs(t, err, model.ErrConfirmationRequired)
	assert.Len(t, h.mgr.List(), 2)

	stopped, err := h.mgr.StopAll(true)
	require.NoError(t, err)
	assert.Equal(t, []string{"btcusdt@1min", "ethusdt@1min"}, stopped)
	assert.Empty(t, h.mgr.List())
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ActiveStreams))
}

func TestManager_ShutdownWaitsAndCloses(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Start(key(t, "btcusdt@1min")))
	require.Eventually(t, func() bool { return h.src.sessions.Load() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(ctx))
	assert.Zero(t, h.mgr.Count())
	assert.ErrorIs(t, h.mgr.Start(key(t, "btcusdt@1min")), ErrClosed)
}

func TestManager_StreamsAreIndependent(t *testing.T) {
	h := newHarness(t)
	btc := key(t, "btcusdt@1min")
	eth := key(t, "ethusdt@1min")
	_, err := h.mgr.StartBatch([]model.StreamKey{btc, eth})
	require.NoError(t, err)

	h.src.feed("btcusdt") <- model.Tick{Price: 10, Quantity: 1, Timestamp: 0}
	h.src.feed("ethusdt") <- model.Tick{Price: 20, Quantity: 1, Timestamp: 0}
	h.src.feed("btcusdt") <- model.Tick{Price: 11, Quantity: 1, Timestamp: 60000}
	h.src.feed("ethusdt") <- model.Tick{Price: 21, Quantity: 1, Timestamp: 60000}

	ctx := context.Background()
	require.Eventually(t, func() bool {
		a, _ := h.store.Len(ctx, btc.StoreKey())
		b, _ := h.store.Len(ctx, eth.StoreKey())
		return a == 1 && b == 1
	}, 2*time.Second, 5*time.Millisecond)

	c, ok, err := h.store.Latest(ctx, eth.StoreKey())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 20.0, c.Open)
}

// sessionSource plays one script per session. A script's error ends the
// session; the last script blocks until the context is cancelled.
type sessionSource struct {
	mu      sync.Mutex
	scripts [][]model.Tick
	errs    []error
	calls   int
}

func (s *sessionSource) Stream(ctx context.Context, _ string, out chan<- model.Tick) error {
	s.mu.Lock()
	n := s.calls
	s.calls++
	s.mu.Unlock()

	if n >= len(s.scripts) {
		<-ctx.Done()
		return nil
	}
	for _, t := range s.scripts[n] {
		select {
		case out <- t:
		case <-ctx.Done():
			return nil
		}
	}
	if s.errs[n] != nil {
		return s.errs[n]
	}
	<-ctx.Done()
	return nil
}

func TestManager_OpenBucketSurvivesReconnect(t *testing.T) {
	src := &sessionSource{
		scripts: [][]model.Tick{
			{{Symbol: "btcusdt", Price: 100, Quantity: 1, Timestamp: 0}},
			{
				{Symbol: "btcusdt", Price: 102, Quantity: 2, Timestamp: 30000},
				{Symbol: "btcusdt", Price: 99, Quantity: 1, Timestamp: 61000},
			},
		},
		errs: []error{errors.New("connection reset"), nil},
	}
	st := memory.New(10)
	m := metrics.NewMetrics(prometheus.NewRegistry())
	mgr := NewManager(Deps{
		Source:         src,
		Store:          st,
		Flush:          flush.Config{MaxAttempts: 1},
		ReconnectDelay: 10 * time.Millisecond,
		Metrics:        m,
	})
	defer mgr.Shutdown(context.Background())

	k := key(t, "btcusdt@1min")
	require.NoError(t, mgr.Start(k))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, _ := st.Len(ctx, k.StoreKey())
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	got, err := st.Range(ctx, k.StoreKey(), 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.Candle{Timestamp: 0, Open: 100, High: 102, Low: 100, Close: 102, Volume: 3, Symbol: "BTCUSDT"}, got[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WSReconnects))
	assert.Zero(t, testutil.ToFloat64(m.DataLoss.WithLabelValues(flush.ReasonStop)))
}

// stuckStore blocks every Append until release is closed, ignoring ctx.
type stuckStore struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stuckStore) Append(context.Context, string, model.Candle) error {
	s.once.Do(func() { close(s.entered) })
	<-s.release
	return nil
}

func TestManager_ChainedRestartsWaitForFirstWriter(t *testing.T) {
	src := newFeedSource()
	st := &stuckStore{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewManager(Deps{
		Source:         src,
		Store:          st,
		Flush:          flush.Config{MaxAttempts: 1},
		ReconnectDelay: 10 * time.Millisecond,
	})
	var released sync.Once
	release := func() { released.Do(func() { close(st.release) }) }
	t.Cleanup(func() {
		release()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})

	k := key(t, "btcusdt@1min")
	require.NoError(t, mgr.Start(k))
	feed := src.feed("btcusdt")
	feed <- model.Tick{Symbol: "btcusdt", Price: 100, Quantity: 1, Timestamp: 0}
	feed <- model.Tick{Symbol: "btcusdt", Price: 100, Quantity: 1, Timestamp: 61000}

	select {
	case <-st.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("first task never reached the store")
	}

	// The first task is stuck in its flush. Restart twice behind it.
	require.NoError(t, mgr.Stop(k))
	require.NoError(t, mgr.Start(k))
	require.NoError(t, mgr.Stop(k))
	require.NoError(t, mgr.Start(k))
	assert.True(t, mgr.Running(k))

	require.Eventually(t, func() bool { return src.sessions.Load() == 0 }, time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return src.sessions.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond,
		"a later task started while the first was still writing")

	release()
	require.Eventually(t, func() bool { return src.sessions.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_RunningCoversExitingTask(t *testing.T) {
	src := newFeedSource()
	st := &stuckStore{entered: make(chan struct{}), release: make(chan struct{})}
	mgr := NewManager(Deps{Source: src, Store: st, Flush: flush.Config{MaxAttempts: 1}})
	defer mgr.Shutdown(context.Background())

	k := key(t, "ethusdt@1min")
	assert.False(t, mgr.Running(k))
	require.NoError(t, mgr.Start(k))
	assert.True(t, mgr.Running(k))

	feed := src.feed("ethusdt")
	feed <- model.Tick{Symbol: "ethusdt", Price: 10, Quantity: 1, Timestamp: 0}
	feed <- model.Tick{Symbol: "ethusdt", Price: 10, Quantity: 1, Timestamp: 61000}
	<-st.entered

	require.NoError(t, mgr.Stop(k))
	assert.True(t, mgr.Running(k), "an exiting task still owns the window")

	close(st.release)
	require.Eventually(t, func() bool { return !mgr.Running(k) }, 2*time.Second, 5*time.Millisecond)
}

func TestManager_ResumesAfterStoredTail(t *testing.T) {
	h := newHarness(t)
	k := key(t, "btcusdt@1min")
	ctx := context.Background()
	require.NoError(t, h.store.Append(ctx, k.StoreKey(), model.Candle{Timestamp: 60000, Open: 1, High: 1, Low: 1, Close: 1, Symbol: "BTCUSDT"}))

	require.NoError(t, h.mgr.Start(k))
	feed := h.src.feed("btcusdt")
	feed <- model.Tick{Symbol: "btcusdt", Price: 100, Quantity: 1, Timestamp: 65000}
	feed <- model.Tick{Symbol: "btcusdt", Price: 101, Quantity: 1, Timestamp: 125000}
	feed <- model.Tick{Symbol: "btcusdt", Price: 102, Quantity: 1, Timestamp: 181000}

	require.Eventually(t, func() bool {
		n, _ := h.store.Len(ctx, k.StoreKey())
		return n == 2
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.store.Range(ctx, k.StoreKey(), 0, 200000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(60000), got[0].Timestamp)
	assert.Equal(t, 1.0, got[0].Open)
	assert.Equal(t, int64(120000), got[1].Timestamp)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.LateTicks))
}
