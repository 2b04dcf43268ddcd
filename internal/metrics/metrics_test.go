package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/store"
	"crypto-ohlcv/internal/store/memory"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestNewMetrics_IsolatedRegistries(t *testing.T) {
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	a.TicksTotal.Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.TicksTotal))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.TicksTotal))
}

func TestInstrumentStore_ObservesOps(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	s := InstrumentStore(memory.New(10), m)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "ohlcv:BTCUSDT:1min", model.Candle{Timestamp: 1}))
	_, err := s.Range(ctx, "ohlcv:BTCUSDT:1min", 0, 10)
	require.NoError(t, err)

	assert.Equal(t, 2, testutil.CollectAndCount(m.StoreOpDur))
	assert.Equal(t, 0, testutil.CollectAndCount(m.StoreErrors))
}

func TestWatchBreaker(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	b := store.NewBreaker(1, time.Hour)
	m.WatchBreaker(b)

	b.Do(func() error { return model.ErrStoreUnavailable })

	assert.Equal(t, float64(store.BreakerOpen), testutil.ToFloat64(m.BreakerState))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BreakerTrips))
}

func TestHealth_ReflectsStore(t *testing.T) {
	h := NewHealthStatus("redis", func() int { return 3 })

	h.CheckStore(context.Background(), pingFunc(func(context.Context) error { return nil }))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body healthBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, 3, body.ActiveStreams)
	assert.True(t, body.StoreReachable)

	h.CheckStore(context.Background(), pingFunc(func(context.Context) error { return errors.New("down") }))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"unhealthy"`)
}

func TestServer_ExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.LateTicks.Add(2)

	srv := NewServer(":0", NewHealthStatus("memory", nil), reg)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "ohlcv_late_ticks_total 2"))
}
