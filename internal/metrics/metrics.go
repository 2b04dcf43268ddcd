package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"crypto-ohlcv/internal/store"
)

// Metrics holds all Prometheus metrics for the OHLCV service.
type Metrics struct {
	// Streaming path
	TicksTotal     prometheus.Counter
	InvalidTicks   prometheus.Counter
	LateTicks      prometheus.Counter
	CandlesFlushed prometheus.Counter
	FlushRetries   prometheus.Counter
	DataLoss       *prometheus.CounterVec // labels: reason
	CandleLag      prometheus.Gauge

	// Stream sessions
	WSReconnects   prometheus.Counter
	StreamFailures *prometheus.CounterVec // labels: kind=transport|internal
	ActiveStreams  prometheus.Gauge

	// Rolling store
	StoreOpDur   *prometheus.HistogramVec // labels: op
	StoreErrors  *prometheus.CounterVec   // labels: op
	BreakerState prometheus.Gauge         // 0=closed, 1=open, 2=half-open
	BreakerTrips prometheus.Counter

	// Query side
	BackfillFetches     *prometheus.CounterVec // labels: result
	IndicatorComputeDur *prometheus.HistogramVec

	// Live feed
	FeedClients prometheus.Gauge
	FeedDrops   prometheus.Counter
}

// NewMetrics creates all metrics and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_ticks_total",
			Help: "Total trade ticks received from the exchange stream",
		}),
		InvalidTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_invalid_ticks_total",
			Help: "Trade messages that failed to parse or validate",
		}),
		LateTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_late_ticks_total",
			Help: "Ticks dropped because their bucket was already flushed",
		}),
		CandlesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_candles_flushed_total",
			Help: "Candles written to the rolling store",
		}),
		FlushRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_flush_retries_total",
			Help: "Flush attempts retried after a store failure",
		}),
		DataLoss: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_data_loss_total",
			Help: "Candles or partial buckets that never reached the store",
		}, []string{"reason"}),
		CandleLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_candle_lag_seconds",
			Help: "Delay between a bucket's end and its flush",
		}),

		WSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_ws_reconnects_total",
			Help: "Total trade stream reconnection attempts",
		}),
		StreamFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_stream_failures_total",
			Help: "Trade stream session failures by kind",
		}, []string{"kind"}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_active_streams",
			Help: "Registered (symbol, interval) streams",
		}),

		StoreOpDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ohlcv_store_op_duration_seconds",
			Help:    "Rolling store operation latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_store_errors_total",
			Help: "Rolling store operation failures",
		}, []string{"op"}),
		BreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_store_circuit_breaker_state",
			Help: "Store circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		BreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_store_circuit_breaker_trips_total",
			Help: "Times the store circuit breaker tripped open",
		}),

		BackfillFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ohlcv_backfill_fetches_total",
			Help: "REST backfill requests by result",
		}, []string{"result"}),
		IndicatorComputeDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ohlcv_indicator_compute_duration_seconds",
			Help:    "Indicator computation latency",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01},
		}, []string{"indicator"}),

		FeedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ohlcv_feed_clients",
			Help: "Connected live candle feed clients",
		}),
		FeedDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ohlcv_feed_dropped_frames_total",
			Help: "Candle frames dropped for slow feed clients",
		}),
	}

	reg.MustRegister(
		m.TicksTotal,
		m.InvalidTicks,
		m.LateTicks,
		m.CandlesFlushed,
		m.FlushRetries,
		m.DataLoss,
		m.CandleLag,
		m.WSReconnects,
		m.StreamFailures,
		m.ActiveStreams,
		m.StoreOpDur,
		m.StoreErrors,
		m.BreakerState,
		m.BreakerTrips,
		m.BackfillFetches,
		m.IndicatorComputeDur,
		m.FeedClients,
		m.FeedDrops,
	)

	return m
}

// WatchBreaker mirrors breaker transitions into the state gauge and trip counter.
func (m *Metrics) WatchBreaker(b *store.Breaker) {
	prev := b.OnStateChange
	b.OnStateChange = func(from, to store.BreakerState) {
		if prev != nil {
			prev(from, to)
		}
		m.BreakerState.Set(float64(to))
		if to == store.BreakerOpen {
			m.BreakerTrips.Inc()
		}
	}
}
