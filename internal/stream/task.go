package stream

import (
	"context"
	"log/slog"
	"time"

	"crypto-ohlcv/internal/marketdata/agg"
	"crypto-ohlcv/internal/marketdata/flush"
	"crypto-ohlcv/internal/marketdata/ws"
	"crypto-ohlcv/internal/metrics"
	"crypto-ohlcv/internal/model"
)

const tickBuffer = 1024

// task is one running (symbol, interval) stream.
type task struct {
	key    model.StreamKey
	cancel context.CancelFunc
	done   chan struct{}
}

// tailReader is implemented by stores that can report the newest candle.
type tailReader interface {
	Latest(ctx context.Context, key string) (model.Candle, bool, error)
}

// run reads ticks, aggregates them and flushes finalized buckets until ctx
// is cancelled. prev, if set, is the exit signal of an earlier task for the
// same key; run waits for it so a key never has two writers. done closes
// only after prev has, even when ctx is cancelled first.
func (t *task) run(ctx context.Context, d Deps, prev <-chan struct{}) {
	defer close(t.done)
	log := slog.Default().With("stream", t.key.String())

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			<-prev
			return
		}
	}

	a := agg.New(t.key)
	if tr, ok := d.Store.(tailReader); ok {
		// Buckets at or below the stored tail were already written.
		if c, ok, err := tr.Latest(ctx, t.key.StoreKey()); err != nil {
			log.Warn("reading window tail failed", "error", err)
		} else if ok {
			a.Resume(c.Timestamp)
		}
	}
	p := flush.New(t.key, d.Store, d.Breaker, d.Flush)
	wire(a, p, d.Metrics, d.OnCandle, log)

	ticks := make(chan model.Tick, tickBuffer)
	go ws.Run(ctx, d.Source, t.key.Symbol, ticks, ws.RunConfig{
		ReconnectDelay: d.ReconnectDelay,
		OnFailure: func(err *ws.StreamError) {
			if d.Metrics != nil {
				d.Metrics.StreamFailures.WithLabelValues(string(err.Kind)).Inc()
			}
		},
		OnReconnect: func() {
			if d.Metrics != nil {
				d.Metrics.WSReconnects.Inc()
			}
		},
	})

	log.Info("stream started")
	for {
		select {
		case <-ctx.Done():
			for _, b := range a.Discard() {
				p.ReportLoss(b.Candle(t.key.Symbol), flush.ReasonStop, ctx.Err())
			}
			log.Info("stream stopped")
			return

		case tick := <-ticks:
			if d.Metrics != nil {
				d.Metrics.TicksTotal.Inc()
			}
			for _, b := range a.Add(tick) {
				// Errors are reported through the pipeline hooks.
				p.Flush(ctx, b)
			}
		}
	}
}

// wire connects aggregator and pipeline hooks to metrics and logging.
func wire(a *agg.Aggregator, p *flush.Pipeline, m *metrics.Metrics, onCandle func(model.StreamKey, model.Candle), log *slog.Logger) {
	a.OnLateTick = func(t model.Tick, start int64) {
		log.Warn("dropping late tick", "bucket", start, "ts", t.Timestamp, "price", t.Price)
		if m != nil {
			m.LateTicks.Inc()
		}
	}
	interval := a.Key().IntervalSpec().Millis()
	p.OnFlushed = func(c model.Candle) {
		if m != nil {
			m.CandlesFlushed.Inc()
			lag := time.Since(time.UnixMilli(c.Timestamp + interval))
			m.CandleLag.Set(lag.Seconds())
		}
		if onCandle != nil {
			onCandle(a.Key(), c)
		}
	}
	if m == nil {
		return
	}
	p.OnRetry = func(int, error) { m.FlushRetries.Inc() }
	p.OnDataLoss = func(_ model.Candle, reason string, _ error) {
		m.DataLoss.WithLabelValues(reason).Inc()
	}
}
