// Command mdengine aggregates exchange trades into OHLCV candles, keeps a
// rolling window per stream and serves the stream, OHLCV and indicator API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"crypto-ohlcv/config"
	"crypto-ohlcv/internal/api"
	"crypto-ohlcv/internal/backfill"
	"crypto-ohlcv/internal/feed"
	"crypto-ohlcv/internal/logger"
	"crypto-ohlcv/internal/marketdata/flush"
	"crypto-ohlcv/internal/marketdata/ws"
	"crypto-ohlcv/internal/metrics"
	"crypto-ohlcv/internal/model"
	"crypto-ohlcv/internal/query"
	"crypto-ohlcv/internal/store"
	"crypto-ohlcv/internal/store/memory"
	redisstore "crypto-ohlcv/internal/store/redis"
	sqlitestore "crypto-ohlcv/internal/store/sqlite"
	"crypto-ohlcv/internal/stream"
)

const (
	livenessInterval = 10 * time.Second
	shutdownTimeout  = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		slog.Error("mdengine exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init("mdengine", logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	prom := metrics.NewMetrics(reg)

	// ---- Store ----
	raw, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer raw.Close()
	candles := metrics.InstrumentStore(raw, prom)
	slog.Info("candle store ready", "backend", cfg.Store.Backend, "capacity", cfg.Store.MaxCandles)

	breaker := store.NewBreaker(cfg.Flush.BreakerMaxFailures, cfg.Flush.BreakerReset)
	prom.WatchBreaker(breaker)

	// ---- Trade source ----
	source, err := ws.NewBinance(ws.BinanceConfig{
		BaseURL: cfg.Feed.BinanceWSURL,
		OnInvalid: func(raw []byte, err error) {
			prom.InvalidTicks.Inc()
			slog.Warn("invalid trade message", "error", err, "raw", string(raw))
		},
	})
	if err != nil {
		return err
	}

	// ---- Live feed ----
	// With Redis, candles reach the hub through pub/sub so every instance
	// sees every stream; otherwise they are published in process.
	hub := feed.NewHub()
	hub.OnDrop = prom.FeedDrops.Inc
	hub.OnClients = func(n int) { prom.FeedClients.Set(float64(n)) }
	rs, viaRedis := raw.(*redisstore.Store)
	if viaRedis {
		go feed.RunRedisRelay(ctx, rs.Client(), hub)
	}

	// ---- Streams ----
	var health *metrics.HealthStatus
	mgr := stream.NewManager(stream.Deps{
		Source:  source,
		Store:   candles,
		Breaker: breaker,
		Flush: flush.Config{
			MaxAttempts: cfg.Flush.MaxAttempts,
			Backoff:     cfg.Flush.Backoff,
		},
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		Metrics:        prom,
		OnCandle: func(key model.StreamKey, c model.Candle) {
			health.SetLastCandleTime(time.Now())
			if !viaRedis {
				hub.PublishCandle(key, c)
			}
		},
	})
	health = metrics.NewHealthStatus(cfg.Store.Backend, mgr.Count)
	health.StartLivenessChecker(ctx, candles, livenessInterval)

	// ---- Query ----
	var fetcher backfill.Fetcher
	if cfg.Feed.BackfillEnabled {
		fetcher = backfill.NewClient(cfg.Feed.BinanceRESTURL, nil)
	}
	svc := query.NewService(candles, fetcher, prom)
	svc.IsLive = mgr.Running

	// ---- Servers ----
	apiSrv := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: api.NewRouter(api.Deps{
			Streams:         mgr,
			Query:           svc,
			Health:          health,
			Feed:            hub,
			Metrics:         prom,
			DefaultInterval: cfg.Feed.DefaultInterval,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, reg)

	// ---- Autostart ----
	keys, err := cfg.ParseAutostart()
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		started, err := mgr.StartBatch(keys)
		if err != nil {
			return fmt.Errorf("autostart: %w", err)
		}
		slog.Info("autostarted streams", "count", len(started))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("api server listening", "addr", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})
	g.Go(metricsSrv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop intake first so the last streams are not restarted mid-shutdown.
		apiErr := apiSrv.Shutdown(shutdownCtx)
		mgrErr := mgr.Shutdown(shutdownCtx)
		metErr := metricsSrv.Shutdown(shutdownCtx)
		return errors.Join(apiErr, mgrErr, metErr)
	})

	err = g.Wait()
	slog.Info("shutdown complete")
	return err
}

// openStore builds the configured rolling window backend.
func openStore(cfg config.StoreConfig) (store.CandleStore, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		return redisstore.New(redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Capacity: cfg.MaxCandles,
		})
	case config.BackendSQLite:
		return sqlitestore.New(sqlitestore.Config{
			DBPath:   cfg.SQLitePath,
			Capacity: cfg.MaxCandles,
		})
	case config.BackendMemory:
		return memory.New(cfg.MaxCandles), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
