// Command tradesim serves simulated Binance trade streams so mdengine can run
// without exchange access:
//
//	BINANCE_WS_URL=ws://localhost:9001/ws
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/caarlos0/env/v11"

	"crypto-ohlcv/internal/logger"
	"crypto-ohlcv/internal/marketdata/tradesim"
)

type config struct {
	Addr       string        `env:"TRADESIM_ADDR" envDefault:":9001"`
	Interval   time.Duration `env:"TRADESIM_INTERVAL" envDefault:"100ms"`
	StartPrice float64       `env:"TRADESIM_START_PRICE" envDefault:"100"`
	// SYMBOL:PRICE pairs, e.g. "BTCUSDT:65000,ETHUSDT:3200"
	Prices   []string `env:"TRADESIM_PRICES" envSeparator:","`
	LogLevel string   `env:"LOG_LEVEL" envDefault:"info"`
}

func main() {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		slog.Error("tradesim: parse config", "error", err)
		os.Exit(1)
	}
	logger.Init("tradesim", logger.ParseLevel(cfg.LogLevel), "text")

	sim := tradesim.NewServer(tradesim.Config{
		Interval:   cfg.Interval,
		StartPrice: cfg.StartPrice,
		Prices:     parsePrices(cfg.Prices),
	})
	srv := &http.Server{Addr: cfg.Addr, Handler: sim.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("tradesim listening", "addr", cfg.Addr, "interval", cfg.Interval)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		slog.Error("tradesim: server error", "error", err)
		os.Exit(1)
	}
}

func parsePrices(pairs []string) map[string]float64 {
	prices := make(map[string]float64, len(pairs))
	for _, p := range pairs {
		sym, raw, ok := strings.Cut(strings.TrimSpace(p), ":")
		if !ok {
			slog.Warn("tradesim: ignoring price entry", "entry", p)
			continue
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			slog.Warn("tradesim: ignoring price entry", "entry", p)
			continue
		}
		prices[strings.ToUpper(sym)] = v
	}
	return prices
}
