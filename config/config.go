package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"crypto-ohlcv/internal/model"
)

// Store backends.
const (
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:":8000"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`

	Store StoreConfig
	Flush FlushConfig
	Feed  FeedConfig
}

// StoreConfig configures the rolling candle store.
type StoreConfig struct {
	Backend       string `env:"STORE_BACKEND" envDefault:"redis"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	SQLitePath    string `env:"SQLITE_PATH" envDefault:"data/ohlcv.db"`

	// MaxCandles is the rolling window capacity per (symbol, interval).
	MaxCandles int `env:"MAX_CANDLES" envDefault:"500"`
}

// FlushConfig configures the candle flush pipeline.
type FlushConfig struct {
	MaxAttempts        int           `env:"FLUSH_MAX_ATTEMPTS" envDefault:"5"`
	Backoff            time.Duration `env:"FLUSH_BACKOFF" envDefault:"500ms"`
	BreakerMaxFailures int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerReset       time.Duration `env:"BREAKER_RESET" envDefault:"10s"`
}

// FeedConfig configures the exchange trade stream and REST backfill.
type FeedConfig struct {
	DefaultInterval  string        `env:"DEFAULT_INTERVAL" envDefault:"1min"`
	ReconnectDelay   time.Duration `env:"RECONNECT_DELAY" envDefault:"3s"`
	BinanceWSURL     string        `env:"BINANCE_WS_URL" envDefault:"wss://stream.binance.com:9443/ws"`
	BinanceRESTURL   string        `env:"BINANCE_REST_URL" envDefault:"https://api.binance.com/api/v3/klines"`
	BackfillEnabled  bool          `env:"BACKFILL_ENABLED" envDefault:"true"`
	AutostartStreams []string      `env:"AUTOSTART_STREAMS" envSeparator:","`
}

// Load reads configuration from an optional .env file and the environment.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendRedis, BackendSQLite, BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.Store.Backend)
	}
	if c.Store.MaxCandles <= 0 {
		return fmt.Errorf("config: MAX_CANDLES must be positive, got %d", c.Store.MaxCandles)
	}
	if c.Flush.MaxAttempts <= 0 {
		return fmt.Errorf("config: FLUSH_MAX_ATTEMPTS must be positive, got %d", c.Flush.MaxAttempts)
	}
	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("config: RECONNECT_DELAY must be positive, got %v", c.Feed.ReconnectDelay)
	}
	if _, err := model.ParseInterval(c.Feed.DefaultInterval); err != nil {
		return fmt.Errorf("config: DEFAULT_INTERVAL: %w", err)
	}
	return nil
}

// ParseAutostart parses AUTOSTART_STREAMS entries ("symbol@interval"),
// skipping blanks.
func (c *Config) ParseAutostart() ([]model.StreamKey, error) {
	keys := make([]model.StreamKey, 0, len(c.Feed.AutostartStreams))
	for _, s := range c.Feed.AutostartStreams {
		if s == "" {
			continue
		}
		k, err := model.ParseStreamKey(s)
		if err != nil {
			return nil, fmt.Errorf("config: AUTOSTART_STREAMS: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, nil
}
