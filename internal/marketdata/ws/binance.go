package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"crypto-ohlcv/internal/model"
)

// BinanceConfig holds configuration for the Binance trade stream.
type BinanceConfig struct {
	// BaseURL is the raw stream endpoint, e.g. "wss://stream.binance.com:9443/ws".
	// The subscription URL is BaseURL + "/{symbol}@trade".
	BaseURL string

	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration

	// OnInvalid is called for each message that does not parse as a valid tick (optional).
	OnInvalid func(raw []byte, err error)
}

// Binance streams trades from the Binance public trade stream.
type Binance struct {
	cfg    BinanceConfig
	dialer *websocket.Dialer
}

var _ Source = (*Binance)(nil)

// NewBinance validates the base URL.
func NewBinance(cfg BinanceConfig) (*Binance, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("binance ws: bad url %q: %w", cfg.BaseURL, err)
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &Binance{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}, nil
}

// StreamURL returns the subscription URL for symbol.
func (b *Binance) StreamURL(symbol string) string {
	return strings.TrimRight(b.cfg.BaseURL, "/") + "/" + strings.ToLower(symbol) + "@trade"
}

// Stream makes a single connection and reads until disconnect or ctx cancel.
func (b *Binance) Stream(ctx context.Context, symbol string, out chan<- model.Tick) error {
	u := b.StreamURL(symbol)
	conn, _, err := b.dialer.DialContext(ctx, u, nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return TransportError(fmt.Errorf("dial %s: %w", u, err))
	}
	defer conn.Close()

	slog.Info("trade stream connected", "symbol", symbol, "url", u)

	// Closing the socket from here unblocks ReadMessage without waiting on the peer.
	sessionDone := make(chan struct{})
	defer close(sessionDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-sessionDone:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return TransportError(err)
		}

		tick, err := ParseTrade(raw)
		if err != nil {
			if b.cfg.OnInvalid != nil {
				b.cfg.OnInvalid(raw, err)
			}
			slog.Debug("skipping trade message", "symbol", symbol, "error", err)
			continue
		}
		if tick.Symbol == "" {
			tick.Symbol = strings.ToLower(symbol)
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return nil
		}
	}
}

// tradeMessage is the Binance "<symbol>@trade" payload. Prices and
// quantities arrive as decimal strings.
type tradeMessage struct {
	Event     string          `json:"e"`
	Symbol    string          `json:"s"`
	Price     json.RawMessage `json:"p"`
	Quantity  json.RawMessage `json:"q"`
	TradeTime int64           `json:"T"`
}

// ParseTrade decodes one trade message into a validated tick.
func ParseTrade(raw []byte) (model.Tick, error) {
	var m tradeMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return model.Tick{}, fmt.Errorf("%w: %v", model.ErrSerialization, err)
	}
	if m.Event != "" && m.Event != "trade" {
		return model.Tick{}, fmt.Errorf("unexpected event %q", m.Event)
	}
	price, err := decimal(m.Price)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: price: %v", model.ErrSerialization, err)
	}
	qty, err := decimal(m.Quantity)
	if err != nil {
		return model.Tick{}, fmt.Errorf("%w: quantity: %v", model.ErrSerialization, err)
	}
	if m.TradeTime == 0 {
		return model.Tick{}, fmt.Errorf("%w: missing trade time", model.ErrSerialization)
	}
	t := model.Tick{
		Symbol:    strings.ToLower(m.Symbol),
		Price:     price,
		Quantity:  qty,
		Timestamp: m.TradeTime,
	}
	if err := t.Validate(); err != nil {
		return model.Tick{}, err
	}
	return t, nil
}

// decimal accepts a quoted or bare JSON number.
func decimal(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing")
	}
	s := string(raw)
	if s[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
	}
	return strconv.ParseFloat(s, 64)
}
