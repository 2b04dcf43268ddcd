// Package tradesim serves a simulated Binance trade stream for local runs.
// Point BINANCE_WS_URL at ws://{addr}/ws and start any symbol.
package tradesim

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Config controls the generated trades.
type Config struct {
	Interval   time.Duration      // time between trades per connection
	StartPrice float64            // starting price for symbols not in Prices
	Prices     map[string]float64 // upper-case symbol -> starting price
	Now        func() time.Time   // defaults to time.Now
}

type trade struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	TradeID   int64  `json:"t"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
	Maker     bool   `json:"m"`
}

// Server streams random-walk trades on /ws/{symbol}@trade.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	nextID   atomic.Int64
	conns    atomic.Int64
}

// NewServer fills defaults.
func NewServer(cfg Config) *Server {
	if cfg.Interval <= 0 {
		cfg.Interval = 100 * time.Millisecond
	}
	if cfg.StartPrice <= 0 {
		cfg.StartPrice = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Server{
		cfg:      cfg,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
}

// Handler returns the simulator's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws/{stream}", s.handleStream)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"status": "ok", "connections": s.conns.Load()})
	})
	return mux
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sym, ok := strings.CutSuffix(r.PathValue("stream"), "@trade")
	if !ok || sym == "" {
		http.Error(w, "expected /ws/{symbol}@trade", http.StatusNotFound)
		return
	}
	sym = strings.ToUpper(sym)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("tradesim: upgrade failed", "error", err)
		return
	}
	n := s.conns.Add(1)
	slog.Info("tradesim client connected", "symbol", sym, "connections", n)
	defer func() {
		conn.Close()
		slog.Info("tradesim client disconnected", "symbol", sym, "connections", s.conns.Add(-1))
	}()

	// Detect the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	price := s.cfg.StartPrice
	if p, ok := s.cfg.Prices[sym]; ok && p > 0 {
		price = p
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			price = walk(price, rng)
			now := s.cfg.Now().UnixMilli()
			msg := trade{
				Event:     "trade",
				EventTime: now,
				Symbol:    sym,
				TradeID:   s.nextID.Add(1),
				Price:     strconv.FormatFloat(price, 'f', 8, 64),
				Quantity:  strconv.FormatFloat(rng.Float64()+0.001, 'f', 8, 64),
				TradeTime: now,
				Maker:     rng.Intn(2) == 0,
			}
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

// walk moves price by up to 0.1% either way.
func walk(price float64, rng *rand.Rand) float64 {
	next := price * (1 + (rng.Float64()*0.2-0.1)/100)
	if next < 0.00000001 {
		return 0.00000001
	}
	return next
}
