// Package feed pushes newly flushed candles to WebSocket subscribers.
//
// A client connects to the feed endpoint, optionally naming streams in the
// "streams" query parameter ("btcusdt@1min,ethusdt@5min"), and may change its
// subscriptions with SUBSCRIBE/UNSUBSCRIBE messages. On subscribe it receives
// the latest candle of each subscribed stream, then every new one.
package feed

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crypto-ohlcv/internal/model"
)

const sendBuffer = 256

// Envelope is the frame sent to clients.
type Envelope struct {
	Type    string          `json:"type"` // "candle", "error", "pong"
	Stream  string          `json:"stream,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Initial bool            `json:"initial,omitempty"`
	Error   string          `json:"error,omitempty"`
	TS      int64           `json:"server_ts,omitempty"`
}

// Hub tracks connected clients and the latest candle per stream.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
	latest  map[string]json.RawMessage // stream -> candle JSON

	// OnDrop is called when a slow client misses a frame (optional).
	OnDrop func()
	// OnClients is called with the client count after connects and disconnects (optional).
	OnClients func(n int)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
		latest:  make(map[string]json.RawMessage),
	}
}

// PublishCandle broadcasts c to subscribers of key.
func (h *Hub) PublishCandle(key model.StreamKey, c model.Candle) {
	payload, err := c.JSON()
	if err != nil {
		slog.Warn("feed: encode candle", "stream", key.String(), "error", err)
		return
	}
	h.Publish(key.String(), payload)
}

// Publish broadcasts a candle payload to subscribers of stream. Clients whose
// buffer is full miss the frame.
func (h *Hub) Publish(stream string, payload []byte) {
	data := json.RawMessage(payload)
	frame, err := json.Marshal(Envelope{Type: "candle", Stream: stream, Data: data, TS: time.Now().UnixMilli()})
	if err != nil {
		slog.Warn("feed: encode frame", "stream", stream, "error", err)
		return
	}

	h.mu.Lock()
	h.latest[stream] = data
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.subscribed(stream) {
			continue
		}
		select {
		case c.send <- frame:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// Latest returns the last candle payload seen for stream.
func (h *Hub) Latest(stream string) (json.RawMessage, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.latest[stream]
	return d, ok
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var initial []string
	if q := r.URL.Query().Get("streams"); q != "" {
		for _, s := range strings.Split(q, ",") {
			key, err := model.ParseStreamKey(s)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			initial = append(initial, key.String())
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("feed: upgrade failed", "error", err)
		return
	}

	c := newClient(h, conn)
	c.addSubs(initial)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.countClients(n)
	slog.Info("feed client connected", "clients", n)

	c.sendSnapshots(initial)
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	if ok {
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		h.countClients(n)
		slog.Info("feed client disconnected", "clients", n)
	}
}

func (h *Hub) countClients(n int) {
	if h.OnClients != nil {
		h.OnClients(n)
	}
}
