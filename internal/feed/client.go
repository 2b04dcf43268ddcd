package feed

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crypto-ohlcv/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	readLimit  = 4096
)

// controlMsg is a client request.
type controlMsg struct {
	Type    string   `json:"type"` // SUBSCRIBE, UNSUBSCRIBE, PING
	Streams []string `json:"streams"`
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	subMu sync.RWMutex
	subs  map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		subs: make(map[string]struct{}),
	}
}

func (c *client) subscribed(stream string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	_, ok := c.subs[stream]
	return ok
}

// subscribe adds streams and queues the latest known candle of each.
func (c *client) subscribe(streams ...string) {
	c.addSubs(streams)
	c.sendSnapshots(streams)
}

func (c *client) addSubs(streams []string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range streams {
		c.subs[s] = struct{}{}
	}
}

func (c *client) sendSnapshots(streams []string) {
	for _, s := range streams {
		data, ok := c.hub.Latest(s)
		if !ok {
			continue
		}
		c.enqueue(Envelope{Type: "candle", Stream: s, Data: data, Initial: true, TS: time.Now().UnixMilli()})
	}
}

func (c *client) unsubscribe(streams ...string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range streams {
		delete(c.subs, s)
	}
}

// enqueue sends a frame unless the client is slow or already gone.
func (c *client) enqueue(env Envelope) {
	frame, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg controlMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.enqueue(Envelope{Type: "error", Error: "invalid message: " + err.Error()})
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			streams, err := normalize(msg.Streams)
			if err != nil {
				c.enqueue(Envelope{Type: "error", Error: err.Error()})
				continue
			}
			if msg.Type == "SUBSCRIBE" {
				c.subscribe(streams...)
			} else {
				c.unsubscribe(streams...)
			}
		case "PING":
			c.enqueue(Envelope{Type: "pong", TS: time.Now().UnixMilli()})
		default:
			c.enqueue(Envelope{Type: "error", Error: "unknown message type " + msg.Type})
		}
	}
}

func normalize(streams []string) ([]string, error) {
	out := make([]string, 0, len(streams))
	for _, s := range streams {
		key, err := model.ParseStreamKey(s)
		if err != nil {
			return nil, err
		}
		out = append(out, key.String())
	}
	return out, nil
}
