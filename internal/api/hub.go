package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"optionwatch/internal/metrics"
	"optionwatch/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	sendBuffer   = 256
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingEvery    = 30 * time.Second
)

// Frame is one event as sent to WebSocket clients.
type Frame struct {
	Seq int64 `json:"seq"`
	model.Envelope
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
	seq     int64
	replay  *ReplayBuffer

	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewHub creates a hub keeping the last replaySize frames for reconnects.
func NewHub(replaySize int, log zerolog.Logger, m *metrics.Metrics) *Hub {
	return &Hub{
		clients: make(map[*Client]struct{}),
		replay:  NewReplayBuffer(replaySize),
		log:     log.With().Str("component", "ws-hub").Logger(),
		metrics: m,
	}
}

// Run broadcasts events from ch until ctx is cancelled or ch is closed, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, ch <-chan model.Event) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			h.Broadcast(model.Wrap(ev))
		}
	}
}

// Broadcast sends env to every client. A client whose queue is full misses
// the frame.
func (h *Hub) Broadcast(env model.Envelope) {
	h.mu.Lock()
	h.seq++
	data, err := json.Marshal(Frame{Seq: h.seq, Envelope: env})
	if err != nil {
		h.mu.Unlock()
		h.log.Error().Err(err).Msg("frame encode failed")
		return
	}
	h.replay.Push(h.seq, data)
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.metrics.BusDrop("ws")
		}
	}
	h.mu.Unlock()
}

// ServeWS upgrades the request and registers the client. A since_seq query
// parameter replays buffered frames newer than that sequence.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	c := &Client{conn: conn, send: make(chan []byte, sendBuffer), hub: h}

	h.mu.Lock()
	if s := r.URL.Query().Get("since_seq"); s != "" {
		if since, err := strconv.ParseInt(s, 10, 64); err == nil {
			for _, f := range h.replay.After(since) {
				select {
				case c.send <- f:
				default:
				}
			}
		}
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.metrics.WSClient(1)
	h.log.Info().Int("clients", count).Msg("ws client connected")

	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.metrics.WSClient(-1)
	}
	h.mu.Unlock()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		h.metrics.WSClient(-1)
	}
	h.mu.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Client is a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump answers {"ping":n} with a pong and detects disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		c.hub.log.Info().Msg("ws client disconnected")
	}()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var base struct {
			Ping int64 `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil || base.Ping <= 0 {
			continue
		}
		pong, _ := json.Marshal(map[string]any{
			"type":      "pong",
			"ping":      base.Ping,
			"server_ts": time.Now().UnixMilli(),
		})
		c.hub.mu.RLock()
		if _, ok := c.hub.clients[c]; ok {
			select {
			case c.send <- pong:
			default:
			}
		}
		c.hub.mu.RUnlock()
	}
}
