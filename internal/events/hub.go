// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package events streams detection events to websocket subscribers.
//
// Publish never blocks the detection path: each subscriber has a bounded
// send buffer and events for a slow subscriber are dropped.
package events

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"grimm.is/tripwire/internal/logging"
)

// Type names an event.
type Type string

const (
	TypeAttack Type = "attack"
	TypeBlock  Type = "block"
	TypeExempt Type = "exempt"
)

// Event is one detection outcome.
type Event struct {
	Type     Type      `json:"type"`
	Time     time.Time `json:"time"`
	SrcIP    string    `json:"src_ip"`
	DstIP    string    `json:"dst_ip,omitempty"`
	Protocol string    `json:"protocol,omitempty"`
	Count    int       `json:"count,omitempty"`
	Hostname string    `json:"hostname,omitempty"`
	Reason   string    `json:"reason,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
)

// Hub fans events out to connected clients.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logging.Logger

	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  uint64
	closed  bool

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewHub creates a hub. checkOrigin may be nil to accept any origin.
func NewHub(checkOrigin func(r *http.Request) bool, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.WithComponent("events")
	}
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
			CheckOrigin:      checkOrigin,
			HandshakeTimeout: 10 * time.Second,
		},
		logger:  logger,
		clients: make(map[uint64]*client),
	}
}

// Publish queues ev for every client.
func (h *Hub) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	h.published.Add(1)

	h.mu.RLock()
	defer h.mu.RUnlock()

	// Deliver in connection order.
	ids := make([]uint64, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		select {
		case h.clients[id].send <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns cumulative publish and per-client drop counts.
func (h *Hub) Stats() (published, dropped uint64) {
	return h.published.Load(), h.dropped.Load()
}

// ServeHTTP upgrades the request and streams events until the client goes
// away or the hub is closed.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c, ok := h.register(conn)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		_ = conn.Close()
		return
	}
	h.logger.Info("Event subscriber connected", "remote", r.RemoteAddr, "clients", h.Clients())

	go c.writePump()
	c.readPump()
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		delete(h.clients, id)
		close(c.send)
	}
}

func (h *Hub) register(conn *websocket.Conn) (*client, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.nextID++
	c := &client{id: h.nextID, hub: h, conn: conn, send: make(chan Event, sendBuffer)}
	h.clients[c.id] = c
	return c, true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	h.logger.Info("Event subscriber disconnected", "clients", h.Clients())
}

type client struct {
	id   uint64
	hub  *Hub
	conn *websocket.Conn
	send chan Event
}

// readPump discards client messages and keeps the read deadline alive.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("Unexpected websocket close", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
