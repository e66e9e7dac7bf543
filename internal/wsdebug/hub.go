// Package wsdebug mirrors every event the bridge publishes on its
// internal event bus to any number of local WebSocket viewers, for a
// developer to watch a session's traffic live without reading stdout.
// There is a single firehose subject rather than per-task subscriptions,
// since the bridge has no notion of "tasks" to subscribe to, only
// sessions and their events.
package wsdebug

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev/agentbridge/internal/common/logger"
	"github.com/kandev/agentbridge/internal/events/bus"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans out bus events to every connected viewer. There is no
// per-client subscription: the debug tap is a firehose, not a
// per-session stream, so subscribing the hub once to the wildcard
// subject at construction time covers every client it ever registers.
type Hub struct {
	mu          sync.RWMutex
	clients     map[*client]bool
	logger      *logger.Logger
	unsubscribe func() error
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewHub subscribes to every session event on eventBus; fan-out to
// clients runs in the bus callback, with no goroutine of the hub's own.
// Call Close to unsubscribe and drop all clients.
func NewHub(eventBus bus.EventBus, log *logger.Logger) (*Hub, error) {
	h := &Hub{
		clients: make(map[*client]bool),
		logger:  log.WithFields(zap.String("component", "wsdebug-hub")),
	}
	sub, err := eventBus.Subscribe(bus.AllSessionsWildcard(), h.onEvent)
	if err != nil {
		return nil, err
	}
	h.unsubscribe = sub.Unsubscribe
	return h, nil
}

func (h *Hub) onEvent(_ context.Context, ev *bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("failed to marshal debug event", zap.Error(err))
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping slow wsdebug client")
		}
	}
	return nil
}

// ServeHTTP upgrades the request to a WebSocket and streams every bus
// event to it until the client disconnects. Mounted at GET /ws/debug by
// the diagnostic server, gated behind server.debugWs.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
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

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Close unsubscribes from the event bus. Connected clients are left to
// disconnect naturally when their next ping fails.
func (h *Hub) Close() {
	if h.unsubscribe != nil {
		_ = h.unsubscribe()
	}
}
