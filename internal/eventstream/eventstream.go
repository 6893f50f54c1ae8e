// Package eventstream pushes bus events to WebSocket consumers, typically an
// admin UI. Each client picks the event types and optional server it wants;
// slow clients lose events rather than slowing the bus.
package eventstream

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mcphub-go/internal/events"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB

	clientSendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// Admin surface; origin policy is enforced upstream.
		return true
	},
}

// Manager upgrades HTTP requests to WebSocket event streams.
type Manager struct {
	bus    *events.Bus
	logger *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	eventCh <-chan events.Event
	server  string
	stopCh  chan struct{}
	manager *Manager
}

// NewManager creates a stream manager over the bus.
func NewManager(bus *events.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		bus:     bus,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the request and streams events until the client leaves.
// Query parameters: `types` (comma-separated event types, empty = all) and
// `server` (restrict to one server's events).
func (m *Manager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	types := parseTypes(r.URL.Query().Get("types"))
	c := &client{
		conn:    conn,
		send:    make(chan []byte, clientSendBuffer),
		eventCh: m.bus.SubscribeChan(types...),
		server:  r.URL.Query().Get("server"),
		stopCh:  make(chan struct{}),
		manager: m,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.bus.Unsubscribe(c.eventCh)
		conn.Close()
		return
	}
	m.clients[c] = struct{}{}
	total := len(m.clients)
	m.mu.Unlock()

	m.logger.Info("event stream client connected",
		zap.Int("total_clients", total),
		zap.String("server_filter", c.server))

	go c.writePump()
	go c.readPump()
	go c.eventPump()
}

// ActiveClients returns the number of connected stream consumers.
func (m *Manager) ActiveClients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Close disconnects every client. The manager accepts no new ones after.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	clients := make([]*client, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
}

func (m *Manager) drop(c *client) {
	m.mu.Lock()
	_, ok := m.clients[c]
	if ok {
		delete(m.clients, c)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	m.bus.Unsubscribe(c.eventCh)
	close(c.stopCh)
	c.conn.Close()
	m.logger.Info("event stream client disconnected")
}

// readPump consumes inbound frames to service pongs and detect disconnects.
func (c *client) readPump() {
	defer c.manager.drop(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.manager.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump drains the send buffer to the socket and keeps the connection
// alive with pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.stopCh:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// eventPump forwards bus events to the send buffer, dropping when full.
func (c *client) eventPump() {
	for {
		select {
		case event, ok := <-c.eventCh:
			if !ok {
				// Bus shut down; tell the client and go away.
				c.manager.drop(c)
				return
			}
			if c.server != "" && event.ServerName != c.server {
				continue
			}
			data, err := json.Marshal(event)
			if err != nil {
				c.manager.logger.Error("failed to marshal event", zap.Error(err))
				continue
			}
			select {
			case c.send <- data:
			default:
				c.manager.logger.Warn("event stream buffer full, dropping event",
					zap.String("event_type", string(event.Type)))
			}
		case <-c.stopCh:
			return
		}
	}
}

func parseTypes(raw string) []events.Type {
	if raw == "" {
		return nil
	}
	var types []events.Type
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			types = append(types, events.Type(part))
		}
	}
	return types
}
