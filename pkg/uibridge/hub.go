package uibridge

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/trybe-app/trybesync"
	"github.com/trybe-app/trybesync/pkg/logger"
	"github.com/trybe-app/trybesync/pkg/models"
)

const (
	// CloseMessageCode is sent to clients when the hub shuts down.
	CloseMessageCode = websocket.CloseNormalClosure

	sendBuffer   = 64
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = pongTimeout * 9 / 10
)

const (
	EventChange       = "change"
	EventNotification = "notification"
)

// Event is one frame pushed to websocket clients.
type Event struct {
	Type         string            `json:"type"`
	Change       *trybesync.Change `json:"change,omitempty"`
	Notification *NotificationView `json:"notification,omitempty"`
}

type NotificationView struct {
	Level   string         `json:"level"`
	Op      string         `json:"op"`
	GroupID models.GroupID `json:"group_id,omitempty"`
	Kind    string         `json:"kind,omitempty"`
	Message string         `json:"message"`
	At      time.Time      `json:"at"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) stop() {
	c.once.Do(func() { close(c.send) })
}

// Hub broadcasts engine changes and notifications to every connected
// websocket client. It is a trybesync.Notifier, and more notifiers can be
// chained behind it with Also. A client that cannot keep up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	log      logger.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	next    trybesync.Notifiers
}

type HubOption func(*Hub)

func WithHubLogger(l logger.Logger) HubOption { return func(h *Hub) { h.log = l } }

// WithCheckOrigin replaces the origin check of the upgrade handshake.
func WithCheckOrigin(fn func(*http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		upgrader: websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096},
		clients:  make(map[*client]struct{}),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Also forwards every notification to ns as well.
func (h *Hub) Also(ns ...trybesync.Notifier) *Hub {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = append(h.next, ns...)
	return h
}

func (h *Hub) Notify(n trybesync.Notification) {
	h.mu.Lock()
	next := h.next
	h.mu.Unlock()
	next.Notify(n)

	view := &NotificationView{
		Level:   n.Level.String(),
		Op:      n.Op,
		GroupID: n.GroupID,
		Message: n.Message,
		At:      n.At,
	}
	if n.Level == trybesync.LevelError {
		view.Kind = n.Kind.String()
	}
	h.broadcast(Event{Type: EventNotification, Notification: view})
}

// Publish pushes an engine change. Register it with Engine.OnChange.
func (h *Hub) Publish(c trybesync.Change) {
	h.broadcast(Event{Type: EventChange, Change: &c})
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger().Error("ui bridge event encoding failed", "type", ev.Type, "error", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.logger().Warn("ui bridge client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			delete(h.clients, c)
			c.stop()
		}
	}
}

// ServeHTTP upgrades the request to a websocket and streams events to it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger().Debug("ui bridge upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseMessageCode, ""))
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger().Debug("ui bridge client connected", "remote", conn.RemoteAddr().String())

	go h.writeLoop(c)
	h.readLoop(c)
}

// readLoop discards client frames and detects the disconnect.
func (h *Hub) readLoop(c *client) {
	defer h.remove(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(CloseMessageCode, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.stop()
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
}

func (h *Hub) logger() logger.Logger {
	if h.log == nil {
		return logger.Nop()
	}
	return h.log
}
