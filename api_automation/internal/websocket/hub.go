// Package websocket pushes cache invalidations to dashboard clients.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"frameworks/api_automation/internal/social"
	"frameworks/pkg/logging"

	"github.com/gorilla/websocket"
)

// Hub maintains the set of active clients and fans invalidations out to
// the ones watching the affected workspace.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	logger     logging.Logger
	mutex      sync.RWMutex
}

// Client is one dashboard connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger logging.Entry

	mu         sync.RWMutex
	workspaces map[string]bool
}

// Message is what clients receive.
type Message struct {
	Type        string          `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	Category    social.Category `json:"category,omitempty"`
	Workspaces  []string        `json:"workspaces,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// SubscriptionMessage is a subscribe/unsubscribe request from a client.
type SubscriptionMessage struct {
	Action     string   `json:"action"` // "subscribe" or "unsubscribe"
	Workspaces []string `json:"workspaces"`
}

const (
	MessageInvalidation = "invalidation"
	MessageSubscribed   = "subscription_confirmed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run is the hub's main loop. On return every client is closed.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Dashboard client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			h.logger.WithField("client_count", count).Info("Dashboard client disconnected")

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) broadcastMessage(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.WithError(err).Error("Failed to marshal broadcast message")
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	for client := range h.clients {
		if !client.watching(msg.WorkspaceID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow consumer; it reconnects and refetches.
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Notify queues an invalidation for the workspace's watchers. A full
// queue drops the message rather than stalling event delivery.
func (h *Hub) Notify(_ context.Context, inv social.Invalidation) error {
	msg := Message{
		Type:        MessageInvalidation,
		WorkspaceID: inv.WorkspaceID,
		Category:    inv.Category,
		Timestamp:   time.Now().UTC(),
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.WithField("workspace_id", inv.WorkspaceID).Warn("Broadcast channel full, dropping invalidation")
	}
	return nil
}

// Stats returns the client count and watchers per workspace.
func (h *Hub) Stats() map[string]interface{} {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	watchers := make(map[string]int)
	for client := range h.clients {
		client.mu.RLock()
		for ws := range client.workspaces {
			watchers[ws]++
		}
		client.mu.RUnlock()
	}

	return map[string]interface{}{
		"total_clients":      len(h.clients),
		"workspace_watchers": watchers,
	}
}

// ServeWS upgrades a dashboard connection. Workspaces named in the
// "workspace" query parameters are subscribed immediately.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, 256),
		logger:     h.logger.WithField("remote_addr", r.RemoteAddr),
		workspaces: make(map[string]bool),
	}
	for _, ws := range r.URL.Query()["workspace"] {
		if ws != "" {
			client.workspaces[ws] = true
		}
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
)

func (c *Client) watching(workspaceID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.workspaces[workspaceID]
}

func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).Warn("Dashboard connection error")
			}
			return
		}

		var sub SubscriptionMessage
		if err := json.Unmarshal(message, &sub); err != nil {
			c.logger.WithError(err).Warn("Invalid subscription message")
			continue
		}
		c.handleSubscription(&sub)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

func (c *Client) handleSubscription(msg *SubscriptionMessage) {
	c.mu.Lock()
	switch msg.Action {
	case "subscribe":
		for _, ws := range msg.Workspaces {
			if ws != "" {
				c.workspaces[ws] = true
			}
		}
	case "unsubscribe":
		for _, ws := range msg.Workspaces {
			delete(c.workspaces, ws)
		}
	default:
		c.mu.Unlock()
		c.logger.WithField("action", msg.Action).Warn("Unknown subscription action")
		return
	}
	current := make([]string, 0, len(c.workspaces))
	for ws := range c.workspaces {
		current = append(current, ws)
	}
	c.mu.Unlock()

	c.logger.WithFields(logging.Fields{
		"action":     msg.Action,
		"workspaces": msg.Workspaces,
	}).Debug("Dashboard subscription changed")

	c.sendMessage(Message{Type: MessageSubscribed, Workspaces: current, Timestamp: time.Now().UTC()})
}

// sendMessage writes directly to the client's queue. The hub lock keeps
// it from racing a close of c.send.
func (c *Client) sendMessage(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.WithError(err).Error("Failed to marshal client message")
		return
	}
	c.hub.mutex.RLock()
	defer c.hub.mutex.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.logger.Warn("Client send buffer full, dropping message")
	}
}
