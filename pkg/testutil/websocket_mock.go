package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// MockStreamServer is a websocket server standing in for the platform's
// push channel. Clients join rooms with
// {"action":"subscribe","channels":["workspace:<id>"]}; tests then push
// raw frames into a room or drop every connection.
type MockStreamServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*mockConn]struct{}
	dials atomic.Int32

	// RejectDials answers upgrades with 503 while set.
	RejectDials atomic.Bool
	// Joined receives each channel a client subscribes to.
	Joined chan string
}

type mockConn struct {
	ws    *websocket.Conn
	mu    sync.Mutex
	rooms map[string]bool
}

type subscribeFrame struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

func NewMockStreamServer() *MockStreamServer {
	m := &MockStreamServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		conns:    make(map[*mockConn]struct{}),
		Joined:   make(chan string, 64),
	}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	return m
}

// URL returns the ws:// address of the server.
func (m *MockStreamServer) URL() string {
	return strings.Replace(m.server.URL, "http://", "ws://", 1)
}

// Dials counts upgrade attempts, rejected ones included.
func (m *MockStreamServer) Dials() int { return int(m.dials.Load()) }

func (m *MockStreamServer) handle(w http.ResponseWriter, r *http.Request) {
	m.dials.Add(1)
	if m.RejectDials.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &mockConn{ws: ws, rooms: make(map[string]bool)}
	m.mu.Lock()
	m.conns[c] = struct{}{}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.conns, c)
		m.mu.Unlock()
		_ = ws.Close()
	}()

	for {
		var frame subscribeFrame
		if err := ws.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Action != "subscribe" {
			continue
		}
		c.mu.Lock()
		for _, ch := range frame.Channels {
			c.rooms[ch] = true
		}
		c.mu.Unlock()
		for _, ch := range frame.Channels {
			select {
			case m.Joined <- ch:
			default:
			}
		}
	}
}

// Push writes payload to every connection joined to room and returns how
// many received it.
func (m *MockStreamServer) Push(room string, payload []byte) int {
	m.mu.Lock()
	targets := make([]*mockConn, 0, len(m.conns))
	for c := range m.conns {
		targets = append(targets, c)
	}
	m.mu.Unlock()

	sent := 0
	for _, c := range targets {
		c.mu.Lock()
		if c.rooms[room] {
			_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
			if c.ws.WriteMessage(websocket.TextMessage, payload) == nil {
				sent++
			}
		}
		c.mu.Unlock()
	}
	return sent
}

// DropAll closes every live connection without a close handshake.
func (m *MockStreamServer) DropAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.conns {
		_ = c.ws.UnderlyingConn().Close()
	}
}

// Connections returns the number of live connections.
func (m *MockStreamServer) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

func (m *MockStreamServer) Close() {
	m.DropAll()
	m.server.Close()
}
