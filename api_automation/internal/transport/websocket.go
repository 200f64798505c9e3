package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"frameworks/pkg/logging"
)

const (
	maxFrameBytes    = 512 * 1024
	writeWait        = 10 * time.Second
	defaultPongWait  = 60 * time.Second
	defaultHandshake = 20 * time.Second
)

// RoomFor names the workspace-scoped channel joined after connecting.
func RoomFor(workspaceID string) string {
	return "workspace:" + workspaceID
}

type subscriptionMessage struct {
	Action   string   `json:"action"`
	Channels []string `json:"channels"`
}

// WebsocketDialer connects to the platform push endpoint and joins the
// workspace room.
type WebsocketDialer struct {
	URL    string
	Token  string
	Logger logging.Logger

	HandshakeTimeout time.Duration
	// PongWait bounds silence on the connection; pings go out at 9/10 of it.
	PongWait time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, workspaceID string) (Stream, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = defaultHandshake
	}
	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}

	dialer := websocket.Dialer{Proxy: http.ProxyFromEnvironment, HandshakeTimeout: handshake}
	headers := make(http.Header)
	if d.Token != "" {
		headers.Set("Authorization", "Bearer "+d.Token)
	}

	conn, resp, err := dialer.DialContext(ctx, d.URL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to push channel (status: %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to push channel: %w", err)
	}

	sub := subscriptionMessage{Action: "subscribe", Channels: []string{RoomFor(workspaceID)}}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(sub); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to join %s: %w", RoomFor(workspaceID), err)
	}

	conn.SetReadLimit(maxFrameBytes)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s := &wsStream{conn: conn, stop: make(chan struct{})}
	go s.pingLoop(pongWait*9/10, d.Logger)
	return s, nil
}

type wsStream struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	stop    chan struct{}
	once    sync.Once
}

func (s *wsStream) ReadMessage() ([]byte, error) {
	_, data, err := s.conn.ReadMessage()
	return data, err
}

func (s *wsStream) Close() error {
	var err error
	s.once.Do(func() {
		close(s.stop)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsStream) pingLoop(interval time.Duration, logger logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			s.writeMu.Unlock()
			if err != nil {
				if logger != nil {
					logger.WithError(err).Debug("Push channel ping failed")
				}
				return
			}
		}
	}
}
