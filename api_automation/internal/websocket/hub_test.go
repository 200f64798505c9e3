package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"frameworks/api_automation/internal/social"

	"github.com/gorilla/websocket"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, string) {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	hub := NewHub(logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, hub *Hub, url string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Stats()["total_clients"] == want }, time.Second, 5*time.Millisecond)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestInvalidationReachesWatchersOnly(t *testing.T) {
	hub, url := startHub(t)
	a := dial(t, hub, url+"?workspace=ws-a", 1)
	b := dial(t, hub, url+"?workspace=ws-b", 2)

	require.NoError(t, hub.Notify(context.Background(), social.Invalidation{WorkspaceID: "ws-a", Category: social.CategoryComment}))

	msg := readMessage(t, a)
	require.Equal(t, MessageInvalidation, msg.Type)
	require.Equal(t, "ws-a", msg.WorkspaceID)
	require.Equal(t, social.CategoryComment, msg.Category)

	_ = b.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	_, _, err := b.ReadMessage()
	require.Error(t, err)
}

func TestSubscribeAndUnsubscribe(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url, 1)

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "subscribe", Workspaces: []string{"ws-1", "ws-2"}}))
	confirm := readMessage(t, conn)
	require.Equal(t, MessageSubscribed, confirm.Type)
	require.ElementsMatch(t, []string{"ws-1", "ws-2"}, confirm.Workspaces)

	require.NoError(t, hub.Notify(context.Background(), social.Invalidation{WorkspaceID: "ws-2", Category: social.CategoryMessage}))
	require.Equal(t, "ws-2", readMessage(t, conn).WorkspaceID)

	require.NoError(t, conn.WriteJSON(SubscriptionMessage{Action: "unsubscribe", Workspaces: []string{"ws-2"}}))
	require.Equal(t, []string{"ws-1"}, readMessage(t, conn).Workspaces)

	watchers := hub.Stats()["workspace_watchers"].(map[string]int)
	require.Equal(t, map[string]int{"ws-1": 1}, watchers)
}

func TestDisconnectUnregisters(t *testing.T) {
	hub, url := startHub(t)
	conn := dial(t, hub, url+"?workspace=ws-1", 1)
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Stats()["total_clients"] == 0 }, time.Second, 5*time.Millisecond)
}
