package testutil

import (
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

func TestMockStreamServerRoomsAndRejects(t *testing.T) {
	m := NewMockStreamServer()
	defer m.Close()

	ws, _, err := websocket.DefaultDialer.Dial(m.URL(), nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteJSON(map[string]any{"action": "subscribe", "channels": []string{"workspace:a"}}))
	select {
	case room := <-m.Joined:
		require.Equal(t, "workspace:a", room)
	case <-time.After(time.Second):
		t.Fatal("join not observed")
	}

	require.Equal(t, 0, m.Push("workspace:b", []byte(`{}`)))
	require.Equal(t, 1, m.Push("workspace:a", []byte(`{"id":"1"}`)))

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	require.JSONEq(t, `{"id":"1"}`, string(data))

	m.RejectDials.Store(true)
	_, resp, err := websocket.DefaultDialer.Dial(m.URL(), nil)
	require.Error(t, err)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, 2, m.Dials())
}
