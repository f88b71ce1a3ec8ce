package live

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dobbe-backend/pkg/api"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, registry *Registry) string {
	t.Helper()

	server := NewServer(registry, time.Second)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.Serve(w, r, strings.TrimPrefix(r.URL.Path, "/ws/"))
	}))
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebsocketAcknowledgesMessages(t *testing.T) {
	registry := NewRegistry()
	conn := dial(t, startServer(t, registry)+"client-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))

	var ack receivedAck
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, receivedAck{Status: "received", Message: "hello"}, ack)
}

func TestWebsocketReceivesUpdates(t *testing.T) {
	registry := NewRegistry()
	conn := dial(t, startServer(t, registry)+"client-1")

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	sent := api.StageUpdate{TaskId: "task", ChainId: "chain", Status: api.StatusProcessing, Step: api.StepDicomParsing, Data: map[string]any{"progress": float64(50)}}
	require.NoError(t, registry.Send(context.Background(), "client-1", sent))

	var got api.StageUpdate
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, sent, got)
}

func TestWebsocketReconnectClosesPrevious(t *testing.T) {
	registry := NewRegistry()
	url := startServer(t, registry) + "client-1"

	first := dial(t, url)
	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	second := dial(t, url)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	require.NoError(t, second.WriteMessage(websocket.TextMessage, []byte("still here")))
	var ack receivedAck
	require.NoError(t, second.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, second.ReadJSON(&ack))
	assert.Equal(t, "still here", ack.Message)
	assert.Equal(t, 1, registry.Count())
}

func TestWebsocketDisconnectReleasesSession(t *testing.T) {
	registry := NewRegistry()
	conn := dial(t, startServer(t, registry)+"client-1")

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return registry.Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestWebsocketSlowClientIsDisconnected(t *testing.T) {
	registry := NewRegistry()
	dial(t, startServer(t, registry)+"stalled")

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	// the client never reads, so socket buffers fill and then the outbound queue
	payload := strings.Repeat("x", 256*1024)
	update := api.StageUpdate{TaskId: "task", Status: api.StatusProcessing, Step: api.StepModelInference, Data: map[string]any{"blob": payload}}

	start := time.Now()
	var err error
	for i := 0; i < 5000 && err == nil; i++ {
		err = registry.Send(context.Background(), "stalled", update)
	}
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	require.Eventually(t, func() bool { return registry.Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestWebsocketChannelSendAfterClose(t *testing.T) {
	registry := NewRegistry()
	dial(t, startServer(t, registry)+"client-1")

	require.Eventually(t, func() bool { return registry.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	ch, ok := registry.get("client-1")
	require.True(t, ok)
	require.NoError(t, ch.Close())

	err := ch.Send(context.Background(), api.StageUpdate{TaskId: "task"})
	assert.ErrorIs(t, err, ErrChannelClosed)
}
