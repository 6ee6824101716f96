package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
	"github.com/ternarybob/portalbatch/internal/services/events"
)

type staticProgress struct {
	progress models.Progress
}

func (s staticProgress) Progress() models.Progress { return s.progress }

func dial(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg WSMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestWebSocket_SendsGreetingAndProgress(t *testing.T) {
	progress := staticProgress{models.Progress{RunID: "run_1", Running: true, Total: 3}}
	handler := NewWebSocketHandler(nil, progress, arbor.NewLogger(), &common.WebSocketConfig{})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)

	hello := readMessage(t, conn)
	assert.Equal(t, "connected", hello.Type)
	assert.NotEmpty(t, hello.Payload.(map[string]interface{})["server_instance_id"])

	msg := readMessage(t, conn)
	assert.Equal(t, "progress", msg.Type)
	assert.Equal(t, "run_1", msg.Payload.(map[string]interface{})["run_id"])

	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_ForwardsRunEventsWithThrottledSteps(t *testing.T) {
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	progress := staticProgress{models.Progress{RunID: "run_1", Index: 1, Total: 3}}
	handler := NewWebSocketHandler(eventService, progress, arbor.NewLogger(), &common.WebSocketConfig{ProgressThrottle: "1h"})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)
	readMessage(t, conn) // connected
	readMessage(t, conn) // progress
	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	ctx := context.Background()
	step := interfaces.Event{Type: interfaces.EventStepCompleted, Payload: map[string]interface{}{"step": "fill-identifier"}}
	require.NoError(t, eventService.PublishSync(ctx, step))
	require.NoError(t, eventService.PublishSync(ctx, step)) // dropped by the throttle
	require.NoError(t, eventService.PublishSync(ctx, interfaces.Event{
		Type:    interfaces.EventItemCompleted,
		Payload: map[string]interface{}{"identifier": "1001", "status": "succeeded"},
	}))

	got := []string{}
	for i := 0; i < 3; i++ {
		got = append(got, readMessage(t, conn).Type)
	}
	assert.Equal(t, []string{"step_completed", "item_completed", "progress"}, got)
}

func TestWebSocket_BadThrottleDisablesThrottling(t *testing.T) {
	handler := NewWebSocketHandler(nil, nil, arbor.NewLogger(), &common.WebSocketConfig{ProgressThrottle: "often"})
	assert.Nil(t, handler.progressThrottler)
}

func TestWebSocket_StalledClientDoesNotBlockBroadcast(t *testing.T) {
	handler := NewWebSocketHandler(nil, nil, arbor.NewLogger(), &common.WebSocketConfig{})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	dial(t, server) // never reads
	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	payload := strings.Repeat("x", 64*1024)
	started := time.Now()
	for i := 0; i < 300; i++ {
		handler.Broadcast(WSMessage{Type: "step_completed", Payload: payload})
	}
	assert.Less(t, time.Since(started), 2*time.Second)
}

func TestWebSocket_FullQueueDropsMessages(t *testing.T) {
	handler := NewWebSocketHandler(nil, nil, arbor.NewLogger(), nil)
	client := &wsClient{send: make(chan []byte, 1), done: make(chan struct{})}
	handler.clients[client] = true

	handler.Broadcast(WSMessage{Type: "run_started"})
	handler.Broadcast(WSMessage{Type: "item_started"})
	require.Len(t, client.send, 1)
	assert.JSONEq(t, `{"type":"run_started","payload":null}`, string(<-client.send))

	client.close()
	handler.Broadcast(WSMessage{Type: "run_completed"})
	assert.Empty(t, client.send)
}

func TestWebSocket_CloseStopsForwarding(t *testing.T) {
	eventService := events.NewService(arbor.NewLogger())
	defer eventService.Close()

	handler := NewWebSocketHandler(eventService, nil, arbor.NewLogger(), &common.WebSocketConfig{})
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	defer server.Close()

	conn := dial(t, server)
	readMessage(t, conn) // connected
	require.Eventually(t, func() bool { return handler.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	handler.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "server side closed the connection")
	require.Eventually(t, func() bool { return handler.ClientCount() == 0 }, time.Second, 10*time.Millisecond)

	late := &wsClient{send: make(chan []byte, 1), done: make(chan struct{})}
	handler.mu.Lock()
	handler.clients[late] = true
	handler.mu.Unlock()
	require.NoError(t, eventService.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventRunStarted}))
	assert.Empty(t, late.send)
}
