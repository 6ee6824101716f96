package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"golang.org/x/time/rate"

	"github.com/ternarybob/portalbatch/internal/common"
	"github.com/ternarybob/portalbatch/internal/interfaces"
	"github.com/ternarybob/portalbatch/internal/models"
)

const (
	writeTimeout = 5 * time.Second
	// clientBuffer is the number of messages queued per client before new ones are dropped
	clientBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// WSMessage is the envelope of every message pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// ProgressSource provides the live progress snapshot
type ProgressSource interface {
	Progress() models.Progress
}

type WebSocketHandler struct {
	logger            arbor.ILogger
	clients           map[*wsClient]bool
	mu                sync.RWMutex
	eventService      interfaces.EventService
	subscriptions     map[interfaces.EventType]interfaces.EventHandler
	progress          ProgressSource
	progressThrottler *rate.Limiter // nil = every step event is forwarded
	serverInstanceID  string        // clients use it to detect a server restart
}

// wsClient is one connection. Only its writer goroutine writes to conn.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func NewWebSocketHandler(eventService interfaces.EventService, progress ProgressSource, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*wsClient]bool),
		eventService:     eventService,
		subscriptions:    make(map[interfaces.EventType]interfaces.EventHandler),
		progress:         progress,
		serverInstanceID: uuid.New().String(),
	}

	if config != nil && config.ProgressThrottle != "" {
		if duration, err := time.ParseDuration(config.ProgressThrottle); err == nil && duration > 0 {
			h.progressThrottler = rate.NewLimiter(rate.Every(duration), 1)
		} else if err != nil {
			logger.Warn().
				Err(err).
				Str("interval", config.ProgressThrottle).
				Msg("Failed to parse progress throttle interval - throttler disabled")
		}
	}

	if eventService != nil {
		h.SubscribeToRunEvents()
	}

	logger.Debug().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized")
	return h
}

// HandleWebSocket upgrades the connection and keeps it registered until the client leaves
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, clientBuffer),
		done: make(chan struct{}),
	}

	hello := WSMessage{Type: "connected", Payload: map[string]interface{}{
		"server_instance_id": h.serverInstanceID,
	}}
	h.enqueue(client, hello)
	if h.progress != nil {
		h.enqueue(client, WSMessage{Type: "progress", Payload: h.progress.Progress()})
	}

	h.mu.Lock()
	h.clients[client] = true
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")
	common.SafeGo(h.logger, "websocket-writer", func() { h.writePump(client) })

	defer func() {
		h.mu.Lock()
		delete(h.clients, client)
		clientCount := len(h.clients)
		h.mu.Unlock()

		client.close()
		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
	}
}

// writePump drains the client's queue until the client leaves or a write fails
func (h *WebSocketHandler) writePump(client *wsClient) {
	for {
		select {
		case data := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug().Err(err).Msg("Failed to send WebSocket message, dropping client")
				client.close()
				client.conn.Close()
				return
			}
		case <-client.done:
			return
		}
	}
}

// SubscribeToRunEvents forwards run events to every client. Step events are
// throttled; run and item boundaries always go out, followed by a progress snapshot.
func (h *WebSocketHandler) SubscribeToRunEvents() {
	forward := func(throttled bool) interfaces.EventHandler {
		return func(ctx context.Context, event interfaces.Event) error {
			if throttled && h.progressThrottler != nil && !h.progressThrottler.Allow() {
				return nil
			}
			h.Broadcast(WSMessage{Type: string(event.Type), Payload: event.Payload})
			if !throttled && h.progress != nil {
				h.Broadcast(WSMessage{Type: "progress", Payload: h.progress.Progress()})
			}
			return nil
		}
	}

	subscriptions := map[interfaces.EventType]bool{
		interfaces.EventRunStarted:    false,
		interfaces.EventItemStarted:   false,
		interfaces.EventStepCompleted: true,
		interfaces.EventItemCompleted: false,
		interfaces.EventRunCompleted:  false,
	}
	for eventType, throttled := range subscriptions {
		handler := forward(throttled)
		if err := h.eventService.Subscribe(eventType, handler); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe WebSocket handler")
			continue
		}
		h.subscriptions[eventType] = handler
	}
}

// Close stops forwarding run events and disconnects every client
func (h *WebSocketHandler) Close() {
	for eventType, handler := range h.subscriptions {
		if err := h.eventService.Unsubscribe(eventType, handler); err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to unsubscribe WebSocket handler")
		}
		delete(h.subscriptions, eventType)
	}

	h.mu.RLock()
	for client := range h.clients {
		client.close()
		client.conn.Close()
	}
	h.mu.RUnlock()
}

// Broadcast queues msg for every connected client without waiting on the network.
// A client whose queue is full misses the message.
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		h.queue(client, msg.Type, data)
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) enqueue(client *wsClient, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	h.queue(client, msg.Type, data)
}

func (h *WebSocketHandler) queue(client *wsClient, msgType string, data []byte) {
	select {
	case <-client.done:
		return
	default:
	}
	select {
	case client.send <- data:
	default:
		h.logger.Debug().Str("type", msgType).Msg("WebSocket client is not keeping up, message dropped")
	}
}
