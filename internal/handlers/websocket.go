// -----------------------------------------------------------------------
// WebSocket Handler - pushes job lifecycle events to connected operators
// -----------------------------------------------------------------------

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
	"github.com/ternarybob/supercomp/internal/common"
	"github.com/ternarybob/supercomp/internal/interfaces"
	"golang.org/x/time/rate"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // operator pages may be served from another host
	},
}

// WSMessage is the envelope of every pushed message
type WSMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// HelloMessage is sent once per connection. Clients clear their state when
// the server instance id changes.
type HelloMessage struct {
	ServerInstanceID string    `json:"serverInstanceId"`
	Version          string    `json:"version"`
	Timestamp        time.Time `json:"timestamp"`
}

type WebSocketHandler struct {
	logger           arbor.ILogger
	clients          map[*websocket.Conn]bool
	clientMutex      map[*websocket.Conn]*sync.Mutex
	mu               sync.RWMutex
	eventService     interfaces.EventService
	subscriptions    map[interfaces.EventType]string
	allowedEvents    map[string]bool // empty = allow all
	throttleInterval time.Duration
	throttlers       map[string]*rate.Limiter // per job, job_state_changed only
	throttleMu       sync.Mutex
	serverInstanceID string
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:           logger,
		clients:          make(map[*websocket.Conn]bool),
		clientMutex:      make(map[*websocket.Conn]*sync.Mutex),
		eventService:     eventService,
		subscriptions:    make(map[interfaces.EventType]string),
		allowedEvents:    make(map[string]bool),
		throttlers:       make(map[string]*rate.Limiter),
		serverInstanceID: uuid.New().String(),
	}

	logger.Info().Str("server_instance_id", h.serverInstanceID).Msg("WebSocket handler initialized with server instance ID")

	if config != nil {
		for _, eventType := range config.AllowedEvents {
			h.allowedEvents[eventType] = true
		}
		if config.ThrottleInterval != "" {
			if d, err := time.ParseDuration(config.ThrottleInterval); err == nil {
				h.throttleInterval = d
			} else {
				logger.Warn().
					Err(err).
					Str("interval", config.ThrottleInterval).
					Msg("Failed to parse throttle interval - throttling disabled")
			}
		}
	}

	if eventService != nil {
		h.SubscribeToJobEvents()
	}

	return h
}

// ServerInstanceID returns the id generated at startup
func (h *WebSocketHandler) ServerInstanceID() string {
	return h.serverInstanceID
}

// SubscribeToJobEvents registers the broadcaster for every job event type
func (h *WebSocketHandler) SubscribeToJobEvents() {
	for _, eventType := range interfaces.AllJobEvents {
		id, err := h.eventService.Subscribe(eventType, h.handleJobEvent)
		if err != nil {
			h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to subscribe to job event")
			continue
		}
		h.subscriptions[eventType] = id
	}
	h.logger.Debug().Int("event_types", len(h.subscriptions)).Msg("WebSocket handler subscribed to job events")
}

// HandleWebSocket handles WebSocket connections
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	mutex := &sync.Mutex{}
	h.mu.Lock()
	h.clients[conn] = true
	h.clientMutex[conn] = mutex
	clientCount := len(h.clients)
	h.mu.Unlock()

	h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client connected")

	h.send(conn, mutex, WSMessage{
		Type: "hello",
		Payload: HelloMessage{
			ServerInstanceID: h.serverInstanceID,
			Version:          common.GetVersion(),
			Timestamp:        time.Now(),
		},
	})

	// Handle client disconnection
	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		delete(h.clientMutex, conn)
		clientCount := len(h.clients)
		h.mu.Unlock()

		conn.Close()
		h.logger.Debug().Int("clients", clientCount).Msg("WebSocket client disconnected")
	}()

	// Read messages from client (keep connection alive)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Msg("WebSocket error")
			}
			break
		}
	}
}

// ClientCount returns the number of connected clients
func (h *WebSocketHandler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHandler) handleJobEvent(ctx context.Context, event interfaces.Event) error {
	payload, ok := event.Payload.(map[string]interface{})
	if !ok {
		h.logger.Warn().Str("event_type", string(event.Type)).Msg("Invalid job event payload type")
		return nil
	}

	jobID, _ := payload["job_id"].(string)
	if !h.shouldBroadcastEvent(event.Type, jobID) {
		return nil
	}

	h.Broadcast(WSMessage{Type: string(event.Type), Payload: payload})

	if event.Type == interfaces.EventJobCompleted || event.Type == interfaces.EventJobFailed {
		h.throttleMu.Lock()
		delete(h.throttlers, jobID)
		h.throttleMu.Unlock()
	}
	return nil
}

// shouldBroadcastEvent applies the whitelist and, for intermediate state
// changes, the per-job throttle. Challenge and terminal events always pass.
func (h *WebSocketHandler) shouldBroadcastEvent(eventType interfaces.EventType, jobID string) bool {
	if len(h.allowedEvents) > 0 && !h.allowedEvents[string(eventType)] {
		return false
	}

	if eventType != interfaces.EventJobStateChanged || h.throttleInterval <= 0 || jobID == "" {
		return true
	}

	h.throttleMu.Lock()
	limiter, ok := h.throttlers[jobID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(h.throttleInterval), 1)
		h.throttlers[jobID] = limiter
	}
	h.throttleMu.Unlock()

	if !limiter.Allow() {
		h.logger.Debug().
			Str("event_type", string(eventType)).
			Str("job_id", jobID).
			Msg("Event throttled - rate limit exceeded")
		return false
	}
	return true
}

// Broadcast sends a message to all connected clients
func (h *WebSocketHandler) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}

	h.mu.RLock()
	clients := make([]*websocket.Conn, 0, len(h.clients))
	mutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn := range h.clients {
		clients = append(clients, conn)
		mutexes = append(mutexes, h.clientMutex[conn])
	}
	h.mu.RUnlock()

	for i, conn := range clients {
		if err := h.write(conn, mutexes[i], data); err != nil {
			h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, mutex *sync.Mutex, msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("type", msg.Type).Msg("Failed to marshal WebSocket message")
		return
	}
	if err := h.write(conn, mutex, data); err != nil {
		h.logger.Warn().Err(err).Str("type", msg.Type).Msg("Failed to send message to client")
	}
}

func (h *WebSocketHandler) write(conn *websocket.Conn, mutex *sync.Mutex, data []byte) error {
	mutex.Lock()
	defer mutex.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close unsubscribes from events and disconnects all clients
func (h *WebSocketHandler) Close() error {
	if h.eventService != nil {
		for eventType, id := range h.subscriptions {
			if err := h.eventService.Unsubscribe(eventType, id); err != nil {
				h.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to unsubscribe")
			}
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		mutex := h.clientMutex[conn]
		mutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		mutex.Unlock()
		conn.Close()
	}
	return nil
}
