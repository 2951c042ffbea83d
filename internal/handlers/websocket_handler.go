package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/bracketsync/server/internal/middleware"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/services"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins for now - can be restricted in production
		return true
	},
}

// wsIngestTimeout bounds how long an inbound socket write may occupy the
// store
const wsIngestTimeout = 15 * time.Second

// wsInbound is the envelope clients send; payload shape depends on type
type wsInbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// WebSocketHandler upgrades connections and routes inbound messages:
// topic subscriptions plus the websocket variant of the sync feed
type WebSocketHandler struct {
	hub    *services.WebSocketHub
	feed   *services.SyncFeed
	engine *services.ConflictEngine
	logger *observability.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler
func NewWebSocketHandler(hub *services.WebSocketHub, feed *services.SyncFeed, engine *services.ConflictEngine) *WebSocketHandler {
	return &WebSocketHandler{
		hub:    hub,
		feed:   feed,
		engine: engine,
		logger: observability.GetLogger().WithField("handler", "websocket"),
	}
}

// HandleConnection upgrades HTTP to WebSocket and manages the connection
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	clientID := uuid.New().String()
	client := h.hub.NewClient(clientID, conn)
	client.DeviceID = r.URL.Query().Get("deviceId")

	h.hub.SetUserID(client, user.ID)
	h.hub.Register(client)

	// Start the write pump in a goroutine
	go client.WritePump()

	// Run the read pump (blocks until connection closes)
	client.ReadPump(h.handleMessage)
}

// handleMessage processes incoming WebSocket messages
func (h *WebSocketHandler) handleMessage(client *services.WSClient, messageType int, data []byte) {
	if messageType != websocket.TextMessage {
		return
	}

	var msg wsInbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(client, "invalid message")
		return
	}

	switch msg.Type {
	case services.WSTypeSubscribe:
		if topic, ok := decodeTopic(msg.Payload); ok {
			h.hub.Subscribe(client, topic)
		} else {
			h.sendError(client, "subscribe needs a topic")
		}

	case services.WSTypeUnsubscribe:
		if topic, ok := decodeTopic(msg.Payload); ok {
			h.hub.Unsubscribe(client, topic)
		}

	case services.WSTypePing:
		h.send(client, services.WSMessage{Type: services.WSTypePong})

	case services.WSTypeWrite:
		h.handleWrite(client, msg.Payload)

	case services.WSTypeReconnect:
		h.handleReconnect(client, msg.Payload)

	default:
		h.sendError(client, "unknown message type: "+msg.Type)
	}
}

// handleWrite ingests one device write received over the socket
func (h *WebSocketHandler) handleWrite(client *services.WSClient, payload json.RawMessage) {
	var req models.SubmitWriteRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(client, "invalid write payload")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = client.DeviceID
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsIngestTimeout)
	defer cancel()

	actor := models.ActorRef{UserID: client.UserID, DeviceID: req.DeviceID}
	response, err := h.feed.PublishWrite(ctx, req, actor)
	if err != nil {
		h.sendError(client, err.Error())
		return
	}
	if conflictID, ok := h.engine.OpenConflictID(req.Collection, req.DocumentID); ok {
		response.ConflictID = conflictID
	}

	h.send(client, services.WSMessage{Type: services.WSTypeWriteResult, Payload: response})
}

// handleReconnect ingests a reconnect replay received over the socket
func (h *WebSocketHandler) handleReconnect(client *services.WSClient, payload json.RawMessage) {
	var req models.ReconnectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		h.sendError(client, "invalid reconnect payload")
		return
	}
	if req.DeviceID == "" {
		req.DeviceID = client.DeviceID
	}

	ctx, cancel := context.WithTimeout(context.Background(), wsIngestTimeout)
	defer cancel()

	actor := models.ActorRef{UserID: client.UserID, DeviceID: req.DeviceID}
	response, err := h.feed.PublishReconnect(ctx, req, actor)
	if err != nil {
		h.sendError(client, err.Error())
		return
	}

	h.send(client, services.WSMessage{Type: services.WSTypeReconnectResult, Payload: response})
}

// send marshals a message onto the client's buffer, dropping it if full
func (h *WebSocketHandler) send(client *services.WSClient, msg services.WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Errorf("marshaling websocket reply: %v", err)
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

func (h *WebSocketHandler) sendError(client *services.WSClient, message string) {
	h.send(client, services.WSMessage{
		Type:    services.WSTypeError,
		Payload: models.ErrorResponse{Error: message},
	})
}

// decodeTopic accepts either a bare string or {"topic": "..."}
func decodeTopic(payload json.RawMessage) (string, bool) {
	var topic string
	if err := json.Unmarshal(payload, &topic); err == nil && topic != "" {
		return topic, true
	}
	var wrapped struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Topic != "" {
		return wrapped.Topic, true
	}
	return "", false
}

// GetHub returns the WebSocket hub (for other services to send notifications)
func (h *WebSocketHandler) GetHub() *services.WebSocketHub {
	return h.hub
}
