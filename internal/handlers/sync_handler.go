package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bracketsync/server/internal/middleware"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/services"
)

// SyncHandler handles device sync endpoints: single writes, reconnect
// replays, and clock status
type SyncHandler struct {
	feed   *services.SyncFeed
	engine *services.ConflictEngine
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(feed *services.SyncFeed, engine *services.ConflictEngine) *SyncHandler {
	return &SyncHandler{
		feed:   feed,
		engine: engine,
	}
}

// SubmitWrite applies one device mutation
// @Summary Submit a device write
// @Description Apply one mutation from a device. The write is always accepted; conflicts are detected afterwards and surfaced over the websocket.
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.SubmitWriteRequest true "Device write"
// @Success 200 {object} models.SubmitWriteResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/write [post]
func (h *SyncHandler) SubmitWrite(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.SubmitWriteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor := models.ActorRef{UserID: user.ID, DeviceID: req.DeviceID}
	response, err := h.feed.PublishWrite(r.Context(), req, actor)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			http.Error(w, validationErr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Absorption into an already-open conflict is visible immediately;
	// a brand-new conflict is announced over the websocket once the
	// engine worker picks the write up
	if conflictID, ok := h.engine.OpenConflictID(req.Collection, req.DocumentID); ok {
		response.ConflictID = conflictID
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Reconnect replays a device's offline write queue
// @Summary Replay queued writes after reconnect
// @Description Absorb the writes a device queued while offline. Writes that diverged from the stored state become network partition conflicts instead of being applied.
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.ReconnectRequest true "Queued writes"
// @Success 200 {object} models.ReconnectResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/reconnect [post]
func (h *SyncHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.ReconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	actor := models.ActorRef{UserID: user.ID, DeviceID: req.DeviceID}
	response, err := h.feed.PublishReconnect(r.Context(), req, actor)
	if err != nil {
		var validationErr *services.ValidationError
		if errors.As(err, &validationErr) {
			http.Error(w, validationErr.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetClockStatus returns observed device clock offsets
// @Summary Get device clock status
// @Description Get the observed clock offset of every device that has submitted a write
// @Tags sync
// @Produce json
// @Success 200 {object} models.ClockStatusResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/clocks [get]
func (h *SyncHandler) GetClockStatus(w http.ResponseWriter, r *http.Request) {
	response := models.ClockStatusResponse{
		Devices: h.engine.ClockStatus(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
