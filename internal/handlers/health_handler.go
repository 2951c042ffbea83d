package handlers

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/services"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	db     *sql.DB
	engine *services.ConflictEngine
	hub    *services.WebSocketHub
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(db *sql.DB, engine *services.ConflictEngine, hub *services.WebSocketHub) *HealthHandler {
	return &HealthHandler{
		db:     db,
		engine: engine,
		hub:    hub,
	}
}

// HealthCheck returns the server health status
// @Summary Health check
// @Description Returns the current health status of the server and its components
// @Tags health
// @Produce json
// @Success 200 {object} models.HealthResponse "Server is healthy"
// @Failure 503 {object} models.HealthResponse "A component is down"
// @Router /api/health [get]
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now().UTC(),
		Components: map[string]string{},
	}

	if err := h.db.PingContext(r.Context()); err != nil {
		response.Status = "unhealthy"
		response.Components["database"] = "down: " + err.Error()
	} else {
		response.Components["database"] = "ok"
	}

	stats := h.engine.Stats()
	response.Components["conflict_engine"] = fmt.Sprintf("ok (%d open conflicts)", stats.PendingCount+stats.EscalatedCount)
	response.Components["websocket"] = fmt.Sprintf("ok (%d clients)", h.hub.GetClientCount())

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(response)
}
