package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/bracketsync/server/internal/middleware"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/services"
)

// ConflictHandler exposes the conflict pipeline: listing, inspection,
// statistics, patterns, and manual resolution
type ConflictHandler struct {
	engine *services.ConflictEngine
}

// NewConflictHandler creates a new ConflictHandler
func NewConflictHandler(engine *services.ConflictEngine) *ConflictHandler {
	return &ConflictHandler{engine: engine}
}

// ListConflicts returns conflicts, newest first
// @Summary List conflicts
// @Description Get conflicts with optional tournament and status filters
// @Tags conflicts
// @Produce json
// @Param tournamentId query string false "Filter by tournament"
// @Param status query string false "Filter by status (pending, analyzing, auto_resolving, escalated, resolved)"
// @Param skip query int false "Number of records to skip" default(0)
// @Param take query int false "Number of records to return" default(50)
// @Success 200 {object} models.ConflictListResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts [get]
func (h *ConflictHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	tournamentID := r.URL.Query().Get("tournamentId")
	status := models.ConflictStatus(r.URL.Query().Get("status"))
	skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
	take, _ := strconv.Atoi(r.URL.Query().Get("take"))

	if skip < 0 {
		skip = 0
	}
	if take <= 0 {
		take = 50
	}
	if take > 200 {
		take = 200
	}

	conflicts, total := h.engine.ListConflicts(tournamentID, status, skip, take)

	response := models.ConflictListResponse{
		Conflicts:  conflicts,
		TotalCount: total,
		Skip:       skip,
		Take:       take,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ListPendingConflicts returns every unresolved conflict
// @Summary List unresolved conflicts
// @Description Get conflicts that still need automatic or manual resolution
// @Tags conflicts
// @Produce json
// @Param tournamentId query string false "Filter by tournament"
// @Success 200 {object} models.ConflictListResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/pending [get]
func (h *ConflictHandler) ListPendingConflicts(w http.ResponseWriter, r *http.Request) {
	tournamentID := r.URL.Query().Get("tournamentId")

	conflicts := h.engine.ListPending(tournamentID)

	response := models.ConflictListResponse{
		Conflicts:  conflicts,
		TotalCount: len(conflicts),
		Take:       len(conflicts),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetConflict returns one conflict with its analysis and options
// @Summary Get conflict details
// @Description Get a conflict, its current analysis, and the resolution options
// @Tags conflicts
// @Produce json
// @Param id path string true "Conflict ID"
// @Success 200 {object} models.ConflictDetailResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/{id} [get]
func (h *ConflictHandler) GetConflict(w http.ResponseWriter, r *http.Request) {
	conflictID := chi.URLParam(r, "id")

	conflict, analysis, err := h.engine.GetConflict(r.Context(), conflictID)
	if err != nil {
		if errors.Is(err, services.ErrConflictNotFound) {
			http.Error(w, "Conflict not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := models.ConflictDetailResponse{
		Conflict: conflict,
		Analysis: analysis,
		Options:  []models.ResolutionOption{},
	}
	if analysis != nil {
		if analysis.Recommended != nil {
			response.Options = append(response.Options, *analysis.Recommended)
		}
		response.Options = append(response.Options, analysis.Alternatives...)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetConflictStats returns conflict statistics
// @Summary Get conflict statistics
// @Description Get conflict counts by pipeline outcome
// @Tags conflicts
// @Produce json
// @Success 200 {object} models.ConflictStats
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/stats [get]
func (h *ConflictHandler) GetConflictStats(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// GetPatterns returns aggregated conflict patterns
// @Summary Get conflict patterns
// @Description Get per-type conflict frequency, scenarios and prevention suggestions
// @Tags conflicts
// @Produce json
// @Success 200 {object} models.PatternListResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/patterns [get]
func (h *ConflictHandler) GetPatterns(w http.ResponseWriter, r *http.Request) {
	response := models.PatternListResponse{
		Patterns: h.engine.Patterns(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// ResolveConflict applies a chosen resolution option
// @Summary Resolve a conflict manually
// @Description Apply one of the conflict's resolution options as the authenticated user
// @Tags conflicts
// @Accept json
// @Produce json
// @Param id path string true "Conflict ID"
// @Param request body models.ResolveConflictRequest true "Chosen option"
// @Success 200 {object} models.ConflictDetailResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/conflicts/{id}/resolve [post]
func (h *ConflictHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conflictID := chi.URLParam(r, "id")

	var req models.ResolveConflictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.OptionID == "" {
		http.Error(w, "optionId is required", http.StatusBadRequest)
		return
	}

	err := h.engine.ResolveManually(r.Context(), conflictID, req.OptionID, req.ChosenDeviceID, user.ID, req.Notes)
	if err != nil {
		var validationErr *services.ValidationError
		switch {
		case errors.Is(err, services.ErrConflictNotFound):
			http.Error(w, "Conflict not found", http.StatusNotFound)
		case errors.Is(err, services.ErrOptionNotFound):
			http.Error(w, "Unknown resolution option", http.StatusBadRequest)
		case errors.As(err, &validationErr):
			http.Error(w, validationErr.Error(), http.StatusBadRequest)
		case errors.Is(err, services.ErrAlreadyResolved):
			http.Error(w, "Conflict already resolved with a different strategy", http.StatusConflict)
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	conflict, analysis, err := h.engine.GetConflict(r.Context(), conflictID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	response := models.ConflictDetailResponse{
		Conflict: conflict,
		Analysis: analysis,
		Options:  []models.ResolutionOption{},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}
