package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/services"
)

// RecoveryHandler exposes emergency recovery: plans, snapshots, rollback
// points, rollback, integrity checks and emergency exports
type RecoveryHandler struct {
	recovery *services.RecoveryService
}

// NewRecoveryHandler creates a new RecoveryHandler
func NewRecoveryHandler(recovery *services.RecoveryService) *RecoveryHandler {
	return &RecoveryHandler{recovery: recovery}
}

// GetSweepStatus returns the scheduled integrity sweep status
// @Summary Get integrity sweep status
// @Description Get the status of the background integrity sweep
// @Tags recovery
// @Produce json
// @Success 200 {object} services.RecoveryStatus
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/status [get]
func (h *RecoveryHandler) GetSweepStatus(w http.ResponseWriter, r *http.Request) {
	status := h.recovery.GetStatus()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// RunSweep triggers an immediate integrity sweep
// @Summary Run the integrity sweep now
// @Description Trigger an immediate integrity check across all active tournaments
// @Tags recovery
// @Produce json
// @Success 202 {object} services.RecoveryStatus
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/sweep [post]
func (h *RecoveryHandler) RunSweep(w http.ResponseWriter, r *http.Request) {
	h.recovery.RunIntegrityNow()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(h.recovery.GetStatus())
}

// GetPlan returns a tournament's recovery plan
// @Summary Get recovery plan
// @Description Get the tournament's recovery plan with snapshots, rollback points and integrity history
// @Tags recovery
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Success 200 {object} models.EmergencyRecoveryPlan
// @Failure 401 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId} [get]
func (h *RecoveryHandler) GetPlan(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	plan, err := h.recovery.GetPlan(tournamentID)
	if err != nil {
		if errors.Is(err, services.ErrPlanNotFound) {
			http.Error(w, "No recovery plan for this tournament", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(plan)
}

// CreatePlan creates the tournament's recovery plan
// @Summary Create recovery plan
// @Description Create (or return) the recovery plan for a tournament
// @Tags recovery
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Success 201 {object} models.EmergencyRecoveryPlan
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId}/plan [post]
func (h *RecoveryHandler) CreatePlan(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	plan, err := h.recovery.CreatePlan(r.Context(), tournamentID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(plan)
}

// CreateSnapshot captures a snapshot of the tournament's current state
// @Summary Create snapshot
// @Description Capture a checksummed snapshot of the tournament's mutable collections
// @Tags recovery
// @Accept json
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Param request body models.CreateSnapshotRequest false "Optional description"
// @Success 201 {object} models.SnapshotInfo
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId}/snapshots [post]
func (h *RecoveryHandler) CreateSnapshot(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	var req models.CreateSnapshotRequest
	json.NewDecoder(r.Body).Decode(&req) // Ignore error, description is optional

	info, err := h.recovery.CreateSnapshot(r.Context(), tournamentID, req.Description, "manual")
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(info)
}

// GetRollbackPoints returns the tournament's rollback points
// @Summary List rollback points
// @Description Identify the states the tournament can be rolled back to, newest first
// @Tags recovery
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Success 200 {object} models.RollbackPointsResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId}/rollback-points [get]
func (h *RecoveryHandler) GetRollbackPoints(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	points, err := h.recovery.IdentifyRollbackPoints(r.Context(), tournamentID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := models.RollbackPointsResponse{RollbackPoints: points}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Rollback restores the tournament to a rollback point
// @Summary Roll back a tournament
// @Description Restore the tournament's mutable collections from the snapshot backing a rollback point
// @Tags recovery
// @Accept json
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Param request body models.RollbackRequest true "Rollback point"
// @Success 200 {object} models.RollbackResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId}/rollback [post]
func (h *RecoveryHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	var req models.RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.RollbackPointID == "" {
		http.Error(w, "rollbackPointId is required", http.StatusBadRequest)
		return
	}

	result, err := h.recovery.Rollback(r.Context(), tournamentID, req.RollbackPointID, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

// RunIntegrityCheck runs an integrity check on demand
// @Summary Run integrity check
// @Description Validate the tournament's cross-record consistency now
// @Tags recovery
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Success 200 {object} models.IntegrityCheckResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 500 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId}/integrity [post]
func (h *RecoveryHandler) RunIntegrityCheck(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	check, err := h.recovery.PerformIntegrityCheck(r.Context(), tournamentID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	response := models.IntegrityCheckResponse{Check: *check}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// CreateExport writes an emergency export artifact
// @Summary Create emergency export
// @Description Write the tournament's full state, conflict history included, to a standalone JSON artifact
// @Tags recovery
// @Produce json
// @Param tournamentId path string true "Tournament ID"
// @Success 201 {object} models.ExportResult
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Failure 403 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/recovery/{tournamentId}/export [post]
func (h *RecoveryHandler) CreateExport(w http.ResponseWriter, r *http.Request) {
	tournamentID := chi.URLParam(r, "tournamentId")

	result, err := h.recovery.CreateEmergencyExport(r.Context(), tournamentID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(result)
}

// writeError maps recovery errors to status codes
func (h *RecoveryHandler) writeError(w http.ResponseWriter, err error) {
	var validationErr *services.ValidationError
	var integrityErr *services.IntegrityError

	switch {
	case errors.As(err, &validationErr):
		http.Error(w, validationErr.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrPlanNotFound):
		http.Error(w, "No recovery plan for this tournament", http.StatusNotFound)
	case errors.Is(err, services.ErrRollbackPointNotFound):
		http.Error(w, "Rollback point not found", http.StatusNotFound)
	case errors.Is(err, services.ErrSnapshotNotFound):
		http.Error(w, "No snapshot available for this rollback point", http.StatusNotFound)
	case errors.As(err, &integrityErr):
		http.Error(w, integrityErr.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
