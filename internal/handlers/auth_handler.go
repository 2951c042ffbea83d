package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/bracketsync/server/internal/middleware"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// AuthHandler handles credential exchange and identity endpoints
type AuthHandler struct {
	userRepo repository.UserRepo
	logger   *observability.Logger
}

// NewAuthHandler creates a new AuthHandler
func NewAuthHandler(userRepo repository.UserRepo) *AuthHandler {
	return &AuthHandler{
		userRepo: userRepo,
		logger:   observability.GetLogger().WithField("handler", "auth"),
	}
}

// Provision exchanges credentials for a fresh API key
// @Summary Provision a device
// @Description Exchange email and password for a rotated API key. The previous key stops working immediately; the new key is shown exactly once.
// @Tags auth
// @Accept json
// @Produce json
// @Param request body models.ProvisionRequest true "Credentials"
// @Success 200 {object} models.ProvisionResponse
// @Failure 400 {object} models.ErrorResponse
// @Failure 401 {object} models.ErrorResponse
// @Router /api/auth/provision [post]
func (h *AuthHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req models.ProvisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	email := strings.TrimSpace(strings.ToLower(req.Email))
	if email == "" || req.Password == "" {
		http.Error(w, "Email and password are required", http.StatusBadRequest)
		return
	}

	user, err := h.userRepo.GetByEmail(r.Context(), email)
	if err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	// Same response for unknown email and wrong password
	if user == nil || !user.IsActive || !user.VerifyPassword(req.Password) {
		h.logger.Warnf("failed provision attempt for %s", email)
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	apiKey, err := user.RotateAPIKey()
	if err != nil {
		http.Error(w, "Failed to generate API key", http.StatusInternalServerError)
		return
	}
	if err := h.userRepo.UpdateAPIKeyHash(r.Context(), user.ID, user.APIKeyHash); err != nil {
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}

	h.logger.Infof("provisioned new API key for user %s", user.ID)

	response := models.ProvisionResponse{
		User:   user.ToResponse(),
		APIKey: apiKey,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// GetCurrentUser returns the authenticated user's information
// @Summary Get current user
// @Description Get the user owning the presented API key
// @Tags auth
// @Produce json
// @Success 200 {object} models.UserResponse
// @Failure 401 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/auth/me [get]
func (h *AuthHandler) GetCurrentUser(w http.ResponseWriter, r *http.Request) {
	user := middleware.GetUserFromContext(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(user.ToResponse())
}
