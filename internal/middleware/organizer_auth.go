package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/bracketsync/server/internal/services"
)

// OrganizerAuth creates middleware requiring the authenticated user to
// be the organizer of the tournament named in the URL. Runs after
// UserAPIKeyAuth.
func OrganizerAuth(authority services.AuthorityChecker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserFromContext(r.Context())
			if user == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"error": "Authentication required."})
				return
			}

			tournamentID := chi.URLParam(r, "tournamentId")
			if tournamentID == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "Tournament ID is required."})
				return
			}

			isOrganizer, err := authority.IsOrganizer(r.Context(), tournamentID, user.ID)
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				json.NewEncoder(w).Encode(map[string]string{"error": "Internal server error."})
				return
			}

			if !isOrganizer {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{"error": "Organizer access required."})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
