package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// AuthorityChecker reports a user's authority within a tournament
type AuthorityChecker interface {
	RoleOf(ctx context.Context, tournamentID, userID string) (models.Role, error)
	IsOrganizer(ctx context.Context, tournamentID, userID string) (bool, error)
}

// roleCacheTTL bounds how stale a cached role may be. Permission changes
// themselves flow through the conflict pipeline, so a short window is
// enough.
const roleCacheTTL = 30 * time.Second

type cachedRole struct {
	role    models.Role
	expires time.Time
}

// AuthorityService resolves tournament roles from permission records and
// the tournament's organizer field
type AuthorityService struct {
	store  repository.RecordStore
	logger *observability.Logger

	mu    sync.RWMutex
	cache map[string]cachedRole
}

// NewAuthorityService creates a new AuthorityService
func NewAuthorityService(store repository.RecordStore) *AuthorityService {
	return &AuthorityService{
		store:  store,
		logger: observability.GetLogger().WithField("service", "authority"),
		cache:  make(map[string]cachedRole),
	}
}

// RoleOf returns the user's role in the tournament. Users without a
// permission record who are not the organizer are spectators.
func (s *AuthorityService) RoleOf(ctx context.Context, tournamentID, userID string) (models.Role, error) {
	key := tournamentID + "/" + userID

	s.mu.RLock()
	if cached, ok := s.cache[key]; ok && time.Now().Before(cached.expires) {
		s.mu.RUnlock()
		return cached.role, nil
	}
	s.mu.RUnlock()

	role, err := s.lookupRole(ctx, tournamentID, userID)
	if err != nil {
		return models.RoleSpectator, err
	}

	s.mu.Lock()
	s.cache[key] = cachedRole{role: role, expires: time.Now().Add(roleCacheTTL)}
	s.mu.Unlock()

	return role, nil
}

// IsOrganizer reports whether the user holds organizer authority in the
// tournament
func (s *AuthorityService) IsOrganizer(ctx context.Context, tournamentID, userID string) (bool, error) {
	role, err := s.RoleOf(ctx, tournamentID, userID)
	if err != nil {
		return false, err
	}
	return role == models.RoleOrganizer, nil
}

// Invalidate drops cached roles for a tournament, forcing the next
// lookup to re-read permission records
func (s *AuthorityService) Invalidate(tournamentID string) {
	prefix := tournamentID + "/"

	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(s.cache, key)
		}
	}
}

func (s *AuthorityService) lookupRole(ctx context.Context, tournamentID, userID string) (models.Role, error) {
	// The tournament's organizer outranks any permission record
	doc, err := s.store.Get(ctx, models.CollectionTournaments, tournamentID)
	if err != nil {
		return models.RoleSpectator, err
	}
	if doc != nil {
		var t models.Tournament
		if err := json.Unmarshal(doc.Payload, &t); err != nil {
			s.logger.WithField("tournamentId", tournamentID).Warnf("undecodable tournament payload: %v", err)
		} else if t.OrganizerID != "" && t.OrganizerID == userID {
			return models.RoleOrganizer, nil
		}
	}

	perms, err := s.store.ListByTournament(ctx, models.CollectionPermissions, tournamentID)
	if err != nil {
		return models.RoleSpectator, err
	}

	best := models.RoleSpectator
	for _, p := range perms {
		var rec models.PermissionRecord
		if err := json.Unmarshal(p.Payload, &rec); err != nil {
			s.logger.WithField("documentId", p.ID).Warnf("undecodable permission payload: %v", err)
			continue
		}
		if rec.UserID != userID {
			continue
		}
		if models.RoleRank(rec.Role) > models.RoleRank(best) {
			best = rec.Role
		}
	}

	return best, nil
}
