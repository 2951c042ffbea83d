package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// IntegrityChecker validates one tournament's cross-record consistency:
// referential integrity between matches, scores, brackets and players,
// score validity, bracket structure, and permission sanity. Violations
// become errors (the data cannot be trusted) or warnings (suspicious but
// playable).
type IntegrityChecker struct {
	store  repository.RecordStore
	logger *observability.Logger
}

// NewIntegrityChecker creates a new IntegrityChecker
func NewIntegrityChecker(store repository.RecordStore) *IntegrityChecker {
	return &IntegrityChecker{
		store:  store,
		logger: observability.GetLogger().WithField("service", "integrity"),
	}
}

// Run executes every check against the tournament's current documents.
// The returned error covers store access only; rule violations land in
// the check result.
func (c *IntegrityChecker) Run(ctx context.Context, tournamentID string) (*models.IntegrityCheck, error) {
	ctx, span := observability.StartServiceSpan(ctx, "integrity", "run")
	defer span.End()

	check := &models.IntegrityCheck{
		ID:           uuid.New().String(),
		TournamentID: tournamentID,
		Status:       models.IntegrityPassed,
	}

	tournamentDoc, err := c.store.Get(ctx, models.CollectionTournaments, tournamentID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("reading tournament: %w", err)
	}

	collections := map[string][]*models.Document{}
	for _, collection := range []string{
		models.CollectionMatches,
		models.CollectionScores,
		models.CollectionBrackets,
		models.CollectionPlayers,
		models.CollectionPermissions,
	} {
		docs, err := c.store.ListByTournament(ctx, collection, tournamentID)
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("reading %s: %w", collection, err)
		}
		collections[collection] = docs
		check.RecordsChecked += len(docs)
	}

	var tournament models.Tournament
	if tournamentDoc == nil {
		check.Errors = append(check.Errors, "tournament record is missing")
	} else {
		check.RecordsChecked++
		if err := json.Unmarshal(tournamentDoc.Payload, &tournament); err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("tournament record is undecodable: %v", err))
		}
	}

	players := c.indexPlayers(collections[models.CollectionPlayers], check)
	matches := c.checkMatches(collections[models.CollectionMatches], players, tournamentID, check)
	c.checkScores(collections[models.CollectionScores], matches, players, check)
	c.checkBrackets(collections[models.CollectionBrackets], matches, check)
	c.checkPermissions(collections[models.CollectionPermissions], tournament, check)

	check.RunAt = time.Now().UTC()
	switch {
	case len(check.Errors) > 0:
		check.Status = models.IntegrityFailed
		c.logger.Warnf("integrity check failed for tournament %s: %d errors, %d warnings",
			tournamentID, len(check.Errors), len(check.Warnings))
	case len(check.Warnings) > 0:
		check.Status = models.IntegrityWarning
	}

	observability.SetSuccess(span)
	return check, nil
}

func (c *IntegrityChecker) indexPlayers(docs []*models.Document, check *models.IntegrityCheck) map[string]models.Player {
	players := make(map[string]models.Player, len(docs))
	for _, doc := range docs {
		var p models.Player
		if err := json.Unmarshal(doc.Payload, &p); err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("player %s is undecodable: %v", doc.ID, err))
			continue
		}
		players[doc.ID] = p
	}
	return players
}

func (c *IntegrityChecker) checkMatches(docs []*models.Document, players map[string]models.Player, tournamentID string, check *models.IntegrityCheck) map[string]models.Match {
	matches := make(map[string]models.Match, len(docs))
	for _, doc := range docs {
		var m models.Match
		if err := json.Unmarshal(doc.Payload, &m); err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("match %s is undecodable: %v", doc.ID, err))
			continue
		}
		matches[doc.ID] = m

		if m.TournamentID != "" && m.TournamentID != tournamentID {
			check.Errors = append(check.Errors, fmt.Sprintf("match %s belongs to tournament %s", doc.ID, m.TournamentID))
		}
		for _, playerID := range []string{m.Player1ID, m.Player2ID} {
			if playerID == "" {
				continue // bye slot
			}
			if _, ok := players[playerID]; !ok {
				check.Errors = append(check.Errors, fmt.Sprintf("match %s references unknown player %s", doc.ID, playerID))
			}
		}
		if m.Score1 < 0 || m.Score2 < 0 {
			check.Errors = append(check.Errors, fmt.Sprintf("match %s has a negative score", doc.ID))
		}
		if m.Status == models.MatchCompleted {
			switch {
			case m.WinnerID == "":
				check.Errors = append(check.Errors, fmt.Sprintf("match %s is completed without a winner", doc.ID))
			case m.WinnerID != m.Player1ID && m.WinnerID != m.Player2ID:
				check.Errors = append(check.Errors, fmt.Sprintf("match %s winner %s is not a participant", doc.ID, m.WinnerID))
			}
		} else if m.WinnerID != "" {
			check.Warnings = append(check.Warnings, fmt.Sprintf("match %s has a winner but is not completed", doc.ID))
		}
		if m.WinnerID != "" && m.WinnerID == m.Player1ID && m.Score1 < m.Score2 {
			check.Warnings = append(check.Warnings, fmt.Sprintf("match %s winner %s does not lead the score", doc.ID, m.WinnerID))
		}
		if m.WinnerID != "" && m.WinnerID == m.Player2ID && m.Score2 < m.Score1 {
			check.Warnings = append(check.Warnings, fmt.Sprintf("match %s winner %s does not lead the score", doc.ID, m.WinnerID))
		}
	}
	return matches
}

func (c *IntegrityChecker) checkScores(docs []*models.Document, matches map[string]models.Match, players map[string]models.Player, check *models.IntegrityCheck) {
	for _, doc := range docs {
		var s models.Score
		if err := json.Unmarshal(doc.Payload, &s); err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("score %s is undecodable: %v", doc.ID, err))
			continue
		}
		if s.MatchID != "" {
			if _, ok := matches[s.MatchID]; !ok {
				check.Errors = append(check.Errors, fmt.Sprintf("score %s references unknown match %s", doc.ID, s.MatchID))
			}
		}
		if s.PlayerID != "" {
			if _, ok := players[s.PlayerID]; !ok {
				check.Errors = append(check.Errors, fmt.Sprintf("score %s references unknown player %s", doc.ID, s.PlayerID))
			}
		}
		if s.Points < 0 {
			check.Errors = append(check.Errors, fmt.Sprintf("score %s has negative points", doc.ID))
		}
	}
}

func (c *IntegrityChecker) checkBrackets(docs []*models.Document, matches map[string]models.Match, check *models.IntegrityCheck) {
	for _, doc := range docs {
		var b models.Bracket
		if err := json.Unmarshal(doc.Payload, &b); err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("bracket %s is undecodable: %v", doc.ID, err))
			continue
		}

		seen := map[string]bool{}
		lastRound := 0
		for _, round := range b.Rounds {
			if round.Number <= lastRound {
				check.Warnings = append(check.Warnings, fmt.Sprintf("bracket %s rounds are not in ascending order", doc.ID))
			}
			lastRound = round.Number
			for _, matchID := range round.MatchIDs {
				if matchID == "" {
					continue
				}
				if seen[matchID] {
					check.Errors = append(check.Errors, fmt.Sprintf("bracket %s places match %s in more than one slot", doc.ID, matchID))
				}
				seen[matchID] = true
				if _, ok := matches[matchID]; !ok {
					check.Errors = append(check.Errors, fmt.Sprintf("bracket %s references unknown match %s", doc.ID, matchID))
				}
			}
		}
	}
}

func (c *IntegrityChecker) checkPermissions(docs []*models.Document, tournament models.Tournament, check *models.IntegrityCheck) {
	byUser := map[string]int{}
	organizerCovered := false
	for _, doc := range docs {
		var p models.PermissionRecord
		if err := json.Unmarshal(doc.Payload, &p); err != nil {
			check.Errors = append(check.Errors, fmt.Sprintf("permission %s is undecodable: %v", doc.ID, err))
			continue
		}
		byUser[p.UserID]++
		if byUser[p.UserID] == 2 {
			check.Errors = append(check.Errors, fmt.Sprintf("user %s holds more than one permission record", p.UserID))
		}
		if models.RoleRank(p.Role) == 0 {
			check.Errors = append(check.Errors, fmt.Sprintf("permission %s grants unknown role %q", doc.ID, p.Role))
		}
		if p.GrantedBy == "" {
			check.Warnings = append(check.Warnings, fmt.Sprintf("permission %s has no grantor", doc.ID))
		}
		if p.UserID == tournament.OrganizerID && p.Role == models.RoleOrganizer {
			organizerCovered = true
		}
	}
	if tournament.OrganizerID != "" && len(docs) > 0 && !organizerCovered {
		check.Warnings = append(check.Warnings, fmt.Sprintf("organizer %s has no organizer permission record", tournament.OrganizerID))
	}
}
