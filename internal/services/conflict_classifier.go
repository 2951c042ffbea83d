package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
)

// ConflictClassifier turns a detected conflict into a ConflictAnalysis:
// severity, risk, clock agreement, and ranked resolution options. The
// analysis is derived state; it is recomputed on demand rather than
// persisted.
type ConflictClassifier struct {
	authority AuthorityChecker
	clocks    *ClockMonitor
	cfg       config.ConflictEngine
	logger    *observability.Logger
}

// NewConflictClassifier creates a new ConflictClassifier
func NewConflictClassifier(authority AuthorityChecker, clocks *ClockMonitor, cfg config.ConflictEngine) *ConflictClassifier {
	return &ConflictClassifier{
		authority: authority,
		clocks:    clocks,
		cfg:       cfg,
		logger:    observability.GetLogger().WithField("service", "classifier"),
	}
}

// Analyze classifies one conflict. Unrecognized conflict types still get
// an analysis (manual review, nothing automatic) plus an *AnalysisError
// so the caller can log the anomaly; conflicts are never dropped.
func (c *ConflictClassifier) Analyze(ctx context.Context, conflict *models.Conflict) (*models.ConflictAnalysis, error) {
	ctx, span := observability.StartServiceSpan(ctx, "classifier", "analyze")
	defer span.End()

	roles := resolveRoles(ctx, c.authority, conflict.TournamentID, conflict.UserIDs, c.logger)
	clockSync := c.clocks.Status(conflict.DeviceIDs, c.cfg.ClockSyncThreshold())

	analysis := &models.ConflictAnalysis{
		ConflictID:   conflict.ID,
		Type:         conflict.Type,
		Severity:     c.escalateSeverity(conflict),
		Alternatives: []models.ResolutionOption{},
		ClockSync:    clockSync,
	}

	var anomaly error
	resolvable := true

	switch conflict.Type {
	case models.ConflictTypeSimultaneousEdit:
		if organizerInvolved(roles) {
			analysis.Recommended = c.option(models.StrategyHierarchicalPrecedence, 95, models.RiskLow, false)
			analysis.Alternatives = append(analysis.Alternatives, *c.option(models.StrategyMerge, 70, models.RiskMedium, false))
		} else {
			analysis.Recommended = c.option(models.StrategyLastWriteWins, 80, models.RiskMedium, false)
			analysis.Alternatives = append(analysis.Alternatives, *c.option(models.StrategyManualSelection, 100, models.RiskLow, true))
		}

	case models.ConflictTypePermissionOverride:
		analysis.Recommended = c.option(models.StrategyPermissionHierarchy, 100, models.RiskLow, false)

	case models.ConflictTypeNetworkPartition:
		analysis.Recommended = c.option(models.StrategyServerPrecedence, 85, models.RiskLow, false)
		analysis.Alternatives = append(analysis.Alternatives, *c.option(models.StrategyMerge, 70, models.RiskMedium, false))

	case models.ConflictTypeClockSkew:
		// Timestamps cannot be trusted here, so ordering by them is the
		// fallback, not the recommendation
		resolvable = false
		analysis.Recommended = c.option(models.StrategyManualSelection, 100, models.RiskLow, true)
		analysis.Alternatives = append(analysis.Alternatives, *c.option(models.StrategyLastWriteWins, 80, models.RiskHigh, false))

	case models.ConflictTypeDataCorruption:
		resolvable = false
		analysis.Recommended = c.option(models.StrategyManualSelection, 100, models.RiskLow, true)

	default:
		resolvable = false
		analysis.Recommended = c.option(models.StrategyManualSelection, 100, models.RiskLow, true)
		anomaly = &AnalysisError{ConflictID: conflict.ID, Type: conflict.Type}
	}

	if !clockSync.IsInSync {
		c.discountTimestampOptions(analysis)
	}

	analysis.Risk = c.assessRisk(conflict, analysis.Severity)
	analysis.CanAutoResolve = resolvable &&
		analysis.Recommended != nil &&
		!analysis.Recommended.RequiresHuman &&
		analysis.Recommended.Confidence > c.cfg.AutoResolveConfidence

	observability.SetSuccess(span)
	return analysis, anomaly
}

// escalateSeverity bumps a conflict to critical when the competing
// writes disagree on a match winner
func (c *ConflictClassifier) escalateSeverity(conflict *models.Conflict) models.ConflictSeverity {
	if conflict.Collection != models.CollectionMatches {
		return conflict.Severity
	}

	winners := map[string]bool{}
	for _, w := range conflict.Writes {
		var match models.Match
		if err := json.Unmarshal(w.Payload, &match); err != nil {
			continue
		}
		if match.WinnerID != "" {
			winners[match.WinnerID] = true
		}
	}
	if len(winners) > 1 {
		return models.SeverityCritical
	}
	return conflict.Severity
}

// assessRisk grades what is at stake for this conflict
func (c *ConflictClassifier) assessRisk(conflict *models.Conflict, severity models.ConflictSeverity) models.RiskAssessment {
	risk := models.RiskAssessment{
		DataLossRisk:     models.DataLossLow,
		TournamentImpact: models.ImpactModerate,
		Urgency:          urgencyForSeverity(severity),
	}

	switch conflict.Type {
	case models.ConflictTypeSimultaneousEdit:
		risk.DataLossRisk = models.DataLossHigh
	case models.ConflictTypeNetworkPartition:
		risk.DataLossRisk = models.DataLossMedium
	}

	if conflict.Collection == models.CollectionMatches {
		if severity == models.SeverityCritical {
			risk.TournamentImpact = models.ImpactSevere
		} else {
			risk.TournamentImpact = models.ImpactSignificant
		}
		if urgencyRank(risk.Urgency) < urgencyRank(models.UrgencyHigh) {
			risk.Urgency = models.UrgencyHigh
		}
	}

	return risk
}

// discountTimestampOptions lowers the confidence of timestamp-ordered
// strategies when an involved device's clock cannot be trusted
func (c *ConflictClassifier) discountTimestampOptions(analysis *models.ConflictAnalysis) {
	discount := c.cfg.ClockSkewConfidenceDiscount
	apply := func(opt *models.ResolutionOption) {
		if opt.Strategy != models.StrategyLastWriteWins {
			return
		}
		opt.Confidence -= discount
		if opt.Confidence < 0 {
			opt.Confidence = 0
		}
		opt.Description += " (confidence reduced: device clocks disagree)"
	}

	if analysis.Recommended != nil {
		apply(analysis.Recommended)
	}
	for i := range analysis.Alternatives {
		apply(&analysis.Alternatives[i])
	}
}

// option builds the catalog entry for a strategy. Option IDs are the
// strategy names: stable across re-analysis so a UI can submit them back.
func (c *ConflictClassifier) option(strategy models.ResolutionStrategy, confidence int, risk models.RiskLevel, requiresHuman bool) *models.ResolutionOption {
	opt := &models.ResolutionOption{
		ID:            string(strategy),
		Strategy:      strategy,
		Confidence:    confidence,
		RiskLevel:     risk,
		Consequences:  []string{},
		RequiresHuman: requiresHuman,
	}

	switch strategy {
	case models.StrategyHierarchicalPrecedence:
		opt.Label = "Organizer precedence"
		opt.Description = "Keep the write from the highest-authority participant; organizer edits override referee edits"
	case models.StrategyLastWriteWins:
		opt.Label = "Last write wins"
		opt.Description = "Keep the newest write after correcting for each device's observed clock offset"
	case models.StrategyPermissionHierarchy:
		opt.Label = "Enforce role hierarchy"
		opt.Description = "Apply the permission change made by the higher authority and reject grants that exceed the writer's own role"
	case models.StrategyServerPrecedence:
		opt.Label = "Server version wins"
		opt.Description = "Keep the version stored on the server; the offline device's write is preserved in the conflict record"
	case models.StrategyMerge:
		opt.Label = "Field-level merge"
		opt.Description = "Combine the writes field by field, sending contested fields to the higher authority"
	case models.StrategyManualSelection:
		opt.Label = "Manual selection"
		opt.Description = "A person picks which device's write to keep"
	}

	return opt
}

func organizerInvolved(roles map[string]models.Role) bool {
	for _, role := range roles {
		if role == models.RoleOrganizer {
			return true
		}
	}
	return false
}

func urgencyForSeverity(severity models.ConflictSeverity) models.Urgency {
	switch severity {
	case models.SeverityCritical:
		return models.UrgencyCritical
	case models.SeverityHigh:
		return models.UrgencyHigh
	case models.SeverityMedium:
		return models.UrgencyMedium
	default:
		return models.UrgencyLow
	}
}

func urgencyRank(u models.Urgency) int {
	switch u {
	case models.UrgencyCritical:
		return 4
	case models.UrgencyHigh:
		return 3
	case models.UrgencyMedium:
		return 2
	default:
		return 1
	}
}

// resolveRoles looks up the tournament role for each user. Lookup
// failures degrade to spectator so classification can proceed; the
// failure is logged.
func resolveRoles(ctx context.Context, authority AuthorityChecker, tournamentID string, userIDs []string, logger *observability.Logger) map[string]models.Role {
	roles := make(map[string]models.Role, len(userIDs))
	for _, userID := range userIDs {
		role, err := authority.RoleOf(ctx, tournamentID, userID)
		if err != nil {
			logger.WithFields(map[string]interface{}{
				"tournamentId": tournamentID,
				"userId":       userID,
			}).Warnf("role lookup failed, treating as %s: %v", models.RoleSpectator, err)
			role = models.RoleSpectator
		}
		roles[userID] = role
	}
	return roles
}

// describeConflict is the one-line scenario string recorded on patterns
func describeConflict(c *models.Conflict) string {
	return fmt.Sprintf("%s on %s/%s between %d device(s)", c.Type, c.Collection, c.DocumentID, len(c.DeviceIDs))
}
