package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketsync/server/internal/models"
)

func classifierConflict(conflictType models.ConflictType, severity models.ConflictSeverity, writes ...models.ConflictingWrite) *models.Conflict {
	c := models.NewConflict("t1", models.CollectionScores, "s1", conflictType, severity)
	for _, w := range writes {
		c.AddWrite(w)
	}
	return c
}

func TestConflictClassifier_Analyze(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("simultaneous edit with an organizer recommends organizer precedence", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{"u-org": models.RoleOrganizer, "u-ref": models.RoleReferee}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeSimultaneousEdit, models.SeverityHigh,
			conflictWrite("org-tab", "u-org", base, json.RawMessage(`{"points":11}`)),
			conflictWrite("ref-tab", "u-ref", base.Add(time.Second), json.RawMessage(`{"points":9}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyHierarchicalPrecedence, analysis.Recommended.Strategy)
		assert.Equal(t, 95, analysis.Recommended.Confidence)
		assert.Equal(t, models.RiskLow, analysis.Recommended.RiskLevel)
		require.Len(t, analysis.Alternatives, 1)
		assert.Equal(t, models.StrategyMerge, analysis.Alternatives[0].Strategy)
		assert.Equal(t, 70, analysis.Alternatives[0].Confidence)
		assert.True(t, analysis.CanAutoResolve)
		assert.Equal(t, models.DataLossHigh, analysis.Risk.DataLossRisk)
	})

	t.Run("simultaneous edit between peers sits at the auto-resolve boundary", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeSimultaneousEdit, models.SeverityHigh,
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"points":11}`)),
			conflictWrite("tab-b", "u-b", base.Add(time.Second), json.RawMessage(`{"points":9}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyLastWriteWins, analysis.Recommended.Strategy)
		assert.Equal(t, 80, analysis.Recommended.Confidence)
		// Confidence must exceed the threshold, so 80 at threshold 80
		// goes to a human
		assert.False(t, analysis.CanAutoResolve)
		require.Len(t, analysis.Alternatives, 1)
		assert.Equal(t, models.StrategyManualSelection, analysis.Alternatives[0].Strategy)
		assert.True(t, analysis.Alternatives[0].RequiresHuman)
	})

	t.Run("permission override always enforces the hierarchy", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypePermissionOverride, models.SeverityHigh,
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"role":"referee"}`)),
			conflictWrite("tab-b", "u-b", base, json.RawMessage(`{"role":"organizer"}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyPermissionHierarchy, analysis.Recommended.Strategy)
		assert.Equal(t, 100, analysis.Recommended.Confidence)
		assert.Empty(t, analysis.Alternatives)
		assert.True(t, analysis.CanAutoResolve)
	})

	t.Run("network partition prefers the server version", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeNetworkPartition, models.SeverityMedium,
			conflictWrite(models.ServerDeviceID, models.ServerUserID, base, json.RawMessage(`{"points":11}`)),
			conflictWrite("tab-offline", "u-a", base.Add(-time.Hour), json.RawMessage(`{"points":9}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyServerPrecedence, analysis.Recommended.Strategy)
		assert.Equal(t, 85, analysis.Recommended.Confidence)
		assert.True(t, analysis.CanAutoResolve)
		assert.Equal(t, models.DataLossMedium, analysis.Risk.DataLossRisk)
	})

	t.Run("clock skew always goes to a human", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeClockSkew, models.SeverityMedium,
			conflictWrite("tab-late", "u-a", base, json.RawMessage(`{"points":11}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyManualSelection, analysis.Recommended.Strategy)
		assert.True(t, analysis.Recommended.RequiresHuman)
		assert.False(t, analysis.CanAutoResolve)
		require.Len(t, analysis.Alternatives, 1)
		assert.Equal(t, models.StrategyLastWriteWins, analysis.Alternatives[0].Strategy)
		assert.Equal(t, models.RiskHigh, analysis.Alternatives[0].RiskLevel)
	})

	t.Run("data corruption offers manual review only", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeDataCorruption, models.SeverityCritical)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyManualSelection, analysis.Recommended.Strategy)
		assert.False(t, analysis.CanAutoResolve)
		assert.Empty(t, analysis.Alternatives)
	})

	t.Run("unknown conflict types degrade to manual review with an anomaly", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictType("solar_flare"), models.SeverityLow)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.Error(t, err)

		var aerr *AnalysisError
		require.True(t, errors.As(err, &aerr))
		assert.Equal(t, conflict.ID, aerr.ConflictID)

		require.NotNil(t, analysis)
		assert.Equal(t, models.StrategyManualSelection, analysis.Recommended.Strategy)
		assert.False(t, analysis.CanAutoResolve)
	})

	t.Run("option IDs are the strategy names", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeNetworkPartition, models.SeverityMedium,
			conflictWrite(models.ServerDeviceID, models.ServerUserID, base, json.RawMessage(`{}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		assert.Equal(t, string(models.StrategyServerPrecedence), analysis.Recommended.ID)
		require.Len(t, analysis.Alternatives, 1)
		assert.Equal(t, string(models.StrategyMerge), analysis.Alternatives[0].ID)
	})
}

func TestConflictClassifier_ClockSkewDiscount(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	outOfSyncClocks := func() *ClockMonitor {
		clocks := NewClockMonitor()
		clocks.Observe("tab-b", base.Add(30*time.Second), base)
		return clocks
	}

	t.Run("discounts last write wins when involved clocks disagree", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, outOfSyncClocks(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeSimultaneousEdit, models.SeverityHigh,
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"points":1}`)),
			conflictWrite("tab-b", "u-b", base.Add(time.Second), json.RawMessage(`{"points":2}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		assert.False(t, analysis.ClockSync.IsInSync)
		assert.Contains(t, analysis.ClockSync.OutOfSyncDevices, "tab-b")
		require.NotNil(t, analysis.Recommended)
		assert.Equal(t, models.StrategyLastWriteWins, analysis.Recommended.Strategy)
		assert.Equal(t, 60, analysis.Recommended.Confidence)
		assert.Contains(t, analysis.Recommended.Description, "device clocks disagree")
	})

	t.Run("leaves other strategies untouched", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{"u-org": models.RoleOrganizer}}
		classifier := NewConflictClassifier(authority, outOfSyncClocks(), testEngineConfig())

		conflict := classifierConflict(models.ConflictTypeSimultaneousEdit, models.SeverityHigh,
			conflictWrite("org-tab", "u-org", base, json.RawMessage(`{"points":1}`)),
			conflictWrite("tab-b", "u-b", base.Add(time.Second), json.RawMessage(`{"points":2}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		assert.Equal(t, 95, analysis.Recommended.Confidence)
		assert.NotContains(t, analysis.Recommended.Description, "device clocks disagree")
	})

	t.Run("confidence never drops below zero", func(t *testing.T) {
		cfg := testEngineConfig()
		cfg.ClockSkewConfidenceDiscount = 150
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, outOfSyncClocks(), cfg)

		conflict := classifierConflict(models.ConflictTypeSimultaneousEdit, models.SeverityHigh,
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"points":1}`)),
			conflictWrite("tab-b", "u-b", base.Add(time.Second), json.RawMessage(`{"points":2}`)),
		)

		analysis, err := classifier.Analyze(ctx, conflict)
		require.NoError(t, err)

		assert.Equal(t, 0, analysis.Recommended.Confidence)
	})
}

func TestConflictClassifier_SeverityEscalation(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	matchPayload := func(t *testing.T, winnerID string) json.RawMessage {
		t.Helper()
		return mustJSON(t, models.Match{
			ID:           "m1",
			TournamentID: "t1",
			Round:        2,
			Player1ID:    "p1",
			Player2ID:    "p2",
			WinnerID:     winnerID,
			Status:       models.MatchCompleted,
		})
	}

	newMatchConflict := func(t *testing.T, winnerA, winnerB string) *models.Conflict {
		t.Helper()
		c := models.NewConflict("t1", models.CollectionMatches, "m1", models.ConflictTypeSimultaneousEdit, models.SeverityHigh)
		c.AddWrite(conflictWrite("tab-a", "u-a", base, matchPayload(t, winnerA)))
		c.AddWrite(conflictWrite("tab-b", "u-b", base.Add(time.Second), matchPayload(t, winnerB)))
		return c
	}

	t.Run("disagreeing match winners escalate to critical", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		analysis, err := classifier.Analyze(ctx, newMatchConflict(t, "p1", "p2"))
		require.NoError(t, err)

		assert.Equal(t, models.SeverityCritical, analysis.Severity)
		assert.Equal(t, models.ImpactSevere, analysis.Risk.TournamentImpact)
		assert.Equal(t, models.UrgencyCritical, analysis.Risk.Urgency)
	})

	t.Run("agreeing winners keep the original severity", func(t *testing.T) {
		authority := &staticAuthority{roles: map[string]models.Role{}}
		classifier := NewConflictClassifier(authority, NewClockMonitor(), testEngineConfig())

		analysis, err := classifier.Analyze(ctx, newMatchConflict(t, "p1", "p1"))
		require.NoError(t, err)

		assert.Equal(t, models.SeverityHigh, analysis.Severity)
		assert.Equal(t, models.ImpactSignificant, analysis.Risk.TournamentImpact)
		assert.Equal(t, models.UrgencyHigh, analysis.Risk.Urgency)
	})
}
