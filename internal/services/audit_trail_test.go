package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/repository"
)

func TestAuditTrail_Record(t *testing.T) {
	trail := NewAuditTrail()

	t.Run("appends entries with all fields set", func(t *testing.T) {
		conflict := models.NewConflict("t1", models.CollectionMatches, "m1", models.ConflictTypeSimultaneousEdit, models.SeverityHigh)
		data := json.RawMessage(`{"recommended":"merge"}`)

		entry := trail.Record(conflict, models.AuditActionAnalyzed, "u-1", "tab-1", "classified high severity", data)

		require.Len(t, conflict.AuditTrail, 1)
		assert.Equal(t, entry, conflict.AuditTrail[0])
		assert.NotEmpty(t, entry.ID)
		assert.False(t, entry.Timestamp.IsZero())
		assert.Equal(t, models.AuditActionAnalyzed, entry.Action)
		assert.Equal(t, "u-1", entry.ActingUser)
		assert.Equal(t, "tab-1", entry.ActingDevice)
		assert.Equal(t, "classified high severity", entry.Details)
		assert.Equal(t, data, entry.Data)
	})

	t.Run("entry IDs sort in append order", func(t *testing.T) {
		conflict := models.NewConflict("t1", models.CollectionMatches, "m1", models.ConflictTypeSimultaneousEdit, models.SeverityHigh)

		for i := 0; i < 20; i++ {
			trail.Record(conflict, models.AuditActionDetected, "", "", fmt.Sprintf("entry %d", i), nil)
		}

		ids := make([]string, 0, len(conflict.AuditTrail))
		for _, entry := range conflict.AuditTrail {
			ids = append(ids, entry.ID)
		}
		assert.True(t, sort.StringsAreSorted(ids))
	})
}

func TestAuditTrail_NewID(t *testing.T) {
	trail := NewAuditTrail()

	t.Run("IDs stamped with later times sort later", func(t *testing.T) {
		earlier := trail.NewID(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
		later := trail.NewID(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC))

		assert.Less(t, earlier, later)
	})

	t.Run("IDs are unique", func(t *testing.T) {
		at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
		seen := make(map[string]bool)
		for i := 0; i < 100; i++ {
			id := trail.NewID(at)
			assert.False(t, seen[id])
			seen[id] = true
		}
	})
}

func TestPatternTracker_RecordConflict(t *testing.T) {
	ctx := context.Background()

	t.Run("counts occurrences per type", func(t *testing.T) {
		state := newMemStateStore()
		tracker := NewPatternTracker(state)
		at := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

		tracker.RecordConflict(ctx, models.ConflictTypeSimultaneousEdit, "two referees on one match", at)
		tracker.RecordConflict(ctx, models.ConflictTypeSimultaneousEdit, "score entry race", at.Add(time.Minute))
		tracker.RecordConflict(ctx, models.ConflictTypeClockSkew, "tablet behind", at)

		patterns := tracker.List()
		require.Len(t, patterns, 2)
		assert.Equal(t, models.ConflictTypeSimultaneousEdit, patterns[0].Type)
		assert.Equal(t, int64(2), patterns[0].Frequency)
		assert.Equal(t, at.Add(time.Minute), patterns[0].LastOccurrence)
		assert.Equal(t, []string{"two referees on one match", "score entry race"}, patterns[0].Scenarios)
		assert.NotEmpty(t, patterns[0].PreventionSuggestions)
	})

	t.Run("keeps a bounded scenario sample", func(t *testing.T) {
		state := newMemStateStore()
		tracker := NewPatternTracker(state)
		at := time.Now().UTC()

		for i := 0; i < models.MaxPatternScenarios+5; i++ {
			tracker.RecordConflict(ctx, models.ConflictTypeClockSkew, fmt.Sprintf("scenario %d", i), at)
		}

		patterns := tracker.List()
		require.Len(t, patterns, 1)
		assert.Len(t, patterns[0].Scenarios, models.MaxPatternScenarios)
		assert.Equal(t, "scenario 5", patterns[0].Scenarios[0])
	})

	t.Run("persists through the state store", func(t *testing.T) {
		state := newMemStateStore()
		tracker := NewPatternTracker(state)

		tracker.RecordConflict(ctx, models.ConflictTypeNetworkPartition, "offline burst", time.Now().UTC())

		raw := state.raw(repository.StateNamespacePatterns, string(models.ConflictTypeNetworkPartition))
		require.NotNil(t, raw)

		var stored models.ConflictPattern
		require.NoError(t, json.Unmarshal(raw, &stored))
		assert.Equal(t, int64(1), stored.Frequency)
	})
}

func TestPatternTracker_RecordOutcome(t *testing.T) {
	ctx := context.Background()
	state := newMemStateStore()
	tracker := NewPatternTracker(state)

	tracker.RecordOutcome(ctx, models.ConflictTypeSimultaneousEdit, true)
	tracker.RecordOutcome(ctx, models.ConflictTypeSimultaneousEdit, true)
	tracker.RecordOutcome(ctx, models.ConflictTypeSimultaneousEdit, false)

	patterns := tracker.List()
	require.Len(t, patterns, 1)
	assert.Equal(t, int64(2), patterns[0].AutoResolvedCount)
	assert.Equal(t, int64(1), patterns[0].ManualResolvedCount)
	assert.InDelta(t, 2.0/3.0, patterns[0].AutoSuccessRate, 0.0001)
}

func TestPatternTracker_Load(t *testing.T) {
	ctx := context.Background()

	t.Run("restores persisted patterns", func(t *testing.T) {
		state := newMemStateStore()
		first := NewPatternTracker(state)
		first.RecordConflict(ctx, models.ConflictTypeClockSkew, "tablet behind", time.Now().UTC())
		first.RecordOutcome(ctx, models.ConflictTypeClockSkew, false)

		second := NewPatternTracker(state)
		require.NoError(t, second.Load(ctx))

		patterns := second.List()
		require.Len(t, patterns, 1)
		assert.Equal(t, models.ConflictTypeClockSkew, patterns[0].Type)
		assert.Equal(t, int64(1), patterns[0].Frequency)
		assert.Equal(t, int64(1), patterns[0].ManualResolvedCount)
	})

	t.Run("skips undecodable entries", func(t *testing.T) {
		state := newMemStateStore()
		require.NoError(t, state.Put(ctx, repository.StateNamespacePatterns, "junk", json.RawMessage(`"??"`)))

		tracker := NewPatternTracker(state)
		require.NoError(t, tracker.Load(ctx))
		assert.Empty(t, tracker.List())
	})
}

func TestPatternTracker_List(t *testing.T) {
	ctx := context.Background()
	state := newMemStateStore()
	tracker := NewPatternTracker(state)
	at := time.Now().UTC()

	tracker.RecordConflict(ctx, models.ConflictTypeClockSkew, "", at)
	tracker.RecordConflict(ctx, models.ConflictTypeSimultaneousEdit, "", at)
	tracker.RecordConflict(ctx, models.ConflictTypeSimultaneousEdit, "", at)
	tracker.RecordConflict(ctx, models.ConflictTypeNetworkPartition, "", at)

	t.Run("orders by frequency then type", func(t *testing.T) {
		patterns := tracker.List()
		require.Len(t, patterns, 3)
		assert.Equal(t, models.ConflictTypeSimultaneousEdit, patterns[0].Type)
		// Equal frequency: clock_skew sorts before network_partition
		assert.Equal(t, models.ConflictTypeClockSkew, patterns[1].Type)
		assert.Equal(t, models.ConflictTypeNetworkPartition, patterns[2].Type)
	})

	t.Run("returns copies, not internal state", func(t *testing.T) {
		patterns := tracker.List()
		patterns[0].Frequency = 999
		patterns[0].Scenarios = append(patterns[0].Scenarios, "mutated")

		fresh := tracker.List()
		assert.Equal(t, int64(2), fresh[0].Frequency)
		assert.NotContains(t, fresh[0].Scenarios, "mutated")
	})
}
