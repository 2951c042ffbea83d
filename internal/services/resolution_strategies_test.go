package services

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketsync/server/internal/models"
)

func strategyConflict(writes ...models.ConflictingWrite) *models.Conflict {
	c := models.NewConflict("t1", models.CollectionMatches, "m1", models.ConflictTypeSimultaneousEdit, models.SeverityHigh)
	for _, w := range writes {
		c.AddWrite(w)
	}
	return c
}

func TestApplyStrategy_HierarchicalPrecedence(t *testing.T) {
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("organizer beats a newer referee write", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("ref-tab", "u-ref", base.Add(10*time.Second), json.RawMessage(`{"score1":4}`)),
			conflictWrite("org-tab", "u-org", base, json.RawMessage(`{"score1":5}`)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-ref": models.RoleReferee,
				"u-org": models.RoleOrganizer,
			},
		}

		result, err := ApplyStrategy(models.StrategyHierarchicalPrecedence, in)
		require.NoError(t, err)

		assert.Equal(t, "org-tab", result.WinningDeviceID)
		assert.Equal(t, "u-org", result.WinningUserID)
		assert.JSONEq(t, `{"score1":5}`, string(result.Payload))
		assert.True(t, hasConsequenceContaining(result, "Kept the organizer write from device org-tab"))
		assert.True(t, hasConsequenceContaining(result, "Discarded the referee write from device ref-tab"))
	})

	t.Run("equal roles fall back to corrected timestamps", func(t *testing.T) {
		// Device A claims a later time but runs 5s fast, so after
		// correction device B's write is actually newer.
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base.Add(5*time.Second), json.RawMessage(`{"v":"a"}`)),
			conflictWrite("tab-b", "u-b", base.Add(2*time.Second), json.RawMessage(`{"v":"b"}`)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-a": models.RoleReferee,
				"u-b": models.RoleReferee,
			},
			ClockOffsetsMs: map[string]int64{"tab-a": 5000},
		}

		result, err := ApplyStrategy(models.StrategyHierarchicalPrecedence, in)
		require.NoError(t, err)

		assert.Equal(t, "tab-b", result.WinningDeviceID)
	})

	t.Run("full tie breaks on lexically smaller device ID", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("beta", "u-1", base, json.RawMessage(`{"v":1}`)),
			conflictWrite("alpha", "u-2", base, json.RawMessage(`{"v":2}`)),
		)
		in := StrategyInput{Conflict: conflict}

		result, err := ApplyStrategy(models.StrategyHierarchicalPrecedence, in)
		require.NoError(t, err)

		assert.Equal(t, "alpha", result.WinningDeviceID)
	})

	t.Run("is deterministic across runs", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"v":1}`)),
			conflictWrite("tab-b", "u-b", base.Add(time.Second), json.RawMessage(`{"v":2}`)),
		)
		in := StrategyInput{Conflict: conflict}

		first, err := ApplyStrategy(models.StrategyHierarchicalPrecedence, in)
		require.NoError(t, err)
		second, err := ApplyStrategy(models.StrategyHierarchicalPrecedence, in)
		require.NoError(t, err)

		assert.Equal(t, first, second)
	})

	t.Run("errors with no writes", func(t *testing.T) {
		in := StrategyInput{Conflict: strategyConflict()}

		_, err := ApplyStrategy(models.StrategyHierarchicalPrecedence, in)
		assert.Error(t, err)
	})
}

func TestApplyStrategy_LastWriteWins(t *testing.T) {
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("ignores roles entirely", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("org-tab", "u-org", base, json.RawMessage(`{"v":"old"}`)),
			conflictWrite("spec-tab", "u-spec", base.Add(3*time.Second), json.RawMessage(`{"v":"new"}`)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-org":  models.RoleOrganizer,
				"u-spec": models.RoleSpectator,
			},
		}

		result, err := ApplyStrategy(models.StrategyLastWriteWins, in)
		require.NoError(t, err)

		assert.Equal(t, "spec-tab", result.WinningDeviceID)
		assert.JSONEq(t, `{"v":"new"}`, string(result.Payload))
	})

	t.Run("clock correction can flip the raw order", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("fast-tab", "u-a", base.Add(5*time.Second), json.RawMessage(`{"v":"fast"}`)),
			conflictWrite("true-tab", "u-b", base.Add(2*time.Second), json.RawMessage(`{"v":"true"}`)),
		)
		in := StrategyInput{
			Conflict:       conflict,
			ClockOffsetsMs: map[string]int64{"fast-tab": 5000},
		}

		result, err := ApplyStrategy(models.StrategyLastWriteWins, in)
		require.NoError(t, err)

		assert.Equal(t, "true-tab", result.WinningDeviceID)
		assert.True(t, hasConsequenceContaining(result, "clock corrected"))
		assert.True(t, hasConsequenceContaining(result, "Discarded the older write from device fast-tab"))
	})
}

func TestApplyStrategy_PermissionHierarchy(t *testing.T) {
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	grant := func(t *testing.T, userID string, role models.Role) json.RawMessage {
		t.Helper()
		return mustJSON(t, models.PermissionRecord{
			ID:           "perm-1",
			TournamentID: "t1",
			UserID:       userID,
			Role:         role,
			GrantedBy:    "granter",
		})
	}

	t.Run("rejects grants above the writer's own rank", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("ref-tab", "u-ref", base.Add(time.Minute), grant(t, "target", models.RoleOrganizer)),
			conflictWrite("org-tab", "u-org", base, grant(t, "target", models.RoleReferee)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-ref": models.RoleReferee,
				"u-org": models.RoleOrganizer,
			},
		}

		result, err := ApplyStrategy(models.StrategyPermissionHierarchy, in)
		require.NoError(t, err)

		assert.Equal(t, "org-tab", result.WinningDeviceID)
		assert.True(t, hasConsequenceContaining(result, "Enforced the permission change"))
		assert.True(t, hasConsequenceContaining(result, "Rejected the change from device ref-tab"))
	})

	t.Run("grant at or below own rank stands", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("ref-tab", "u-ref", base.Add(time.Minute), grant(t, "target", models.RoleReferee)),
			conflictWrite("org-tab", "u-org", base, grant(t, "target", models.RoleSpectator)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-ref": models.RoleReferee,
				"u-org": models.RoleOrganizer,
			},
		}

		result, err := ApplyStrategy(models.StrategyPermissionHierarchy, in)
		require.NoError(t, err)

		// Both writes are within authority; the organizer outranks.
		assert.Equal(t, "org-tab", result.WinningDeviceID)
		assert.False(t, hasConsequenceContaining(result, "Rejected"))
	})

	t.Run("falls back to all writes when every grant overreaches", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, grant(t, "target", models.RoleReferee)),
			conflictWrite("tab-b", "u-b", base.Add(time.Second), grant(t, "target", models.RoleOrganizer)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-a": models.RoleSpectator,
				"u-b": models.RoleSpectator,
			},
		}

		result, err := ApplyStrategy(models.StrategyPermissionHierarchy, in)
		require.NoError(t, err)

		assert.NotEmpty(t, result.WinningDeviceID)
		assert.NotNil(t, result.Payload)
	})
}

func TestApplyStrategy_ServerPrecedence(t *testing.T) {
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("keeps the first write as the server version", func(t *testing.T) {
		server := conflictWrite(models.ServerDeviceID, models.ServerUserID, base, json.RawMessage(`{"v":"server"}`))
		server.Version = 7
		conflict := strategyConflict(
			server,
			conflictWrite("offline-tab", "u-ref", base.Add(-time.Hour), json.RawMessage(`{"v":"offline"}`)),
		)
		in := StrategyInput{Conflict: conflict}

		result, err := ApplyStrategy(models.StrategyServerPrecedence, in)
		require.NoError(t, err)

		assert.Equal(t, models.ServerDeviceID, result.WinningDeviceID)
		assert.JSONEq(t, `{"v":"server"}`, string(result.Payload))
		assert.True(t, hasConsequenceContaining(result, "server-stored version (v7)"))
		assert.True(t, hasConsequenceContaining(result, "Discarded the offline write from device offline-tab"))
	})
}

func TestApplyStrategy_Merge(t *testing.T) {
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("unions fields and keeps agreed values", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("ref-tab", "u-ref", base, json.RawMessage(`{"score1":5,"status":"in_progress"}`)),
			conflictWrite("org-tab", "u-org", base.Add(time.Second), json.RawMessage(`{"score2":3,"status":"in_progress"}`)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-ref": models.RoleReferee,
				"u-org": models.RoleOrganizer,
			},
		}

		result, err := ApplyStrategy(models.StrategyMerge, in)
		require.NoError(t, err)

		assert.JSONEq(t, `{"score1":5,"score2":3,"status":"in_progress"}`, string(result.Payload))
		assert.Equal(t, []string{"All writes agreed field by field; combined without overrides"}, result.Consequences)
	})

	t.Run("contested fields go to the higher authority", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("ref-tab", "u-ref", base.Add(time.Minute), json.RawMessage(`{"winnerId":"p2"}`)),
			conflictWrite("org-tab", "u-org", base, json.RawMessage(`{"winnerId":"p1"}`)),
		)
		in := StrategyInput{
			Conflict: conflict,
			Roles: map[string]models.Role{
				"u-ref": models.RoleReferee,
				"u-org": models.RoleOrganizer,
			},
		}

		result, err := ApplyStrategy(models.StrategyMerge, in)
		require.NoError(t, err)

		assert.JSONEq(t, `{"winnerId":"p1"}`, string(result.Payload))
		assert.True(t, hasConsequenceContaining(result, `Field "winnerId": kept the value from device org-tab (organizer)`))
	})

	t.Run("contested fields without role difference use corrected time", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"seed":1}`)),
			conflictWrite("tab-b", "u-b", base.Add(2*time.Second), json.RawMessage(`{"seed":2}`)),
		)
		in := StrategyInput{Conflict: conflict}

		result, err := ApplyStrategy(models.StrategyMerge, in)
		require.NoError(t, err)

		assert.JSONEq(t, `{"seed":2}`, string(result.Payload))
	})

	t.Run("rejects non-object payloads", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"v":1}`)),
			conflictWrite("tab-b", "u-b", base, json.RawMessage(`[1,2,3]`)),
		)
		in := StrategyInput{Conflict: conflict}

		_, err := ApplyStrategy(models.StrategyMerge, in)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tab-b")
	})
}

func TestApplyStrategy_ManualSelection(t *testing.T) {
	base := time.Date(2026, 3, 15, 14, 0, 0, 0, time.UTC)

	t.Run("applies the newest write from the chosen device", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"v":"a-old"}`)),
			conflictWrite("tab-a", "u-a", base.Add(time.Minute), json.RawMessage(`{"v":"a-new"}`)),
			conflictWrite("tab-b", "u-b", base.Add(2*time.Minute), json.RawMessage(`{"v":"b"}`)),
		)
		in := StrategyInput{Conflict: conflict, ChosenDeviceID: "tab-a"}

		result, err := ApplyStrategy(models.StrategyManualSelection, in)
		require.NoError(t, err)

		assert.JSONEq(t, `{"v":"a-new"}`, string(result.Payload))
		assert.True(t, hasConsequenceContaining(result, "explicit selection"))
		assert.True(t, hasConsequenceContaining(result, "Discarded the write from device tab-b"))
	})

	t.Run("requires a chosen device", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"v":1}`)),
		)
		in := StrategyInput{Conflict: conflict}

		_, err := ApplyStrategy(models.StrategyManualSelection, in)
		assert.Error(t, err)
	})

	t.Run("unknown device maps to option not found", func(t *testing.T) {
		conflict := strategyConflict(
			conflictWrite("tab-a", "u-a", base, json.RawMessage(`{"v":1}`)),
		)
		in := StrategyInput{Conflict: conflict, ChosenDeviceID: "tab-z"}

		_, err := ApplyStrategy(models.StrategyManualSelection, in)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrOptionNotFound))
	})

	t.Run("resolves corruption reports without touching data", func(t *testing.T) {
		in := StrategyInput{Conflict: strategyConflict()}

		result, err := ApplyStrategy(models.StrategyManualSelection, in)
		require.NoError(t, err)

		assert.Nil(t, result.Payload)
		assert.Equal(t, []string{"Resolved by manual review; no stored data changed"}, result.Consequences)
	})
}

func TestApplyStrategy_Unknown(t *testing.T) {
	in := StrategyInput{Conflict: strategyConflict()}

	_, err := ApplyStrategy(models.ResolutionStrategy("coin_flip"), in)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "coin_flip")
}
