package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/repository"
)

type engineFixture struct {
	engine   *ConflictEngine
	store    *memRecordStore
	state    *memStateStore
	notifier *recordingNotifier
}

func newEngineFixture(t *testing.T, roles map[string]models.Role) *engineFixture {
	t.Helper()
	store := newMemRecordStore()
	state := newMemStateStore()
	return startEngine(t, store, state, roles)
}

func startEngine(t *testing.T, store *memRecordStore, state *memStateStore, roles map[string]models.Role) *engineFixture {
	t.Helper()
	cfg := testEngineConfig()
	clocks := NewClockMonitor()
	authority := &staticAuthority{roles: roles}
	detector := NewConflictDetector(store, cfg)
	engine := NewConflictEngine(store, state, authority, clocks, detector, cfg, newTestEngineMetrics(t))
	notifier := &recordingNotifier{}
	engine.SetNotifier(notifier)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(engine.Stop)
	return &engineFixture{engine: engine, store: store, state: state, notifier: notifier}
}

// submit applies a write to the store and feeds it to the engine, the
// same sequence the sync feed performs
func (f *engineFixture) submit(t *testing.T, ev *models.WriteEvent) {
	t.Helper()
	_, err := f.store.Apply(context.Background(), ev)
	require.NoError(t, err)
	f.engine.HandleWrite(ev)
	f.drain(t, ev.TournamentID)
}

// drain blocks until the tournament worker has run everything queued
// before it
func (f *engineFixture) drain(t *testing.T, tournamentID string) {
	t.Helper()
	done := make(chan struct{})
	f.engine.Dispatch(tournamentID, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tournament worker did not drain")
	}
}

func scorePayload(points int) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"points":%d}`, points))
}

func TestConflictEngine_AutoResolution(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Second)

	t.Run("competing writes resolve automatically when roles differ", func(t *testing.T) {
		f := newEngineFixture(t, organizerRoles)

		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "ref-tab", "u-ref", base, scorePayload(9)))
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "org-tab", "u-org", base.Add(time.Second), scorePayload(11)))

		require.Equal(t, 1, f.notifier.detectedCount())
		detected := f.notifier.lastDetected()
		assert.Equal(t, models.ConflictTypeSimultaneousEdit, detected.Type)
		assert.ElementsMatch(t, []string{"ref-tab", "org-tab"}, detected.DeviceIDs)

		require.Eventually(t, func() bool { return f.notifier.resolvedCount() == 1 },
			2*time.Second, 5*time.Millisecond)

		resolved := f.notifier.lastResolved()
		assert.Equal(t, models.ConflictStatusResolved, resolved.Status)
		assert.True(t, resolved.AutomaticResolution)
		assert.Equal(t, models.StrategyHierarchicalPrecedence, resolved.ResolutionMethod)

		// The organizer's payload won and was written back by the server
		doc := f.store.document(models.CollectionScores, "s1")
		require.NotNil(t, doc)
		assert.JSONEq(t, `{"points":11}`, string(doc.Payload))
		assert.Equal(t, models.ServerDeviceID, doc.LastModifiedDevice)

		// The open-document index drops on resolution
		_, open := f.engine.OpenConflictID(models.CollectionScores, "s1")
		assert.False(t, open)

		stats := f.engine.Stats()
		assert.Equal(t, 1, stats.TotalCount)
		assert.Equal(t, 1, stats.ResolvedCount)
		assert.Equal(t, 1, stats.AutoResolved)

		// Write-through: the stored copy is the resolved conflict
		raw := f.state.raw(repository.StateNamespaceConflicts, resolved.ID)
		require.NotNil(t, raw)
		var persisted models.Conflict
		require.NoError(t, json.Unmarshal(raw, &persisted))
		assert.True(t, persisted.IsResolved())
	})

	t.Run("a lone write detects nothing", func(t *testing.T) {
		f := newEngineFixture(t, nil)

		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-a", "u-a", base, scorePayload(3)))

		assert.Zero(t, f.notifier.detectedCount())
		assert.Zero(t, f.engine.Stats().TotalCount)
	})
}

func TestConflictEngine_Escalation(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Second)

	escalatePeers := func(t *testing.T, f *engineFixture) string {
		t.Helper()
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-a", "u-a", base, scorePayload(9)))
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-b", "u-b", base.Add(time.Second), scorePayload(11)))
		require.Equal(t, 1, f.notifier.manualCount())
		ev, ok := f.notifier.lastManual()
		require.True(t, ok)
		return ev.Conflict.ID
	}

	t.Run("equal-authority writes go to manual review", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		id := escalatePeers(t, f)

		ev, ok := f.notifier.lastManual()
		require.True(t, ok)
		assert.Equal(t, models.ConflictStatusEscalated, ev.Conflict.Status)
		require.Len(t, ev.Options, 2)
		assert.Equal(t, string(models.StrategyLastWriteWins), ev.Options[0].ID)
		assert.Equal(t, string(models.StrategyManualSelection), ev.Options[1].ID)

		openID, open := f.engine.OpenConflictID(models.CollectionScores, "s1")
		assert.True(t, open)
		assert.Equal(t, id, openID)

		stats := f.engine.Stats()
		assert.Equal(t, 1, stats.EscalatedCount)
		assert.Zero(t, stats.ResolvedCount)
	})

	t.Run("later writes on the document are absorbed, not re-detected", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		id := escalatePeers(t, f)

		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-c", "u-c", base.Add(2*time.Second), scorePayload(4)))

		c, _, err := f.engine.GetConflict(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, c.Writes, 3)
		assert.ElementsMatch(t, []string{"tab-a", "tab-b", "tab-c"}, c.DeviceIDs)

		// Still one conflict, still one manual request
		assert.Equal(t, 1, f.notifier.detectedCount())
		assert.Equal(t, 1, f.notifier.manualCount())

		absorbed := false
		for _, entry := range c.AuditTrail {
			if entry.Action == models.AuditActionDetected && entry.ActingDevice == "tab-c" {
				absorbed = true
			}
		}
		assert.True(t, absorbed)
	})

	t.Run("manual resolution through the engine applies and fans out", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		id := escalatePeers(t, f)

		err := f.engine.ResolveManually(context.Background(), id, string(models.StrategyLastWriteWins), "", "u-judge", "checked the paper bracket")
		require.NoError(t, err)

		require.Eventually(t, func() bool { return f.notifier.resolvedCount() == 1 },
			2*time.Second, 5*time.Millisecond)

		resolved := f.notifier.lastResolved()
		assert.Equal(t, id, resolved.ID)
		assert.False(t, resolved.AutomaticResolution)
		assert.Equal(t, "u-judge", resolved.ResolvedBy)

		// tab-b wrote last, so its payload stands
		doc := f.store.document(models.CollectionScores, "s1")
		require.NotNil(t, doc)
		assert.JSONEq(t, `{"points":11}`, string(doc.Payload))

		_, open := f.engine.OpenConflictID(models.CollectionScores, "s1")
		assert.False(t, open)
	})

	t.Run("resolving an unknown conflict fails", func(t *testing.T) {
		f := newEngineFixture(t, nil)
		err := f.engine.ResolveManually(context.Background(), "no-such-conflict", "last_write_wins", "", "u-1", "")
		assert.True(t, errors.Is(err, ErrConflictNotFound))
	})
}

func TestConflictEngine_ClockSkew(t *testing.T) {
	base := time.Now().UTC()

	t.Run("one open skew conflict per device", func(t *testing.T) {
		f := newEngineFixture(t, nil)

		first := writeEventAt(models.CollectionScores, "s1", "t1", "tab-slow", "u-1", base, scorePayload(3))
		first.Timestamp = base.Add(-10 * time.Second)
		f.submit(t, first)

		require.Equal(t, 1, f.notifier.detectedCount())
		detected := f.notifier.lastDetected()
		assert.Equal(t, models.ConflictTypeClockSkew, detected.Type)
		assert.Equal(t, []string{"tab-slow"}, detected.DeviceIDs)

		// Another skewed write from the same device on a different
		// document changes nothing
		second := writeEventAt(models.CollectionScores, "s2", "t1", "tab-slow", "u-1", base.Add(time.Second), scorePayload(5))
		second.Timestamp = base.Add(-9 * time.Second)
		f.submit(t, second)

		assert.Equal(t, 1, f.notifier.detectedCount())
		assert.Len(t, f.engine.ListPending("t1"), 1)
	})
}

func TestConflictEngine_ReportCorruption(t *testing.T) {
	t.Run("raises a critical conflict carrying the findings", func(t *testing.T) {
		f := newEngineFixture(t, nil)

		f.engine.ReportCorruption(context.Background(), "t1", []string{
			"match m1 winner is not a participant",
			"score s2 has negative points",
		})
		f.drain(t, "t1")

		require.Equal(t, 1, f.notifier.detectedCount())
		detected := f.notifier.lastDetected()
		assert.Equal(t, models.ConflictTypeDataCorruption, detected.Type)
		assert.Equal(t, models.SeverityCritical, detected.Severity)

		require.NotEmpty(t, detected.AuditTrail)
		assert.Contains(t, detected.AuditTrail[0].Details,
			"integrity check failed: match m1 winner is not a participant; score s2 has negative points")

		// Corruption goes straight to manual review and never becomes an
		// absorb target
		require.Equal(t, 1, f.notifier.manualCount())
		_, open := f.engine.OpenConflictID(models.CollectionTournaments, "t1")
		assert.False(t, open)
	})

	t.Run("alerts when the critical conflict sits unresolved", func(t *testing.T) {
		f := newEngineFixture(t, nil)

		f.engine.ReportCorruption(context.Background(), "t1", []string{"bracket references a missing match"})
		f.drain(t, "t1")

		require.Eventually(t, func() bool { return f.notifier.criticalCount() == 1 },
			3*time.Second, 10*time.Millisecond)
	})
}

func TestConflictEngine_IngestConflict(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Second)

	t.Run("adopts a partition conflict and resolves it", func(t *testing.T) {
		f := newEngineFixture(t, nil)

		c := models.NewConflict("t1", models.CollectionMatches, "m1", models.ConflictTypeNetworkPartition, models.SeverityMedium)
		stored := conflictWrite("tab-online", "u-on", base.Add(time.Second), json.RawMessage(`{"score1":7}`))
		stored.Version = 4
		c.AddWrite(stored)
		c.AddWrite(conflictWrite("tab-offline", "u-off", base, json.RawMessage(`{"score1":5}`)))

		f.engine.IngestConflict(c)
		f.drain(t, "t1")

		require.Equal(t, 1, f.notifier.detectedCount())
		require.Eventually(t, func() bool { return f.notifier.resolvedCount() == 1 },
			2*time.Second, 5*time.Millisecond)

		resolved := f.notifier.lastResolved()
		assert.Equal(t, models.StrategyServerPrecedence, resolved.ResolutionMethod)
		assert.True(t, resolved.AutomaticResolution)
		require.NotEmpty(t, resolved.AuditTrail)
		assert.Equal(t, models.AuditActionDetected, resolved.AuditTrail[0].Action)

		doc := f.store.document(models.CollectionMatches, "m1")
		require.NotNil(t, doc)
		assert.JSONEq(t, `{"score1":7}`, string(doc.Payload))
	})

	t.Run("absorbs into an open conflict on the same document", func(t *testing.T) {
		f := newEngineFixture(t, nil)

		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-a", "u-a", base, scorePayload(9)))
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-b", "u-b", base.Add(time.Second), scorePayload(11)))
		require.Equal(t, 1, f.notifier.manualCount())
		ev, _ := f.notifier.lastManual()
		id := ev.Conflict.ID

		late := models.NewConflict("t1", models.CollectionScores, "s1", models.ConflictTypeNetworkPartition, models.SeverityMedium)
		late.AddWrite(conflictWrite("tab-z", "u-z", base.Add(2*time.Second), scorePayload(2)))

		f.engine.IngestConflict(late)
		f.drain(t, "t1")

		c, _, err := f.engine.GetConflict(context.Background(), id)
		require.NoError(t, err)
		assert.Len(t, c.Writes, 3)
		assert.Contains(t, c.DeviceIDs, "tab-z")

		conflicts, total := f.engine.ListConflicts("t1", "", 0, 0)
		assert.Equal(t, 1, total)
		assert.Len(t, conflicts, 1)
	})
}

func TestConflictEngine_RestartResume(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Second)
	ctx := context.Background()

	t.Run("reloads persisted conflicts and re-notifies escalations", func(t *testing.T) {
		store := newMemRecordStore()
		state := newMemStateStore()

		f1 := startEngine(t, store, state, nil)
		f1.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-a", "u-a", base, scorePayload(9)))
		f1.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "tab-b", "u-b", base.Add(time.Second), scorePayload(11)))
		require.Equal(t, 1, f1.notifier.manualCount())
		f1.engine.Stop()

		f2 := startEngine(t, store, state, nil)
		require.Eventually(t, func() bool { return f2.notifier.manualCount() == 1 },
			2*time.Second, 5*time.Millisecond)

		assert.Len(t, f2.engine.ListPending("t1"), 1)
		assert.Equal(t, 1, f2.engine.Stats().EscalatedCount)

		// The reloaded conflict is an absorb target again
		_, open := f2.engine.OpenConflictID(models.CollectionScores, "s1")
		assert.True(t, open)
	})

	t.Run("escalates conflicts caught mid automatic resolution", func(t *testing.T) {
		state := newMemStateStore()

		c := models.NewConflict("t1", models.CollectionScores, "s1", models.ConflictTypeSimultaneousEdit, models.SeverityHigh)
		c.AddWrite(conflictWrite("tab-a", "u-a", base, scorePayload(9)))
		c.AddWrite(conflictWrite("tab-b", "u-b", base.Add(time.Second), scorePayload(11)))
		c.Status = models.ConflictStatusAutoResolving
		require.NoError(t, state.Put(ctx, repository.StateNamespaceConflicts, c.ID, mustJSON(t, c)))

		f := startEngine(t, newMemRecordStore(), state, nil)
		require.Eventually(t, func() bool { return f.notifier.manualCount() == 1 },
			2*time.Second, 5*time.Millisecond)

		reloaded, _, err := f.engine.GetConflict(ctx, c.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ConflictStatusEscalated, reloaded.Status)

		interrupted := false
		for _, entry := range reloaded.AuditTrail {
			if entry.Action == models.AuditActionEscalated && entry.Details == "automatic resolution interrupted by restart" {
				interrupted = true
			}
		}
		assert.True(t, interrupted)
	})

	t.Run("skips undecodable stored conflicts", func(t *testing.T) {
		state := newMemStateStore()
		require.NoError(t, state.Put(ctx, repository.StateNamespaceConflicts, "bad", json.RawMessage(`{not json`)))

		c := models.NewConflict("t1", models.CollectionScores, "s1", models.ConflictTypeSimultaneousEdit, models.SeverityHigh)
		c.MarkResolved(models.StrategyLastWriteWins, nil, "u-1", false)
		require.NoError(t, state.Put(ctx, repository.StateNamespaceConflicts, c.ID, mustJSON(t, c)))

		f := startEngine(t, newMemRecordStore(), state, nil)

		_, total := f.engine.ListConflicts("", "", 0, 0)
		assert.Equal(t, 1, total)
		assert.Empty(t, f.engine.ListPending(""))
	})
}

func TestConflictEngine_RecordRollback(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Second)
	ctx := context.Background()

	t.Run("audits resolutions the rollback rewound", func(t *testing.T) {
		f := newEngineFixture(t, organizerRoles)

		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "ref-tab", "u-ref", base, scorePayload(9)))
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "org-tab", "u-org", base.Add(time.Second), scorePayload(11)))
		require.Eventually(t, func() bool { return f.notifier.resolvedCount() == 1 },
			2*time.Second, 5*time.Millisecond)
		id := f.notifier.lastResolved().ID

		f.engine.RecordRollback(ctx, "t1", "rp-77", "organizer requested a rewind", time.Now().UTC().Add(-time.Hour))

		c, _, err := f.engine.GetConflict(ctx, id)
		require.NoError(t, err)
		entries := 0
		for _, entry := range c.AuditTrail {
			if entry.Action == models.AuditActionRollback {
				entries++
				assert.Equal(t, "tournament rolled back to point rp-77: organizer requested a rewind", entry.Details)
			}
		}
		assert.Equal(t, 1, entries)

		// The persisted copy carries the entry too
		var persisted models.Conflict
		require.NoError(t, json.Unmarshal(f.state.raw(repository.StateNamespaceConflicts, id), &persisted))
		assert.True(t, persisted.HasAuditAction(models.AuditActionRollback))
	})

	t.Run("leaves resolutions older than the rollback window alone", func(t *testing.T) {
		f := newEngineFixture(t, organizerRoles)

		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "ref-tab", "u-ref", base, scorePayload(9)))
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "org-tab", "u-org", base.Add(time.Second), scorePayload(11)))
		require.Eventually(t, func() bool { return f.notifier.resolvedCount() == 1 },
			2*time.Second, 5*time.Millisecond)
		id := f.notifier.lastResolved().ID

		f.engine.RecordRollback(ctx, "t1", "rp-78", "late rewind", time.Now().UTC().Add(time.Hour))

		c, _, err := f.engine.GetConflict(ctx, id)
		require.NoError(t, err)
		assert.False(t, c.HasAuditAction(models.AuditActionRollback))
	})
}

func TestConflictEngine_Listing(t *testing.T) {
	base := time.Now().UTC().Add(-2 * time.Second)

	setup := func(t *testing.T) *engineFixture {
		t.Helper()
		f := newEngineFixture(t, organizerRoles)

		// t1: one auto-resolved conflict, then one escalated
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "ref-tab", "u-ref", base, scorePayload(9)))
		f.submit(t, writeEventAt(models.CollectionScores, "s1", "t1", "org-tab", "u-org", base.Add(time.Second), scorePayload(11)))
		require.Eventually(t, func() bool { return f.notifier.resolvedCount() == 1 },
			2*time.Second, 5*time.Millisecond)

		f.submit(t, writeEventAt(models.CollectionScores, "s2", "t1", "tab-a", "u-a", base, scorePayload(3)))
		f.submit(t, writeEventAt(models.CollectionScores, "s2", "t1", "tab-b", "u-b", base.Add(time.Second), scorePayload(5)))
		require.Equal(t, 1, f.notifier.manualCount())
		return f
	}

	t.Run("filters by tournament and status", func(t *testing.T) {
		f := setup(t)

		_, total := f.engine.ListConflicts("", "", 0, 0)
		assert.Equal(t, 2, total)

		escalated, total := f.engine.ListConflicts("t1", models.ConflictStatusEscalated, 0, 0)
		assert.Equal(t, 1, total)
		require.Len(t, escalated, 1)
		assert.Equal(t, "s2", escalated[0].DocumentID)

		none, total := f.engine.ListConflicts("t9", "", 0, 0)
		assert.Zero(t, total)
		assert.Empty(t, none)
	})

	t.Run("pages newest first", func(t *testing.T) {
		f := setup(t)

		page, total := f.engine.ListConflicts("t1", "", 0, 1)
		assert.Equal(t, 2, total)
		require.Len(t, page, 1)
		assert.Equal(t, "s2", page[0].DocumentID)

		rest, _ := f.engine.ListConflicts("t1", "", 1, 1)
		require.Len(t, rest, 1)
		assert.Equal(t, "s1", rest[0].DocumentID)

		beyond, total := f.engine.ListConflicts("t1", "", 10, 5)
		assert.Equal(t, 2, total)
		assert.Empty(t, beyond)
	})

	t.Run("pending excludes resolved conflicts", func(t *testing.T) {
		f := setup(t)

		pending := f.engine.ListPending("t1")
		require.Len(t, pending, 1)
		assert.Equal(t, "s2", pending[0].DocumentID)
	})

	t.Run("history returns everything for the tournament", func(t *testing.T) {
		f := setup(t)

		history := f.engine.ConflictHistory("t1")
		assert.Len(t, history, 2)
	})

	t.Run("patterns track the detected conflicts", func(t *testing.T) {
		f := setup(t)

		patterns := f.engine.Patterns()
		require.Len(t, patterns, 1)
		assert.Equal(t, models.ConflictTypeSimultaneousEdit, patterns[0].Type)
		assert.Equal(t, int64(2), patterns[0].Frequency)
	})
}
