package services

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// AuditTrail is the sole producer of conflict audit entries. Entry IDs
// are ULIDs from a single monotonic source, so the lexical order of IDs
// matches the order entries were appended even within one millisecond.
type AuditTrail struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewAuditTrail creates a new AuditTrail
func NewAuditTrail() *AuditTrail {
	return &AuditTrail{
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

// Record appends an entry to the conflict's audit trail and returns it
func (a *AuditTrail) Record(c *models.Conflict, action models.AuditAction, actingUser, actingDevice, details string, data json.RawMessage) models.AuditEntry {
	now := time.Now().UTC()

	a.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(now), a.entropy).String()
	a.mu.Unlock()

	entry := models.AuditEntry{
		ID:           id,
		Timestamp:    now,
		Action:       action,
		ActingUser:   actingUser,
		ActingDevice: actingDevice,
		Details:      details,
		Data:         data,
	}
	c.AuditTrail = append(c.AuditTrail, entry)
	return entry
}

// NewID returns a fresh ULID from the shared monotonic source, stamped
// with the given time. Used for rollback point IDs so they sort by the
// moment they mark.
func (a *AuditTrail) NewID(at time.Time) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at.UTC()), a.entropy).String()
}

// PatternTracker aggregates conflict occurrences into per-type patterns
// for operational reporting. Patterns are written through to the state
// store on every mutation so they survive restarts.
type PatternTracker struct {
	state  repository.StateStore
	logger *observability.Logger

	mu       sync.RWMutex
	patterns map[models.ConflictType]*models.ConflictPattern
}

// NewPatternTracker creates a new PatternTracker
func NewPatternTracker(state repository.StateStore) *PatternTracker {
	return &PatternTracker{
		state:    state,
		logger:   observability.GetLogger().WithField("service", "patterns"),
		patterns: make(map[models.ConflictType]*models.ConflictPattern),
	}
}

// Load restores persisted patterns from the state store
func (t *PatternTracker) Load(ctx context.Context) error {
	stored, err := t.state.List(ctx, repository.StateNamespacePatterns)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	for key, raw := range stored {
		var pattern models.ConflictPattern
		if err := json.Unmarshal(raw, &pattern); err != nil {
			t.logger.WithField("pattern", key).Warnf("skipping undecodable pattern: %v", err)
			continue
		}
		t.patterns[pattern.Type] = &pattern
	}
	return nil
}

// RecordConflict counts one more occurrence of a conflict type with a
// short scenario description
func (t *PatternTracker) RecordConflict(ctx context.Context, conflictType models.ConflictType, scenario string, at time.Time) {
	t.mu.Lock()
	pattern, ok := t.patterns[conflictType]
	if !ok {
		pattern = models.NewConflictPattern(conflictType)
		t.patterns[conflictType] = pattern
	}
	pattern.RecordOccurrence(scenario, at)
	raw, err := json.Marshal(pattern)
	t.mu.Unlock()

	if err != nil {
		t.logger.Errorf("marshaling pattern %s: %v", conflictType, err)
		return
	}
	t.persist(ctx, conflictType, raw)
}

// RecordOutcome updates a type's auto-resolution success rate after a
// conflict resolves
func (t *PatternTracker) RecordOutcome(ctx context.Context, conflictType models.ConflictType, automatic bool) {
	t.mu.Lock()
	pattern, ok := t.patterns[conflictType]
	if !ok {
		pattern = models.NewConflictPattern(conflictType)
		t.patterns[conflictType] = pattern
	}
	pattern.RecordOutcome(automatic)
	raw, err := json.Marshal(pattern)
	t.mu.Unlock()

	if err != nil {
		t.logger.Errorf("marshaling pattern %s: %v", conflictType, err)
		return
	}
	t.persist(ctx, conflictType, raw)
}

// List returns copies of all tracked patterns, most frequent first
func (t *PatternTracker) List() []*models.ConflictPattern {
	t.mu.RLock()
	defer t.mu.RUnlock()

	patterns := make([]*models.ConflictPattern, 0, len(t.patterns))
	for _, pattern := range t.patterns {
		cp := *pattern
		cp.Scenarios = append([]string(nil), pattern.Scenarios...)
		cp.PreventionSuggestions = append([]string(nil), pattern.PreventionSuggestions...)
		patterns = append(patterns, &cp)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if patterns[i].Frequency != patterns[j].Frequency {
			return patterns[i].Frequency > patterns[j].Frequency
		}
		return patterns[i].Type < patterns[j].Type
	})
	return patterns
}

// persist is best effort: pattern history is reporting data, a failed
// write must not stall the pipeline
func (t *PatternTracker) persist(ctx context.Context, conflictType models.ConflictType, raw json.RawMessage) {
	if err := t.state.Put(ctx, repository.StateNamespacePatterns, string(conflictType), raw); err != nil {
		t.logger.Errorf("persisting pattern %s: %v", conflictType, err)
	}
}
