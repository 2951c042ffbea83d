package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ConflictType categorizes the kind of divergence that was detected
type ConflictType string

const (
	ConflictTypeSimultaneousEdit   ConflictType = "simultaneous_edit"
	ConflictTypePermissionOverride ConflictType = "permission_override"
	ConflictTypeNetworkPartition   ConflictType = "network_partition"
	ConflictTypeClockSkew          ConflictType = "clock_skew"
	ConflictTypeDataCorruption     ConflictType = "data_corruption"
)

// ConflictSeverity ranks how much tournament data is at stake
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// ConflictStatus tracks a conflict through the resolution pipeline
type ConflictStatus string

const (
	ConflictStatusPending       ConflictStatus = "pending"
	ConflictStatusAnalyzing     ConflictStatus = "analyzing"
	ConflictStatusAutoResolving ConflictStatus = "auto_resolving"
	ConflictStatusEscalated     ConflictStatus = "escalated"
	ConflictStatusResolved      ConflictStatus = "resolved"
)

// AuditAction identifies what a pipeline stage did to a conflict
type AuditAction string

const (
	AuditActionDetected       AuditAction = "detected"
	AuditActionAnalyzed       AuditAction = "analyzed"
	AuditActionAutoResolved   AuditAction = "auto_resolved"
	AuditActionEscalated      AuditAction = "escalated"
	AuditActionManualResolved AuditAction = "manual_resolved"
	// AuditActionRollback documents a post-hoc rollback on an already
	// resolved conflict. It never changes the conflict's status.
	AuditActionRollback AuditAction = "rollback"
)

// AuditEntry is one append-only line in a conflict's audit trail.
// Entries are created exclusively by the audit trail service so ordering
// and IDs stay consistent.
type AuditEntry struct {
	ID           string          `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	Action       AuditAction     `json:"action"`
	ActingUser   string          `json:"actingUser,omitempty"`
	ActingDevice string          `json:"actingDevice,omitempty"`
	Details      string          `json:"details"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// ConflictingWrite is one side of a detected divergence: the payload a
// device tried to store plus where and when it claims to have written it.
type ConflictingWrite struct {
	DeviceID  string          `json:"deviceId"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Version   int64           `json:"version"`
}

// Conflict is one detected divergence on a single (collection, document)
// pair. Once ResolvedAt is set the conflict is immutable except for
// appended audit entries documenting post-hoc actions.
type Conflict struct {
	ID           string           `json:"id"`
	TournamentID string           `json:"tournamentId"`
	Collection   string           `json:"collection"`
	DocumentID   string           `json:"documentId"`
	DetectedAt   time.Time        `json:"detectedAt"`
	ResolvedAt   *time.Time       `json:"resolvedAt,omitempty"`
	Severity     ConflictSeverity `json:"severity"`
	Type         ConflictType     `json:"type"`
	Status       ConflictStatus   `json:"status"`

	// Involved parties (sets, insertion-ordered)
	DeviceIDs []string `json:"deviceIds"`
	UserIDs   []string `json:"userIds"`

	// The competing writes, in detection order. Writes[0] is the stored
	// (server) version for partition conflicts.
	Writes []ConflictingWrite `json:"writes"`

	// Resolution tracking
	AutomaticResolution bool               `json:"automaticResolution"`
	ResolutionMethod    ResolutionStrategy `json:"resolutionMethod,omitempty"`
	ResolutionPayload   json.RawMessage    `json:"resolutionPayload,omitempty"`
	ResolvedBy          string             `json:"resolvedBy,omitempty"`

	AuditTrail []AuditEntry `json:"auditTrail"`
}

// NewConflict creates a pending conflict for the given document
func NewConflict(tournamentID, collection, documentID string, conflictType ConflictType, severity ConflictSeverity) *Conflict {
	return &Conflict{
		ID:           uuid.New().String(),
		TournamentID: tournamentID,
		Collection:   collection,
		DocumentID:   documentID,
		DetectedAt:   time.Now().UTC(),
		Severity:     severity,
		Type:         conflictType,
		Status:       ConflictStatusPending,
		DeviceIDs:    []string{},
		UserIDs:      []string{},
		AuditTrail:   []AuditEntry{},
	}
}

// IsResolved returns true once a terminal resolution has been recorded
func (c *Conflict) IsResolved() bool {
	return c.ResolvedAt != nil
}

// AddDevice records an involved device, ignoring duplicates
func (c *Conflict) AddDevice(deviceID string) {
	if deviceID == "" {
		return
	}
	for _, id := range c.DeviceIDs {
		if id == deviceID {
			return
		}
	}
	c.DeviceIDs = append(c.DeviceIDs, deviceID)
}

// AddUser records an involved user, ignoring duplicates
func (c *Conflict) AddUser(userID string) {
	if userID == "" {
		return
	}
	for _, id := range c.UserIDs {
		if id == userID {
			return
		}
	}
	c.UserIDs = append(c.UserIDs, userID)
}

// AddWrite absorbs another competing write into the conflict and records
// its device/user as involved parties
func (c *Conflict) AddWrite(w ConflictingWrite) {
	c.Writes = append(c.Writes, w)
	c.AddDevice(w.DeviceID)
	c.AddUser(w.UserID)
}

// Clone returns a deep copy safe to hand out while the original keeps
// being mutated by the pipeline
func (c *Conflict) Clone() *Conflict {
	cp := *c
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.DeviceIDs = append([]string(nil), c.DeviceIDs...)
	cp.UserIDs = append([]string(nil), c.UserIDs...)
	cp.Writes = append([]ConflictingWrite(nil), c.Writes...)
	cp.AuditTrail = append([]AuditEntry(nil), c.AuditTrail...)
	return &cp
}

// HasAuditAction reports whether any audit entry recorded the action
func (c *Conflict) HasAuditAction(action AuditAction) bool {
	for _, e := range c.AuditTrail {
		if e.Action == action {
			return true
		}
	}
	return false
}

// MarkResolved records the terminal resolution. The conflict becomes
// immutable afterwards except for post-hoc audit entries.
func (c *Conflict) MarkResolved(method ResolutionStrategy, payload json.RawMessage, resolvedBy string, automatic bool) {
	now := time.Now().UTC()
	c.ResolvedAt = &now
	c.Status = ConflictStatusResolved
	c.ResolutionMethod = method
	c.ResolutionPayload = payload
	c.ResolvedBy = resolvedBy
	c.AutomaticResolution = automatic
}

// ConflictListResponse is the response for listing conflicts
type ConflictListResponse struct {
	Conflicts  []*Conflict `json:"conflicts"`
	TotalCount int         `json:"totalCount"`
	Skip       int         `json:"skip"`
	Take       int         `json:"take"`
}

// ConflictStats contains counts of conflicts by pipeline outcome
type ConflictStats struct {
	TotalCount     int `json:"totalCount"`
	PendingCount   int `json:"pendingCount"`
	EscalatedCount int `json:"escalatedCount"`
	ResolvedCount  int `json:"resolvedCount"`
	AutoResolved   int `json:"autoResolvedCount"`
}
