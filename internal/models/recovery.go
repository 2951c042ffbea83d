package models

import (
	"time"

	"github.com/google/uuid"
)

// SnapshotData is the point-in-time copy of everything a rollback needs:
// the raw document envelopes for each mutable collection
type SnapshotData struct {
	Matches []Document `json:"matches"`
	Scores  []Document `json:"scores"`
	Bracket []Document `json:"bracket"`
	Players []Document `json:"players"`
}

// TournamentSnapshot is a checksummed point-in-time copy of one
// tournament's mutable data. Snapshots are content-addressed by
// checksum plus creation time.
type TournamentSnapshot struct {
	ID           string       `json:"id"`
	TournamentID string       `json:"tournamentId"`
	Description  string       `json:"description"`
	CreatedAt    time.Time    `json:"createdAt"`
	Checksum     string       `json:"checksum"`
	SizeBytes    int64        `json:"sizeBytes"`
	Data         SnapshotData `json:"data"`
}

// NewTournamentSnapshot creates an empty snapshot shell; the recovery
// manager fills in data, checksum and size
func NewTournamentSnapshot(tournamentID, description string) *TournamentSnapshot {
	return &TournamentSnapshot{
		ID:           uuid.New().String(),
		TournamentID: tournamentID,
		Description:  description,
		CreatedAt:    time.Now().UTC(),
	}
}

// SnapshotInfo is the metadata view of a snapshot kept on the recovery
// plan; the full data lives in the snapshot store
type SnapshotInfo struct {
	ID           string    `json:"id"`
	TournamentID string    `json:"tournamentId"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"createdAt"`
	Checksum     string    `json:"checksum"`
	SizeBytes    int64     `json:"sizeBytes"`
}

// Info returns the metadata view of the snapshot
func (s *TournamentSnapshot) Info() SnapshotInfo {
	return SnapshotInfo{
		ID:           s.ID,
		TournamentID: s.TournamentID,
		Description:  s.Description,
		CreatedAt:    s.CreatedAt,
		Checksum:     s.Checksum,
		SizeBytes:    s.SizeBytes,
	}
}

// RollbackPoint marks a known-good state the tournament can be restored to
type RollbackPoint struct {
	ID                  string    `json:"id"`
	TournamentID        string    `json:"tournamentId"`
	Timestamp           time.Time `json:"timestamp"`
	Reason              string    `json:"reason"`
	AffectedCollections []string  `json:"affectedCollections"`
	ChangesSince        int       `json:"changesSince"`
	CanRollback         bool      `json:"canRollback"`
}

// IntegrityStatus is the verdict of an integrity check run
type IntegrityStatus string

const (
	IntegrityPassed  IntegrityStatus = "passed"
	IntegrityFailed  IntegrityStatus = "failed"
	IntegrityWarning IntegrityStatus = "warning"
)

// IntegrityCheck is the result of validating one tournament's
// cross-record consistency rules
type IntegrityCheck struct {
	ID             string          `json:"id"`
	TournamentID   string          `json:"tournamentId"`
	RunAt          time.Time       `json:"runAt"`
	Status         IntegrityStatus `json:"status"`
	RecordsChecked int             `json:"recordsChecked"`
	Errors         []string        `json:"errors,omitempty"`
	Warnings       []string        `json:"warnings,omitempty"`
}

// EmergencyRecoveryPlan aggregates everything the recovery manager knows
// about one tournament: snapshot metadata, rollback points, and a bounded
// integrity-check history
type EmergencyRecoveryPlan struct {
	TournamentID   string           `json:"tournamentId"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Snapshots      []SnapshotInfo   `json:"snapshots"`
	RollbackPoints []RollbackPoint  `json:"rollbackPoints"`
	IntegrityRuns  []IntegrityCheck `json:"integrityRuns"`
}

// NewEmergencyRecoveryPlan creates an empty plan for a tournament
func NewEmergencyRecoveryPlan(tournamentID string) *EmergencyRecoveryPlan {
	now := time.Now().UTC()
	return &EmergencyRecoveryPlan{
		TournamentID:   tournamentID,
		CreatedAt:      now,
		UpdatedAt:      now,
		Snapshots:      []SnapshotInfo{},
		RollbackPoints: []RollbackPoint{},
		IntegrityRuns:  []IntegrityCheck{},
	}
}

// AddIntegrityRun appends a check result, keeping at most historyCap runs
func (p *EmergencyRecoveryPlan) AddIntegrityRun(check IntegrityCheck, historyCap int) {
	p.IntegrityRuns = append(p.IntegrityRuns, check)
	if historyCap > 0 && len(p.IntegrityRuns) > historyCap {
		p.IntegrityRuns = p.IntegrityRuns[len(p.IntegrityRuns)-historyCap:]
	}
	p.UpdatedAt = time.Now().UTC()
}

// ExportResult describes a written emergency export artifact
type ExportResult struct {
	Path      string    `json:"path"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}
