package services

import (
	"errors"
	"fmt"

	"github.com/bracketsync/server/internal/models"
)

// Sentinel errors surfaced by the manual resolution and recovery APIs
var (
	ErrConflictNotFound      = errors.New("conflict not found")
	ErrOptionNotFound        = errors.New("resolution option not found")
	ErrAlreadyResolved       = errors.New("conflict already resolved with a different strategy")
	ErrRollbackPointNotFound = errors.New("rollback point not found")
	ErrSnapshotNotFound      = errors.New("no usable snapshot for the requested point")
	ErrPlanNotFound          = errors.New("no recovery plan for tournament")
	ErrPathTraversal         = errors.New("path escapes the export directory")
)

// ValidationError rejects a malformed device submission before it
// reaches the store
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// DetectionError wraps a store failure during a conflict scan. Detection
// failures are logged and the event skipped; they never block write
// ingestion.
type DetectionError struct {
	Check string
	Err   error
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("conflict detection %s: %v", e.Check, e.Err)
}

func (e *DetectionError) Unwrap() error { return e.Err }

// AnalysisError marks a conflict whose type the classifier does not
// recognize. The conflict is routed to manual review, never dropped.
type AnalysisError struct {
	ConflictID string
	Type       models.ConflictType
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("conflict %s has unrecognized type %q, routed to manual review", e.ConflictID, e.Type)
}

// ResolutionApplyError wraps a failure to apply a resolution payload.
// On the automatic path it degrades the conflict to escalated; on the
// manual path it propagates so the caller can retry.
type ResolutionApplyError struct {
	ConflictID string
	Strategy   models.ResolutionStrategy
	Err        error
}

func (e *ResolutionApplyError) Error() string {
	return fmt.Sprintf("applying %s to conflict %s: %v", e.Strategy, e.ConflictID, e.Err)
}

func (e *ResolutionApplyError) Unwrap() error { return e.Err }

// SnapshotError wraps a failure while capturing or storing a snapshot.
// A failed capture stores nothing.
type SnapshotError struct {
	TournamentID string
	Op           string
	Err          error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s for tournament %s: %v", e.Op, e.TournamentID, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// IntegrityError means a snapshot failed checksum validation. A rollback
// that hits one has written nothing.
type IntegrityError struct {
	SnapshotID string
	Expected   string
	Actual     string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("snapshot %s failed checksum validation (expected %s, got %s)", e.SnapshotID, e.Expected, e.Actual)
}
