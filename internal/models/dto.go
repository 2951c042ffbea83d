package models

import "time"

// HealthResponse is returned by health check
type HealthResponse struct {
	Status     string            `json:"status"`
	Timestamp  time.Time         `json:"timestamp"`
	Components map[string]string `json:"components,omitempty"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// ProvisionRequest exchanges a user's credentials for a fresh API key,
// typically when setting up a new device
type ProvisionRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ProvisionResponse carries the rotated API key; it is shown exactly once
type ProvisionResponse struct {
	User   UserResponse `json:"user"`
	APIKey string       `json:"apiKey"`
}

// ResolveConflictRequest selects one of the analysis options for a
// conflict. ChosenDeviceID is required only for manual_selection.
type ResolveConflictRequest struct {
	OptionID       string `json:"optionId"`
	ChosenDeviceID string `json:"chosenDeviceId,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

// ConflictDetailResponse pairs a conflict with its current analysis and
// the options a resolver can pick from
type ConflictDetailResponse struct {
	Conflict *Conflict          `json:"conflict"`
	Analysis *ConflictAnalysis  `json:"analysis,omitempty"`
	Options  []ResolutionOption `json:"options"`
}

// CreateSnapshotRequest names a manually created snapshot
type CreateSnapshotRequest struct {
	Description string `json:"description"`
}

// RollbackRequest restores a tournament to a rollback point
type RollbackRequest struct {
	RollbackPointID string `json:"rollbackPointId"`
	Reason          string `json:"reason,omitempty"`
}

// RollbackResponse reports what a rollback restored
type RollbackResponse struct {
	RollbackPointID   string    `json:"rollbackPointId"`
	SnapshotID        string    `json:"snapshotId"`
	PreSnapshotID     string    `json:"preSnapshotId"`
	RestoredDocuments int       `json:"restoredDocuments"`
	CompletedAt       time.Time `json:"completedAt"`
}

// IntegrityCheckResponse wraps an on-demand integrity run
type IntegrityCheckResponse struct {
	Check IntegrityCheck `json:"check"`
}

// RollbackPointsResponse lists a tournament's rollback points, newest first
type RollbackPointsResponse struct {
	RollbackPoints []RollbackPoint `json:"rollbackPoints"`
}
