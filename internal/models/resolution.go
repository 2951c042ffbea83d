package models

import "encoding/json"

// ResolutionStrategy is the closed set of resolution implementations.
// Each strategy is a deterministic transform from competing writes to a
// single resolved payload.
type ResolutionStrategy string

const (
	StrategyHierarchicalPrecedence ResolutionStrategy = "hierarchical_precedence"
	StrategyLastWriteWins          ResolutionStrategy = "last_write_wins"
	StrategyPermissionHierarchy    ResolutionStrategy = "permission_hierarchy"
	StrategyServerPrecedence       ResolutionStrategy = "server_precedence"
	StrategyMerge                  ResolutionStrategy = "merge"
	StrategyManualSelection        ResolutionStrategy = "manual_selection"
)

// RiskLevel grades how dangerous applying a resolution option is
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ResolutionOption is a candidate fix produced by the strategy engine.
// One option is persisted onto the conflict once applied.
type ResolutionOption struct {
	ID            string             `json:"id"`
	Strategy      ResolutionStrategy `json:"strategy"`
	Label         string             `json:"label"`
	Description   string             `json:"description"`
	Confidence    int                `json:"confidence"` // 0-100
	Payload       json.RawMessage    `json:"payload,omitempty"`
	RiskLevel     RiskLevel          `json:"riskLevel"`
	Consequences  []string           `json:"consequences"`
	RequiresHuman bool               `json:"requiresHuman"`
}

// DataLossRisk grades the chance a resolution discards real data
type DataLossRisk string

const (
	DataLossLow    DataLossRisk = "low"
	DataLossMedium DataLossRisk = "medium"
	DataLossHigh   DataLossRisk = "high"
)

// TournamentImpact grades how much a conflict threatens tournament outcomes
type TournamentImpact string

const (
	ImpactModerate    TournamentImpact = "moderate"
	ImpactSignificant TournamentImpact = "significant"
	ImpactSevere      TournamentImpact = "severe"
)

// Urgency mirrors severity, escalated for match data
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// RiskAssessment summarizes what is at stake for a conflict
type RiskAssessment struct {
	DataLossRisk     DataLossRisk     `json:"dataLossRisk"`
	TournamentImpact TournamentImpact `json:"tournamentImpact"`
	Urgency          Urgency          `json:"urgency"`
}

// ClockSyncStatus reports whether the involved devices' clocks agree
// closely enough for timestamp ordering to be trusted
type ClockSyncStatus struct {
	IsInSync         bool     `json:"isInSync"`
	MaxDeviationMs   int64    `json:"maxDeviationMs"`
	OutOfSyncDevices []string `json:"outOfSyncDevices,omitempty"`
}

// ConflictAnalysis is the classifier's verdict on a conflict. It is
// derived state: recomputed on demand, not persisted long-term.
type ConflictAnalysis struct {
	ConflictID     string             `json:"conflictId"`
	Severity       ConflictSeverity   `json:"severity"`
	Type           ConflictType       `json:"type"`
	CanAutoResolve bool               `json:"canAutoResolve"`
	Recommended    *ResolutionOption  `json:"recommended,omitempty"`
	Alternatives   []ResolutionOption `json:"alternatives"`
	Risk           RiskAssessment     `json:"risk"`
	ClockSync      ClockSyncStatus    `json:"clockSync"`
}

// ManualResolutionRequired is emitted when a conflict needs a human
// decision; the UI presents the options to an organizer.
type ManualResolutionRequired struct {
	Conflict *Conflict          `json:"conflict"`
	Analysis *ConflictAnalysis  `json:"analysis"`
	Options  []ResolutionOption `json:"options"`
}
