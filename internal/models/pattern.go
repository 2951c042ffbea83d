package models

import "time"

// MaxPatternScenarios bounds the observed-scenario sample kept per pattern
const MaxPatternScenarios = 10

// ConflictPattern aggregates how often a conflict type occurs and how well
// automatic resolution handles it. Patterns feed operational reporting
// only; they never gate a resolution decision.
type ConflictPattern struct {
	Type                  ConflictType `json:"type"`
	Frequency             int64        `json:"frequency"`
	LastOccurrence        time.Time    `json:"lastOccurrence"`
	Scenarios             []string     `json:"scenarios"`
	PreventionSuggestions []string     `json:"preventionSuggestions"`
	AutoResolvedCount     int64        `json:"autoResolvedCount"`
	ManualResolvedCount   int64        `json:"manualResolvedCount"`
	AutoSuccessRate       float64      `json:"autoSuccessRate"`
}

// NewConflictPattern creates an empty pattern for a conflict type with
// its static prevention advice attached
func NewConflictPattern(conflictType ConflictType) *ConflictPattern {
	return &ConflictPattern{
		Type:                  conflictType,
		Scenarios:             []string{},
		PreventionSuggestions: preventionSuggestions(conflictType),
	}
}

// RecordOccurrence bumps the frequency and keeps a bounded sample of
// observed scenarios
func (p *ConflictPattern) RecordOccurrence(scenario string, at time.Time) {
	p.Frequency++
	p.LastOccurrence = at
	if scenario == "" {
		return
	}
	p.Scenarios = append(p.Scenarios, scenario)
	if len(p.Scenarios) > MaxPatternScenarios {
		p.Scenarios = p.Scenarios[len(p.Scenarios)-MaxPatternScenarios:]
	}
}

// RecordOutcome updates the rolling auto-resolution success rate
func (p *ConflictPattern) RecordOutcome(automatic bool) {
	if automatic {
		p.AutoResolvedCount++
	} else {
		p.ManualResolvedCount++
	}
	total := p.AutoResolvedCount + p.ManualResolvedCount
	if total > 0 {
		p.AutoSuccessRate = float64(p.AutoResolvedCount) / float64(total)
	}
}

func preventionSuggestions(conflictType ConflictType) []string {
	switch conflictType {
	case ConflictTypeSimultaneousEdit:
		return []string{
			"Assign one referee per match to avoid competing score entry",
			"Surface live edit indicators so devices see concurrent activity",
		}
	case ConflictTypePermissionOverride:
		return []string{
			"Route permission changes through the organizer device only",
		}
	case ConflictTypeNetworkPartition:
		return []string{
			"Encourage devices to sync before extended offline periods",
			"Shorten the offline queue flush interval on reconnect",
		}
	case ConflictTypeClockSkew:
		return []string{
			"Enable automatic time sync on referee devices",
		}
	case ConflictTypeDataCorruption:
		return []string{
			"Run integrity checks more frequently during active rounds",
		}
	default:
		return []string{}
	}
}

// PatternListResponse is the response for listing conflict patterns
type PatternListResponse struct {
	Patterns []*ConflictPattern `json:"patterns"`
}
