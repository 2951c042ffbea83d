package services

import (
	"github.com/bracketsync/server/internal/models"
)

// ConflictBroadcaster fans conflict and recovery events out over the
// websocket hub: once to the global topic for dashboards, once to the
// tournament topic for devices following a single event.
type ConflictBroadcaster struct {
	hub *WebSocketHub
}

// NewConflictBroadcaster creates a broadcaster backed by the hub
func NewConflictBroadcaster(hub *WebSocketHub) *ConflictBroadcaster {
	return &ConflictBroadcaster{hub: hub}
}

// ConflictDetected implements ConflictNotifier
func (b *ConflictBroadcaster) ConflictDetected(c *models.Conflict) {
	b.send(WSTypeConflictDetected, TopicConflicts, c.TournamentID, c)
}

// ManualResolutionRequired implements ConflictNotifier
func (b *ConflictBroadcaster) ManualResolutionRequired(ev models.ManualResolutionRequired) {
	tournamentID := ""
	if ev.Conflict != nil {
		tournamentID = ev.Conflict.TournamentID
	}
	b.send(WSTypeManualRequired, TopicConflicts, tournamentID, ev)
}

// ConflictResolved implements ConflictNotifier
func (b *ConflictBroadcaster) ConflictResolved(c *models.Conflict) {
	b.send(WSTypeConflictResolved, TopicConflicts, c.TournamentID, c)
}

// CriticalConflictAlert implements ConflictNotifier
func (b *ConflictBroadcaster) CriticalConflictAlert(c *models.Conflict) {
	b.send(WSTypeCriticalAlert, TopicConflicts, c.TournamentID, c)
}

// NotifyIntegrityResult implements RecoveryNotifier
func (b *ConflictBroadcaster) NotifyIntegrityResult(check models.IntegrityCheck) {
	b.send(WSTypeIntegrityResult, TopicRecovery, check.TournamentID, check)
}

// NotifySnapshotCreated implements RecoveryNotifier
func (b *ConflictBroadcaster) NotifySnapshotCreated(info models.SnapshotInfo) {
	b.send(WSTypeSnapshotCreated, TopicRecovery, info.TournamentID, info)
}

// NotifyRollbackCompleted implements RecoveryNotifier
func (b *ConflictBroadcaster) NotifyRollbackCompleted(tournamentID string, result models.RollbackResponse) {
	b.send(WSTypeRollbackCompleted, TopicRecovery, tournamentID, RollbackEventPayload{
		TournamentID: tournamentID,
		Result:       result,
	})
}

func (b *ConflictBroadcaster) send(msgType, globalTopic, tournamentID string, payload interface{}) {
	msg := WSMessage{Type: msgType, Payload: payload}
	b.hub.BroadcastToTopic(globalTopic, msg)
	if tournamentID != "" {
		b.hub.BroadcastToTopic(TopicTournament(tournamentID), msg)
	}
}
