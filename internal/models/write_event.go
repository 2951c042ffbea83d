package models

import (
	"encoding/json"
	"time"
)

// Sync feed event types
const (
	EventTypeWrite     = "write"
	EventTypeReconnect = "reconnect"
)

// Writes applied by the engine itself (resolution results, restores)
// carry these actor IDs; they never count as competing device writes
const (
	ServerDeviceID = "server"
	ServerUserID   = "system"
)

// WriteEvent is a normalized write from a device: the common shape every
// incoming mutation is reduced to before conflict detection
type WriteEvent struct {
	Collection   string          `json:"collection"`
	DocumentID   string          `json:"documentId"`
	TournamentID string          `json:"tournamentId"`
	DeviceID     string          `json:"deviceId"`
	UserID       string          `json:"userId"`
	Timestamp    time.Time       `json:"timestamp"`  // device wall clock
	ReceivedAt   time.Time       `json:"receivedAt"` // server receipt, stamped by the feed
	Payload      json.RawMessage `json:"payload"`
}

// ReconnectEvent is emitted when a device comes back online carrying
// writes it queued while offline
type ReconnectEvent struct {
	DeviceID      string       `json:"deviceId"`
	UserID        string       `json:"userId"`
	TournamentID  string       `json:"tournamentId"`
	ReconnectedAt time.Time    `json:"reconnectedAt"`
	QueuedWrites  []WriteEvent `json:"queuedWrites"`
}
