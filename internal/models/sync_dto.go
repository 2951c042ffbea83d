package models

import (
	"encoding/json"
	"time"
)

// SubmitWriteRequest for POST /api/sync/write: one device mutation.
// Timestamp is the device's wall clock at write time.
type SubmitWriteRequest struct {
	Collection   string          `json:"collection"`
	DocumentID   string          `json:"documentId"`
	TournamentID string          `json:"tournamentId"`
	DeviceID     string          `json:"deviceId"`
	Timestamp    time.Time       `json:"timestamp"`
	Payload      json.RawMessage `json:"payload"`
}

// SubmitWriteResponse reports how the server absorbed a write
type SubmitWriteResponse struct {
	Accepted   bool      `json:"accepted"`
	Version    int64     `json:"version"`
	ReceivedAt time.Time `json:"receivedAt"`
	// ConflictID is set when the write landed in an open conflict
	ConflictID string `json:"conflictId,omitempty"`
}

// QueuedWrite is one offline mutation replayed on reconnect
type QueuedWrite struct {
	Collection string          `json:"collection"`
	DocumentID string          `json:"documentId"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// ReconnectRequest for POST /api/sync/reconnect: a device coming back
// online with the writes it queued while offline
type ReconnectRequest struct {
	DeviceID     string        `json:"deviceId"`
	TournamentID string        `json:"tournamentId"`
	QueuedWrites []QueuedWrite `json:"queuedWrites"`
}

// ReconnectResponse summarizes how the queued writes were absorbed
type ReconnectResponse struct {
	Accepted    int       `json:"accepted"`
	Conflicted  int       `json:"conflicted"`
	Failed      int       `json:"failed,omitempty"`
	ConflictIDs []string  `json:"conflictIds,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// ClockStatusResponse lists the observed clock offset of every device
// that has submitted a write
type ClockStatusResponse struct {
	Devices []DeviceClockStatus `json:"devices"`
}
