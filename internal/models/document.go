package models

import (
	"encoding/json"
	"time"
)

// Document is the storage envelope every tournament record lives in.
// The engine treats payloads as opaque JSON; collection-specific shapes
// (Match, Score, ...) are decoded only where a rule needs to look inside.
type Document struct {
	Collection         string          `json:"collection"`
	ID                 string          `json:"id"`
	TournamentID       string          `json:"tournamentId"`
	Payload            json.RawMessage `json:"payload"`
	Version            int64           `json:"version"`
	LastModified       time.Time       `json:"lastModified"`
	LastModifiedBy     string          `json:"lastModifiedBy"`
	LastModifiedDevice string          `json:"lastModifiedDevice"`
}

// ActorRef identifies who performed a write: the user and the device it
// came from
type ActorRef struct {
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
}

// WriteRecord is one line in the append-only write log: a device write
// after it was applied to a document
type WriteRecord struct {
	ID           int64           `json:"id"`
	Collection   string          `json:"collection"`
	DocumentID   string          `json:"documentId"`
	TournamentID string          `json:"tournamentId"`
	DeviceID     string          `json:"deviceId"`
	UserID       string          `json:"userId"`
	Timestamp    time.Time       `json:"timestamp"`
	ReceivedAt   time.Time       `json:"receivedAt"`
	Payload      json.RawMessage `json:"payload"`
	Version      int64           `json:"version"`
}

// WriteQuery selects write-log records for conflict detection
type WriteQuery struct {
	Collection    string
	DocumentID    string
	TournamentID  string
	Since         time.Time
	ExcludeDevice string
}
