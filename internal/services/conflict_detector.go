package services

import (
	"context"
	"time"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// ConflictDetector finds divergences between device writes: simultaneous
// edits within the clock-sync threshold, offline writes colliding with a
// newer stored version on reconnect, and device clocks drifting far from
// server time.
type ConflictDetector struct {
	store  repository.RecordStore
	cfg    config.ConflictEngine
	logger *observability.Logger
}

// NewConflictDetector creates a new ConflictDetector
func NewConflictDetector(store repository.RecordStore, cfg config.ConflictEngine) *ConflictDetector {
	return &ConflictDetector{
		store:  store,
		cfg:    cfg,
		logger: observability.GetLogger().WithField("service", "detector"),
	}
}

// CheckWrite inspects one applied write for competing writes from other
// devices. Returns nil when nothing diverged. A store failure comes back
// as a *DetectionError: callers log it and skip the event, ingestion is
// never blocked.
func (d *ConflictDetector) CheckWrite(ctx context.Context, event *models.WriteEvent) (*models.Conflict, error) {
	ctx, span := observability.StartServiceSpan(ctx, "detector", "check_write")
	defer span.End()

	records, err := d.store.QueryWrites(ctx, models.WriteQuery{
		Collection:    event.Collection,
		DocumentID:    event.DocumentID,
		TournamentID:  event.TournamentID,
		Since:         event.ReceivedAt.Add(-d.cfg.RecentWriteWindow()),
		ExcludeDevice: event.DeviceID,
	})
	if err != nil {
		derr := &DetectionError{Check: "simultaneous_edit", Err: err}
		observability.RecordError(span, derr)
		return nil, derr
	}

	threshold := d.cfg.ClockSyncThreshold()
	var competing []*models.WriteRecord
	for _, rec := range records {
		if rec.DeviceID == models.ServerDeviceID {
			continue
		}
		if absDuration(event.Timestamp.Sub(rec.Timestamp)) <= threshold {
			competing = append(competing, rec)
		}
	}

	if len(competing) > 0 {
		conflictType := models.ConflictTypeSimultaneousEdit
		if event.Collection == models.CollectionPermissions {
			conflictType = models.ConflictTypePermissionOverride
		}

		c := models.NewConflict(event.TournamentID, event.Collection, event.DocumentID, conflictType, models.SeverityHigh)
		// Oldest competing write first, the triggering write last
		for i := len(competing) - 1; i >= 0; i-- {
			c.AddWrite(writeFromRecord(competing[i]))
		}
		c.AddWrite(writeFromEvent(event))
		observability.SetSuccess(span)
		return c, nil
	}

	// No competitor; flag the write itself if its claimed timestamp is
	// far from server receipt
	if absDuration(event.ReceivedAt.Sub(event.Timestamp)) > threshold {
		c := models.NewConflict(event.TournamentID, event.Collection, event.DocumentID, models.ConflictTypeClockSkew, models.SeverityMedium)
		c.AddWrite(writeFromEvent(event))
		observability.SetSuccess(span)
		return c, nil
	}

	observability.SetSuccess(span)
	return nil, nil
}

// CheckReconnect splits a reconnecting device's queued writes into safe
// ones and partition conflicts. A queued write conflicts when the stored
// version moved past it while the device was offline; queued writes to
// the same document share one conflict. Store failures are logged and
// counted, the rest of the queue continues.
func (d *ConflictDetector) CheckReconnect(ctx context.Context, ev *models.ReconnectEvent) ([]*models.Conflict, []models.WriteEvent, int) {
	ctx, span := observability.StartServiceSpan(ctx, "detector", "check_reconnect")
	defer span.End()

	var conflicts []*models.Conflict
	var apply []models.WriteEvent
	failed := 0
	open := make(map[string]*models.Conflict)

	for _, w := range ev.QueuedWrites {
		key := w.Collection + "/" + w.DocumentID

		if c, ok := open[key]; ok {
			c.AddWrite(writeFromEvent(&w))
			continue
		}

		doc, err := d.store.Get(ctx, w.Collection, w.DocumentID)
		if err != nil {
			d.logger.WithFields(map[string]interface{}{
				"deviceId":   ev.DeviceID,
				"collection": w.Collection,
				"documentId": w.DocumentID,
			}).Errorf("reconnect detection skipped a queued write: %v", err)
			failed++
			continue
		}

		diverged := doc != nil &&
			doc.LastModified.After(w.Timestamp) &&
			doc.LastModifiedDevice != ev.DeviceID &&
			compactJSON(doc.Payload) != compactJSON(w.Payload)
		if !diverged {
			apply = append(apply, w)
			continue
		}

		c := models.NewConflict(w.TournamentID, w.Collection, w.DocumentID, models.ConflictTypeNetworkPartition, models.SeverityMedium)
		c.AddWrite(writeFromDocument(doc))
		c.AddWrite(writeFromEvent(&w))
		open[key] = c
		conflicts = append(conflicts, c)
	}

	observability.SetSuccess(span)
	return conflicts, apply, failed
}

func writeFromEvent(event *models.WriteEvent) models.ConflictingWrite {
	return models.ConflictingWrite{
		DeviceID:  event.DeviceID,
		UserID:    event.UserID,
		Timestamp: event.Timestamp,
		Payload:   event.Payload,
	}
}

func writeFromRecord(rec *models.WriteRecord) models.ConflictingWrite {
	return models.ConflictingWrite{
		DeviceID:  rec.DeviceID,
		UserID:    rec.UserID,
		Timestamp: rec.Timestamp,
		Payload:   rec.Payload,
		Version:   rec.Version,
	}
}

func writeFromDocument(doc *models.Document) models.ConflictingWrite {
	return models.ConflictingWrite{
		DeviceID:  doc.LastModifiedDevice,
		UserID:    doc.LastModifiedBy,
		Timestamp: doc.LastModified,
		Payload:   doc.Payload,
		Version:   doc.Version,
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
