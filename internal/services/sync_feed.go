package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// SyncFeed is the ingestion boundary: it normalizes device submissions
// into write events, applies them through the record store, and fans
// them out to subscribers. The conflict engine subscribes for detection;
// the websocket layer subscribes for live updates.
//
// Reconnect queues are special: queued writes colliding with a newer
// stored version must not overwrite it, so the partition check runs
// inline and only the safe remainder is applied.
type SyncFeed struct {
	store    repository.RecordStore
	clocks   *ClockMonitor
	detector *ConflictDetector
	metrics  *observability.EngineMetrics
	logger   *observability.Logger

	mu                sync.RWMutex
	writeHandlers     []func(*models.WriteEvent)
	reconnectHandlers []func(*models.ReconnectEvent)
	conflictHandlers  []func(*models.Conflict)
}

// NewSyncFeed creates a new SyncFeed
func NewSyncFeed(store repository.RecordStore, clocks *ClockMonitor, detector *ConflictDetector, metrics *observability.EngineMetrics) *SyncFeed {
	return &SyncFeed{
		store:    store,
		clocks:   clocks,
		detector: detector,
		metrics:  metrics,
		logger:   observability.GetLogger().WithField("service", "sync_feed"),
	}
}

// SubscribeWrites registers a handler for every applied write
func (f *SyncFeed) SubscribeWrites(h func(*models.WriteEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeHandlers = append(f.writeHandlers, h)
}

// SubscribeReconnects registers a handler for reconnect events
func (f *SyncFeed) SubscribeReconnects(h func(*models.ReconnectEvent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnectHandlers = append(f.reconnectHandlers, h)
}

// SubscribeConflicts registers a handler for conflicts found during
// ingestion (reconnect partition collisions)
func (f *SyncFeed) SubscribeConflicts(h func(*models.Conflict)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflictHandlers = append(f.conflictHandlers, h)
}

// PublishWrite ingests one live device write: stamp receipt time, record
// the device's clock offset, apply to the store, fan out. The write is
// durable once this returns; detection happens asynchronously.
func (f *SyncFeed) PublishWrite(ctx context.Context, req models.SubmitWriteRequest, actor models.ActorRef) (*models.SubmitWriteResponse, error) {
	ctx, span := observability.StartServiceSpan(ctx, "sync_feed", "publish_write")
	defer span.End()

	if err := validateWrite(req.Collection, req.DocumentID, req.TournamentID, req.DeviceID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	event := &models.WriteEvent{
		Collection:   req.Collection,
		DocumentID:   req.DocumentID,
		TournamentID: req.TournamentID,
		DeviceID:     req.DeviceID,
		UserID:       actor.UserID,
		Timestamp:    req.Timestamp,
		ReceivedAt:   now,
		Payload:      req.Payload,
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}

	f.clocks.Observe(req.DeviceID, req.Timestamp, now)

	doc, err := f.store.Apply(ctx, event)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("applying write: %w", err)
	}

	if f.metrics != nil {
		f.metrics.RecordWriteIngested(ctx, models.EventTypeWrite)
	}
	f.fanOutWrite(event)

	observability.SetSuccess(span)
	return &models.SubmitWriteResponse{
		Accepted:   true,
		Version:    doc.Version,
		ReceivedAt: event.ReceivedAt,
	}, nil
}

// PublishReconnect ingests a device's offline queue. Queued writes that
// collide with a newer stored version become partition conflicts and are
// not applied; the rest flow through the normal write path.
func (f *SyncFeed) PublishReconnect(ctx context.Context, req models.ReconnectRequest, actor models.ActorRef) (*models.ReconnectResponse, error) {
	ctx, span := observability.StartServiceSpan(ctx, "sync_feed", "publish_reconnect")
	defer span.End()

	if req.DeviceID == "" {
		return nil, &ValidationError{Msg: "deviceId is required"}
	}
	if req.TournamentID == "" {
		return nil, &ValidationError{Msg: "tournamentId is required"}
	}

	now := time.Now().UTC()
	event := &models.ReconnectEvent{
		DeviceID:      req.DeviceID,
		UserID:        actor.UserID,
		TournamentID:  req.TournamentID,
		ReconnectedAt: now,
	}
	for i, q := range req.QueuedWrites {
		if err := validateWrite(q.Collection, q.DocumentID, req.TournamentID, req.DeviceID); err != nil {
			return nil, &ValidationError{Msg: fmt.Sprintf("queued write %d: %v", i, err)}
		}
		ts := q.Timestamp
		if ts.IsZero() {
			ts = now
		}
		event.QueuedWrites = append(event.QueuedWrites, models.WriteEvent{
			Collection:   q.Collection,
			DocumentID:   q.DocumentID,
			TournamentID: req.TournamentID,
			DeviceID:     req.DeviceID,
			UserID:       actor.UserID,
			Timestamp:    ts,
			ReceivedAt:   now,
			Payload:      q.Payload,
		})
	}

	conflicts, apply, failed := f.detector.CheckReconnect(ctx, event)

	// Conflicts go out before the safe writes so the engine worker
	// adopts them first and absorbs any follow-up writes cleanly
	for _, c := range conflicts {
		f.fanOutConflict(c)
	}

	applied := 0
	for i := range apply {
		w := &apply[i]
		if _, err := f.store.Apply(ctx, w); err != nil {
			f.logger.WithFields(map[string]interface{}{
				"deviceId":   req.DeviceID,
				"collection": w.Collection,
				"documentId": w.DocumentID,
			}).Errorf("applying queued write: %v", err)
			failed++
			continue
		}
		applied++
		f.fanOutWrite(w)
	}

	if f.metrics != nil {
		f.metrics.RecordWriteIngested(ctx, models.EventTypeReconnect)
	}
	f.fanOutReconnect(event)

	ids := make([]string, 0, len(conflicts))
	for _, c := range conflicts {
		ids = append(ids, c.ID)
	}

	f.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"deviceId":   req.DeviceID,
		"accepted":   applied,
		"conflicted": len(conflicts),
		"failed":     failed,
	}).Info("device reconnected")

	observability.SetSuccess(span)
	return &models.ReconnectResponse{
		Accepted:    applied,
		Conflicted:  len(conflicts),
		Failed:      failed,
		ConflictIDs: ids,
		ProcessedAt: now,
	}, nil
}

func (f *SyncFeed) fanOutWrite(event *models.WriteEvent) {
	f.mu.RLock()
	handlers := f.writeHandlers
	f.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

func (f *SyncFeed) fanOutReconnect(event *models.ReconnectEvent) {
	f.mu.RLock()
	handlers := f.reconnectHandlers
	f.mu.RUnlock()
	for _, h := range handlers {
		h(event)
	}
}

func (f *SyncFeed) fanOutConflict(c *models.Conflict) {
	f.mu.RLock()
	handlers := f.conflictHandlers
	f.mu.RUnlock()
	for _, h := range handlers {
		h(c)
	}
}

func validateWrite(collection, documentID, tournamentID, deviceID string) error {
	if !models.KnownCollection(collection) {
		return &ValidationError{Msg: fmt.Sprintf("unknown collection %q", collection)}
	}
	if documentID == "" {
		return &ValidationError{Msg: "documentId is required"}
	}
	if tournamentID == "" {
		return &ValidationError{Msg: "tournamentId is required"}
	}
	if deviceID == "" {
		return &ValidationError{Msg: "deviceId is required"}
	}
	return nil
}
