package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// ConflictNotifier receives conflict lifecycle events for fan-out to
// connected devices
type ConflictNotifier interface {
	ConflictDetected(c *models.Conflict)
	ManualResolutionRequired(ev models.ManualResolutionRequired)
	ConflictResolved(c *models.Conflict)
	CriticalConflictAlert(c *models.Conflict)
}

// workerQueueSize bounds each tournament's task queue; a full queue
// applies backpressure to ingestion
const workerQueueSize = 256

type tournamentWorker struct {
	tasks chan func()
}

// ConflictEngine owns the conflict pipeline end to end: it feeds applied
// writes to the detector, classifies what diverged, and drives the
// executor. All processing for one tournament runs on a single worker
// goroutine, so conflicts never race within a tournament. Conflicts and
// patterns are written through to the state store and reloaded on start.
type ConflictEngine struct {
	store      repository.RecordStore
	state      repository.StateStore
	authority  AuthorityChecker
	clocks     *ClockMonitor
	detector   *ConflictDetector
	classifier *ConflictClassifier
	executor   *ResolutionExecutor
	audit      *AuditTrail
	patterns   *PatternTracker
	cfg        config.ConflictEngine
	metrics    *observability.EngineMetrics
	logger     *observability.Logger

	notifier ConflictNotifier

	mu               sync.RWMutex
	conflicts        map[string]*models.Conflict
	openByDoc        map[string]string
	openSkewByDevice map[string]string
	workers          map[string]*tournamentWorker
	started          bool
	stop             chan struct{}
	wg               sync.WaitGroup
}

// NewConflictEngine creates the engine with its pipeline components
func NewConflictEngine(store repository.RecordStore, state repository.StateStore, authority AuthorityChecker, clocks *ClockMonitor, detector *ConflictDetector, cfg config.ConflictEngine, metrics *observability.EngineMetrics) *ConflictEngine {
	e := &ConflictEngine{
		store:            store,
		state:            state,
		authority:        authority,
		clocks:           clocks,
		detector:         detector,
		cfg:              cfg,
		metrics:          metrics,
		logger:           observability.GetLogger().WithField("service", "conflict_engine"),
		conflicts:        make(map[string]*models.Conflict),
		openByDoc:        make(map[string]string),
		openSkewByDevice: make(map[string]string),
		workers:          make(map[string]*tournamentWorker),
		stop:             make(chan struct{}),
	}
	e.audit = NewAuditTrail()
	e.patterns = NewPatternTracker(state)
	e.classifier = NewConflictClassifier(authority, clocks, cfg)
	e.executor = NewResolutionExecutor(store, e.audit, e.patterns, clocks, authority, cfg, metrics, e)
	return e
}

// SetNotifier wires the websocket fan-out. Must be called before Start.
func (e *ConflictEngine) SetNotifier(n ConflictNotifier) {
	e.notifier = n
}

// Start reloads persisted state and resumes conflicts that were mid
// pipeline when the process last stopped
func (e *ConflictEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.started = true
	e.mu.Unlock()

	if err := e.patterns.Load(ctx); err != nil {
		return fmt.Errorf("loading conflict patterns: %w", err)
	}

	stored, err := e.state.List(ctx, repository.StateNamespaceConflicts)
	if err != nil {
		return fmt.Errorf("loading conflicts: %w", err)
	}

	var open []*models.Conflict
	e.mu.Lock()
	for key, raw := range stored {
		var c models.Conflict
		if err := json.Unmarshal(raw, &c); err != nil {
			e.logger.WithField("conflictId", key).Warnf("skipping undecodable conflict: %v", err)
			continue
		}
		e.conflicts[c.ID] = &c
		if !c.IsResolved() {
			e.indexOpenLocked(&c)
			open = append(open, &c)
		}
	}
	total := len(e.conflicts)
	e.mu.Unlock()

	for _, c := range open {
		conflict := c
		e.Dispatch(conflict.TournamentID, func() {
			e.resume(conflict)
		})
	}

	e.logger.Infof("conflict engine started: %d conflicts loaded, %d still open", total, len(open))
	return nil
}

// Stop shuts down the workers and cancels pending timers. Conflict state
// is already persisted write-through, so stopping loses nothing.
func (e *ConflictEngine) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
	e.executor.Stop()
	e.logger.Info("conflict engine stopped")
}

// HandleWrite runs conflict detection for one applied write on the
// tournament's worker. Safe to call from any goroutine; the sync feed
// subscribes it.
func (e *ConflictEngine) HandleWrite(event *models.WriteEvent) {
	e.Dispatch(event.TournamentID, func() {
		e.processWrite(event)
	})
}

// IngestConflict adopts an externally detected conflict (reconnect
// partitions, corruption reports) into the pipeline
func (e *ConflictEngine) IngestConflict(c *models.Conflict) {
	e.Dispatch(c.TournamentID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		key := docKey(c.Collection, c.DocumentID)
		e.mu.RLock()
		existingID, ok := e.openByDoc[key]
		existing := e.conflicts[existingID]
		e.mu.RUnlock()

		if ok && existing != nil && !existing.IsResolved() {
			e.absorb(ctx, existing, c.Writes)
			return
		}
		e.adopt(ctx, c)
	})
}

// OpenConflictID reports the open conflict on a document, if any
func (e *ConflictEngine) OpenConflictID(collection, documentID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.openByDoc[docKey(collection, documentID)]
	return id, ok
}

// ReportCorruption raises a critical data_corruption conflict from
// integrity findings. It lands in the manual review queue.
func (e *ConflictEngine) ReportCorruption(ctx context.Context, tournamentID string, findings []string) {
	c := models.NewConflict(tournamentID, models.CollectionTournaments, tournamentID, models.ConflictTypeDataCorruption, models.SeverityCritical)
	e.Dispatch(tournamentID, func() {
		taskCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		e.mu.Lock()
		e.conflicts[c.ID] = c
		e.audit.Record(c, models.AuditActionDetected, "", "", "integrity check failed: "+strings.Join(findings, "; "), nil)
		e.mu.Unlock()

		e.patterns.RecordConflict(taskCtx, c.Type, describeConflict(c), c.DetectedAt)
		if e.metrics != nil {
			e.metrics.RecordConflictDetected(taskCtx, string(c.Type), string(c.Severity))
		}
		e.PersistConflict(taskCtx, c)
		if e.notifier != nil {
			e.notifier.ConflictDetected(c.Clone())
		}
		e.analyzeAndProcess(taskCtx, c)
	})
}

// ResolveManually applies a user's chosen resolution option. The work
// runs on the tournament worker; this call waits for the outcome.
func (e *ConflictEngine) ResolveManually(ctx context.Context, conflictID, optionID, chosenDeviceID, actingUserID, notes string) error {
	e.mu.RLock()
	c, ok := e.conflicts[conflictID]
	e.mu.RUnlock()
	if !ok {
		return ErrConflictNotFound
	}

	errCh := make(chan error, 1)
	e.Dispatch(c.TournamentID, func() {
		taskCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		analysis, aerr := e.classifier.Analyze(taskCtx, c)
		if aerr != nil {
			e.logger.Warnf("%v", aerr)
		}
		errCh <- e.executor.ResolveManually(c, analysis, optionID, chosenDeviceID, actingUserID, notes)
	})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stop:
		return fmt.Errorf("conflict engine stopping")
	}
}

// RecordRollback appends rollback audit entries to conflicts whose
// resolutions the rollback rewound. Waits so the rollback response
// reflects a complete trail.
func (e *ConflictEngine) RecordRollback(ctx context.Context, tournamentID, rollbackPointID, reason string, since time.Time) {
	done := make(chan struct{})
	e.Dispatch(tournamentID, func() {
		defer close(done)
		taskCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		details := fmt.Sprintf("tournament rolled back to point %s: %s", rollbackPointID, reason)
		e.mu.Lock()
		var touched []*models.Conflict
		for _, c := range e.conflicts {
			if c.TournamentID != tournamentID || !c.IsResolved() {
				continue
			}
			if c.ResolvedAt.After(since) {
				e.audit.Record(c, models.AuditActionRollback, "", "", details, nil)
				touched = append(touched, c)
			}
		}
		e.mu.Unlock()

		for _, c := range touched {
			e.PersistConflict(taskCtx, c)
		}
	})

	select {
	case <-done:
	case <-ctx.Done():
	case <-e.stop:
	}
}

// GetConflict returns one conflict with a freshly computed analysis
func (e *ConflictEngine) GetConflict(ctx context.Context, conflictID string) (*models.Conflict, *models.ConflictAnalysis, error) {
	e.mu.RLock()
	c, ok := e.conflicts[conflictID]
	var clone *models.Conflict
	if ok {
		clone = c.Clone()
	}
	e.mu.RUnlock()
	if !ok {
		return nil, nil, ErrConflictNotFound
	}

	analysis, aerr := e.classifier.Analyze(ctx, clone)
	if aerr != nil {
		e.logger.Warnf("%v", aerr)
	}
	return clone, analysis, nil
}

// ListConflicts returns the conflict history, newest first. Empty
// tournamentID or status means no filter.
func (e *ConflictEngine) ListConflicts(tournamentID string, status models.ConflictStatus, skip, take int) ([]*models.Conflict, int) {
	if take <= 0 {
		take = 50
	}

	filtered := e.collect(func(c *models.Conflict) bool {
		if tournamentID != "" && c.TournamentID != tournamentID {
			return false
		}
		if status != "" && c.Status != status {
			return false
		}
		return true
	})

	total := len(filtered)
	if skip >= total {
		return []*models.Conflict{}, total
	}
	end := skip + take
	if end > total {
		end = total
	}
	return filtered[skip:end], total
}

// ListPending returns every unresolved conflict, newest first
func (e *ConflictEngine) ListPending(tournamentID string) []*models.Conflict {
	return e.collect(func(c *models.Conflict) bool {
		if tournamentID != "" && c.TournamentID != tournamentID {
			return false
		}
		return !c.IsResolved()
	})
}

// ConflictHistory returns every conflict for a tournament, newest first.
// The recovery manager folds this into emergency exports.
func (e *ConflictEngine) ConflictHistory(tournamentID string) []*models.Conflict {
	return e.collect(func(c *models.Conflict) bool {
		return c.TournamentID == tournamentID
	})
}

// Stats summarizes conflict counts by pipeline outcome
func (e *ConflictEngine) Stats() models.ConflictStats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var stats models.ConflictStats
	for _, c := range e.conflicts {
		stats.TotalCount++
		switch {
		case c.IsResolved():
			stats.ResolvedCount++
			if c.AutomaticResolution {
				stats.AutoResolved++
			}
		case c.Status == models.ConflictStatusEscalated:
			stats.EscalatedCount++
		default:
			stats.PendingCount++
		}
	}
	return stats
}

// Patterns returns the tracked conflict patterns, most frequent first
func (e *ConflictEngine) Patterns() []*models.ConflictPattern {
	return e.patterns.List()
}

// ClockStatus reports the tracked per-device clock offsets
func (e *ConflictEngine) ClockStatus() []models.DeviceClockStatus {
	return e.clocks.Snapshot()
}

// Dispatch runs a task on the tournament's serialized worker, creating
// the worker on first use. Implements ExecutorHost.
func (e *ConflictEngine) Dispatch(tournamentID string, task func()) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	w, ok := e.workers[tournamentID]
	if !ok {
		w = &tournamentWorker{tasks: make(chan func(), workerQueueSize)}
		e.workers[tournamentID] = w
		e.wg.Add(1)
		go e.runWorker(w)
	}
	e.mu.Unlock()

	select {
	case w.tasks <- task:
	case <-e.stop:
	}
}

// Exclusive runs fn holding the engine state lock. Implements
// ExecutorHost.
func (e *ConflictEngine) Exclusive(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn()
}

// PersistConflict writes a conflict through to the state store. Failures
// are logged; the in-memory pipeline keeps going and the next mutation
// retries the write.
func (e *ConflictEngine) PersistConflict(ctx context.Context, c *models.Conflict) {
	raw, err := json.Marshal(c)
	if err != nil {
		e.logger.WithField("conflictId", c.ID).Errorf("marshaling conflict: %v", err)
		return
	}
	if err := e.state.Put(ctx, repository.StateNamespaceConflicts, c.ID, raw); err != nil {
		e.logger.WithField("conflictId", c.ID).Errorf("persisting conflict: %v", err)
	}
}

// NotifyManualRequired implements ExecutorHost
func (e *ConflictEngine) NotifyManualRequired(ev models.ManualResolutionRequired) {
	ev.Conflict = ev.Conflict.Clone()
	if e.notifier != nil {
		e.notifier.ManualResolutionRequired(ev)
	}
}

// NotifyCriticalTimeout implements ExecutorHost
func (e *ConflictEngine) NotifyCriticalTimeout(c *models.Conflict) {
	if e.notifier != nil {
		e.notifier.CriticalConflictAlert(c.Clone())
	}
}

// NotifyResolved implements ExecutorHost: drops the open-document index
// entries and fans the resolved conflict out
func (e *ConflictEngine) NotifyResolved(c *models.Conflict) {
	e.mu.Lock()
	key := docKey(c.Collection, c.DocumentID)
	if e.openByDoc[key] == c.ID {
		delete(e.openByDoc, key)
	}
	for device, id := range e.openSkewByDevice {
		if id == c.ID {
			delete(e.openSkewByDevice, device)
		}
	}
	clone := c.Clone()
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.ConflictResolved(clone)
	}
}

func (e *ConflictEngine) runWorker(w *tournamentWorker) {
	defer e.wg.Done()
	for {
		select {
		case task := <-w.tasks:
			task()
		case <-e.stop:
			for {
				select {
				case task := <-w.tasks:
					task()
				default:
					return
				}
			}
		}
	}
}

// processWrite is the per-write pipeline step: absorb into an open
// conflict on the same document, otherwise run detection
func (e *ConflictEngine) processWrite(event *models.WriteEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// A permission write may have changed a writer's role; drop cached
	// roles so classification sees the new one
	if event.Collection == models.CollectionPermissions {
		if inv, ok := e.authority.(interface{ Invalidate(tournamentID string) }); ok {
			inv.Invalidate(event.TournamentID)
		}
	}

	e.mu.RLock()
	openID, ok := e.openByDoc[docKey(event.Collection, event.DocumentID)]
	open := e.conflicts[openID]
	e.mu.RUnlock()

	if ok && open != nil && !open.IsResolved() {
		e.absorb(ctx, open, []models.ConflictingWrite{writeFromEvent(event)})
		return
	}

	c, err := e.detector.CheckWrite(ctx, event)
	if err != nil {
		e.logger.WithFields(map[string]interface{}{
			"collection": event.Collection,
			"documentId": event.DocumentID,
			"deviceId":   event.DeviceID,
		}).Errorf("detection skipped: %v", err)
		return
	}
	if c == nil {
		return
	}
	if c.Type == models.ConflictTypeClockSkew {
		// One open skew conflict per device is enough
		e.mu.RLock()
		_, flagged := e.openSkewByDevice[event.DeviceID]
		e.mu.RUnlock()
		if flagged {
			return
		}
	}
	e.adopt(ctx, c)
}

// adopt registers a new conflict and starts its pipeline
func (e *ConflictEngine) adopt(ctx context.Context, c *models.Conflict) {
	e.mu.Lock()
	e.conflicts[c.ID] = c
	e.indexOpenLocked(c)
	e.audit.Record(c, models.AuditActionDetected, "", "",
		fmt.Sprintf("detected %s between device(s) %s", c.Type, strings.Join(c.DeviceIDs, ", ")), nil)
	e.mu.Unlock()

	e.patterns.RecordConflict(ctx, c.Type, describeConflict(c), c.DetectedAt)
	if e.metrics != nil {
		e.metrics.RecordConflictDetected(ctx, string(c.Type), string(c.Severity))
	}
	e.PersistConflict(ctx, c)

	e.logger.WithFields(map[string]interface{}{
		"conflictId":   c.ID,
		"tournamentId": c.TournamentID,
		"type":         string(c.Type),
	}).Info("conflict detected")

	if e.notifier != nil {
		e.notifier.ConflictDetected(c.Clone())
	}
	e.analyzeAndProcess(ctx, c)
}

// absorb folds additional competing writes into an open conflict and
// re-runs analysis; a pending auto-resolution gets superseded by the
// restarted debounce
func (e *ConflictEngine) absorb(ctx context.Context, c *models.Conflict, writes []models.ConflictingWrite) {
	e.mu.Lock()
	for _, w := range writes {
		if w.DeviceID == models.ServerDeviceID {
			continue
		}
		c.AddWrite(w)
		e.audit.Record(c, models.AuditActionDetected, w.UserID, w.DeviceID,
			fmt.Sprintf("absorbed another competing write from device %s", w.DeviceID), nil)
	}
	e.mu.Unlock()

	e.PersistConflict(ctx, c)
	e.analyzeAndProcess(ctx, c)
}

// analyzeAndProcess classifies the conflict and hands it to the executor
func (e *ConflictEngine) analyzeAndProcess(ctx context.Context, c *models.Conflict) {
	analysis, aerr := e.classifier.Analyze(ctx, c)
	if aerr != nil {
		e.logger.Warnf("%v", aerr)
	}

	var details string
	if analysis.Recommended != nil {
		details = fmt.Sprintf("classified %s severity, recommended %s (confidence %d)",
			analysis.Severity, analysis.Recommended.Strategy, analysis.Recommended.Confidence)
	} else {
		details = fmt.Sprintf("classified %s severity, no automatic strategy", analysis.Severity)
	}
	data, _ := json.Marshal(analysis)

	e.mu.Lock()
	c.Severity = analysis.Severity
	if c.Status == models.ConflictStatusPending {
		c.Status = models.ConflictStatusAnalyzing
	}
	e.audit.Record(c, models.AuditActionAnalyzed, "", "", details, data)
	e.mu.Unlock()

	e.PersistConflict(ctx, c)
	e.executor.Process(c, analysis)
}

// resume picks a reloaded conflict back up after a restart. A conflict
// caught mid automatic resolution escalates: the attempt may or may not
// have applied, so a human confirms.
func (e *ConflictEngine) resume(c *models.Conflict) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	analysis, aerr := e.classifier.Analyze(ctx, c)
	if aerr != nil {
		e.logger.Warnf("%v", aerr)
	}

	switch c.Status {
	case models.ConflictStatusAutoResolving:
		e.mu.Lock()
		c.Status = models.ConflictStatusEscalated
		e.audit.Record(c, models.AuditActionEscalated, "", "", "automatic resolution interrupted by restart", nil)
		e.mu.Unlock()
		e.PersistConflict(ctx, c)
		e.NotifyManualRequired(models.ManualResolutionRequired{
			Conflict: c,
			Analysis: analysis,
			Options:  analysisOptions(analysis),
		})
	case models.ConflictStatusEscalated:
		e.executor.Process(c, analysis)
		e.NotifyManualRequired(models.ManualResolutionRequired{
			Conflict: c,
			Analysis: analysis,
			Options:  analysisOptions(analysis),
		})
	default:
		e.analyzeAndProcess(ctx, c)
	}
}

// indexOpenLocked registers an unresolved conflict in the absorb
// indexes. Corruption reports are never absorb targets; clock skew
// conflicts absorb by device rather than by document.
func (e *ConflictEngine) indexOpenLocked(c *models.Conflict) {
	switch c.Type {
	case models.ConflictTypeDataCorruption:
	case models.ConflictTypeClockSkew:
		for _, device := range c.DeviceIDs {
			e.openSkewByDevice[device] = c.ID
		}
	default:
		e.openByDoc[docKey(c.Collection, c.DocumentID)] = c.ID
	}
}

// collect filters and clones conflicts, newest first
func (e *ConflictEngine) collect(keep func(*models.Conflict) bool) []*models.Conflict {
	e.mu.RLock()
	defer e.mu.RUnlock()

	matched := make([]*models.Conflict, 0)
	for _, c := range e.conflicts {
		if keep(c) {
			matched = append(matched, c.Clone())
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].DetectedAt.Equal(matched[j].DetectedAt) {
			return matched[i].DetectedAt.After(matched[j].DetectedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	return matched
}

func docKey(collection, documentID string) string {
	return collection + "/" + documentID
}
