package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// ConflictReporter is the slice of the conflict engine the recovery
// manager talks to: corruption findings flow in as conflicts, rollbacks
// are recorded on the audit trails of affected conflicts, and resolved
// history rides along in emergency exports.
type ConflictReporter interface {
	ReportCorruption(ctx context.Context, tournamentID string, findings []string)
	RecordRollback(ctx context.Context, tournamentID, rollbackPointID, reason string, since time.Time)
	ConflictHistory(tournamentID string) []*models.Conflict
}

// RecoveryNotifier pushes recovery events to connected clients
type RecoveryNotifier interface {
	NotifyIntegrityResult(check models.IntegrityCheck)
	NotifySnapshotCreated(info models.SnapshotInfo)
	NotifyRollbackCompleted(tournamentID string, result models.RollbackResponse)
}

// RecoveryStatus represents the current status of scheduled integrity checks
type RecoveryStatus struct {
	Running            bool      `json:"running"`
	Enabled            bool      `json:"enabled"`
	LastRun            time.Time `json:"lastRun,omitempty"`
	LastRunDuration    string    `json:"lastRunDuration,omitempty"`
	TournamentsChecked int       `json:"tournamentsChecked"`
	ChecksFailed       int       `json:"checksFailed"`
	Errors             []string  `json:"errors,omitempty"`
	NextScheduledRun   time.Time `json:"nextScheduledRun,omitempty"`
}

// RecoveryService owns emergency recovery: per-tournament recovery
// plans, checksummed snapshots, rollback to known-good states, emergency
// exports, and the scheduled integrity sweep. Plans are written through
// to the state store so they survive restarts.
type RecoveryService struct {
	store     repository.RecordStore
	state     repository.StateStore
	snapshots repository.SnapshotStore
	checker   *IntegrityChecker
	checksum  *ChecksumService
	exports   *ExportStorage
	ids       *AuditTrail
	cfg       config.Recovery
	metrics   *observability.EngineMetrics
	logger    *observability.Logger

	reporter ConflictReporter
	notifier RecoveryNotifier

	planMu sync.RWMutex
	plans  map[string]*models.EmergencyRecoveryPlan

	mu       sync.RWMutex
	enabled  bool
	running  bool
	stopChan chan struct{}
	ticker   *time.Ticker
	status   RecoveryStatus
}

// NewRecoveryService creates a new RecoveryService
func NewRecoveryService(
	store repository.RecordStore,
	state repository.StateStore,
	snapshots repository.SnapshotStore,
	checker *IntegrityChecker,
	checksum *ChecksumService,
	exports *ExportStorage,
	cfg config.Recovery,
	metrics *observability.EngineMetrics,
) *RecoveryService {
	return &RecoveryService{
		store:     store,
		state:     state,
		snapshots: snapshots,
		checker:   checker,
		checksum:  checksum,
		exports:   exports,
		ids:       NewAuditTrail(),
		cfg:       cfg,
		metrics:   metrics,
		logger:    observability.GetLogger().WithField("service", "recovery"),
		plans:     make(map[string]*models.EmergencyRecoveryPlan),
		stopChan:  make(chan struct{}),
		enabled:   true,
		status: RecoveryStatus{
			Enabled: true,
			Errors:  []string{},
		},
	}
}

// SetConflictReporter wires the conflict engine in after construction
func (s *RecoveryService) SetConflictReporter(reporter ConflictReporter) {
	s.reporter = reporter
}

// SetNotifier wires the broadcast sink in after construction
func (s *RecoveryService) SetNotifier(notifier RecoveryNotifier) {
	s.notifier = notifier
}

// Start reloads persisted recovery plans and, when configured, begins
// the scheduled integrity sweep
func (s *RecoveryService) Start(ctx context.Context) error {
	entries, err := s.state.List(ctx, repository.StateNamespacePlans)
	if err != nil {
		return fmt.Errorf("loading recovery plans: %w", err)
	}

	s.planMu.Lock()
	for key, raw := range entries {
		var plan models.EmergencyRecoveryPlan
		if err := json.Unmarshal(raw, &plan); err != nil {
			s.logger.Warnf("dropping undecodable recovery plan %s: %v", key, err)
			continue
		}
		s.plans[plan.TournamentID] = &plan
	}
	loaded := len(s.plans)
	s.planMu.Unlock()

	s.logger.Infof("recovery service started: %d plans loaded", loaded)

	if s.cfg.AutoStart {
		s.startScheduler()
	}
	return nil
}

// startScheduler begins the background integrity loop
func (s *RecoveryService) startScheduler() {
	s.mu.Lock()
	if s.ticker != nil {
		s.mu.Unlock()
		return // Already started
	}
	interval := s.cfg.IntegrityInterval()
	s.enabled = true
	s.status.Enabled = true
	s.stopChan = make(chan struct{})
	s.ticker = time.NewTicker(interval)
	s.status.NextScheduledRun = time.Now().Add(interval)
	s.mu.Unlock()

	s.logger.Infof("integrity sweep scheduled every %s", interval)

	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.mu.Lock()
				s.status.NextScheduledRun = time.Now().Add(interval)
				s.mu.Unlock()
				s.runScheduledChecks()
			case <-s.stopChan:
				s.mu.Lock()
				s.ticker.Stop()
				s.ticker = nil
				s.mu.Unlock()
				s.logger.Info("integrity sweep stopped")
				return
			}
		}
	}()
}

// Stop stops the scheduled integrity sweep
func (s *RecoveryService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return // Already stopped
	}

	s.enabled = false
	s.status.Enabled = false
	close(s.stopChan)
}

// RunIntegrityNow triggers an immediate sweep across all tournaments
func (s *RecoveryService) RunIntegrityNow() {
	go s.runScheduledChecks()
}

// GetStatus returns the current sweep status
func (s *RecoveryService) GetStatus() RecoveryStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// runScheduledChecks sweeps every non-completed tournament through an
// integrity check
func (s *RecoveryService) runScheduledChecks() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Debug("integrity sweep already running, skipping")
		return
	}
	s.running = true
	s.status.Running = true
	s.status.Errors = []string{}
	s.mu.Unlock()

	startTime := time.Now()
	checked := 0
	failed := 0
	var sweepErrors []string

	listCtx, cancel := context.WithTimeout(context.Background(), opTimeout)
	docs, err := s.store.ListCollection(listCtx, models.CollectionTournaments)
	cancel()
	if err != nil {
		sweepErrors = append(sweepErrors, fmt.Sprintf("listing tournaments: %v", err))
	}

	for _, doc := range docs {
		var t models.Tournament
		if err := json.Unmarshal(doc.Payload, &t); err != nil {
			sweepErrors = append(sweepErrors, fmt.Sprintf("tournament %s: undecodable payload", doc.ID))
			continue
		}
		if t.Status == models.TournamentCompleted {
			s.retirePlan(doc.ID)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		check, err := s.PerformIntegrityCheck(ctx, doc.ID)
		cancel()
		if err != nil {
			sweepErrors = append(sweepErrors, fmt.Sprintf("tournament %s: %v", doc.ID, err))
			continue
		}
		checked++
		if check.Status == models.IntegrityFailed {
			failed++
		}
	}

	duration := time.Since(startTime)
	s.mu.Lock()
	s.running = false
	s.status.Running = false
	s.status.LastRun = time.Now()
	s.status.LastRunDuration = duration.Round(time.Millisecond).String()
	s.status.TournamentsChecked = checked
	s.status.ChecksFailed = failed
	s.status.Errors = sweepErrors
	s.mu.Unlock()

	s.logger.Infof("integrity sweep finished in %s: %d tournaments checked, %d failed",
		duration.Round(time.Millisecond), checked, failed)
}

// retirePlan drops the recovery plan for a completed tournament so the
// plans namespace only carries tournaments that can still need recovery
func (s *RecoveryService) retirePlan(tournamentID string) {
	s.planMu.Lock()
	_, ok := s.plans[tournamentID]
	delete(s.plans, tournamentID)
	s.planMu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := s.state.Delete(ctx, repository.StateNamespacePlans, tournamentID); err != nil {
		s.logger.Warnf("removing recovery plan for completed tournament %s: %v", tournamentID, err)
		return
	}
	s.logger.Infof("retired recovery plan for completed tournament %s", tournamentID)
}

// CreatePlan creates (or returns) the recovery plan for a tournament
func (s *RecoveryService) CreatePlan(ctx context.Context, tournamentID string) (*models.EmergencyRecoveryPlan, error) {
	ctx, span := observability.StartServiceSpan(ctx, "recovery", "create_plan")
	defer span.End()

	if err := s.requireTournament(ctx, tournamentID); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	s.planMu.Lock()
	plan, existed := s.plans[tournamentID]
	if !existed {
		plan = models.NewEmergencyRecoveryPlan(tournamentID)
		s.plans[tournamentID] = plan
	}
	snapshot := clonePlan(plan)
	s.planMu.Unlock()

	if !existed {
		if err := s.persistPlan(ctx, snapshot); err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("saving recovery plan: %w", err)
		}
		s.logger.Infof("created recovery plan for tournament %s", tournamentID)
	}

	observability.SetSuccess(span)
	return snapshot, nil
}

// GetPlan returns the recovery plan for a tournament
func (s *RecoveryService) GetPlan(tournamentID string) (*models.EmergencyRecoveryPlan, error) {
	s.planMu.RLock()
	defer s.planMu.RUnlock()

	plan, ok := s.plans[tournamentID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	return clonePlan(plan), nil
}

// CreateSnapshot captures a checksummed copy of the tournament's mutable
// collections. reason feeds metrics: "manual", "pre_rollback".
func (s *RecoveryService) CreateSnapshot(ctx context.Context, tournamentID, description, reason string) (*models.SnapshotInfo, error) {
	ctx, span := observability.StartServiceSpan(ctx, "recovery", "create_snapshot")
	defer span.End()

	if err := s.requireTournament(ctx, tournamentID); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	if description == "" {
		description = "snapshot"
	}

	data, err := s.collectSnapshotData(ctx, tournamentID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, &SnapshotError{TournamentID: tournamentID, Op: "collect", Err: err}
	}

	snap := models.NewTournamentSnapshot(tournamentID, description)
	snap.Data = data
	sum, blob, err := s.checksum.ChecksumSnapshotData(data)
	if err != nil {
		observability.RecordError(span, err)
		return nil, &SnapshotError{TournamentID: tournamentID, Op: "checksum", Err: err}
	}
	snap.Checksum = sum
	snap.SizeBytes = int64(len(blob))

	if err := s.snapshots.Add(ctx, snap); err != nil {
		observability.RecordError(span, err)
		return nil, &SnapshotError{TournamentID: tournamentID, Op: "store", Err: err}
	}

	if removed, err := s.snapshots.Prune(ctx, tournamentID, s.cfg.SnapshotRetention); err != nil {
		s.logger.Warnf("pruning snapshots for tournament %s: %v", tournamentID, err)
	} else if removed > 0 {
		s.logger.Debugf("pruned %d snapshots for tournament %s", removed, tournamentID)
	}

	info := snap.Info()
	s.planMu.Lock()
	plan := s.planLocked(tournamentID)
	plan.Snapshots = append([]models.SnapshotInfo{info}, plan.Snapshots...)
	if s.cfg.SnapshotRetention > 0 && len(plan.Snapshots) > s.cfg.SnapshotRetention {
		plan.Snapshots = plan.Snapshots[:s.cfg.SnapshotRetention]
	}
	plan.UpdatedAt = time.Now().UTC()
	persistCopy := clonePlan(plan)
	s.planMu.Unlock()

	if err := s.persistPlan(ctx, persistCopy); err != nil {
		s.logger.Errorf("saving recovery plan for tournament %s: %v", tournamentID, err)
	}

	s.metrics.RecordSnapshotCreated(ctx, reason)
	if s.notifier != nil {
		s.notifier.NotifySnapshotCreated(info)
	}
	s.logger.Infof("snapshot %s created for tournament %s (%d bytes, %s)",
		snap.ID, tournamentID, snap.SizeBytes, reason)

	observability.SetSuccess(span)
	return &info, nil
}

// IdentifyRollbackPoints rebuilds the tournament's rollback points from
// its lifecycle milestones and stored snapshots, newest first. IDs stay
// stable across refreshes.
func (s *RecoveryService) IdentifyRollbackPoints(ctx context.Context, tournamentID string) ([]models.RollbackPoint, error) {
	ctx, span := observability.StartServiceSpan(ctx, "recovery", "rollback_points")
	defer span.End()

	tournamentDoc, err := s.store.Get(ctx, models.CollectionTournaments, tournamentID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("reading tournament: %w", err)
	}
	if tournamentDoc == nil {
		err := &ValidationError{Msg: "unknown tournament"}
		observability.RecordError(span, err)
		return nil, err
	}

	infos, err := s.snapshots.ListByTournament(ctx, tournamentID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var earliestSnapshot time.Time
	for _, info := range infos {
		if earliestSnapshot.IsZero() || info.CreatedAt.Before(earliestSnapshot) {
			earliestSnapshot = info.CreatedAt
		}
	}

	mutable := []string{models.CollectionMatches, models.CollectionScores, models.CollectionBrackets, models.CollectionPlayers}
	var candidates []models.RollbackPoint

	var tournament models.Tournament
	if err := json.Unmarshal(tournamentDoc.Payload, &tournament); err == nil && tournament.StartedAt != nil {
		candidates = append(candidates, models.RollbackPoint{
			TournamentID:        tournamentID,
			Timestamp:           tournament.StartedAt.UTC(),
			Reason:              "tournament started",
			AffectedCollections: mutable,
			CanRollback:         !earliestSnapshot.IsZero() && !earliestSnapshot.After(*tournament.StartedAt),
		})
	}
	for _, info := range infos {
		candidates = append(candidates, models.RollbackPoint{
			TournamentID:        tournamentID,
			Timestamp:           info.CreatedAt.UTC(),
			Reason:              "snapshot: " + info.Description,
			AffectedCollections: mutable,
			CanRollback:         true,
		})
	}

	// Carry IDs over from the previous refresh so a client can hold on
	// to a point across calls
	s.planMu.Lock()
	plan := s.planLocked(tournamentID)
	existing := make(map[string]string, len(plan.RollbackPoints))
	for _, p := range plan.RollbackPoints {
		existing[rollbackPointKey(p.Reason, p.Timestamp)] = p.ID
	}

	seen := make(map[string]bool, len(candidates))
	points := make([]models.RollbackPoint, 0, len(candidates))
	for _, p := range candidates {
		key := rollbackPointKey(p.Reason, p.Timestamp)
		if seen[key] {
			continue
		}
		seen[key] = true
		if id, ok := existing[key]; ok {
			p.ID = id
		} else {
			p.ID = s.ids.NewID(p.Timestamp)
		}
		if count, err := s.store.CountWritesSince(ctx, tournamentID, p.Timestamp); err == nil {
			p.ChangesSince = count
		} else {
			s.logger.Warnf("counting writes since %s for tournament %s: %v",
				p.Timestamp.Format(time.RFC3339), tournamentID, err)
		}
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool {
		if !points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Timestamp.After(points[j].Timestamp)
		}
		return points[i].ID < points[j].ID
	})

	plan.RollbackPoints = points
	plan.UpdatedAt = time.Now().UTC()
	persistCopy := clonePlan(plan)
	out := append([]models.RollbackPoint{}, points...)
	s.planMu.Unlock()

	if err := s.persistPlan(ctx, persistCopy); err != nil {
		s.logger.Errorf("saving recovery plan for tournament %s: %v", tournamentID, err)
	}

	observability.SetSuccess(span)
	return out, nil
}

// Rollback restores the tournament's mutable collections from the
// newest snapshot at or before the rollback point. A safety snapshot is
// taken first, and the target snapshot's checksum is verified before a
// single document is written.
func (s *RecoveryService) Rollback(ctx context.Context, tournamentID, rollbackPointID, reason string) (*models.RollbackResponse, error) {
	ctx, span := observability.StartServiceSpan(ctx, "recovery", "rollback")
	defer span.End()

	s.planMu.RLock()
	var point *models.RollbackPoint
	if plan, ok := s.plans[tournamentID]; ok {
		for i := range plan.RollbackPoints {
			if plan.RollbackPoints[i].ID == rollbackPointID {
				p := plan.RollbackPoints[i]
				point = &p
				break
			}
		}
	}
	s.planMu.RUnlock()

	if point == nil {
		observability.RecordError(span, ErrRollbackPointNotFound)
		return nil, ErrRollbackPointNotFound
	}
	if !point.CanRollback {
		err := &ValidationError{Msg: "no snapshot exists at or before this rollback point"}
		observability.RecordError(span, err)
		return nil, err
	}
	if reason == "" {
		reason = "manual rollback"
	}

	// Safety net first: whatever happens next, the current state stays
	// recoverable
	preInfo, err := s.CreateSnapshot(ctx, tournamentID, "pre-rollback: "+reason, "pre_rollback")
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	infos, err := s.snapshots.ListByTournament(ctx, tournamentID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	var targetID string
	for _, info := range infos {
		if !info.CreatedAt.After(point.Timestamp) {
			targetID = info.ID
			break
		}
	}
	if targetID == "" {
		observability.RecordError(span, ErrSnapshotNotFound)
		return nil, ErrSnapshotNotFound
	}

	snap, err := s.snapshots.GetByID(ctx, targetID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}
	if snap == nil {
		observability.RecordError(span, ErrSnapshotNotFound)
		return nil, ErrSnapshotNotFound
	}

	// Verify before writing anything: a corrupt snapshot must never be
	// half-applied
	sum, _, err := s.checksum.ChecksumSnapshotData(snap.Data)
	if err != nil {
		observability.RecordError(span, err)
		return nil, &SnapshotError{TournamentID: tournamentID, Op: "verify", Err: err}
	}
	if !s.checksum.Matches(sum, snap.Checksum) {
		err := &IntegrityError{SnapshotID: snap.ID, Expected: s.checksum.Normalize(snap.Checksum), Actual: sum}
		observability.RecordError(span, err)
		return nil, err
	}

	actor := models.ActorRef{UserID: models.ServerUserID, DeviceID: "recovery"}
	restored := 0
	for _, group := range [][]models.Document{snap.Data.Matches, snap.Data.Scores, snap.Data.Bracket, snap.Data.Players} {
		for i := range group {
			doc := group[i]
			if err := s.store.Restore(ctx, &doc, actor); err != nil {
				observability.RecordError(span, err)
				s.logger.Errorf("rollback for tournament %s stopped after %d documents: %v", tournamentID, restored, err)
				return nil, &SnapshotError{TournamentID: tournamentID, Op: "restore", Err: err}
			}
			restored++
		}
	}

	if s.reporter != nil {
		s.reporter.RecordRollback(ctx, tournamentID, point.ID, reason, point.Timestamp)
	}

	// Post-rollback verification is advisory; the restore already happened
	if _, err := s.PerformIntegrityCheck(ctx, tournamentID); err != nil {
		s.logger.Warnf("post-rollback integrity check for tournament %s: %v", tournamentID, err)
	}

	result := models.RollbackResponse{
		RollbackPointID:   point.ID,
		SnapshotID:        snap.ID,
		PreSnapshotID:     preInfo.ID,
		RestoredDocuments: restored,
		CompletedAt:       time.Now().UTC(),
	}
	if s.notifier != nil {
		s.notifier.NotifyRollbackCompleted(tournamentID, result)
	}
	s.logger.WithContext(ctx).Infof("tournament %s rolled back to %s: %d documents restored from snapshot %s",
		tournamentID, point.Timestamp.Format(time.RFC3339), restored, snap.ID)

	observability.SetSuccess(span)
	return &result, nil
}

// PerformIntegrityCheck runs the checker once, records the result on the
// plan, and hands failures to the conflict engine as corruption findings
func (s *RecoveryService) PerformIntegrityCheck(ctx context.Context, tournamentID string) (*models.IntegrityCheck, error) {
	check, err := s.checker.Run(ctx, tournamentID)
	if err != nil {
		return nil, err
	}

	s.metrics.RecordIntegrityCheck(ctx, string(check.Status))

	s.planMu.Lock()
	plan := s.planLocked(tournamentID)
	plan.AddIntegrityRun(*check, s.cfg.IntegrityHistoryCap)
	persistCopy := clonePlan(plan)
	s.planMu.Unlock()

	if err := s.persistPlan(ctx, persistCopy); err != nil {
		s.logger.Errorf("saving recovery plan for tournament %s: %v", tournamentID, err)
	}

	if check.Status == models.IntegrityFailed && s.reporter != nil {
		s.reporter.ReportCorruption(ctx, tournamentID, check.Errors)
	}
	if s.notifier != nil {
		s.notifier.NotifyIntegrityResult(*check)
	}

	return check, nil
}

// emergencyExport is the artifact layout written by CreateEmergencyExport
type emergencyExport struct {
	ExportedAt   time.Time                     `json:"exportedAt"`
	TournamentID string                        `json:"tournamentId"`
	Tournament   *models.Document              `json:"tournament"`
	Matches      []*models.Document            `json:"matches"`
	Scores       []*models.Document            `json:"scores"`
	Brackets     []*models.Document            `json:"brackets"`
	Players      []*models.Document            `json:"players"`
	Permissions  []*models.Document            `json:"permissions"`
	Conflicts    []*models.Conflict            `json:"conflicts"`
	Plan         *models.EmergencyRecoveryPlan `json:"plan,omitempty"`
}

// CreateEmergencyExport writes the tournament's full state, conflict
// history included, to a standalone JSON artifact for offline handling
func (s *RecoveryService) CreateEmergencyExport(ctx context.Context, tournamentID string) (*models.ExportResult, error) {
	ctx, span := observability.StartServiceSpan(ctx, "recovery", "export")
	defer span.End()

	tournamentDoc, err := s.store.Get(ctx, models.CollectionTournaments, tournamentID)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("reading tournament: %w", err)
	}
	if tournamentDoc == nil {
		err := &ValidationError{Msg: "unknown tournament"}
		observability.RecordError(span, err)
		return nil, err
	}

	export := emergencyExport{
		ExportedAt:   time.Now().UTC(),
		TournamentID: tournamentID,
		Tournament:   tournamentDoc,
	}
	for collection, target := range map[string]*[]*models.Document{
		models.CollectionMatches:     &export.Matches,
		models.CollectionScores:      &export.Scores,
		models.CollectionBrackets:    &export.Brackets,
		models.CollectionPlayers:     &export.Players,
		models.CollectionPermissions: &export.Permissions,
	} {
		docs, err := s.store.ListByTournament(ctx, collection, tournamentID)
		if err != nil {
			observability.RecordError(span, err)
			return nil, fmt.Errorf("reading %s: %w", collection, err)
		}
		*target = docs
	}
	if s.reporter != nil {
		export.Conflicts = s.reporter.ConflictHistory(tournamentID)
	}
	s.planMu.RLock()
	if plan, ok := s.plans[tournamentID]; ok {
		export.Plan = clonePlan(plan)
	}
	s.planMu.RUnlock()

	blob, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("encoding export: %w", err)
	}

	filename := fmt.Sprintf("emergency-export-%s-%s.json", tournamentID, export.ExportedAt.Format("20060102-150405"))
	stored, size, err := s.exports.Store(filename, blob)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("writing export: %w", err)
	}
	path, err := s.exports.GetFullPath(stored)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("resolving export path: %w", err)
	}

	s.logger.Infof("emergency export for tournament %s written to %s (%d bytes)", tournamentID, path, size)
	observability.SetSuccess(span)
	return &models.ExportResult{Path: path, SizeBytes: size, CreatedAt: export.ExportedAt}, nil
}

// requireTournament fails with a ValidationError when the tournament
// document does not exist
func (s *RecoveryService) requireTournament(ctx context.Context, tournamentID string) error {
	doc, err := s.store.Get(ctx, models.CollectionTournaments, tournamentID)
	if err != nil {
		return fmt.Errorf("reading tournament: %w", err)
	}
	if doc == nil {
		return &ValidationError{Msg: "unknown tournament"}
	}
	return nil
}

// collectSnapshotData copies the tournament's mutable collections
func (s *RecoveryService) collectSnapshotData(ctx context.Context, tournamentID string) (models.SnapshotData, error) {
	data := models.SnapshotData{}
	for collection, target := range map[string]*[]models.Document{
		models.CollectionMatches:  &data.Matches,
		models.CollectionScores:   &data.Scores,
		models.CollectionBrackets: &data.Bracket,
		models.CollectionPlayers:  &data.Players,
	} {
		docs, err := s.store.ListByTournament(ctx, collection, tournamentID)
		if err != nil {
			return models.SnapshotData{}, fmt.Errorf("reading %s: %w", collection, err)
		}
		copied := make([]models.Document, 0, len(docs))
		for _, doc := range docs {
			copied = append(copied, *doc)
		}
		*target = copied
	}
	return data, nil
}

// planLocked returns the cached plan, creating it if needed. Caller
// holds planMu.
func (s *RecoveryService) planLocked(tournamentID string) *models.EmergencyRecoveryPlan {
	plan, ok := s.plans[tournamentID]
	if !ok {
		plan = models.NewEmergencyRecoveryPlan(tournamentID)
		s.plans[tournamentID] = plan
	}
	return plan
}

// persistPlan writes one plan through to the state store
func (s *RecoveryService) persistPlan(ctx context.Context, plan *models.EmergencyRecoveryPlan) error {
	blob, err := json.Marshal(plan)
	if err != nil {
		return err
	}
	return s.state.Put(ctx, repository.StateNamespacePlans, plan.TournamentID, blob)
}

// clonePlan copies a plan so callers outside the lock cannot race later
// mutations. Element contents are never edited in place, so copying the
// slices is enough.
func clonePlan(plan *models.EmergencyRecoveryPlan) *models.EmergencyRecoveryPlan {
	out := *plan
	out.Snapshots = append([]models.SnapshotInfo{}, plan.Snapshots...)
	out.RollbackPoints = append([]models.RollbackPoint{}, plan.RollbackPoints...)
	out.IntegrityRuns = append([]models.IntegrityCheck{}, plan.IntegrityRuns...)
	return &out
}

func rollbackPointKey(reason string, at time.Time) string {
	return fmt.Sprintf("%s@%d", reason, at.UTC().UnixNano())
}
