package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// opTimeout bounds store access from pipeline goroutines that have no
// request context
const opTimeout = 15 * time.Second

// ExecutorHost is what the resolution executor needs from its owner:
// serialized dispatch per tournament, the shared state lock, persistence,
// and event fan-out. The conflict engine implements it.
type ExecutorHost interface {
	// Dispatch runs the task on the tournament's serialized worker
	Dispatch(tournamentID string, task func())
	// Exclusive runs fn holding the engine's state write lock
	Exclusive(fn func())
	// PersistConflict writes the conflict through to the state store
	PersistConflict(ctx context.Context, c *models.Conflict)
	NotifyManualRequired(ev models.ManualResolutionRequired)
	NotifyCriticalTimeout(c *models.Conflict)
	NotifyResolved(c *models.Conflict)
}

// ResolutionExecutor drives conflicts from analysis to resolution. Auto
// resolution is debounced so a burst of competing writes settles first,
// attempted at most once per conflict, and degrades to escalation on any
// failure. Critical conflicts additionally arm a one-shot alert timer.
type ResolutionExecutor struct {
	store     repository.RecordStore
	audit     *AuditTrail
	patterns  *PatternTracker
	clocks    *ClockMonitor
	authority AuthorityChecker
	cfg       config.ConflictEngine
	metrics   *observability.EngineMetrics
	logger    *observability.Logger
	host      ExecutorHost

	mu             sync.Mutex
	debounceTimers map[string]*time.Timer
	criticalTimers map[string]*time.Timer
	attempted      map[string]bool
	stopped        bool
}

// NewResolutionExecutor creates a new ResolutionExecutor
func NewResolutionExecutor(store repository.RecordStore, audit *AuditTrail, patterns *PatternTracker, clocks *ClockMonitor, authority AuthorityChecker, cfg config.ConflictEngine, metrics *observability.EngineMetrics, host ExecutorHost) *ResolutionExecutor {
	return &ResolutionExecutor{
		store:          store,
		audit:          audit,
		patterns:       patterns,
		clocks:         clocks,
		authority:      authority,
		cfg:            cfg,
		metrics:        metrics,
		logger:         observability.GetLogger().WithField("service", "executor"),
		host:           host,
		debounceTimers: make(map[string]*time.Timer),
		criticalTimers: make(map[string]*time.Timer),
		attempted:      make(map[string]bool),
	}
}

// Process moves an analyzed conflict forward: schedule debounced auto
// resolution when the analysis allows it, escalate otherwise. Runs on
// the tournament worker. Calling it again for the same conflict (after
// another write was absorbed) restarts the debounce window.
func (e *ResolutionExecutor) Process(c *models.Conflict, analysis *models.ConflictAnalysis) {
	if c.IsResolved() {
		return
	}

	if c.Severity == models.SeverityCritical {
		e.armCriticalTimer(c)
	}

	// Escalated conflicts stay escalated; new absorbed writes update the
	// record but only a human moves it forward
	if c.Status == models.ConflictStatusEscalated {
		return
	}

	if analysis.CanAutoResolve && analysis.Recommended != nil && analysis.Recommended.Confidence > e.cfg.AutoResolveConfidence {
		e.scheduleAuto(c, analysis)
		return
	}

	e.escalate(c, analysis, "below_confidence", escalationReason(analysis))
}

// scheduleAuto (re)starts the conflict's debounce timer. A newer
// superseding write cancels the pending run by restarting the window.
func (e *ResolutionExecutor) scheduleAuto(c *models.Conflict, analysis *models.ConflictAnalysis) {
	strategy := analysis.Recommended.Strategy

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.attempted[c.ID] {
		return
	}
	if timer, ok := e.debounceTimers[c.ID]; ok {
		timer.Stop()
	}
	e.debounceTimers[c.ID] = time.AfterFunc(e.cfg.Debounce(), func() {
		e.host.Dispatch(c.TournamentID, func() {
			e.runAuto(c, analysis, strategy)
		})
	})
}

// runAuto performs the single automatic resolution attempt. Any failure
// escalates; the attempt is never retried.
func (e *ResolutionExecutor) runAuto(c *models.Conflict, analysis *models.ConflictAnalysis, strategy models.ResolutionStrategy) {
	if c.IsResolved() {
		return
	}

	e.mu.Lock()
	if e.attempted[c.ID] {
		e.mu.Unlock()
		return
	}
	e.attempted[c.ID] = true
	delete(e.debounceTimers, c.ID)
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	e.host.Exclusive(func() {
		c.Status = models.ConflictStatusAutoResolving
	})
	e.host.PersistConflict(ctx, c)

	input := StrategyInput{
		Conflict:       c,
		Roles:          resolveRoles(ctx, e.authority, c.TournamentID, c.UserIDs, e.logger),
		ClockOffsetsMs: e.clocks.Offsets(c.DeviceIDs),
	}

	result, err := ApplyStrategy(strategy, input)
	if err != nil {
		e.logger.WithField("conflictId", c.ID).Errorf("automatic resolution failed: %v",
			&ResolutionApplyError{ConflictID: c.ID, Strategy: strategy, Err: err})
		e.escalate(c, analysis, "apply_failed", fmt.Sprintf("automatic %s failed: %v", strategy, err))
		return
	}

	if result.Payload != nil {
		if _, err := e.store.Apply(ctx, resolutionWrite(c, result.Payload)); err != nil {
			e.logger.WithField("conflictId", c.ID).Errorf("storing resolution failed: %v", err)
			e.escalate(c, analysis, "store_failed", fmt.Sprintf("storing the %s result failed: %v", strategy, err))
			return
		}
	}

	e.finishResolved(ctx, c, strategy, result, models.ServerUserID, models.ServerDeviceID, true, "")
}

// ResolveManually applies a human's option choice. Runs on the
// tournament worker; the engine relays the returned error to the caller.
// Re-submitting the option a conflict already resolved with is a no-op.
func (e *ResolutionExecutor) ResolveManually(c *models.Conflict, analysis *models.ConflictAnalysis, optionID, chosenDeviceID, actingUserID, notes string) error {
	option := findOption(analysis, optionID)
	if option == nil {
		return fmt.Errorf("%w: %q", ErrOptionNotFound, optionID)
	}

	if c.IsResolved() {
		if c.ResolutionMethod == option.Strategy {
			return nil
		}
		return ErrAlreadyResolved
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	// A human stepping in supersedes any pending automatic attempt
	e.cancelDebounce(c.ID)
	if !c.HasAuditAction(models.AuditActionEscalated) {
		e.host.Exclusive(func() {
			c.Status = models.ConflictStatusEscalated
			e.audit.Record(c, models.AuditActionEscalated, actingUserID, "", "handed to manual resolution by user request", nil)
		})
	}

	input := StrategyInput{
		Conflict:       c,
		Roles:          resolveRoles(ctx, e.authority, c.TournamentID, c.UserIDs, e.logger),
		ClockOffsetsMs: e.clocks.Offsets(c.DeviceIDs),
		ChosenDeviceID: chosenDeviceID,
	}

	result, err := ApplyStrategy(option.Strategy, input)
	if err != nil {
		if errors.Is(err, ErrOptionNotFound) {
			return err
		}
		return &ResolutionApplyError{ConflictID: c.ID, Strategy: option.Strategy, Err: err}
	}

	if result.Payload != nil {
		if _, err := e.store.Apply(ctx, resolutionWrite(c, result.Payload)); err != nil {
			e.host.PersistConflict(ctx, c)
			return &ResolutionApplyError{ConflictID: c.ID, Strategy: option.Strategy, Err: err}
		}
	}

	e.finishResolved(ctx, c, option.Strategy, result, actingUserID, chosenDeviceID, false, notes)
	return nil
}

// finishResolved records the terminal state, audits it, and fans out
func (e *ResolutionExecutor) finishResolved(ctx context.Context, c *models.Conflict, strategy models.ResolutionStrategy, result *StrategyResult, resolvedBy, actingDevice string, automatic bool, notes string) {
	data, _ := json.Marshal(struct {
		Strategy      models.ResolutionStrategy `json:"strategy"`
		WinningDevice string                    `json:"winningDevice,omitempty"`
		WinningUser   string                    `json:"winningUser,omitempty"`
		Consequences  []string                  `json:"consequences"`
		Notes         string                    `json:"notes,omitempty"`
	}{strategy, result.WinningDeviceID, result.WinningUserID, result.Consequences, notes})

	action := models.AuditActionManualResolved
	details := fmt.Sprintf("resolved manually with %s", strategy)
	if automatic {
		action = models.AuditActionAutoResolved
		details = fmt.Sprintf("resolved automatically with %s: %s", strategy, strings.Join(result.Consequences, "; "))
	}

	e.host.Exclusive(func() {
		c.MarkResolved(strategy, result.Payload, resolvedBy, automatic)
		e.audit.Record(c, action, resolvedBy, actingDevice, details, data)
	})

	e.cancelTimers(c.ID)
	e.host.PersistConflict(ctx, c)
	e.patterns.RecordOutcome(ctx, c.Type, automatic)
	if e.metrics != nil {
		e.metrics.RecordResolution(ctx, string(strategy), automatic, time.Since(c.DetectedAt))
	}
	e.host.NotifyResolved(c)

	e.logger.WithFields(map[string]interface{}{
		"conflictId": c.ID,
		"strategy":   string(strategy),
		"automatic":  automatic,
	}).Info("conflict resolved")
}

// escalate parks the conflict for manual resolution and tells the UI
func (e *ResolutionExecutor) escalate(c *models.Conflict, analysis *models.ConflictAnalysis, reasonSlug, details string) {
	if c.IsResolved() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	e.cancelDebounce(c.ID)
	e.host.Exclusive(func() {
		c.Status = models.ConflictStatusEscalated
		e.audit.Record(c, models.AuditActionEscalated, "", "", details, nil)
	})
	e.host.PersistConflict(ctx, c)

	if e.metrics != nil {
		e.metrics.RecordEscalation(ctx, string(c.Type), reasonSlug)
	}
	e.host.NotifyManualRequired(models.ManualResolutionRequired{
		Conflict: c,
		Analysis: analysis,
		Options:  analysisOptions(analysis),
	})

	e.logger.WithFields(map[string]interface{}{
		"conflictId": c.ID,
		"reason":     reasonSlug,
	}).Warn("conflict escalated for manual resolution")
}

// armCriticalTimer starts the one-shot alert for a critical conflict
// left unresolved past the escalation window. Arming is idempotent and
// the handler fires at most once per conflict.
func (e *ResolutionExecutor) armCriticalTimer(c *models.Conflict) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return
	}
	if _, ok := e.criticalTimers[c.ID]; ok {
		return
	}
	e.criticalTimers[c.ID] = time.AfterFunc(e.cfg.CriticalEscalation(), func() {
		e.host.Dispatch(c.TournamentID, func() {
			if c.IsResolved() {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			defer cancel()
			if e.metrics != nil {
				e.metrics.RecordCriticalAlert(ctx, string(c.Type))
			}
			e.host.NotifyCriticalTimeout(c)
			e.logger.WithFields(map[string]interface{}{
				"conflictId":   c.ID,
				"tournamentId": c.TournamentID,
			}).Warn("critical conflict unresolved past the escalation window")
		})
	})
}

// Stop cancels every pending timer; in-flight tasks finish on their
// workers
func (e *ResolutionExecutor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	for id, timer := range e.debounceTimers {
		timer.Stop()
		delete(e.debounceTimers, id)
	}
	for id, timer := range e.criticalTimers {
		timer.Stop()
		delete(e.criticalTimers, id)
	}
}

func (e *ResolutionExecutor) cancelDebounce(conflictID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.debounceTimers[conflictID]; ok {
		timer.Stop()
		delete(e.debounceTimers, conflictID)
	}
}

func (e *ResolutionExecutor) cancelTimers(conflictID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if timer, ok := e.debounceTimers[conflictID]; ok {
		timer.Stop()
		delete(e.debounceTimers, conflictID)
	}
	if timer, ok := e.criticalTimers[conflictID]; ok {
		timer.Stop()
		delete(e.criticalTimers, conflictID)
	}
}

// resolutionWrite shapes a strategy result as a server-actor write so it
// flows through the same versioned apply path as device writes
func resolutionWrite(c *models.Conflict, payload json.RawMessage) *models.WriteEvent {
	now := time.Now().UTC()
	return &models.WriteEvent{
		Collection:   c.Collection,
		DocumentID:   c.DocumentID,
		TournamentID: c.TournamentID,
		DeviceID:     models.ServerDeviceID,
		UserID:       models.ServerUserID,
		Timestamp:    now,
		ReceivedAt:   now,
		Payload:      payload,
	}
}

func findOption(analysis *models.ConflictAnalysis, optionID string) *models.ResolutionOption {
	if analysis.Recommended != nil && analysis.Recommended.ID == optionID {
		return analysis.Recommended
	}
	for i := range analysis.Alternatives {
		if analysis.Alternatives[i].ID == optionID {
			return &analysis.Alternatives[i]
		}
	}
	return nil
}

func analysisOptions(analysis *models.ConflictAnalysis) []models.ResolutionOption {
	options := make([]models.ResolutionOption, 0, len(analysis.Alternatives)+1)
	if analysis.Recommended != nil {
		options = append(options, *analysis.Recommended)
	}
	options = append(options, analysis.Alternatives...)
	return options
}

func escalationReason(analysis *models.ConflictAnalysis) string {
	if analysis.Recommended == nil {
		return "no automatic strategy applies"
	}
	if analysis.Recommended.RequiresHuman {
		return fmt.Sprintf("%s requires a human decision", analysis.Recommended.Strategy)
	}
	if !analysis.CanAutoResolve {
		return "analysis ruled out automatic resolution"
	}
	return fmt.Sprintf("confidence %d does not exceed the auto-resolve threshold", analysis.Recommended.Confidence)
}
