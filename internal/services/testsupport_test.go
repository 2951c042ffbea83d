package services

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bracketsync/server/internal/config"
	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
	"github.com/bracketsync/server/internal/repository"
)

// memRecordStore is an in-memory RecordStore mirroring the SQL
// repository's semantics: Apply bumps versions and appends to a write
// log, Restore bumps past the stored version, QueryWrites filters on
// receipt time newest first.
type memRecordStore struct {
	mu       sync.Mutex
	docs     map[string]*models.Document
	writes   []*models.WriteRecord
	restored []models.Document
	nextID   int64

	getErr     error
	applyErr   error
	queryErr   error
	restoreErr error
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{docs: make(map[string]*models.Document)}
}

func storeKey(collection, id string) string {
	return collection + "/" + id
}

func (s *memRecordStore) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	doc, ok := s.docs[storeKey(collection, id)]
	if !ok {
		return nil, nil
	}
	cp := *doc
	return &cp, nil
}

func (s *memRecordStore) ListByTournament(ctx context.Context, collection, tournamentID string) ([]*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Document
	for _, doc := range s.docs {
		if doc.Collection == collection && doc.TournamentID == tournamentID {
			cp := *doc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memRecordStore) ListCollection(ctx context.Context, collection string) ([]*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Document
	for _, doc := range s.docs {
		if doc.Collection == collection {
			cp := *doc
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memRecordStore) Apply(ctx context.Context, event *models.WriteEvent) (*models.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return nil, s.applyErr
	}
	key := storeKey(event.Collection, event.DocumentID)
	doc, ok := s.docs[key]
	if !ok {
		doc = &models.Document{
			Collection:   event.Collection,
			ID:           event.DocumentID,
			TournamentID: event.TournamentID,
		}
		s.docs[key] = doc
	}
	doc.Payload = append(json.RawMessage(nil), event.Payload...)
	doc.Version++
	doc.LastModified = event.ReceivedAt
	doc.LastModifiedBy = event.UserID
	doc.LastModifiedDevice = event.DeviceID

	s.nextID++
	s.writes = append(s.writes, &models.WriteRecord{
		ID:           s.nextID,
		Collection:   event.Collection,
		DocumentID:   event.DocumentID,
		TournamentID: event.TournamentID,
		DeviceID:     event.DeviceID,
		UserID:       event.UserID,
		Timestamp:    event.Timestamp,
		ReceivedAt:   event.ReceivedAt,
		Payload:      append(json.RawMessage(nil), event.Payload...),
		Version:      doc.Version,
	})

	cp := *doc
	return &cp, nil
}

func (s *memRecordStore) Restore(ctx context.Context, doc *models.Document, actor models.ActorRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.restoreErr != nil {
		return s.restoreErr
	}
	key := storeKey(doc.Collection, doc.ID)
	cur, ok := s.docs[key]
	version := doc.Version
	if ok && cur.Version > version {
		version = cur.Version
	}
	version++
	restoredDoc := &models.Document{
		Collection:         doc.Collection,
		ID:                 doc.ID,
		TournamentID:       doc.TournamentID,
		Payload:            append(json.RawMessage(nil), doc.Payload...),
		Version:            version,
		LastModified:       time.Now().UTC(),
		LastModifiedBy:     actor.UserID,
		LastModifiedDevice: actor.DeviceID,
	}
	s.docs[key] = restoredDoc
	s.restored = append(s.restored, *restoredDoc)
	return nil
}

func (s *memRecordStore) QueryWrites(ctx context.Context, q models.WriteQuery) ([]*models.WriteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	var out []*models.WriteRecord
	for _, w := range s.writes {
		if w.Collection != q.Collection || w.DocumentID != q.DocumentID {
			continue
		}
		if w.ReceivedAt.Before(q.Since) {
			continue
		}
		if q.ExcludeDevice != "" && w.DeviceID == q.ExcludeDevice {
			continue
		}
		cp := *w
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.After(out[j].ReceivedAt) })
	return out, nil
}

func (s *memRecordStore) CountWritesSince(ctx context.Context, tournamentID string, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, w := range s.writes {
		if w.TournamentID == tournamentID && w.ReceivedAt.After(since) {
			count++
		}
	}
	return count, nil
}

// seed places a document without going through the write log
func (s *memRecordStore) seed(doc *models.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *doc
	cp.Payload = append(json.RawMessage(nil), doc.Payload...)
	s.docs[storeKey(doc.Collection, doc.ID)] = &cp
}

func (s *memRecordStore) document(collection, id string) *models.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[storeKey(collection, id)]
	if !ok {
		return nil
	}
	cp := *doc
	return &cp
}

func (s *memRecordStore) restoreCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.restored)
}

// memStateStore is an in-memory StateStore
type memStateStore struct {
	mu   sync.Mutex
	data map[string]map[string]json.RawMessage
	err  error
}

func newMemStateStore() *memStateStore {
	return &memStateStore{data: make(map[string]map[string]json.RawMessage)}
}

func (s *memStateStore) Put(ctx context.Context, namespace, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	ns, ok := s.data[namespace]
	if !ok {
		ns = make(map[string]json.RawMessage)
		s.data[namespace] = ns
	}
	ns[key] = append(json.RawMessage(nil), value...)
	return nil
}

func (s *memStateStore) Get(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	value, ok := s.data[namespace][key]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), value...), nil
}

func (s *memStateStore) List(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make(map[string]json.RawMessage, len(s.data[namespace]))
	for k, v := range s.data[namespace] {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out, nil
}

func (s *memStateStore) Delete(ctx context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data[namespace], key)
	return nil
}

func (s *memStateStore) raw(namespace, key string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data[namespace][key]
}

// memSnapshotStore is an in-memory SnapshotStore, newest first
type memSnapshotStore struct {
	mu    sync.Mutex
	snaps []*models.TournamentSnapshot
}

func newMemSnapshotStore() *memSnapshotStore {
	return &memSnapshotStore{}
}

func (s *memSnapshotStore) Add(ctx context.Context, snap *models.TournamentSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *snap
	s.snaps = append(s.snaps, &cp)
	return nil
}

func (s *memSnapshotStore) GetByID(ctx context.Context, id string) (*models.TournamentSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps {
		if snap.ID == id {
			cp := *snap
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memSnapshotStore) ListByTournament(ctx context.Context, tournamentID string) ([]models.SnapshotInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SnapshotInfo
	for _, snap := range s.snaps {
		if snap.TournamentID == tournamentID {
			out = append(out, snap.Info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *memSnapshotStore) Prune(ctx context.Context, tournamentID string, keep int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []*models.TournamentSnapshot
	for _, snap := range s.snaps {
		if snap.TournamentID == tournamentID {
			mine = append(mine, snap)
		}
	}
	if keep <= 0 || len(mine) <= keep {
		return 0, nil
	}
	sort.Slice(mine, func(i, j int) bool { return mine[i].CreatedAt.After(mine[j].CreatedAt) })
	drop := make(map[string]bool)
	for _, snap := range mine[keep:] {
		drop[snap.ID] = true
	}
	var kept []*models.TournamentSnapshot
	for _, snap := range s.snaps {
		if !drop[snap.ID] {
			kept = append(kept, snap)
		}
	}
	s.snaps = kept
	return len(drop), nil
}

// tamper rewrites a stored snapshot's data in place, leaving the
// recorded checksum behind
func (s *memSnapshotStore) tamper(id string, raw json.RawMessage) bool {
	var data models.SnapshotData
	if err := json.Unmarshal(raw, &data); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range s.snaps {
		if snap.ID == id {
			snap.Data = data
			return true
		}
	}
	return false
}

func (s *memSnapshotStore) count(tournamentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, snap := range s.snaps {
		if snap.TournamentID == tournamentID {
			n++
		}
	}
	return n
}

// staticAuthority answers role lookups from a fixed userID -> role map
type staticAuthority struct {
	roles map[string]models.Role
}

func (a *staticAuthority) RoleOf(ctx context.Context, tournamentID, userID string) (models.Role, error) {
	if role, ok := a.roles[userID]; ok {
		return role, nil
	}
	return models.RoleSpectator, nil
}

func (a *staticAuthority) IsOrganizer(ctx context.Context, tournamentID, userID string) (bool, error) {
	role, err := a.RoleOf(ctx, tournamentID, userID)
	return role == models.RoleOrganizer, err
}

// recordingNotifier captures conflict pipeline notifications
type recordingNotifier struct {
	mu       sync.Mutex
	detected []*models.Conflict
	manual   []models.ManualResolutionRequired
	resolved []*models.Conflict
	critical []*models.Conflict
}

func (n *recordingNotifier) ConflictDetected(c *models.Conflict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.detected = append(n.detected, c)
}

func (n *recordingNotifier) ManualResolutionRequired(ev models.ManualResolutionRequired) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.manual = append(n.manual, ev)
}

func (n *recordingNotifier) ConflictResolved(c *models.Conflict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resolved = append(n.resolved, c)
}

func (n *recordingNotifier) CriticalConflictAlert(c *models.Conflict) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.critical = append(n.critical, c)
}

func (n *recordingNotifier) detectedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.detected)
}

func (n *recordingNotifier) manualCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.manual)
}

func (n *recordingNotifier) resolvedCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.resolved)
}

func (n *recordingNotifier) criticalCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.critical)
}

func (n *recordingNotifier) lastDetected() *models.Conflict {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.detected) == 0 {
		return nil
	}
	return n.detected[len(n.detected)-1]
}

func (n *recordingNotifier) lastResolved() *models.Conflict {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.resolved) == 0 {
		return nil
	}
	return n.resolved[len(n.resolved)-1]
}

func (n *recordingNotifier) lastManual() (models.ManualResolutionRequired, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.manual) == 0 {
		return models.ManualResolutionRequired{}, false
	}
	return n.manual[len(n.manual)-1], true
}

// recordingRecoveryNotifier captures recovery notifications
type recordingRecoveryNotifier struct {
	mu        sync.Mutex
	integrity []models.IntegrityCheck
	snapshots []models.SnapshotInfo
	rollbacks []models.RollbackResponse
}

func (n *recordingRecoveryNotifier) NotifyIntegrityResult(check models.IntegrityCheck) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.integrity = append(n.integrity, check)
}

func (n *recordingRecoveryNotifier) NotifySnapshotCreated(info models.SnapshotInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.snapshots = append(n.snapshots, info)
}

func (n *recordingRecoveryNotifier) NotifyRollbackCompleted(tournamentID string, result models.RollbackResponse) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rollbacks = append(n.rollbacks, result)
}

func (n *recordingRecoveryNotifier) snapshotCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.snapshots)
}

// recordingReporter captures corruption reports and rollback audits
type recordingReporter struct {
	mu        sync.Mutex
	findings  [][]string
	rollbacks []string
	history   []*models.Conflict
}

func (r *recordingReporter) ReportCorruption(ctx context.Context, tournamentID string, findings []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findings = append(r.findings, findings)
}

func (r *recordingReporter) RecordRollback(ctx context.Context, tournamentID, rollbackPointID, reason string, since time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rollbacks = append(r.rollbacks, rollbackPointID)
}

func (r *recordingReporter) ConflictHistory(tournamentID string) []*models.Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.history
}

// testEngineConfig mirrors the production defaults except for the
// debounce, shortened so pipeline tests settle quickly
func testEngineConfig() config.ConflictEngine {
	return config.ConflictEngine{
		RecentWriteWindowSeconds:    10,
		ClockSyncThresholdSeconds:   5,
		AutoResolveConfidence:       80,
		DebounceMillis:              10,
		CriticalEscalationSeconds:   1,
		ClockSkewConfidenceDiscount: 20,
	}
}

func newTestEngineMetrics(t *testing.T) *observability.EngineMetrics {
	t.Helper()
	metrics, err := observability.NewEngineMetrics()
	require.NoError(t, err)
	return metrics
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// seedTournament stores a tournament document and returns its ID
func seedTournament(t *testing.T, store *memRecordStore, id, organizerID string) {
	t.Helper()
	tournament := models.Tournament{
		ID:          id,
		Name:        "Test Open",
		Status:      models.TournamentActive,
		OrganizerID: organizerID,
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	store.seed(&models.Document{
		Collection:   models.CollectionTournaments,
		ID:           id,
		TournamentID: id,
		Payload:      mustJSON(t, tournament),
		Version:      1,
		LastModified: tournament.CreatedAt,
	})
}

func writeEventAt(collection, docID, tournamentID, deviceID, userID string, ts time.Time, payload json.RawMessage) *models.WriteEvent {
	return &models.WriteEvent{
		Collection:   collection,
		DocumentID:   docID,
		TournamentID: tournamentID,
		DeviceID:     deviceID,
		UserID:       userID,
		Timestamp:    ts,
		ReceivedAt:   ts,
		Payload:      payload,
	}
}

func conflictWrite(deviceID, userID string, ts time.Time, payload json.RawMessage) models.ConflictingWrite {
	return models.ConflictingWrite{
		DeviceID:  deviceID,
		UserID:    userID,
		Timestamp: ts,
		Payload:   payload,
	}
}

// auditActions flattens a conflict's audit trail to its action names
func auditActions(c *models.Conflict) []string {
	var actions []string
	for _, entry := range c.AuditTrail {
		actions = append(actions, string(entry.Action))
	}
	return actions
}

func hasConsequenceContaining(result *StrategyResult, substr string) bool {
	for _, c := range result.Consequences {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

var _ repository.RecordStore = (*memRecordStore)(nil)
var _ repository.StateStore = (*memStateStore)(nil)
var _ repository.SnapshotStore = (*memSnapshotStore)(nil)
var _ AuthorityChecker = (*staticAuthority)(nil)
var _ ConflictNotifier = (*recordingNotifier)(nil)
var _ RecoveryNotifier = (*recordingRecoveryNotifier)(nil)
var _ ConflictReporter = (*recordingReporter)(nil)
