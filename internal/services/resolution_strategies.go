package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/bracketsync/server/internal/models"
)

// StrategyInput carries everything a resolution strategy may consult.
// All fields are value snapshots taken before dispatch, so applying the
// same input twice yields the same result.
type StrategyInput struct {
	Conflict *models.Conflict
	// Roles maps involved user IDs to their tournament role; absent
	// users count as spectators
	Roles map[string]models.Role
	// ClockOffsetsMs maps involved device IDs to their observed clock
	// offset, used to order writes by synchronized timestamp
	ClockOffsetsMs map[string]int64
	// ChosenDeviceID selects the winning write for manual_selection
	ChosenDeviceID string
}

// StrategyResult is the outcome of a resolution transform
type StrategyResult struct {
	// Payload is the resolved document body; nil means the resolution
	// changes no stored data
	Payload         json.RawMessage
	WinningDeviceID string
	WinningUserID   string
	Consequences    []string
}

// ApplyStrategy runs one resolution strategy over the conflict's
// competing writes. Strategies are pure: no I/O, no randomness, no
// reading of wall clocks.
func ApplyStrategy(strategy models.ResolutionStrategy, in StrategyInput) (*StrategyResult, error) {
	switch strategy {
	case models.StrategyHierarchicalPrecedence:
		return resolveHierarchicalPrecedence(in)
	case models.StrategyLastWriteWins:
		return resolveLastWriteWins(in)
	case models.StrategyPermissionHierarchy:
		return resolvePermissionHierarchy(in)
	case models.StrategyServerPrecedence:
		return resolveServerPrecedence(in)
	case models.StrategyMerge:
		return resolveMerge(in)
	case models.StrategyManualSelection:
		return resolveManualSelection(in)
	default:
		return nil, fmt.Errorf("unknown resolution strategy %q", strategy)
	}
}

// resolveHierarchicalPrecedence keeps the write from the highest-ranking
// participant: organizer over referee over spectator
func resolveHierarchicalPrecedence(in StrategyInput) (*StrategyResult, error) {
	winner, err := pickWinner(in, true)
	if err != nil {
		return nil, err
	}

	result := &StrategyResult{
		Payload:         winner.Payload,
		WinningDeviceID: winner.DeviceID,
		WinningUserID:   winner.UserID,
	}
	result.Consequences = append(result.Consequences,
		fmt.Sprintf("Kept the %s write from device %s", roleOf(in.Roles, winner.UserID), winner.DeviceID))
	for _, w := range in.Conflict.Writes {
		if w.DeviceID == winner.DeviceID && w.Timestamp.Equal(winner.Timestamp) {
			continue
		}
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Discarded the %s write from device %s", roleOf(in.Roles, w.UserID), w.DeviceID))
	}
	return result, nil
}

// resolveLastWriteWins keeps the newest write after correcting each
// timestamp by its device's observed clock offset
func resolveLastWriteWins(in StrategyInput) (*StrategyResult, error) {
	winner, err := pickWinner(in, false)
	if err != nil {
		return nil, err
	}

	result := &StrategyResult{
		Payload:         winner.Payload,
		WinningDeviceID: winner.DeviceID,
		WinningUserID:   winner.UserID,
	}
	result.Consequences = append(result.Consequences,
		fmt.Sprintf("Kept the newest write, from device %s at %s (clock corrected)",
			winner.DeviceID, syncedTimestamp(winner, in.ClockOffsetsMs).Format(time.RFC3339Nano)))
	for _, w := range in.Conflict.Writes {
		if w.DeviceID == winner.DeviceID && w.Timestamp.Equal(winner.Timestamp) {
			continue
		}
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Discarded the older write from device %s", w.DeviceID))
	}
	return result, nil
}

// resolvePermissionHierarchy enforces the role hierarchy on permission
// records: writes that grant a role above the writer's own authority are
// discarded, then the highest-ranking remaining writer wins
func resolvePermissionHierarchy(in StrategyInput) (*StrategyResult, error) {
	if len(in.Conflict.Writes) == 0 {
		return nil, fmt.Errorf("conflict %s has no writes to resolve", in.Conflict.ID)
	}

	var valid []models.ConflictingWrite
	var rejected []models.ConflictingWrite
	for _, w := range in.Conflict.Writes {
		if grantExceedsAuthority(w, in.Roles) {
			rejected = append(rejected, w)
		} else {
			valid = append(valid, w)
		}
	}
	pool := valid
	if len(pool) == 0 {
		// Every write overreached; fall back to ranking them all so the
		// strategy stays total
		pool = in.Conflict.Writes
	}

	winner := pool[0]
	for _, w := range pool[1:] {
		if better(w, winner, in, true) {
			winner = w
		}
	}

	result := &StrategyResult{
		Payload:         winner.Payload,
		WinningDeviceID: winner.DeviceID,
		WinningUserID:   winner.UserID,
	}
	result.Consequences = append(result.Consequences,
		fmt.Sprintf("Enforced the permission change made by the highest authority (%s, device %s)",
			roleOf(in.Roles, winner.UserID), winner.DeviceID))
	for _, w := range rejected {
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Rejected the change from device %s: %s cannot grant a role above their own",
				w.DeviceID, roleOf(in.Roles, w.UserID)))
	}
	for _, w := range valid {
		if w.DeviceID == winner.DeviceID && w.Timestamp.Equal(winner.Timestamp) {
			continue
		}
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Discarded the change from device %s", w.DeviceID))
	}
	return result, nil
}

// resolveServerPrecedence keeps the server-stored version. Partition
// conflicts carry it as Writes[0].
func resolveServerPrecedence(in StrategyInput) (*StrategyResult, error) {
	if len(in.Conflict.Writes) == 0 {
		return nil, fmt.Errorf("conflict %s has no writes to resolve", in.Conflict.ID)
	}

	server := in.Conflict.Writes[0]
	result := &StrategyResult{
		Payload:         server.Payload,
		WinningDeviceID: server.DeviceID,
		WinningUserID:   server.UserID,
	}
	result.Consequences = append(result.Consequences,
		fmt.Sprintf("Kept the server-stored version (v%d)", server.Version))
	for _, w := range in.Conflict.Writes[1:] {
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Discarded the offline write from device %s queued at %s",
				w.DeviceID, w.Timestamp.UTC().Format(time.RFC3339)))
	}
	return result, nil
}

// resolveMerge combines the competing writes field by field. Fields all
// writers agree on pass through; contested fields go to the writer with
// the higher authority, then the newer corrected timestamp, then the
// lexically smaller device ID. The result is the union, so no field
// present in any write is lost.
func resolveMerge(in StrategyInput) (*StrategyResult, error) {
	if len(in.Conflict.Writes) == 0 {
		return nil, fmt.Errorf("conflict %s has no writes to resolve", in.Conflict.ID)
	}

	type fieldSource struct {
		write models.ConflictingWrite
		value json.RawMessage
	}

	sources := make(map[string][]fieldSource)
	for _, w := range in.Conflict.Writes {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(w.Payload, &fields); err != nil {
			return nil, fmt.Errorf("merge needs object payloads, device %s sent something else: %w", w.DeviceID, err)
		}
		for name, value := range fields {
			sources[name] = append(sources[name], fieldSource{write: w, value: value})
		}
	}

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	merged := make(map[string]json.RawMessage, len(names))
	result := &StrategyResult{}
	for _, name := range names {
		candidates := sources[name]

		contested := false
		first := compactJSON(candidates[0].value)
		for _, c := range candidates[1:] {
			if compactJSON(c.value) != first {
				contested = true
				break
			}
		}
		if !contested {
			merged[name] = candidates[0].value
			continue
		}

		win := candidates[0]
		for _, c := range candidates[1:] {
			if better(c.write, win.write, in, true) {
				win = c
			}
		}
		merged[name] = win.value
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Field %q: kept the value from device %s (%s), overrode %d competing value(s)",
				name, win.write.DeviceID, roleOf(in.Roles, win.write.UserID), len(candidates)-1))
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	result.Payload = payload
	if len(result.Consequences) == 0 {
		result.Consequences = append(result.Consequences, "All writes agreed field by field; combined without overrides")
	}
	return result, nil
}

// resolveManualSelection applies a human's explicit choice of device.
// Conflicts with no competing writes (corruption reports) resolve with
// no payload change.
func resolveManualSelection(in StrategyInput) (*StrategyResult, error) {
	if len(in.Conflict.Writes) == 0 {
		return &StrategyResult{
			Consequences: []string{"Resolved by manual review; no stored data changed"},
		}, nil
	}
	if in.ChosenDeviceID == "" {
		return nil, fmt.Errorf("manual selection needs a chosen device for conflict %s", in.Conflict.ID)
	}

	var chosen *models.ConflictingWrite
	for i := range in.Conflict.Writes {
		w := &in.Conflict.Writes[i]
		if w.DeviceID != in.ChosenDeviceID {
			continue
		}
		if chosen == nil || w.Timestamp.After(chosen.Timestamp) {
			chosen = w
		}
	}
	if chosen == nil {
		return nil, fmt.Errorf("%w: device %s has no write in conflict %s", ErrOptionNotFound, in.ChosenDeviceID, in.Conflict.ID)
	}

	result := &StrategyResult{
		Payload:         chosen.Payload,
		WinningDeviceID: chosen.DeviceID,
		WinningUserID:   chosen.UserID,
	}
	result.Consequences = append(result.Consequences,
		fmt.Sprintf("Applied the write from device %s by explicit selection", chosen.DeviceID))
	for _, w := range in.Conflict.Writes {
		if w.DeviceID == chosen.DeviceID && w.Timestamp.Equal(chosen.Timestamp) {
			continue
		}
		result.Consequences = append(result.Consequences,
			fmt.Sprintf("Discarded the write from device %s", w.DeviceID))
	}
	return result, nil
}

// pickWinner returns the best write by the shared ordering: role rank
// (optional), then corrected timestamp, then device ID
func pickWinner(in StrategyInput, useRoles bool) (models.ConflictingWrite, error) {
	if len(in.Conflict.Writes) == 0 {
		return models.ConflictingWrite{}, fmt.Errorf("conflict %s has no writes to resolve", in.Conflict.ID)
	}

	winner := in.Conflict.Writes[0]
	for _, w := range in.Conflict.Writes[1:] {
		if better(w, winner, in, useRoles) {
			winner = w
		}
	}
	return winner, nil
}

// better reports whether write a beats write b: higher role rank first
// (when enabled), then newer synchronized timestamp, then lexically
// smaller device ID so ties stay deterministic
func better(a, b models.ConflictingWrite, in StrategyInput, useRoles bool) bool {
	if useRoles {
		ra := models.RoleRank(roleOf(in.Roles, a.UserID))
		rb := models.RoleRank(roleOf(in.Roles, b.UserID))
		if ra != rb {
			return ra > rb
		}
	}

	ta := syncedTimestamp(a, in.ClockOffsetsMs)
	tb := syncedTimestamp(b, in.ClockOffsetsMs)
	if !ta.Equal(tb) {
		return ta.After(tb)
	}

	return a.DeviceID < b.DeviceID
}

// syncedTimestamp corrects a write's claimed timestamp by the device's
// observed clock offset
func syncedTimestamp(w models.ConflictingWrite, offsets map[string]int64) time.Time {
	offset := offsets[w.DeviceID]
	return w.Timestamp.Add(-time.Duration(offset) * time.Millisecond)
}

func roleOf(roles map[string]models.Role, userID string) models.Role {
	if role, ok := roles[userID]; ok && role != "" {
		return role
	}
	return models.RoleSpectator
}

// grantExceedsAuthority reports whether a permission write grants a role
// above the writer's own rank
func grantExceedsAuthority(w models.ConflictingWrite, roles map[string]models.Role) bool {
	var rec models.PermissionRecord
	if err := json.Unmarshal(w.Payload, &rec); err != nil {
		return false
	}
	return models.RoleRank(rec.Role) > models.RoleRank(roleOf(roles, w.UserID))
}

func compactJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
