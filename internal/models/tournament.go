package models

import "time"

// Record store collections the engine works with
const (
	CollectionTournaments = "tournaments"
	CollectionMatches     = "matches"
	CollectionScores      = "scores"
	CollectionBrackets    = "brackets"
	CollectionPlayers     = "players"
	CollectionPermissions = "permissions"
)

// KnownCollection reports whether devices may write to the collection
func KnownCollection(collection string) bool {
	switch collection {
	case CollectionTournaments, CollectionMatches, CollectionScores,
		CollectionBrackets, CollectionPlayers, CollectionPermissions:
		return true
	}
	return false
}

// Role is a user's authority level within a tournament
type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleReferee   Role = "referee"
	RoleSpectator Role = "spectator"
)

// RoleRank orders roles by authority; higher wins hierarchical precedence
func RoleRank(r Role) int {
	switch r {
	case RoleOrganizer:
		return 3
	case RoleReferee:
		return 2
	case RoleSpectator:
		return 1
	default:
		return 0
	}
}

// TournamentStatus is the lifecycle state of a tournament
type TournamentStatus string

const (
	TournamentSetup     TournamentStatus = "setup"
	TournamentActive    TournamentStatus = "active"
	TournamentCompleted TournamentStatus = "completed"
)

// Tournament is the payload shape of a tournaments document
type Tournament struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Status      TournamentStatus `json:"status"`
	OrganizerID string           `json:"organizerId"`
	CreatedAt   time.Time        `json:"createdAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}

// MatchStatus is the lifecycle state of a match
type MatchStatus string

const (
	MatchScheduled  MatchStatus = "scheduled"
	MatchInProgress MatchStatus = "in_progress"
	MatchCompleted  MatchStatus = "completed"
)

// Match is the payload shape of a matches document
type Match struct {
	ID           string      `json:"id"`
	TournamentID string      `json:"tournamentId"`
	Round        int         `json:"round"`
	Slot         int         `json:"slot"`
	Player1ID    string      `json:"player1Id"`
	Player2ID    string      `json:"player2Id"`
	Score1       int         `json:"score1"`
	Score2       int         `json:"score2"`
	WinnerID     string      `json:"winnerId,omitempty"`
	Status       MatchStatus `json:"status"`
}

// Score is the payload shape of a scores document: one submitted score
// line for a match
type Score struct {
	ID           string    `json:"id"`
	TournamentID string    `json:"tournamentId"`
	MatchID      string    `json:"matchId"`
	PlayerID     string    `json:"playerId"`
	Points       int       `json:"points"`
	SubmittedBy  string    `json:"submittedBy"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// BracketRound is one round of ordered match slots
type BracketRound struct {
	Number   int      `json:"number"`
	MatchIDs []string `json:"matchIds"`
}

// Bracket is the payload shape of a brackets document
type Bracket struct {
	ID           string         `json:"id"`
	TournamentID string         `json:"tournamentId"`
	Format       string         `json:"format"`
	Rounds       []BracketRound `json:"rounds"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

// Player is the payload shape of a players document
type Player struct {
	ID           string `json:"id"`
	TournamentID string `json:"tournamentId"`
	DisplayName  string `json:"displayName"`
	Seed         int    `json:"seed"`
	Active       bool   `json:"active"`
}

// PermissionRecord is the payload shape of a permissions document:
// the role one user holds in one tournament
type PermissionRecord struct {
	ID           string    `json:"id"`
	TournamentID string    `json:"tournamentId"`
	UserID       string    `json:"userId"`
	Role         Role      `json:"role"`
	GrantedBy    string    `json:"grantedBy"`
	GrantedAt    time.Time `json:"grantedAt"`
}
