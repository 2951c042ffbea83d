package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bracketsync/server/internal/models"
)

// RecordStore is the interface the engine reads and writes tournament
// documents through. Implementations return (nil, nil) when a document
// does not exist.
type RecordStore interface {
	// Get returns one document by collection and ID
	Get(ctx context.Context, collection, id string) (*models.Document, error)
	// ListByTournament returns all documents of one collection in a tournament
	ListByTournament(ctx context.Context, collection, tournamentID string) ([]*models.Document, error)
	// ListCollection returns every document in a collection, ordered by ID
	ListCollection(ctx context.Context, collection string) ([]*models.Document, error)
	// Apply upserts a device write, bumps the document version and appends
	// to the write log. Returns the document after the write.
	Apply(ctx context.Context, event *models.WriteEvent) (*models.Document, error)
	// Restore overwrites a document from a snapshot copy, bumping the
	// version past whatever is stored so stale clients resync
	Restore(ctx context.Context, doc *models.Document, actor models.ActorRef) error
	// QueryWrites returns write-log entries matching the query, most
	// recent first
	QueryWrites(ctx context.Context, q models.WriteQuery) ([]*models.WriteRecord, error)
	// CountWritesSince counts tournament writes after the given time
	CountWritesSince(ctx context.Context, tournamentID string, since time.Time) (int, error)
}

// StateStore persists engine-owned state (conflicts, patterns, recovery
// plans) as namespaced JSON values so the engine survives restarts
type StateStore interface {
	Put(ctx context.Context, namespace, key string, value json.RawMessage) error
	// Get returns nil when the key does not exist
	Get(ctx context.Context, namespace, key string) (json.RawMessage, error)
	List(ctx context.Context, namespace string) (map[string]json.RawMessage, error)
	Delete(ctx context.Context, namespace, key string) error
}

// State store namespaces
const (
	StateNamespaceConflicts = "conflicts"
	StateNamespacePatterns  = "patterns"
	StateNamespacePlans     = "plans"
)

// SnapshotStore persists tournament snapshots, content-addressed by
// checksum and creation time
type SnapshotStore interface {
	Add(ctx context.Context, snap *models.TournamentSnapshot) error
	GetByID(ctx context.Context, id string) (*models.TournamentSnapshot, error)
	// ListByTournament returns snapshot metadata, newest first
	ListByTournament(ctx context.Context, tournamentID string) ([]models.SnapshotInfo, error)
	// Prune deletes the oldest snapshots beyond keep, returning how many
	// were removed
	Prune(ctx context.Context, tournamentID string, keep int) (int, error)
}

// UserRepo defines the interface for user persistence operations
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*models.User, error)
	GetCount(ctx context.Context) (int, error)
	Add(ctx context.Context, user *models.User) error
	UpdateAPIKeyHash(ctx context.Context, id, apiKeyHash string) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
}
