package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
)

// DocumentRepositoryPostgres handles document persistence (PostgreSQL)
type DocumentRepositoryPostgres struct {
	db *sql.DB
}

// NewDocumentRepositoryPostgres creates a new DocumentRepositoryPostgres
func NewDocumentRepositoryPostgres(db *sql.DB) *DocumentRepositoryPostgres {
	return &DocumentRepositoryPostgres{db: db}
}

// Get retrieves a document by collection and ID
func (r *DocumentRepositoryPostgres) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	query := `
		SELECT collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device
		FROM documents WHERE collection = $1 AND id = $2
	`
	return scanDocument(r.db.QueryRowContext(ctx, query, collection, id))
}

// ListByTournament retrieves all documents of one collection in a tournament
func (r *DocumentRepositoryPostgres) ListByTournament(ctx context.Context, collection, tournamentID string) ([]*models.Document, error) {
	query := `
		SELECT collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device
		FROM documents
		WHERE collection = $1 AND tournament_id = $2
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, collection, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// ListCollection retrieves every document in a collection, ordered by ID
func (r *DocumentRepositoryPostgres) ListCollection(ctx context.Context, collection string) ([]*models.Document, error) {
	query := `
		SELECT collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device
		FROM documents
		WHERE collection = $1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDocuments(rows)
}

// Apply upserts a device write, bumps the version and appends to the
// write log in one transaction
func (r *DocumentRepositoryPostgres) Apply(ctx context.Context, event *models.WriteEvent) (*models.Document, error) {
	ctx, span := observability.StartDBSpan(ctx, "apply", "documents")
	defer span.End()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	defer tx.Rollback()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		event.Collection, event.DocumentID,
	).Scan(&version)

	switch {
	case err == sql.ErrNoRows:
		version = 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, event.Collection, event.DocumentID, event.TournamentID, string(event.Payload),
			version, event.ReceivedAt, event.UserID, event.DeviceID)
	case err == nil:
		version++
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET payload = $1, version = $2, last_modified = $3, last_modified_by = $4, last_modified_device = $5
			WHERE collection = $6 AND id = $7
		`, string(event.Payload), version, event.ReceivedAt, event.UserID, event.DeviceID,
			event.Collection, event.DocumentID)
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_writes (collection, document_id, tournament_id, device_id, user_id, ts, received_at, payload, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, event.Collection, event.DocumentID, event.TournamentID, event.DeviceID, event.UserID,
		event.Timestamp, event.ReceivedAt, string(event.Payload), version)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	observability.SetSuccess(span)

	return &models.Document{
		Collection:         event.Collection,
		ID:                 event.DocumentID,
		TournamentID:       event.TournamentID,
		Payload:            event.Payload,
		Version:            version,
		LastModified:       event.ReceivedAt,
		LastModifiedBy:     event.UserID,
		LastModifiedDevice: event.DeviceID,
	}, nil
}

// Restore overwrites a document from a snapshot copy. The version is
// bumped past the stored one so stale clients resync; restores do not
// enter the write log.
func (r *DocumentRepositoryPostgres) Restore(ctx context.Context, doc *models.Document, actor models.ActorRef) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE collection = $1 AND id = $2 FOR UPDATE`,
		doc.Collection, doc.ID,
	).Scan(&version)

	switch {
	case err == sql.ErrNoRows:
		version = doc.Version + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, doc.Collection, doc.ID, doc.TournamentID, string(doc.Payload),
			version, now, actor.UserID, actor.DeviceID)
	case err == nil:
		if doc.Version > version {
			version = doc.Version
		}
		version++
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET payload = $1, version = $2, last_modified = $3, last_modified_by = $4, last_modified_device = $5
			WHERE collection = $6 AND id = $7
		`, string(doc.Payload), version, now, actor.UserID, actor.DeviceID,
			doc.Collection, doc.ID)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// QueryWrites returns write-log entries matching the query, most recent first
func (r *DocumentRepositoryPostgres) QueryWrites(ctx context.Context, q models.WriteQuery) ([]*models.WriteRecord, error) {
	query := `
		SELECT id, collection, document_id, tournament_id, device_id, user_id, ts, received_at, payload, version
		FROM document_writes
		WHERE collection = $1 AND document_id = $2 AND received_at >= $3
	`
	args := []interface{}{q.Collection, q.DocumentID, q.Since}

	if q.ExcludeDevice != "" {
		query += ` AND device_id != $4`
		args = append(args, q.ExcludeDevice)
	}
	query += ` ORDER BY received_at DESC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanWriteRecords(rows)
}

// CountWritesSince counts tournament writes after the given time
func (r *DocumentRepositoryPostgres) CountWritesSince(ctx context.Context, tournamentID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_writes WHERE tournament_id = $1 AND received_at > $2`,
		tournamentID, since,
	).Scan(&count)
	return count, err
}
