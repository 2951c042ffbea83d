package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/bracketsync/server/internal/models"
	"github.com/bracketsync/server/internal/observability"
)

// DocumentRepository handles document persistence (SQLite)
type DocumentRepository struct {
	db *sql.DB
}

// NewDocumentRepository creates a new DocumentRepository
func NewDocumentRepository(db *sql.DB) *DocumentRepository {
	return &DocumentRepository{db: db}
}

// Get retrieves a document by collection and ID
func (r *DocumentRepository) Get(ctx context.Context, collection, id string) (*models.Document, error) {
	query := `
		SELECT collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device
		FROM documents WHERE collection = ? AND id = ?
	`
	return scanDocument(r.db.QueryRowContext(ctx, query, collection, id))
}

// ListByTournament retrieves all documents of one collection in a tournament
func (r *DocumentRepository) ListByTournament(ctx context.Context, collection, tournamentID string) ([]*models.Document, error) {
	query := `
		SELECT collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device
		FROM documents
		WHERE collection = ? AND tournament_id = ?
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
func (r *DocumentRepository) ListCollection(ctx context.Context, collection string) ([]*models.Document, error) {
	query := `
		SELECT collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device
		FROM documents
		WHERE collection = ?
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
func (r *DocumentRepository) Apply(ctx context.Context, event *models.WriteEvent) (*models.Document, error) {
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
		`SELECT version FROM documents WHERE collection = ? AND id = ?`,
		event.Collection, event.DocumentID,
	).Scan(&version)

	switch {
	case err == sql.ErrNoRows:
		version = 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, event.Collection, event.DocumentID, event.TournamentID, string(event.Payload),
			version, event.ReceivedAt, event.UserID, event.DeviceID)
	case err == nil:
		version++
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET payload = ?, version = ?, last_modified = ?, last_modified_by = ?, last_modified_device = ?
			WHERE collection = ? AND id = ?
		`, string(event.Payload), version, event.ReceivedAt, event.UserID, event.DeviceID,
			event.Collection, event.DocumentID)
	}
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO document_writes (collection, document_id, tournament_id, device_id, user_id, ts, received_at, payload, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
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
func (r *DocumentRepository) Restore(ctx context.Context, doc *models.Document, actor models.ActorRef) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE collection = ? AND id = ?`,
		doc.Collection, doc.ID,
	).Scan(&version)

	switch {
	case err == sql.ErrNoRows:
		version = doc.Version + 1
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents (collection, id, tournament_id, payload, version, last_modified, last_modified_by, last_modified_device)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, doc.Collection, doc.ID, doc.TournamentID, string(doc.Payload),
			version, now, actor.UserID, actor.DeviceID)
	case err == nil:
		if doc.Version > version {
			version = doc.Version
		}
		version++
		_, err = tx.ExecContext(ctx, `
			UPDATE documents
			SET payload = ?, version = ?, last_modified = ?, last_modified_by = ?, last_modified_device = ?
			WHERE collection = ? AND id = ?
		`, string(doc.Payload), version, now, actor.UserID, actor.DeviceID,
			doc.Collection, doc.ID)
	}
	if err != nil {
		return err
	}

	return tx.Commit()
}

// QueryWrites returns write-log entries matching the query, most recent first
func (r *DocumentRepository) QueryWrites(ctx context.Context, q models.WriteQuery) ([]*models.WriteRecord, error) {
	query := `
		SELECT id, collection, document_id, tournament_id, device_id, user_id, ts, received_at, payload, version
		FROM document_writes
		WHERE collection = ? AND document_id = ? AND received_at >= ?
	`
	args := []interface{}{q.Collection, q.DocumentID, q.Since}

	if q.ExcludeDevice != "" {
		query += ` AND device_id != ?`
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
func (r *DocumentRepository) CountWritesSince(ctx context.Context, tournamentID string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM document_writes WHERE tournament_id = ? AND received_at > ?`,
		tournamentID, since,
	).Scan(&count)
	return count, err
}

// scanDocument scans a single row into a Document
func scanDocument(row *sql.Row) (*models.Document, error) {
	var doc models.Document
	var payload []byte

	err := row.Scan(
		&doc.Collection,
		&doc.ID,
		&doc.TournamentID,
		&payload,
		&doc.Version,
		&doc.LastModified,
		&doc.LastModifiedBy,
		&doc.LastModifiedDevice,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	doc.Payload = payload
	return &doc, nil
}

// scanDocuments scans multiple rows into a Document slice
func scanDocuments(rows *sql.Rows) ([]*models.Document, error) {
	var docs []*models.Document

	for rows.Next() {
		var doc models.Document
		var payload []byte

		if err := rows.Scan(
			&doc.Collection,
			&doc.ID,
			&doc.TournamentID,
			&payload,
			&doc.Version,
			&doc.LastModified,
			&doc.LastModifiedBy,
			&doc.LastModifiedDevice,
		); err != nil {
			return nil, err
		}

		doc.Payload = payload
		docs = append(docs, &doc)
	}

	if docs == nil {
		docs = []*models.Document{}
	}

	return docs, rows.Err()
}

// scanWriteRecords scans multiple rows into a WriteRecord slice
func scanWriteRecords(rows *sql.Rows) ([]*models.WriteRecord, error) {
	var records []*models.WriteRecord

	for rows.Next() {
		var rec models.WriteRecord
		var payload []byte

		if err := rows.Scan(
			&rec.ID,
			&rec.Collection,
			&rec.DocumentID,
			&rec.TournamentID,
			&rec.DeviceID,
			&rec.UserID,
			&rec.Timestamp,
			&rec.ReceivedAt,
			&payload,
			&rec.Version,
		); err != nil {
			return nil, err
		}

		rec.Payload = payload
		records = append(records, &rec)
	}

	if records == nil {
		records = []*models.WriteRecord{}
	}

	return records, rows.Err()
}
