package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bracketsync/server/internal/models"
)

// SnapshotRepository persists tournament snapshots. Snapshot data is
// stored as JSON; the row carries the checksum so integrity can be
// verified before a restore.
type SnapshotRepository struct {
	db *sql.DB
}

// NewSnapshotRepository creates a new SnapshotRepository
func NewSnapshotRepository(db *sql.DB) *SnapshotRepository {
	return &SnapshotRepository{db: db}
}

// Add stores a snapshot
func (r *SnapshotRepository) Add(ctx context.Context, snap *models.TournamentSnapshot) error {
	data, err := json.Marshal(snap.Data)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot data: %w", err)
	}

	query := `
		INSERT INTO snapshots (id, tournament_id, description, created_at, checksum, size_bytes, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = r.db.ExecContext(ctx, query,
		snap.ID, snap.TournamentID, snap.Description, snap.CreatedAt,
		snap.Checksum, snap.SizeBytes, string(data),
	)
	return err
}

// GetByID retrieves a full snapshot by its ID
func (r *SnapshotRepository) GetByID(ctx context.Context, id string) (*models.TournamentSnapshot, error) {
	query := `
		SELECT id, tournament_id, description, created_at, checksum, size_bytes, data
		FROM snapshots WHERE id = $1
	`

	var snap models.TournamentSnapshot
	var data []byte
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&snap.ID, &snap.TournamentID, &snap.Description, &snap.CreatedAt,
		&snap.Checksum, &snap.SizeBytes, &data,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(data, &snap.Data); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot data: %w", err)
	}
	return &snap, nil
}

// ListByTournament returns snapshot metadata for a tournament, newest first
func (r *SnapshotRepository) ListByTournament(ctx context.Context, tournamentID string) ([]models.SnapshotInfo, error) {
	query := `
		SELECT id, tournament_id, description, created_at, checksum, size_bytes
		FROM snapshots
		WHERE tournament_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, tournamentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var infos []models.SnapshotInfo
	for rows.Next() {
		var info models.SnapshotInfo
		if err := rows.Scan(&info.ID, &info.TournamentID, &info.Description,
			&info.CreatedAt, &info.Checksum, &info.SizeBytes); err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}

	if infos == nil {
		infos = []models.SnapshotInfo{}
	}

	return infos, rows.Err()
}

// Prune deletes the oldest snapshots beyond keep, returning how many were
// removed
func (r *SnapshotRepository) Prune(ctx context.Context, tournamentID string, keep int) (int, error) {
	if keep < 1 {
		keep = 1
	}

	query := `
		DELETE FROM snapshots
		WHERE tournament_id = $1 AND id NOT IN (
			SELECT id FROM snapshots
			WHERE tournament_id = $1
			ORDER BY created_at DESC
			LIMIT $2
		)
	`
	result, err := r.db.ExecContext(ctx, query, tournamentID, keep)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	return int(affected), err
}
