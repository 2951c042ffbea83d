package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// StateRepository persists engine-owned state as namespaced JSON values.
// $n placeholders work on both lib/pq and go-sqlite3, so one
// implementation serves both backends.
type StateRepository struct {
	db *sql.DB
}

// NewStateRepository creates a new StateRepository
func NewStateRepository(db *sql.DB) *StateRepository {
	return &StateRepository{db: db}
}

// Put upserts one value under namespace/key
func (r *StateRepository) Put(ctx context.Context, namespace, key string, value json.RawMessage) error {
	query := `
		INSERT INTO engine_state (namespace, key, value, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	_, err := r.db.ExecContext(ctx, query, namespace, key, string(value), time.Now().UTC())
	return err
}

// Get returns the value under namespace/key, or nil when absent
func (r *StateRepository) Get(ctx context.Context, namespace, key string) (json.RawMessage, error) {
	var value []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM engine_state WHERE namespace = $1 AND key = $2`,
		namespace, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

// List returns every key/value pair in a namespace
func (r *StateRepository) List(ctx context.Context, namespace string) (map[string]json.RawMessage, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value FROM engine_state WHERE namespace = $1`,
		namespace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var key string
		var value []byte
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		values[key] = value
	}
	return values, rows.Err()
}

// Delete removes one key from a namespace
func (r *StateRepository) Delete(ctx context.Context, namespace, key string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM engine_state WHERE namespace = $1 AND key = $2`,
		namespace, key,
	)
	return err
}
