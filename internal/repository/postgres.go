package repository

import (
	"database/sql"

	_ "github.com/lib/pq"
)

// NewPostgresDB creates and initializes a PostgreSQL database connection
func NewPostgresDB(connStr string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, err
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createPostgresTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createPostgresTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL,
		password_hash TEXT,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	);

	CREATE INDEX IF NOT EXISTS idx_users_api_key_hash ON users(api_key_hash);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		tournament_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		version BIGINT NOT NULL DEFAULT 1,
		last_modified TIMESTAMP NOT NULL,
		last_modified_by TEXT NOT NULL DEFAULT '',
		last_modified_device TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_tournament ON documents(tournament_id);
	CREATE INDEX IF NOT EXISTS idx_documents_collection_tournament ON documents(collection, tournament_id);

	CREATE TABLE IF NOT EXISTS document_writes (
		id BIGSERIAL PRIMARY KEY,
		collection TEXT NOT NULL,
		document_id TEXT NOT NULL,
		tournament_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts TIMESTAMP NOT NULL,
		received_at TIMESTAMP NOT NULL,
		payload TEXT NOT NULL,
		version BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_writes_document ON document_writes(collection, document_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_writes_tournament ON document_writes(tournament_id, received_at);

	CREATE TABLE IF NOT EXISTS engine_state (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT NOW(),
		PRIMARY KEY (namespace, key)
	);

	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		tournament_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		checksum TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		data TEXT NOT NULL,
		UNIQUE(checksum, created_at)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_tournament ON snapshots(tournament_id, created_at);
	`

	_, err := db.Exec(schema)
	return err
}
