package repository

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
)

// NewSQLiteDB creates and initializes a SQLite database
func NewSQLiteDB(dbPath string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}

	// Create tables
	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func createTables(db *sql.DB) error {
	schema := `
	-- Users table
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		email TEXT UNIQUE NOT NULL,
		display_name TEXT NOT NULL,
		api_key TEXT NOT NULL DEFAULT '',
		api_key_hash TEXT NOT NULL,
		password_hash TEXT,
		created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_users_api_key_hash ON users(api_key_hash);
	CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);

	-- Documents table (the record store: every tournament record lives here)
	CREATE TABLE IF NOT EXISTS documents (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		tournament_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		last_modified DATETIME NOT NULL,
		last_modified_by TEXT NOT NULL DEFAULT '',
		last_modified_device TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (collection, id)
	);

	CREATE INDEX IF NOT EXISTS idx_documents_tournament ON documents(tournament_id);
	CREATE INDEX IF NOT EXISTS idx_documents_collection_tournament ON documents(collection, tournament_id);

	-- Write log (append-only; conflict detection scans this)
	CREATE TABLE IF NOT EXISTS document_writes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		document_id TEXT NOT NULL,
		tournament_id TEXT NOT NULL,
		device_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		ts DATETIME NOT NULL,
		received_at DATETIME NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_writes_document ON document_writes(collection, document_id, received_at);
	CREATE INDEX IF NOT EXISTS idx_writes_tournament ON document_writes(tournament_id, received_at);

	-- Engine state (namespaced KV: conflicts, patterns, recovery plans)
	CREATE TABLE IF NOT EXISTS engine_state (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (namespace, key)
	);

	-- Tournament snapshots (content-addressed)
	CREATE TABLE IF NOT EXISTS snapshots (
		id TEXT PRIMARY KEY,
		tournament_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		checksum TEXT NOT NULL,
		size_bytes INTEGER NOT NULL,
		data TEXT NOT NULL,
		UNIQUE(checksum, created_at)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_tournament ON snapshots(tournament_id, created_at);
	`

	_, err := db.Exec(schema)
	return err
}
