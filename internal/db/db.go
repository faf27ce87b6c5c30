// Package db provides the daemon's database connection and schema.
package db

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the SQLite database connection
type DB struct {
	*sql.DB
}

// Open opens the database and initializes the schema
func Open(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &DB{db}, nil
}

// initSchema creates all required tables
func initSchema(db *sql.DB) error {
	// Entity registry - durable mapping of (scope, remote_id) to a
	// registered entity. Rows survive restarts and entry unloads; they are
	// deleted only when the sub-device disappears from its server's roster.
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS entity_registry (
			scope TEXT NOT NULL,
			remote_id TEXT NOT NULL,
			entry_id TEXT NOT NULL,
			domain TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, remote_id)
		);
		CREATE INDEX IF NOT EXISTS idx_registry_entry ON entity_registry(entry_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create entity_registry table: %w", err)
	}

	// Journal - append-only history of reconciliation actions and entry
	// lifecycle, for the status API and auditing.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS journal (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			entry_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			unique_id TEXT,
			detail TEXT,
			timestamp INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_journal_entry_ts ON journal(entry_id, timestamp);
		CREATE INDEX IF NOT EXISTS idx_journal_type_ts ON journal(event_type, timestamp);
	`)
	if err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
