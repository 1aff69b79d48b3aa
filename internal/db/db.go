// Package db provides database connection management and schema migrations.
package db

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Migrations holds the bundled schema migrations. The core ships as a
// shared library, so migrations are embedded rather than read from disk.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// DB wraps sql.DB with Dogland-specific configuration.
type DB struct {
	*sql.DB
}

// Open opens the on-device SQLite database. The database is opened with:
// - WAL mode for concurrent reads during writes
// - Foreign key constraints enabled
// - A single writer connection (SQLite does not support multiple writers)
// - A busy timeout so a reader never fails immediately on a locked file
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "dogland.db")

	// modernc.org/sqlite: pure Go, no CGO on the query path
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &DB{db}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.DB.Close()
}
