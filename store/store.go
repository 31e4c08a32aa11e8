// Package store persists tables, columns, rows and cells in SQLite.
// It is the durable source of truth; every in-memory computation context
// must be rebuildable from it.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection.
type DB struct {
	conn *sql.DB
}

// Open opens (or creates) the SQLite database at path and runs migrations.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite only supports one writer; limit to a single connection to
	// prevent SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Conn returns the underlying database connection.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS grid_tables (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			archived INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS grid_columns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id INTEGER NOT NULL REFERENCES grid_tables(id),
			name TEXT NOT NULL,
			position INTEGER NOT NULL,
			is_computed INTEGER NOT NULL DEFAULT 0,
			formula TEXT NOT NULL DEFAULT '',
			UNIQUE(table_id, name),
			UNIQUE(table_id, position)
		)`,
		`CREATE TABLE IF NOT EXISTS grid_rows (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			table_id INTEGER NOT NULL REFERENCES grid_tables(id),
			deleted INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS grid_cells (
			row_id INTEGER NOT NULL REFERENCES grid_rows(id),
			column_id INTEGER NOT NULL REFERENCES grid_columns(id),
			value TEXT NOT NULL DEFAULT '',
			formula TEXT NOT NULL DEFAULT '',
			error_code TEXT NOT NULL DEFAULT '',
			calc_version INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (row_id, column_id)
		)`,
		`CREATE TABLE IF NOT EXISTS calc_audit (
			id TEXT PRIMARY KEY,
			table_id INTEGER NOT NULL,
			row_id INTEGER NOT NULL,
			column_id INTEGER NOT NULL,
			old_value TEXT NOT NULL DEFAULT '',
			new_value TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_columns_table ON grid_columns(table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_table ON grid_rows(table_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_table ON calc_audit(table_id)`,
	}
	for _, m := range migrations {
		if _, err := db.conn.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}
