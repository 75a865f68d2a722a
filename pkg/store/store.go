// Package store persists tasks, work-hour settings and the last calendar sync
// per user and day in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store is a SQLite backed task, settings and sync store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path. A leading ~ is
// expanded to the user's home directory; ":memory:" is passed through.
func Open(path string) (*Store, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, path[1:])
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL DEFAULT 30,
			priority TEXT NOT NULL DEFAULT 'medium',
			completed INTEGER NOT NULL DEFAULT 0,
			completed_at DATETIME,
			created_at DATETIME NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			UNIQUE (user_id, id)
		);

		CREATE TABLE IF NOT EXISTS settings (
			user_id TEXT PRIMARY KEY,
			work_start_hour INTEGER NOT NULL,
			work_end_hour INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS syncs (
			user_id TEXT NOT NULL,
			sync_date TEXT NOT NULL,
			work_start_hour INTEGER NOT NULL,
			work_end_hour INTEGER NOT NULL,
			busy_json TEXT NOT NULL,
			synced_at DATETIME NOT NULL,
			PRIMARY KEY (user_id, sync_date)
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_user ON tasks(user_id, completed);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}
