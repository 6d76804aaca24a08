// Package store owns the embedded SQLite database: scheduled jobs,
// subagent tasks and todo tasks live here, and the same handle is shared
// with the memory subsystem for its tables. SQLite runs in WAL mode with
// a busy timeout; every cross-component invariant is expressed as a
// conditional UPDATE so concurrent claimers cannot double-dispatch.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the shared SQLite database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON&_loc=UTC"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for subsystems that own their own
// tables (memory).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// initSchema creates the core tables. CREATE IF NOT EXISTS keeps it
// idempotent across restarts.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scheduled_jobs (
		id            TEXT PRIMARY KEY,
		type          TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'pending',
		prompt        TEXT NOT NULL,
		scheduled_at  TIMESTAMP NOT NULL,
		cron_expr     TEXT,
		metadata_json TEXT NOT NULL DEFAULT '{}',
		created_at    TIMESTAMP NOT NULL,
		updated_at    TIMESTAMP NOT NULL,
		last_fired_at TIMESTAMP,
		last_error    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_due
		ON scheduled_jobs(status, scheduled_at);

	CREATE TABLE IF NOT EXISTS subagent_tasks (
		id                TEXT PRIMARY KEY,
		type              TEXT NOT NULL,
		status            TEXT NOT NULL DEFAULT 'pending',
		prompt            TEXT NOT NULL,
		description       TEXT NOT NULL,
		parent_session_id TEXT,
		result            TEXT,
		error             TEXT,
		metadata_json     TEXT NOT NULL DEFAULT '{}',
		created_at        TIMESTAMP NOT NULL,
		updated_at        TIMESTAMP NOT NULL,
		completed_at      TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_subagent_tasks_status
		ON subagent_tasks(status);
	CREATE INDEX IF NOT EXISTS idx_subagent_tasks_parent
		ON subagent_tasks(parent_session_id);

	CREATE TABLE IF NOT EXISTS tasks (
		id          TEXT PRIMARY KEY,
		thread_id   TEXT NOT NULL,
		title       TEXT NOT NULL,
		description TEXT,
		status      TEXT NOT NULL DEFAULT 'pending',
		sort_order  INTEGER NOT NULL DEFAULT 0,
		created_at  TIMESTAMP NOT NULL,
		updated_at  TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_thread
		ON tasks(thread_id, status, sort_order);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating tables: %w", err)
	}
	return nil
}

// Healthy reports whether the database responds.
func (s *Store) Healthy(ctx context.Context) bool {
	return s.db.PingContext(ctx) == nil
}
