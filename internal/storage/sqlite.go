// Package storage persists suites, tests, executions, and results in
// sqlite and implements the engine's persistence surface.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// Options configures storage behaviour.
type Options struct {
	// ExecutionRetention caps stored executions per suite; older ones
	// and their results are pruned on insert. Zero means 500.
	ExecutionRetention int
}

// Store wraps sqlite persistence for the validation domain.
type Store struct {
	db             *sql.DB
	executionLimit int
}

// Open initialises a sqlite store with WAL enabled and the required
// schema. Use ":memory:" for throwaway stores.
func Open(path string, opts Options) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := configureSQLite(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	limit := opts.ExecutionRetention
	if limit <= 0 {
		limit = 500
	}

	store := &Store{db: db, executionLimit: limit}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func configureSQLite(db *sql.DB) error {
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS validation_targets (
			id TEXT PRIMARY KEY,
			target_type TEXT NOT NULL,
			config_json TEXT,
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS validation_suites (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			suite_type TEXT NOT NULL DEFAULT 'functional',
			description TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS tests (
			id TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			target_id TEXT NOT NULL DEFAULT '',
			name TEXT NOT NULL,
			target_type TEXT NOT NULL,
			priority TEXT NOT NULL,
			active INTEGER NOT NULL DEFAULT 1,
			timeout_ms INTEGER,
			max_retries INTEGER,
			definition_json TEXT NOT NULL,
			expected_json TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tests_suite ON tests (suite_id, active);`,
		`CREATE TABLE IF NOT EXISTS validation_executions (
			id TEXT PRIMARY KEY,
			suite_id TEXT NOT NULL,
			status TEXT NOT NULL,
			triggered_by TEXT NOT NULL DEFAULT '',
			environment TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_executions_suite ON validation_executions (suite_id, started_at DESC);`,
		`CREATE TABLE IF NOT EXISTS validation_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			execution_id TEXT NOT NULL,
			test_id TEXT NOT NULL,
			status TEXT NOT NULL,
			score REAL,
			max_score REAL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			duration_ms INTEGER,
			attempts INTEGER NOT NULL DEFAULT 0,
			details_json TEXT,
			error TEXT,
			UNIQUE (execution_id, test_id)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_execution ON validation_results (execution_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func encodeJSON(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(data), nil
}

func decodeJSON(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw.String), &m); err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	return m, nil
}
