// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store provides the SQLite-backed persistence layer: runs,
// run_logs, checkpoints, conversation messages, settings, the
// optimistic-locked parallel-session blob, and the last-write-wins
// shell-tab blob.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a single SQLite connection shared by every table this engine
// owns. SQLite serializes writers internally, so one *sql.DB with a single
// open connection and a busy-timeout is sufficient.
type Store struct {
	db *sql.DB
}

// Config configures the SQLite connection.
type Config struct {
	// Path is the database file path ($SUPERVISOR_DB_PATH).
	Path string
	// WAL enables write-ahead logging for concurrent readers.
	WAL bool
}

// Open opens (creating if necessary) the database at cfg.Path, configures
// pragmas, and runs idempotent schema migrations.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			user_goal TEXT NOT NULL,
			repo_path TEXT NOT NULL,
			mode TEXT NOT NULL,
			final_report TEXT,
			error TEXT,
			progress TEXT,
			correlation_id TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_project_id ON runs(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS run_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			level TEXT NOT NULL,
			source TEXT NOT NULL,
			message TEXT NOT NULL,
			metadata TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_run_logs_run_id_id ON run_logs(run_id, id)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			phase TEXT NOT NULL,
			state TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id ON checkpoints(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_run_id_created_at ON checkpoints(run_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			run_id TEXT PRIMARY KEY,
			messages TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
			run_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			conversation_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conversation_id ON conversation_messages(conversation_id)`,
		`CREATE TABLE IF NOT EXISTS settings (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			encrypted INTEGER NOT NULL DEFAULT 0,
			nonce TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS parallel_sessions (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			sessions TEXT NOT NULL,
			version INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS shell_tabs (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			tabs TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS cost_metrics (
			run_id TEXT NOT NULL,
			prompt_tokens INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			usd_estimate REAL NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_metrics_run_id ON cost_metrics(run_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed (%s): %w", stmt, err)
		}
	}

	// Seed the parallel_sessions singleton row if absent, so first PUT has a
	// version to compare against.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO parallel_sessions (id, sessions, version) VALUES (1, '[]', 1)`)
	if err != nil {
		return fmt.Errorf("seed parallel_sessions: %w", err)
	}
	return nil
}
