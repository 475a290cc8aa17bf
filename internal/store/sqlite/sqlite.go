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

// Package sqlite provides the SQLite ledger backend for single-node
// deployments. SQLite has no native table partitioning, so webhook_events
// carries a received_month column that retention deletes key on.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mechanic-dev/mechanic/internal/store"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.TaskStore         = (*Backend)(nil)
	_ store.RunStore          = (*Backend)(nil)
	_ store.StepStore         = (*Backend)(nil)
	_ store.EventStore        = (*Backend)(nil)
	_ store.QueueStore        = (*Backend)(nil)
	_ store.ReactivationStore = (*Backend)(nil)
	_ store.ValidationStore   = (*Backend)(nil)
	_ store.UsageStore        = (*Backend)(nil)
	_ store.AuditStore        = (*Backend)(nil)
	_ store.Store             = (*Backend)(nil)
)

// Backend is a SQLite ledger backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			external_item_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			priority INTEGER DEFAULT 0,
			repository_url TEXT,
			default_branch TEXT,
			internal_status TEXT NOT NULL,
			previous_status TEXT,
			tracker_status TEXT,
			creator_id TEXT,
			creator_name TEXT,
			is_locked INTEGER DEFAULT 0,
			lock_owner TEXT,
			locked_at TEXT,
			cooldown_until TEXT,
			failed_reactivation_attempts INTEGER DEFAULT 0,
			reactivation_count INTEGER DEFAULT 0,
			last_run_id INTEGER,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (source, external_item_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(internal_status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_lock ON tasks(is_locked, locked_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_cooldown ON tasks(cooldown_until)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			run_number INTEGER NOT NULL,
			status TEXT NOT NULL,
			executor_id TEXT,
			started_at TEXT,
			ended_at TEXT,
			duration_ms INTEGER DEFAULT 0,
			result TEXT,
			error TEXT,
			branch_name TEXT,
			pr_url TEXT,
			is_reactivation INTEGER DEFAULT 0,
			parent_run_id INTEGER,
			reactivation_count INTEGER DEFAULT 0,
			debug_attempts INTEGER DEFAULT 0,
			total_cost_usd REAL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			UNIQUE (task_id, run_number),
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			node TEXT NOT NULL,
			step_order INTEGER NOT NULL,
			status TEXT NOT NULL,
			retry_count INTEGER DEFAULT 0,
			max_retries INTEGER DEFAULT 0,
			input TEXT,
			output TEXT,
			error TEXT,
			checkpoint BLOB,
			started_at TEXT,
			completed_at TEXT,
			checkpoint_saved_at TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (run_id, step_order),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_steps_run ON steps(run_id, step_order)`,
		`CREATE TABLE IF NOT EXISTS webhook_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			event_type TEXT,
			payload BLOB,
			headers TEXT,
			signature TEXT,
			processed INTEGER DEFAULT 0,
			processing_status TEXT NOT NULL DEFAULT 'pending',
			attempts INTEGER DEFAULT 0,
			related_task_id INTEGER,
			received_month TEXT NOT NULL,
			received_at TEXT NOT NULL,
			processed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_unprocessed ON webhook_events(processed, processing_status)`,
		`CREATE INDEX IF NOT EXISTS idx_events_month ON webhook_events(received_month)`,
		`CREATE TABLE IF NOT EXISTS queue_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			external_item_id TEXT NOT NULL,
			task_id INTEGER,
			kind TEXT NOT NULL,
			status TEXT NOT NULL,
			priority INTEGER DEFAULT 0,
			payload TEXT,
			executor_task_id TEXT,
			enqueued_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			heartbeat_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_pending ON queue_entries(status, priority, enqueued_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_item ON queue_entries(external_item_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_locks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			owner TEXT NOT NULL,
			is_active INTEGER DEFAULT 1,
			acquired_at TEXT NOT NULL,
			released_at TEXT,
			metadata TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locks_task_active ON task_locks(task_id, is_active)`,
		`CREATE TABLE IF NOT EXISTS cooldowns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			until_at TEXT NOT NULL,
			type TEXT NOT NULL,
			failed_attempts INTEGER DEFAULT 0,
			metadata TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		)`,
		`CREATE TABLE IF NOT EXISTS reactivation_records (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			run_id INTEGER,
			trigger_type TEXT NOT NULL,
			update_id TEXT,
			update_data TEXT,
			status TEXT NOT NULL,
			error TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			FOREIGN KEY (task_id) REFERENCES tasks(id)
		)`,
		`CREATE TABLE IF NOT EXISTS update_trigger_history (
			task_id INTEGER NOT NULL,
			update_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (task_id, update_id)
		)`,
		`CREATE TABLE IF NOT EXISTS human_validations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			validation_id TEXT NOT NULL UNIQUE,
			task_id INTEGER NOT NULL,
			run_id INTEGER NOT NULL,
			step_id INTEGER NOT NULL,
			title TEXT,
			generated_code TEXT,
			summary TEXT,
			files_modified TEXT,
			status TEXT NOT NULL,
			rejection_count INTEGER DEFAULT 0,
			is_retry INTEGER DEFAULT 0,
			parent_validation_id INTEGER,
			tracker_update_id TEXT,
			creator_id TEXT,
			creator_email TEXT,
			creator_name TEXT,
			unauthorized_attempts INTEGER DEFAULT 0,
			reminder_sent_at TEXT,
			created_at TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_validations_status ON human_validations(status)`,
		`CREATE TABLE IF NOT EXISTS validation_responses (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			validation_id INTEGER NOT NULL,
			response_status TEXT NOT NULL,
			comments TEXT,
			modification_instructions TEXT,
			should_merge INTEGER DEFAULT 0,
			should_continue_workflow INTEGER DEFAULT 0,
			should_retry_workflow INTEGER DEFAULT 0,
			validation_duration_seconds REAL DEFAULT 0,
			response_update_id TEXT,
			author_id TEXT,
			author_email TEXT,
			author_name TEXT,
			created_at TEXT NOT NULL,
			UNIQUE (validation_id, response_update_id),
			FOREIGN KEY (validation_id) REFERENCES human_validations(id)
		)`,
		`CREATE TABLE IF NOT EXISTS ai_usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id INTEGER NOT NULL,
			task_id INTEGER NOT NULL,
			provider TEXT,
			model TEXT,
			operation TEXT,
			input_tokens INTEGER DEFAULT 0,
			output_tokens INTEGER DEFAULT 0,
			estimated_cost REAL DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			success INTEGER DEFAULT 1,
			error TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_run ON ai_usage(run_id)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			actor TEXT,
			action TEXT NOT NULL,
			resource TEXT,
			resource_id TEXT,
			severity TEXT NOT NULL,
			details TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at)`,
		`CREATE TABLE IF NOT EXISTS pull_requests (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL,
			run_id INTEGER NOT NULL,
			url TEXT NOT NULL,
			branch TEXT,
			base TEXT,
			head_sha TEXT,
			merged INTEGER DEFAULT 0,
			merged_sha TEXT,
			created_at TEXT NOT NULL,
			FOREIGN KEY (task_id) REFERENCES tasks(id),
			FOREIGN KEY (run_id) REFERENCES runs(id)
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// IncrementalVacuum reclaims free pages. Called by the maintenance routine.
func (b *Backend) IncrementalVacuum(ctx context.Context) error {
	_, err := b.db.ExecContext(ctx, "PRAGMA incremental_vacuum")
	return err
}

// withTx runs fn inside a transaction, committing on nil error.
func (b *Backend) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Helper functions

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

// parseTime converts a nullable RFC3339 column back to *time.Time.
func parseTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullInt64 returns nil if the pointer is nil, otherwise the value.
func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// int64Ptr converts a nullable integer column to *int64.
func int64Ptr(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

// marshalJSON marshals v to a TEXT column value, nil for empty values.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable TEXT column into out.
func unmarshalJSON(s sql.NullString, out any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), out)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func now() time.Time {
	return time.Now().UTC()
}

func nowString() string {
	return now().Format(time.RFC3339Nano)
}

// monthOf formats the retention partition key for a timestamp.
func monthOf(t time.Time) string {
	return t.UTC().Format("2006-01")
}
