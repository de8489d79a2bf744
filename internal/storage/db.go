// Package storage implements the Summary/Translation Storage Layer: a
// modernc.org/sqlite-backed relational store for task runs, results,
// translation segments and usage telemetry, with slot-keyed idempotent
// persistence and cap-based eviction.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the embedded relational store. All writes go through Write,
// which opens a single transaction for the closure; the engine never holds
// this across provider I/O.
type DB struct {
	mu   sync.Mutex // serializes writer transactions; readers pass through
	sql  *sql.DB
	path string
}

// Open creates or opens the sqlite database at path and applies the schema.
// A single DB should be shared across the process; opening the same file
// twice in-process is the caller's responsibility to avoid.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY races
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: enable wal: %w", err)
	}
	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("storage: enable foreign keys: %w", err)
	}
	db := &DB{sql: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the underlying connection.
func (db *DB) Close() error { return db.sql.Close() }

// Read runs fn against a read-only snapshot. The pool holds a single
// connection, so a Read waits until any in-flight Write transaction has
// finished; reads do not run concurrently with a writer.
func (db *DB) Read(fn func(*sql.Tx) error) error {
	tx, err := db.sql.BeginTx(context.Background(), &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("storage: begin read: %w", err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Write runs fn inside a single exclusive transaction, serialized against
// every other writer by db.mu, the engine's "writer queue".
func (db *DB) Write(fn func(*sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.sql.BeginTx(context.Background(), nil)
	if err != nil {
		return fmt.Errorf("storage: begin write: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS agent_task_run (
	id TEXT PRIMARY KEY,
	entry_id INTEGER NOT NULL,
	task_type TEXT NOT NULL,
	status TEXT NOT NULL,
	agent_profile_id TEXT,
	provider_profile_id TEXT,
	model_profile_id TEXT,
	prompt_version TEXT,
	target_language TEXT,
	template_id TEXT,
	template_version TEXT,
	runtime_parameter_snapshot TEXT,
	duration_ms INTEGER,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_agent_task_run_entry ON agent_task_run(entry_id, task_type);

CREATE TABLE IF NOT EXISTS summary_result (
	task_run_id TEXT PRIMARY KEY REFERENCES agent_task_run(id) ON DELETE CASCADE,
	entry_id INTEGER NOT NULL,
	target_language TEXT NOT NULL,
	detail_level TEXT NOT NULL,
	output_language TEXT NOT NULL,
	text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(entry_id, target_language, detail_level)
);

CREATE TABLE IF NOT EXISTS translation_result (
	task_run_id TEXT PRIMARY KEY REFERENCES agent_task_run(id) ON DELETE CASCADE,
	entry_id INTEGER NOT NULL,
	target_language TEXT NOT NULL,
	source_content_hash TEXT NOT NULL,
	segmenter_version TEXT NOT NULL,
	output_language TEXT NOT NULL,
	run_status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(entry_id, target_language, source_content_hash, segmenter_version)
);

CREATE TABLE IF NOT EXISTS translation_segment (
	task_run_id TEXT NOT NULL REFERENCES agent_task_run(id) ON DELETE CASCADE,
	source_segment_id TEXT NOT NULL,
	order_index INTEGER NOT NULL,
	source_text_snapshot TEXT,
	translated_text TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE(task_run_id, source_segment_id)
);

CREATE TABLE IF NOT EXISTS llm_usage_event (
	id TEXT PRIMARY KEY,
	task_run_id TEXT,
	entry_id INTEGER,
	task_type TEXT NOT NULL,
	provider_profile_id TEXT,
	model_profile_id TEXT,
	provider_base_url_snapshot TEXT,
	provider_resolved_url_snapshot TEXT,
	provider_resolved_host_snapshot TEXT,
	provider_resolved_path_snapshot TEXT,
	provider_name_snapshot TEXT,
	model_name_snapshot TEXT NOT NULL,
	request_phase TEXT NOT NULL,
	request_status TEXT NOT NULL,
	prompt_tokens INTEGER,
	completion_tokens INTEGER,
	total_tokens INTEGER,
	usage_availability TEXT NOT NULL,
	started_at INTEGER,
	finished_at INTEGER,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_llm_usage_event_link ON llm_usage_event(entry_id, task_type, created_at, task_run_id);
`

func (db *DB) migrate() error {
	_, err := db.sql.Exec(schema)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
