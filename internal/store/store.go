// Package store is the SQLite-backed repository for launches, test items,
// logs and pattern templates.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS launches (
	id         INTEGER PRIMARY KEY,
	uuid       TEXT NOT NULL,
	project_id INTEGER NOT NULL,
	name       TEXT NOT NULL,
	number     INTEGER NOT NULL DEFAULT 0,
	mode       TEXT NOT NULL DEFAULT 'DEFAULT',
	status     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_launches_project ON launches(project_id);

CREATE TABLE IF NOT EXISTS test_items (
	id              INTEGER PRIMARY KEY,
	launch_id       INTEGER NOT NULL REFERENCES launches(id) ON DELETE CASCADE,
	name            TEXT NOT NULL,
	unique_id       TEXT NOT NULL DEFAULT '',
	test_case_hash  INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	issue_type      TEXT NOT NULL DEFAULT '',
	issue_group     TEXT NOT NULL DEFAULT '',
	auto_analyzed   INTEGER NOT NULL DEFAULT 0,
	ignore_analyzer INTEGER NOT NULL DEFAULT 0,
	has_children    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_test_items_launch ON test_items(launch_id);

CREATE TABLE IF NOT EXISTS logs (
	id      INTEGER PRIMARY KEY,
	item_id INTEGER NOT NULL REFERENCES test_items(id) ON DELETE CASCADE,
	level   INTEGER NOT NULL,
	message TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_item ON logs(item_id, level);

CREATE TABLE IF NOT EXISTS pattern_templates (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	project_id INTEGER NOT NULL,
	name       TEXT NOT NULL,
	type       TEXT NOT NULL,
	value      TEXT NOT NULL,
	enabled    INTEGER NOT NULL DEFAULT 1
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_pattern_templates_name
	ON pattern_templates(project_id, name COLLATE NOCASE);

CREATE TABLE IF NOT EXISTS pattern_template_test_items (
	pattern_template_id INTEGER NOT NULL REFERENCES pattern_templates(id) ON DELETE CASCADE,
	test_item_id        INTEGER NOT NULL REFERENCES test_items(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_ptti_item ON pattern_template_test_items(test_item_id);
`

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the
// schema. ":memory:" is accepted for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("store: mkdir: %w", err)
		}
	}
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(10000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// inClause returns "(?,?,?)" and the args for ids.
func inClause(ids []int64) (string, []any) {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return "(" + strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",") + ")", args
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
