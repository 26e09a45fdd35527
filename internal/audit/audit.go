// Package audit keeps an append-only log of every policy decision.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded decision. Rows are immutable once written.
type Entry struct {
	ID          int64     `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Query       string    `json:"query"`
	Category    string    `json:"category"`
	Resource    string    `json:"resource,omitempty"`
	Requester   string    `json:"requester,omitempty"`
	Outcome     string    `json:"outcome"`
	MatchedRule string    `json:"matched_rule,omitempty"`
	Rationale   string    `json:"rationale"`
	RequestID   string    `json:"request_id,omitempty"`
}

const (
	tableSchema = `
		CREATE TABLE IF NOT EXISTS decision_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			query TEXT NOT NULL,
			category TEXT NOT NULL,
			resource TEXT NOT NULL DEFAULT '',
			requester TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL CHECK(outcome IN ('allow', 'require_approval', 'deny')),
			matched_rule TEXT NOT NULL DEFAULT '',
			rationale TEXT NOT NULL,
			request_id TEXT NOT NULL DEFAULT ''
		)`

	triggerPreventUpdate = `
		CREATE TRIGGER IF NOT EXISTS prevent_update
		BEFORE UPDATE ON decision_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Updates not allowed on decision_log');
		END`

	triggerPreventDelete = `
		CREATE TRIGGER IF NOT EXISTS prevent_delete
		BEFORE DELETE ON decision_log
		FOR EACH ROW
		BEGIN
			SELECT RAISE(FAIL, 'Deletes not allowed on decision_log');
		END`

	indexTimestamp = `
		CREATE INDEX IF NOT EXISTS idx_decision_timestamp ON decision_log(timestamp DESC)`

	queryInsert = `
		INSERT INTO decision_log (query, category, resource, requester, outcome, matched_rule, rationale, request_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	querySelectRecent = `
		SELECT id, timestamp, query, category, resource, requester, outcome, matched_rule, rationale, request_id
		FROM decision_log
		ORDER BY id DESC
		LIMIT ?`
)

func schemaStatements() []string {
	return []string{
		tableSchema,
		triggerPreventUpdate,
		triggerPreventDelete,
		indexTimestamp,
	}
}

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute pragma: %w", err)
		}
	}
	for _, stmt := range schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

// Record appends an entry, retrying briefly on SQLITE_BUSY.
func (s *Store) Record(ctx context.Context, entry Entry) error {
	const maxRetries = 3
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err = s.db.ExecContext(ctx, queryInsert,
			entry.Query, entry.Category, entry.Resource, entry.Requester,
			entry.Outcome, entry.MatchedRule, entry.Rationale, entry.RequestID,
		)
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
			continue
		}

		return fmt.Errorf("insert entry: %w", err)
	}

	return fmt.Errorf("insert entry after %d retries: %w", maxRetries, err)
}

// Recent returns the newest entries, capped at limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, querySelectRecent, limit)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := rows.Scan(
			&entry.ID, &entry.Timestamp, &entry.Query, &entry.Category,
			&entry.Resource, &entry.Requester, &entry.Outcome,
			&entry.MatchedRule, &entry.Rationale, &entry.RequestID,
		); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *Store) Close() error {
	return s.db.Close()
}
