package approval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	queryInsert = `
		INSERT INTO approvals (
			request_id, description, category, resource, requester, status,
			decided_by, reason, intended_tools, allowed_tools,
			completion_status, completion_message, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(request_id) DO NOTHING`

	queryUpdate = `
		UPDATE approvals SET
			status = ?, decided_by = ?, reason = ?, allowed_tools = ?,
			completion_status = ?, completion_message = ?, updated_at = ?
		WHERE request_id = ?`

	queryGet = `
		SELECT request_id, description, category, resource, requester, status,
			decided_by, reason, intended_tools, allowed_tools,
			completion_status, completion_message, created_at, updated_at
		FROM approvals WHERE request_id = ?`

	querySelectAll = `
		SELECT request_id, description, category, resource, requester, status,
			decided_by, reason, intended_tools, allowed_tools,
			completion_status, completion_message, created_at, updated_at
		FROM approvals ORDER BY created_at DESC`

	querySelectByStatus = `
		SELECT request_id, description, category, resource, requester, status,
			decided_by, reason, intended_tools, allowed_tools,
			completion_status, completion_message, created_at, updated_at
		FROM approvals WHERE status = ? ORDER BY created_at DESC`
)

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initializeSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) Create(ctx context.Context, item Item) (bool, error) {
	intended, allowed, err := marshalToolLists(item)
	if err != nil {
		return false, err
	}

	var result sql.Result
	err = s.execWithRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, queryInsert,
			item.RequestID, item.Description, item.Category, item.Resource,
			item.Requester, string(item.Status), item.DecidedBy, item.Reason,
			intended, allowed, string(item.CompletionStatus), item.CompletionMessage,
			item.CreatedAt.UTC(), item.UpdatedAt.UTC(),
		)
		return execErr
	})
	if err != nil {
		return false, fmt.Errorf("insert approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rows > 0, nil
}

func (s *SQLiteStore) Get(ctx context.Context, requestID string) (Item, error) {
	row := s.db.QueryRowContext(ctx, queryGet, requestID)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get approval: %w", err)
	}
	return item, nil
}

func (s *SQLiteStore) Update(ctx context.Context, item Item) error {
	_, allowed, err := marshalToolLists(item)
	if err != nil {
		return err
	}

	var result sql.Result
	err = s.execWithRetry(ctx, func() error {
		var execErr error
		result, execErr = s.db.ExecContext(ctx, queryUpdate,
			string(item.Status), item.DecidedBy, item.Reason, allowed,
			string(item.CompletionStatus), item.CompletionMessage,
			item.UpdatedAt.UTC(), item.RequestID,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("update approval: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) List(ctx context.Context, status Status) ([]Item, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, querySelectAll)
	} else {
		rows, err = s.db.QueryContext(ctx, querySelectByStatus, string(status))
	}
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initializeSchema() error {
	for _, stmt := range schemaStatements() {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) execWithRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 3
	var err error

	for attempt := 0; attempt < maxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}

		if strings.Contains(err.Error(), "database is locked") || strings.Contains(err.Error(), "SQLITE_BUSY") {
			backoff := time.Duration(attempt+1) * 10 * time.Millisecond
			time.Sleep(backoff)
			continue
		}

		return err
	}

	return fmt.Errorf("after %d retries: %w", maxRetries, err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item             Item
		status           string
		completionStatus string
		intendedJSON     string
		allowedJSON      string
	)

	err := row.Scan(
		&item.RequestID, &item.Description, &item.Category, &item.Resource,
		&item.Requester, &status, &item.DecidedBy, &item.Reason,
		&intendedJSON, &allowedJSON, &completionStatus, &item.CompletionMessage,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return Item{}, err
	}

	item.Status = Status(status)
	item.CompletionStatus = CompletionStatus(completionStatus)

	if err := json.Unmarshal([]byte(intendedJSON), &item.IntendedTools); err != nil {
		return Item{}, fmt.Errorf("decode intended tools: %w", err)
	}
	if err := json.Unmarshal([]byte(allowedJSON), &item.AllowedTools); err != nil {
		return Item{}, fmt.Errorf("decode allowed tools: %w", err)
	}

	return item, nil
}

func marshalToolLists(item Item) (intended, allowed string, err error) {
	intendedBytes, err := json.Marshal(emptyIfNil(item.IntendedTools))
	if err != nil {
		return "", "", fmt.Errorf("encode intended tools: %w", err)
	}
	allowedBytes, err := json.Marshal(emptyIfNil(item.AllowedTools))
	if err != nil {
		return "", "", fmt.Errorf("encode allowed tools: %w", err)
	}
	return string(intendedBytes), string(allowedBytes), nil
}

func emptyIfNil(list []string) []string {
	if list == nil {
		return []string{}
	}
	return list
}

func openDatabase(dbPath string) (*sql.DB, error) {
	if err := ensureDBDirectory(dbPath); err != nil {
		return nil, err
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

	if err := configureSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return db, nil
}

func configureSQLite(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-64000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute pragma: %w", err)
		}
	}

	return nil
}

func ensureDBDirectory(dbPath string) error {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create db directory: %w", err)
	}
	return nil
}
