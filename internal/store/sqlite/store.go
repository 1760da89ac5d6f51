// Package sqlite persists usage records in an embedded SQLite database using
// the pure-Go modernc.org/sqlite driver. Suitable for single-instance deployments.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/davidbz/quillgate/internal/domain"
)

const defaultBusyTimeout = 5 * time.Second

// Store implements domain.UsageStore on SQLite.
type Store struct {
	db        *sql.DB
	closeOnce sync.Once

	insertStmt *sql.Stmt
	sumStmt    *sql.Stmt
}

// NewStore opens (or creates) the database at path and migrates the schema.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path, defaultBusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}

	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.prepareStatements(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id TEXT PRIMARY KEY,
		workspace_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		operation TEXT NOT NULL,
		tokens_used INTEGER NOT NULL,
		cost REAL NOT NULL,
		latency_ms INTEGER NOT NULL,
		success INTEGER NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT,
		cached INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_usage_workspace_created ON usage_records(workspace_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) prepareStatements() error {
	var err error

	// Writer retries reuse the record id, so a duplicate insert is a no-op.
	s.insertStmt, err = s.db.Prepare(`
		INSERT INTO usage_records (
			id, workspace_id, user_id, provider, model, operation, tokens_used, cost,
			latency_ms, success, error_code, error_message, cached, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	s.sumStmt, err = s.db.Prepare(`
		SELECT COALESCE(SUM(cost), 0)
		FROM usage_records
		WHERE workspace_id = ? AND created_at >= ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sum statement: %w", err)
	}

	return nil
}

// Insert persists one record.
func (s *Store) Insert(ctx context.Context, rec *domain.UsageRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	if rec.ID == "" {
		return errors.New("record id cannot be empty")
	}

	_, err := s.insertStmt.ExecContext(ctx,
		rec.ID,
		rec.Tenant.WorkspaceID,
		rec.Tenant.UserID,
		rec.Provider,
		rec.Model,
		rec.Operation,
		rec.TokensUsed,
		rec.Cost,
		rec.LatencyMs,
		rec.Success,
		rec.ErrorCode,
		nullString(rec.ErrorMessage),
		rec.Cached,
		rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// SumCost totals a workspace's cost at or after since.
func (s *Store) SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error) {
	var total float64
	if err := s.sumStmt.QueryRowContext(ctx, workspaceID, since.UnixNano()).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}

	return domain.RoundCost(total), nil
}

// Query returns matching records, oldest first.
func (s *Store) Query(ctx context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if filter.WorkspaceID != "" {
		clauses = append(clauses, "workspace_id = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.Since.UnixNano())
	}
	if !filter.Until.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.Until.UnixNano())
	}

	query := `SELECT id, workspace_id, user_id, provider, model, operation, tokens_used, cost,
		latency_ms, success, error_code, error_message, cached, created_at FROM usage_records`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	records := make([]*domain.UsageRecord, 0)
	for rows.Next() {
		var (
			rec          domain.UsageRecord
			errorMessage sql.NullString
			createdAt    int64
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Tenant.WorkspaceID,
			&rec.Tenant.UserID,
			&rec.Provider,
			&rec.Model,
			&rec.Operation,
			&rec.TokensUsed,
			&rec.Cost,
			&rec.LatencyMs,
			&rec.Success,
			&rec.ErrorCode,
			&errorMessage,
			&rec.Cached,
			&createdAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		rec.ErrorMessage = errorMessage.String
		rec.CreatedAt = time.Unix(0, createdAt).UTC()
		records = append(records, &rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage rows: %w", err)
	}

	return records, nil
}

// Close releases prepared statements and the database handle.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		_ = s.insertStmt.Close()
		_ = s.sumStmt.Close()
		err = s.db.Close()
	})
	return err
}

// nullString stores an empty message as NULL.
func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
