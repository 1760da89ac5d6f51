// Package postgres persists usage records in PostgreSQL through gorm.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/davidbz/quillgate/internal/domain"
	"github.com/davidbz/quillgate/internal/observability"
)

const (
	connectAttempts     = 5
	initialConnectDelay = 2 * time.Second
)

// usageRow is the table layout of one usage record.
type usageRow struct {
	ID           string    `gorm:"primaryKey;size:64"`
	WorkspaceID  string    `gorm:"size:128;not null;index:idx_usage_workspace_created,priority:1"`
	UserID       string    `gorm:"size:128;not null"`
	Provider     string    `gorm:"size:64;not null"`
	Model        string    `gorm:"size:128;not null"`
	Operation    string    `gorm:"size:64;not null"`
	TokensUsed   int       `gorm:"not null"`
	Cost         float64   `gorm:"not null"`
	LatencyMs    int64     `gorm:"not null"`
	Success      bool      `gorm:"not null"`
	ErrorCode    string    `gorm:"size:64"`
	ErrorMessage *string   `gorm:"type:text"`
	Cached       bool      `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null;index:idx_usage_workspace_created,priority:2"`
}

func (usageRow) TableName() string {
	return "usage_records"
}

// Store implements domain.UsageStore on PostgreSQL.
type Store struct {
	db *gorm.DB
}

// NewStore connects with retries and migrates the schema.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn cannot be empty")
	}

	log := observability.FromContext(ctx).With(observability.String("component", "usage_store"))

	var (
		db  *gorm.DB
		err error
	)
	delay := initialConnectDelay
	for attempt := 1; attempt <= connectAttempts; attempt++ {
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err == nil {
			break
		}

		log.Warn("database connection failed",
			observability.Int("attempt", attempt),
			observability.Error(err))

		if attempt < connectAttempts {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, fmt.Errorf("database connection aborted: %w", ctx.Err())
			}
			delay *= 2
		}
	}
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}

	store, err := NewStoreFromDB(db)
	if err != nil {
		return nil, err
	}

	log.Info("database connection established")
	return store, nil
}

// NewStoreFromDB wraps an open gorm handle and migrates the schema.
func NewStoreFromDB(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("database cannot be nil")
	}
	if err := db.AutoMigrate(&usageRow{}); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

// Insert persists one record. A repeated id is ignored.
func (s *Store) Insert(ctx context.Context, rec *domain.UsageRecord) error {
	if rec == nil {
		return errors.New("record cannot be nil")
	}
	if rec.ID == "" {
		return errors.New("record id cannot be empty")
	}

	row := toRow(rec)
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}

	return nil
}

// SumCost totals a workspace's cost at or after since.
func (s *Store) SumCost(ctx context.Context, workspaceID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.WithContext(ctx).
		Model(&usageRow{}).
		Select("COALESCE(SUM(cost), 0)").
		Where("workspace_id = ? AND created_at >= ?", workspaceID, since).
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}

	return domain.RoundCost(total), nil
}

// Query returns matching records, oldest first.
func (s *Store) Query(ctx context.Context, filter domain.UsageFilter) ([]*domain.UsageRecord, error) {
	query := s.db.WithContext(ctx).Model(&usageRow{})
	if filter.WorkspaceID != "" {
		query = query.Where("workspace_id = ?", filter.WorkspaceID)
	}
	if filter.UserID != "" {
		query = query.Where("user_id = ?", filter.UserID)
	}
	if !filter.Since.IsZero() {
		query = query.Where("created_at >= ?", filter.Since)
	}
	if !filter.Until.IsZero() {
		query = query.Where("created_at <= ?", filter.Until)
	}

	var rows []usageRow
	if err := query.Order("created_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}

	records := make([]*domain.UsageRecord, 0, len(rows))
	for i := range rows {
		records = append(records, fromRow(&rows[i]))
	}

	return records, nil
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRow(rec *domain.UsageRecord) usageRow {
	return usageRow{
		ID:           rec.ID,
		WorkspaceID:  rec.Tenant.WorkspaceID,
		UserID:       rec.Tenant.UserID,
		Provider:     rec.Provider,
		Model:        rec.Model,
		Operation:    rec.Operation,
		TokensUsed:   rec.TokensUsed,
		Cost:         rec.Cost,
		LatencyMs:    rec.LatencyMs,
		Success:      rec.Success,
		ErrorCode:    rec.ErrorCode,
		ErrorMessage: nullableText(rec.ErrorMessage),
		Cached:       rec.Cached,
		CreatedAt:    rec.CreatedAt.UTC(),
	}
}

func fromRow(row *usageRow) *domain.UsageRecord {
	return &domain.UsageRecord{
		ID:           row.ID,
		Tenant:       domain.Tenant{WorkspaceID: row.WorkspaceID, UserID: row.UserID},
		Provider:     row.Provider,
		Model:        row.Model,
		Operation:    row.Operation,
		TokensUsed:   row.TokensUsed,
		Cost:         row.Cost,
		LatencyMs:    row.LatencyMs,
		Success:      row.Success,
		ErrorCode:    row.ErrorCode,
		ErrorMessage: derefText(row.ErrorMessage),
		Cached:       row.Cached,
		CreatedAt:    row.CreatedAt.UTC(),
	}
}

// nullableText stores an empty message as NULL.
func nullableText(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func derefText(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
