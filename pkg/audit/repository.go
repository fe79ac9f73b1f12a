package audit

import (
	"context"
	"time"

	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

func (r *Repository) Create(ctx context.Context, rec *Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(rec).Error
}

// List returns the newest records first, optionally filtered to one session.
func (r *Repository) List(ctx context.Context, sessionID string, limit int) ([]Record, error) {
	limit = clampLimit(limit)

	query := r.db.WithContext(ctx).Model(&Record{})
	if sessionID != "" {
		query = query.Where("session_id = ?", sessionID)
	}

	var records []Record
	err := query.Order("created_at desc").Limit(limit).Find(&records).Error
	return records, err
}

func (r *Repository) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().Add(-ttl)
	result := r.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&Record{})
	return result.RowsAffected, result.Error
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
