package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// LoadSyncToken returns the stored next_batch token for key, or "" when the
// bot has never synced.
func LoadSyncToken(ctx context.Context, db *gorm.DB, key string) (string, error) {
	var st domain.SyncState
	err := db.WithContext(ctx).Where("id = ?", key).First(&st).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return st.NextBatch, nil
}

// SaveSyncToken upserts the next_batch token for key.
func SaveSyncToken(ctx context.Context, db *gorm.DB, key, token string) error {
	st := &domain.SyncState{ID: key, NextBatch: token, UpdatedAt: time.Now().UTC()}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"next_batch", "updated_at"}),
		}).
		Create(st).Error
}
