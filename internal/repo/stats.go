// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate queries used by the
// admin API and the expiry sweeper.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// SessionsStats returns the number of sessions per status and the creation
// time of the oldest session that is still pending. When nothing is pending,
// oldestPending is nil.
func SessionsStats(ctx context.Context, db *gorm.DB) (byStatus map[domain.SessionStatus]int64, oldestPending *time.Time, err error) {
	var rows []struct {
		Status domain.SessionStatus
		N      int64
	}
	if err = db.WithContext(ctx).
		Model(&domain.VerificationSession{}).
		Select("status, count(*) as n").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, nil, err
	}

	byStatus = make(map[domain.SessionStatus]int64, len(domain.AllStatuses))
	for _, st := range domain.AllStatuses {
		byStatus[st] = 0
	}
	for _, r := range rows {
		byStatus[r.Status] = r.N
	}

	// Avoid MIN() -> TEXT in SQLite; order and take one row instead.
	var row struct {
		CreatedAt time.Time
	}
	res := db.WithContext(ctx).
		Model(&domain.VerificationSession{}).
		Select("created_at").
		Where("status NOT IN ?", []domain.SessionStatus{domain.StatusVerified, domain.StatusAbandoned}).
		Order("created_at ASC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return nil, nil, res.Error
	}
	if res.RowsAffected == 0 {
		return byStatus, nil, nil
	}
	return byStatus, &row.CreatedAt, nil
}
