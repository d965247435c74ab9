// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the processed-event ledger used to make
// Matrix event handling idempotent across overlapping sync batches.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// IsEventProcessed reports whether a non-expired ledger row exists for eventID.
func IsEventProcessed(ctx context.Context, db *gorm.DB, eventID string, now time.Time) (bool, error) {
	if strings.TrimSpace(eventID) == "" {
		return false, nil
	}
	var rec domain.ProcessedEvent
	err := db.WithContext(ctx).
		Where("event_id = ? AND expires_at > ?", eventID, now).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ClaimEvent inserts a ledger row for eventID that lives for ttl. It returns
// ErrDuplicate when the event has already been claimed and the claim has not
// expired. An expired claim is replaced.
func ClaimEvent(ctx context.Context, db *gorm.DB, eventID string, ttl time.Duration, now time.Time) error {
	if strings.TrimSpace(eventID) == "" {
		return nil
	}
	now = now.UTC()
	if err := db.WithContext(ctx).
		Where("event_id = ? AND expires_at <= ?", eventID, now).
		Delete(&domain.ProcessedEvent{}).Error; err != nil {
		return err
	}
	rec := &domain.ProcessedEvent{
		EventID:   eventID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if err := db.WithContext(ctx).Create(rec).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// PurgeExpiredEvents deletes ledger rows whose expiry is at or before now and
// returns how many were removed.
func PurgeExpiredEvents(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now.UTC()).
		Delete(&domain.ProcessedEvent{})
	return res.RowsAffected, res.Error
}
