// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// VerificationSession model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Workflow rules (forward-only status,
// one session per user and room) are enforced by the service layer, with
// the unique indexes as a backstop.
//
// Error semantics:
//   - Missing rows return ErrNotFound (gorm.ErrRecordNotFound).
//   - Unique-key conflicts on insert return ErrDuplicate.
//   - Other DB errors are propagated unchanged.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// CreateSession inserts s. ErrDuplicate means a session already exists for
// the same (user, main room) pair or the same verification room.
func CreateSession(ctx context.Context, db *gorm.DB, s *domain.VerificationSession) error {
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// GetSession fetches a session by primary key.
func GetSession(ctx context.Context, db *gorm.DB, id string) (*domain.VerificationSession, error) {
	return firstSession(ctx, db, "id = ?", id)
}

// GetSessionByUserRoom fetches the session for a user in a main room.
func GetSessionByUserRoom(ctx context.Context, db *gorm.DB, userID, mainRoomID string) (*domain.VerificationSession, error) {
	return firstSession(ctx, db, "user_id = ? AND main_room_id = ?", userID, mainRoomID)
}

// GetSessionByVerificationRoom fetches the session owning a verification room.
func GetSessionByVerificationRoom(ctx context.Context, db *gorm.DB, roomID string) (*domain.VerificationSession, error) {
	return firstSession(ctx, db, "verification_room_id = ?", roomID)
}

func firstSession(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.VerificationSession, error) {
	var s domain.VerificationSession
	err := db.WithContext(ctx).Where(query, args...).First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpdateSession writes the mutable fields of s, but only while the stored
// row still has status expected. If no row matches (missing, or a concurrent
// writer moved it on), ErrNotFound is returned.
func UpdateSession(ctx context.Context, db *gorm.DB, s *domain.VerificationSession, expected domain.SessionStatus) error {
	s.UpdatedAt = time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.VerificationSession{}).
		Where("id = ? AND status = ?", s.ID, expected).
		Updates(map[string]any{
			"verification_room_id": s.VerificationRoomID,
			"captcha_answer":       s.CaptchaAnswer,
			"status":               s.Status,
			"updated_at":           s.UpdatedAt,
		})
	if res.Error != nil {
		if isUniqueViolation(res.Error) {
			return ErrDuplicate
		}
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSession hard-deletes a session by ID. Deleting a missing row is not
// an error; the returned bool reports whether a row was removed.
func DeleteSession(ctx context.Context, db *gorm.DB, id string) (bool, error) {
	res := db.WithContext(ctx).Unscoped().Where("id = ?", id).Delete(&domain.VerificationSession{})
	return res.RowsAffected > 0, res.Error
}

// CountSessions returns the number of sessions, optionally filtered by status.
func CountSessions(ctx context.Context, db *gorm.DB, status domain.SessionStatus) (int64, error) {
	var total int64
	err := scopeStatus(db.WithContext(ctx).Model(&domain.VerificationSession{}), status).
		Count(&total).Error
	return total, err
}

// ListSessionsPage returns a page of sessions ordered newest first, optionally
// filtered by status. Use CountSessions for pagination metadata.
func ListSessionsPage(ctx context.Context, db *gorm.DB, status domain.SessionStatus, offset, limit int) ([]domain.VerificationSession, error) {
	var out []domain.VerificationSession
	err := scopeStatus(db.WithContext(ctx), status).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListSessionsCreatedBefore returns non-terminal sessions created before cutoff,
// oldest first.
func ListSessionsCreatedBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.VerificationSession, error) {
	var out []domain.VerificationSession
	err := db.WithContext(ctx).
		Where("created_at < ? AND status NOT IN ?", cutoff.UTC(),
			[]domain.SessionStatus{domain.StatusVerified, domain.StatusAbandoned}).
		Order("created_at asc").
		Find(&out).Error
	return out, err
}

func scopeStatus(q *gorm.DB, status domain.SessionStatus) *gorm.DB {
	if status == "" {
		return q
	}
	return q.Where("status = ?", status)
}
