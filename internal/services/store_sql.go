// Package services – SQLStore
//
// This file implements SQLStore, the gorm-backed SessionStore. Uniqueness of
// one pending session per user and room (and per verification room) is held
// by unique indexes, and Update is a compare-and-set on the status column.

package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-gate-bot/internal/domain"
	"github.com/tbourn/go-gate-bot/internal/repo"
)

// SQLStore is the durable SessionStore backed by the repo package.
type SQLStore struct {
	DB  *gorm.DB
	Now func() time.Time
}

// NewSQLStore returns a SQLStore over db.
func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{DB: db, Now: time.Now}
}

// Create inserts sess. Unique index violations map to ErrDuplicateSession.
func (s *SQLStore) Create(ctx context.Context, sess *domain.VerificationSession) error {
	if err := prepareNew(sess, s.Now()); err != nil {
		return err
	}
	if err := repo.CreateSession(ctx, s.DB, sess); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return ErrDuplicateSession
		}
		return err
	}
	return nil
}

// FindByID loads a session by primary key.
func (s *SQLStore) FindByID(ctx context.Context, id string) (*domain.VerificationSession, error) {
	return mapNotFound(repo.GetSession(ctx, s.DB, id))
}

// FindByUser loads the session of userID in mainRoomID.
func (s *SQLStore) FindByUser(ctx context.Context, userID, mainRoomID string) (*domain.VerificationSession, error) {
	return mapNotFound(repo.GetSessionByUserRoom(ctx, s.DB, userID, mainRoomID))
}

// FindByVerificationRoom loads the session owning roomID.
func (s *SQLStore) FindByVerificationRoom(ctx context.Context, roomID string) (*domain.VerificationSession, error) {
	return mapNotFound(repo.GetSessionByVerificationRoom(ctx, s.DB, roomID))
}

// Update writes sess with a status guard in the WHERE clause; zero rows
// affected yields ErrStaleSession.
func (s *SQLStore) Update(ctx context.Context, sess *domain.VerificationSession, expected domain.SessionStatus) error {
	if err := checkUpdate(sess, expected); err != nil {
		return err
	}
	err := repo.UpdateSession(ctx, s.DB, sess, expected)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return ErrStaleSession
	case errors.Is(err, repo.ErrDuplicate):
		return ErrDuplicateSession
	}
	return err
}

// Remove hard-deletes the row.
func (s *SQLStore) Remove(ctx context.Context, id string) error {
	_, err := repo.DeleteSession(ctx, s.DB, id)
	return err
}

// ListPage pages sessions newest first.
func (s *SQLStore) ListPage(ctx context.Context, offset, limit int) ([]domain.VerificationSession, int64, error) {
	offset, limit = pageBounds(offset, limit)
	total, err := repo.CountSessions(ctx, s.DB, "")
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.VerificationSession{}, 0, nil
	}
	items, err := repo.ListSessionsPage(ctx, s.DB, "", offset, limit)
	return items, total, err
}

// ListStale returns non-terminal sessions created before before.
func (s *SQLStore) ListStale(ctx context.Context, before time.Time) ([]domain.VerificationSession, error) {
	return repo.ListSessionsCreatedBefore(ctx, s.DB, before)
}

// Stats groups sessions by status.
func (s *SQLStore) Stats(ctx context.Context) (map[domain.SessionStatus]int64, error) {
	byStatus, _, err := repo.SessionsStats(ctx, s.DB)
	return byStatus, err
}

func mapNotFound(sess *domain.VerificationSession, err error) (*domain.VerificationSession, error) {
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return sess, err
}
