// Package services – session store helpers
//
// Validation and key helpers shared by the MemoryStore, SQLStore and
// RedisStore backends of SessionStore.

package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-gate-bot/internal/domain"
)

// prepareNew fills defaults on a session about to be created and validates it.
func prepareNew(s *domain.VerificationSession, now time.Time) error {
	if strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.MainRoomID) == "" {
		return fmt.Errorf("session requires user and main room")
	}
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = domain.StatusPendingRoomCreation
	}
	if !s.Status.Pending() {
		return fmt.Errorf("%w: cannot create session in status %q", ErrInvalidTransition, s.Status)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now.UTC()
	}
	s.UpdatedAt = s.CreatedAt
	return nil
}

// checkUpdate validates the requested status move and the answer invariant.
func checkUpdate(s *domain.VerificationSession, expected domain.SessionStatus) error {
	if !expected.CanTransition(s.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, s.Status)
	}
	if s.CaptchaAnswer != nil && s.VerificationRoomID == nil {
		return fmt.Errorf("%w: captcha answer without verification room", ErrInvalidTransition)
	}
	return nil
}

func userRoomKey(userID, mainRoomID string) string {
	return userID + "|" + mainRoomID
}

func pageBounds(offset, limit int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = 20
	}
	return offset, limit
}
