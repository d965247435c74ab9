// Package services – ports
//
// Interfaces the services depend on: the Matrix client, the captcha provider
// and the session store.

package services

import (
	"context"
	"time"

	"github.com/tbourn/go-gate-bot/internal/captcha"
	"github.com/tbourn/go-gate-bot/internal/domain"
	"github.com/tbourn/go-gate-bot/internal/matrix"
)

// ChatClient is the capability set the workflow needs from the chat
// protocol. *matrix.Client implements it.
type ChatClient interface {
	// UserID is the bot's own user ID.
	UserID() string
	DisplayName(ctx context.Context, userID string) (string, error)

	JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error)
	JoinedMembers(ctx context.Context, roomID string) ([]string, error)
	CreateRoom(ctx context.Context, req matrix.CreateRoomRequest) (string, error)
	InviteUser(ctx context.Context, roomID, userID string) error
	LeaveRoom(ctx context.Context, roomID, reason string) error

	SendMessage(ctx context.Context, roomID string, content matrix.MessageContent) (string, error)
	RedactEvent(ctx context.Context, roomID, eventID, reason string) (string, error)
	SendReadReceipt(ctx context.Context, roomID, eventID string) error
	UploadMedia(ctx context.Context, contentType, filename string, data []byte) (string, error)

	PowerLevels(ctx context.Context, roomID string) (*matrix.PowerLevels, error)
	SetPowerLevels(ctx context.Context, roomID string, pl *matrix.PowerLevels) error

	// RoomLabel returns the alias, else the name, else the ID of roomID.
	RoomLabel(ctx context.Context, roomID string) string
	RoomType(ctx context.Context, roomID string) (string, error)
}

// ChallengeProvider issues captchas. *captcha.Client implements it.
type ChallengeProvider interface {
	Challenge(ctx context.Context, width, height, chars int) (*captcha.Challenge, error)
}

// SessionStore is the registry of verification sessions. Implementations
// return copies; callers mutate their copy and write it back with Update.
type SessionStore interface {
	// Create inserts s, assigning ID and timestamps when empty.
	// ErrDuplicateSession if the user/room pair or verification room is taken.
	Create(ctx context.Context, s *domain.VerificationSession) error
	FindByID(ctx context.Context, id string) (*domain.VerificationSession, error)
	FindByUser(ctx context.Context, userID, mainRoomID string) (*domain.VerificationSession, error)
	FindByVerificationRoom(ctx context.Context, roomID string) (*domain.VerificationSession, error)
	// Update persists s if the stored status is still expected and the move
	// from expected to s.Status is forward. ErrStaleSession otherwise.
	Update(ctx context.Context, s *domain.VerificationSession, expected domain.SessionStatus) error
	// Remove deletes the session. Removing a missing session is not an error.
	Remove(ctx context.Context, id string) error

	// ListPage returns sessions newest first and the total count.
	ListPage(ctx context.Context, offset, limit int) ([]domain.VerificationSession, int64, error)
	// ListStale returns non-terminal sessions created before cutoff.
	ListStale(ctx context.Context, before time.Time) ([]domain.VerificationSession, error)
	// Stats counts sessions by status.
	Stats(ctx context.Context) (map[domain.SessionStatus]int64, error)
}
