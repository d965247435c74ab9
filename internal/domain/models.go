// Package domain defines the persistence models for verification sessions
// and the bookkeeping records the bot keeps about its Matrix sync stream.
// These types are mapped with GORM and form the core data layer of the
// gate bot.
package domain

import (
	"time"
)

// SessionStatus is the position of a VerificationSession in the join
// verification workflow. Statuses only ever move forward.
type SessionStatus string

const (
	StatusPendingRoomCreation SessionStatus = "pending_room_creation"
	StatusAwaitingJoin        SessionStatus = "awaiting_join"
	StatusAwaitingAnswer      SessionStatus = "awaiting_answer"
	StatusVerified            SessionStatus = "verified"
	StatusAbandoned           SessionStatus = "abandoned"
)

// AllStatuses lists every status in workflow order.
var AllStatuses = []SessionStatus{
	StatusPendingRoomCreation,
	StatusAwaitingJoin,
	StatusAwaitingAnswer,
	StatusVerified,
	StatusAbandoned,
}

func (s SessionStatus) rank() int {
	switch s {
	case StatusPendingRoomCreation:
		return 0
	case StatusAwaitingJoin:
		return 1
	case StatusAwaitingAnswer:
		return 2
	case StatusVerified, StatusAbandoned:
		return 3
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s SessionStatus) Valid() bool { return s.rank() >= 0 }

// Terminal reports whether the session can no longer progress.
func (s SessionStatus) Terminal() bool {
	return s == StatusVerified || s == StatusAbandoned
}

// Pending reports whether the session is still gating its user.
func (s SessionStatus) Pending() bool { return s.Valid() && !s.Terminal() }

// CanTransition reports whether moving from s to next keeps the workflow
// strictly forward. Staying in the same non-terminal status is allowed so
// that a mutation without a status change (e.g. recording a room ID) is
// still a valid update. Any pending status may be abandoned.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StatusAbandoned {
		return true
	}
	return next.rank() >= s.rank()
}

// VerificationSession tracks one user's progress through the captcha gate
// of one main room.
//
// Fields:
//   - ID: UUID primary key (char(36)); also the removal key.
//   - UserID / MainRoomID: unique pair; one active session per user per room.
//   - VerificationRoomID: private side room, absent until created; unique.
//   - CaptchaAnswer: solution of the issued challenge, absent until issued.
//   - Status: workflow position.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM; CreatedAt drives expiry.
type VerificationSession struct {
	ID                 string        `json:"id"                             gorm:"type:char(36);primaryKey"`
	UserID             string        `json:"user_id"                        gorm:"type:varchar(255);not null;uniqueIndex:ux_session_user_room,priority:1"`
	MainRoomID         string        `json:"main_room_id"                   gorm:"type:varchar(255);not null;uniqueIndex:ux_session_user_room,priority:2"`
	VerificationRoomID *string       `json:"verification_room_id,omitempty" gorm:"type:varchar(255);uniqueIndex:ux_session_verification_room"`
	CaptchaAnswer      *string       `json:"-"                              gorm:"type:varchar(64)"`
	Status             SessionStatus `json:"status"                         gorm:"type:varchar(32);not null;index"`
	CreatedAt          time.Time     `json:"created_at"                     gorm:"index"`
	UpdatedAt          time.Time     `json:"updated_at"`
}

// TableName returns the database table name for VerificationSession.
func (VerificationSession) TableName() string { return "verification_sessions" }

// RoomID returns the verification room ID or "" when none exists yet.
func (s *VerificationSession) RoomID() string {
	if s == nil || s.VerificationRoomID == nil {
		return ""
	}
	return *s.VerificationRoomID
}

// Answer returns the stored captcha solution or "" when none was issued.
func (s *VerificationSession) Answer() string {
	if s == nil || s.CaptchaAnswer == nil {
		return ""
	}
	return *s.CaptchaAnswer
}

// Clone returns a deep copy so stores never share pointers with callers.
func (s *VerificationSession) Clone() *VerificationSession {
	if s == nil {
		return nil
	}
	c := *s
	if s.VerificationRoomID != nil {
		v := *s.VerificationRoomID
		c.VerificationRoomID = &v
	}
	if s.CaptchaAnswer != nil {
		v := *s.CaptchaAnswer
		c.CaptchaAnswer = &v
	}
	return &c
}

// SyncState stores the /sync continuation token so the bot resumes where it
// stopped instead of replaying or skipping history after a restart.
type SyncState struct {
	ID        string    `gorm:"type:varchar(64);primaryKey"`
	NextBatch string    `gorm:"type:text;not null"`
	UpdatedAt time.Time `gorm:"autoUpdateTime"`
}

// TableName returns the database table name for SyncState.
func (SyncState) TableName() string { return "sync_state" }
