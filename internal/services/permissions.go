// Package services – PermissionManager
//
// Power-level arithmetic (required posting level, send and modify checks) and
// the PermissionManager that lowers and restores a user's level in a room.

package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-bot/internal/matrix"
)

// RequiredLevel is the power level needed to send m.room.message:
// events["m.room.message"], else events_default, else 0.
func RequiredLevel(pl *matrix.PowerLevels) int {
	return pl.EventLevel(matrix.EventTypeMessage)
}

// CanSend reports whether userID may post messages.
func CanSend(pl *matrix.PowerLevels, userID string) bool {
	return pl.UserLevel(userID) >= RequiredLevel(pl)
}

// CanModify reports whether actor may change target's power level to level.
// The actor must be allowed to send m.room.power_levels, must outrank the
// target (unless changing itself) and cannot grant more than it holds.
func CanModify(pl *matrix.PowerLevels, actor, target string, level int) bool {
	own := pl.UserLevel(actor)
	if own < pl.StateEventLevel(matrix.EventTypePowerLevels) {
		return false
	}
	if level > own {
		return false
	}
	if actor == target {
		return true
	}
	return own > pl.UserLevel(target)
}

// CanRedact reports whether userID may redact other users' events.
func CanRedact(pl *matrix.PowerLevels, userID string) bool {
	return pl.UserLevel(userID) >= pl.RedactLevel()
}

// PermissionManager suspends and restores posting rights in main rooms.
type PermissionManager struct {
	Client ChatClient
	Logger zerolog.Logger
}

// Suspend lowers userID to one below the send threshold of roomID when the
// bot may do so and the user can currently send. It reports whether the
// level changed. ErrNoPowerLevels means the state could not be read.
func (m *PermissionManager) Suspend(ctx context.Context, userID, roomID string) (bool, error) {
	pl, err := m.Client.PowerLevels(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrNoPowerLevels, roomID, err)
	}
	target := RequiredLevel(pl) - 1
	if !CanSend(pl, userID) {
		return false, nil
	}
	if !CanModify(pl, m.Client.UserID(), userID, target) {
		m.Logger.Warn().Str("room_id", roomID).Str("user_id", userID).
			Msg("cannot lower power level; relying on redaction")
		return false, nil
	}
	pl.SetUserLevel(userID, target)
	if err := m.Client.SetPowerLevels(ctx, roomID, pl); err != nil {
		return false, fmt.Errorf("suspend %s in %s: %w", userID, roomID, err)
	}
	return true, nil
}

// Restore raises userID to the send threshold of roomID when the bot may do
// so and the user currently cannot send.
func (m *PermissionManager) Restore(ctx context.Context, userID, roomID string) (bool, error) {
	pl, err := m.Client.PowerLevels(ctx, roomID)
	if err != nil {
		return false, fmt.Errorf("%w: %s: %v", ErrNoPowerLevels, roomID, err)
	}
	target := RequiredLevel(pl)
	if CanSend(pl, userID) {
		return false, nil
	}
	if !CanModify(pl, m.Client.UserID(), userID, target) {
		m.Logger.Warn().Str("room_id", roomID).Str("user_id", userID).
			Msg("cannot restore power level")
		return false, nil
	}
	pl.SetUserLevel(userID, target)
	if err := m.Client.SetPowerLevels(ctx, roomID, pl); err != nil {
		return false, fmt.Errorf("restore %s in %s: %w", userID, roomID, err)
	}
	return true, nil
}
