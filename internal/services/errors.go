// Package services implements the join-verification workflow of the gate
// bot: the session store backends, the permission manager, the message gate,
// the verification orchestrator, the expiry sweeper and the text commands.
// This file centralizes service-level error values so callers can branch on
// them with errors.Is.
package services

import "errors"

// Session errors.
var (
	// ErrDuplicateSession is returned when an active session already exists
	// for the same user and main room, or the verification room is taken.
	ErrDuplicateSession = errors.New("verification session already exists")

	// ErrSessionNotFound indicates that no session matches the lookup key.
	ErrSessionNotFound = errors.New("verification session not found")

	// ErrInvalidTransition is returned when an update would move a session
	// backwards or out of a terminal status.
	ErrInvalidTransition = errors.New("invalid session status transition")

	// ErrStaleSession is returned when the stored session no longer has the
	// status the caller read; another writer got there first.
	ErrStaleSession = errors.New("verification session changed concurrently")
)

// Permission errors.
var (
	// ErrNoPowerLevels is returned when a room's m.room.power_levels state
	// cannot be read. Operations depending on it abort.
	ErrNoPowerLevels = errors.New("room power levels unavailable")
)
