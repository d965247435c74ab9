// Package services – MessageGate
//
// This file implements MessageGate, which redacts messages posted in a main
// room by users that have a pending verification there.
//
// Observability: every redaction attempt is counted by result.

package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-gate-bot/internal/matrix"
	"github.com/tbourn/go-gate-bot/internal/observability"
)

// RedactReason is attached to gate redactions.
const RedactReason = "User has not yet completed verification"

// Redaction results recorded on observability.Redactions.
const (
	redactOK        = "ok"
	redactError     = "error"
	redactForbidden = "forbidden"
)

// MessageGate redacts main-room messages from users still being verified.
type MessageGate struct {
	Client ChatClient
	Store  SessionStore
	Logger zerolog.Logger
}

// Handle redacts ev when its sender has a pending session for ev's room.
// Messages inside verification rooms are never touched. Redaction failures
// are logged and reported as redacted=false with a nil error, so later
// messages from the same user are still gated.
func (g *MessageGate) Handle(ctx context.Context, ev *matrix.Event) (redacted bool, err error) {
	if ev.Type != matrix.EventTypeMessage || ev.IsRedacted() || ev.Sender == g.Client.UserID() {
		return false, nil
	}

	if _, err := g.Store.FindByVerificationRoom(ctx, ev.RoomID); err == nil {
		return false, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return false, err
	}

	sess, err := g.Store.FindByUser(ctx, ev.Sender, ev.RoomID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !sess.Status.Pending() {
		return false, nil
	}

	ctx, span := otel.Tracer("services/MessageGate").Start(ctx, "Redact",
		trace.WithAttributes(
			attribute.String("room.id", ev.RoomID),
			attribute.String("user.id", ev.Sender),
		),
	)
	defer span.End()

	lg := g.Logger.With().Str("room_id", ev.RoomID).Str("user_id", ev.Sender).Str("event_id", ev.EventID).Logger()

	pl, err := g.Client.PowerLevels(ctx, ev.RoomID)
	if err != nil {
		observability.Redactions.WithLabelValues(redactError).Inc()
		lg.Error().Err(err).Msg("gate: cannot read power levels")
		return false, nil
	}
	if !CanRedact(pl, g.Client.UserID()) {
		observability.Redactions.WithLabelValues(redactForbidden).Inc()
		lg.Warn().Msg("gate: bot lacks redaction power")
		return false, nil
	}
	if _, err := g.Client.RedactEvent(ctx, ev.RoomID, ev.EventID, RedactReason); err != nil {
		observability.Redactions.WithLabelValues(redactError).Inc()
		lg.Error().Err(err).Msg("gate: redaction failed")
		return false, nil
	}
	observability.Redactions.WithLabelValues(redactOK).Inc()
	lg.Debug().Msg("gate: redacted message from unverified user")
	return true, nil
}

// HandleMessage lets the gate sit in a message handler chain; a redacted
// message counts as handled.
func (g *MessageGate) HandleMessage(ctx context.Context, ev *matrix.Event) (bool, error) {
	return g.Handle(ctx, ev)
}
