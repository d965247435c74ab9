// Package services – Orchestrator
//
// This file implements the Orchestrator, which drives a join verification
// from the first main-room join to its end: it creates the session, suspends
// posting rights, opens a private verification room, issues the captcha once
// the user joins it and restores the user's level on a correct answer.
// Departures, expiry and operator requests end a session through Abandon.
//
// Concurrency: every step for one user and main room runs under a KeyedMutex
// and re-reads the session, so duplicate or racing events are no-ops.
//
// Observability: start, challenge, completion and abandon are
// OpenTelemetry spans; outcomes feed the session Prometheus counters.

package services

import (
	"context"
	"errors"
	"fmt"
	"html"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-gate-bot/internal/domain"
	"github.com/tbourn/go-gate-bot/internal/matrix"
	"github.com/tbourn/go-gate-bot/internal/observability"
)

// Challenge geometry requested from the provider.
const (
	CaptchaWidth  = 300
	CaptchaHeight = 100
	CaptchaChars  = 7
)

// Leave reasons used for verification rooms.
const (
	ReasonVerified  = "Verification Complete"
	ReasonUserLeft  = "User left the room"
	ReasonExpired   = "Verification expired"
	ReasonAbandoned = "Verification abandoned"
)

// minGatedMembers: joins only start a verification when the main room has
// more than two members.
const minGatedMembers = 3

// Orchestrator drives the per-user verification state machine. It is the
// only writer of sessions; every read-modify-write runs under the user's
// (user, main room) lock.
type Orchestrator struct {
	Client  ChatClient
	Store   SessionStore
	Captcha ChallengeProvider
	Perms   *PermissionManager
	Locks   *KeyedMutex
	// IsGated restricts which main rooms are gated. Nil gates every room.
	IsGated func(roomID string) bool
	Logger  zerolog.Logger
}

// NewOrchestrator wires an Orchestrator with its own lock table and
// permission manager.
func NewOrchestrator(client ChatClient, store SessionStore, provider ChallengeProvider, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		Client:  client,
		Store:   store,
		Captcha: provider,
		Perms:   &PermissionManager{Client: client, Logger: logger},
		Locks:   NewKeyedMutex(),
		Logger:  logger,
	}
}

func (o *Orchestrator) tracer() trace.Tracer { return otel.Tracer("services/Orchestrator") }

func (o *Orchestrator) lock(userID, mainRoomID string) func() {
	return o.Locks.Lock(userRoomKey(userID, mainRoomID))
}

// HandleMembership reacts to an m.room.member event in either a main room or
// a verification room.
func (o *Orchestrator) HandleMembership(ctx context.Context, ev *matrix.Event) error {
	if ev.Type != matrix.EventTypeMember {
		return nil
	}
	bot := o.Client.UserID()
	target := ev.StateKeyValue()
	if target == "" || target == bot {
		return nil
	}
	cur, prev, err := ev.Membership()
	if err != nil {
		return fmt.Errorf("decode membership %s: %w", ev.EventID, err)
	}

	sess, err := o.Store.FindByVerificationRoom(ctx, ev.RoomID)
	switch {
	case err == nil:
		if target != sess.UserID {
			return nil
		}
		switch cur.Membership {
		case matrix.MembershipJoin:
			if prev == matrix.MembershipJoin {
				return nil
			}
			return o.issueChallenge(ctx, sess)
		case matrix.MembershipLeave, matrix.MembershipBan:
			return o.abandonLocked(ctx, sess.ID, observability.OutcomeAbandoned, ReasonUserLeft)
		}
		return nil
	case !errors.Is(err, ErrSessionNotFound):
		return err
	}

	if o.IsGated != nil && !o.IsGated(ev.RoomID) {
		return nil
	}
	switch cur.Membership {
	case matrix.MembershipJoin:
		if prev == matrix.MembershipJoin || ev.Sender == bot {
			return nil
		}
		return o.startVerification(ctx, target, ev.RoomID)
	case matrix.MembershipLeave, matrix.MembershipBan:
		sess, err := o.Store.FindByUser(ctx, target, ev.RoomID)
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return o.abandonLocked(ctx, sess.ID, observability.OutcomeAbandoned, ReasonUserLeft)
	}
	return nil
}

// startVerification creates the session, suspends posting rights and opens
// the verification room.
func (o *Orchestrator) startVerification(ctx context.Context, userID, roomID string) error {
	ctx, span := o.tracer().Start(ctx, "StartVerification",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("room.id", roomID),
		),
	)
	defer span.End()

	unlock := o.lock(userID, roomID)
	defer unlock()

	lg := o.Logger.With().Str("user_id", userID).Str("room_id", roomID).Logger()

	members, err := o.Client.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("members of %s: %w", roomID, err)
	}
	if len(members) < minGatedMembers {
		lg.Debug().Int("members", len(members)).Msg("room too small to gate")
		return nil
	}

	if _, err := o.Store.FindByUser(ctx, userID, roomID); err == nil {
		return nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return err
	}

	sess := &domain.VerificationSession{UserID: userID, MainRoomID: roomID}
	if err := o.Store.Create(ctx, sess); err != nil {
		if errors.Is(err, ErrDuplicateSession) {
			return nil
		}
		return fmt.Errorf("create session: %w", err)
	}
	observability.SessionsStarted.Inc()
	span.SetAttributes(attribute.String("session.id", sess.ID))

	suspended, err := o.Perms.Suspend(ctx, userID, roomID)
	if err != nil {
		if errors.Is(err, ErrNoPowerLevels) {
			o.drop(ctx, sess, observability.OutcomeFailed)
			return err
		}
		lg.Warn().Err(err).Msg("could not lower power level; gate still redacts")
	}

	label := o.Client.RoomLabel(ctx, roomID)
	vroom, err := o.Client.CreateRoom(ctx, matrix.CreateRoomRequest{
		Name:     "Verification | " + label,
		Preset:   "private_chat",
		IsDirect: true,
		Invite:   []string{userID},
		PowerLevelContentOverride: map[string]any{
			"invite": 100,
		},
	})
	if err != nil {
		if suspended {
			if _, rerr := o.Perms.Restore(ctx, userID, roomID); rerr != nil {
				lg.Warn().Err(rerr).Msg("could not restore power level after failed room creation")
			}
		}
		o.drop(ctx, sess, observability.OutcomeFailed)
		return fmt.Errorf("create verification room: %w", err)
	}

	sess.VerificationRoomID = &vroom
	sess.Status = domain.StatusAwaitingJoin
	if err := o.Store.Update(ctx, sess, domain.StatusPendingRoomCreation); err != nil {
		if lerr := o.Client.LeaveRoom(ctx, vroom, ReasonAbandoned); lerr != nil {
			lg.Warn().Err(lerr).Msg("could not leave orphaned verification room")
		}
		o.drop(ctx, sess, observability.OutcomeFailed)
		return fmt.Errorf("record verification room: %w", err)
	}

	if _, err := o.Client.SendMessage(ctx, vroom,
		matrix.NewHTMLNotice("Generating Captcha...", "<h3>Generating Captcha...</h3>")); err != nil {
		lg.Warn().Err(err).Msg("could not post placeholder notice")
	}
	lg.Info().Str("session_id", sess.ID).Str("verification_room_id", vroom).Bool("suspended", suspended).
		Msg("verification started")
	return nil
}

// issueChallenge sends a captcha once the user joined the verification room.
// Provider or upload failures leave the session in AwaitingJoin.
func (o *Orchestrator) issueChallenge(ctx context.Context, found *domain.VerificationSession) error {
	ctx, span := o.tracer().Start(ctx, "IssueChallenge",
		trace.WithAttributes(
			attribute.String("session.id", found.ID),
			attribute.String("user.id", found.UserID),
		),
	)
	defer span.End()

	unlock := o.lock(found.UserID, found.MainRoomID)
	defer unlock()

	sess, err := o.Store.FindByID(ctx, found.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusAwaitingJoin {
		return nil
	}
	vroom := sess.RoomID()

	ch, err := o.Captcha.Challenge(ctx, CaptchaWidth, CaptchaHeight, CaptchaChars)
	if err != nil {
		observability.CaptchaFailures.Inc()
		return fmt.Errorf("request captcha: %w", err)
	}
	mxc, err := o.Client.UploadMedia(ctx, "image/png", "captcha.png", ch.Image)
	if err != nil {
		observability.CaptchaFailures.Inc()
		return fmt.Errorf("upload captcha: %w", err)
	}

	label := o.Client.RoomLabel(ctx, sess.MainRoomID)
	intro := matrix.NewHTMLNotice(
		"Please solve the following captcha to gain access to "+label+".",
		"<h3>Please solve the following captcha to gain access to "+roomPill(sess.MainRoomID, label)+".</h3>",
	)
	if _, err := o.Client.SendMessage(ctx, vroom, intro); err != nil {
		o.Logger.Warn().Err(err).Str("session_id", sess.ID).Msg("could not send captcha introduction")
	}
	img := matrix.NewImage("captcha.png", mxc, matrix.MediaInfo{
		MimeType: "image/png",
		Size:     len(ch.Image),
		Width:    CaptchaWidth,
		Height:   CaptchaHeight,
	})
	if _, err := o.Client.SendMessage(ctx, vroom, img); err != nil {
		observability.CaptchaFailures.Inc()
		return fmt.Errorf("send captcha image: %w", err)
	}

	solution := ch.Solution
	sess.CaptchaAnswer = &solution
	sess.Status = domain.StatusAwaitingAnswer
	if err := o.Store.Update(ctx, sess, domain.StatusAwaitingJoin); err != nil {
		return fmt.Errorf("record captcha: %w", err)
	}
	o.Logger.Info().Str("session_id", sess.ID).Str("user_id", sess.UserID).Msg("captcha issued")
	return nil
}

// HandleMessage evaluates answers posted in verification rooms. handled is
// true whenever ev belongs to a verification room, so callers never run the
// gate or commands on those messages.
func (o *Orchestrator) HandleMessage(ctx context.Context, ev *matrix.Event) (handled bool, err error) {
	if ev.Type != matrix.EventTypeMessage || ev.Sender == o.Client.UserID() {
		return false, nil
	}
	sess, err := o.Store.FindByVerificationRoom(ctx, ev.RoomID)
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if ev.Sender != sess.UserID || ev.IsRedacted() {
		return true, nil
	}
	mc, ok := ev.Message()
	if !ok || mc.MsgType != matrix.MsgText {
		return true, nil
	}
	return true, o.checkAnswer(ctx, sess, ev, mc.Body)
}

func (o *Orchestrator) checkAnswer(ctx context.Context, found *domain.VerificationSession, ev *matrix.Event, answer string) error {
	unlock := o.lock(found.UserID, found.MainRoomID)
	defer unlock()

	sess, err := o.Store.FindByID(ctx, found.ID)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status != domain.StatusAwaitingAnswer {
		return nil
	}

	if err := o.Client.SendReadReceipt(ctx, ev.RoomID, ev.EventID); err != nil {
		o.Logger.Debug().Err(err).Str("event_id", ev.EventID).Msg("read receipt failed")
	}
	if answer != sess.Answer() {
		observability.WrongAnswers.Inc()
		return nil
	}

	ctx, span := o.tracer().Start(ctx, "CompleteVerification",
		trace.WithAttributes(
			attribute.String("session.id", sess.ID),
			attribute.String("user.id", sess.UserID),
			attribute.String("room.id", sess.MainRoomID),
		),
	)
	defer span.End()

	done := sess.Clone()
	done.Status = domain.StatusVerified
	if err := o.Store.Update(ctx, done, domain.StatusAwaitingAnswer); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}

	lg := o.Logger.With().Str("session_id", sess.ID).Str("user_id", sess.UserID).Str("room_id", sess.MainRoomID).Logger()
	vroom := sess.RoomID()
	label := o.Client.RoomLabel(ctx, sess.MainRoomID)
	notice := matrix.NewHTMLNotice(
		"Verification Complete. You have been given access to "+label+". You may now leave this room.",
		"<h3>Verification Complete</h3>You have been given access to "+roomPill(sess.MainRoomID, label)+". You may now leave this room.",
	)
	if _, err := o.Client.SendMessage(ctx, vroom, notice); err != nil {
		lg.Warn().Err(err).Msg("could not send completion notice")
	}
	if _, err := o.Perms.Restore(ctx, sess.UserID, sess.MainRoomID); err != nil {
		lg.Error().Err(err).Msg("could not restore power level")
	}
	if err := o.Client.LeaveRoom(ctx, vroom, ReasonVerified); err != nil {
		lg.Warn().Err(err).Msg("could not leave verification room")
	}
	if err := o.Store.Remove(ctx, sess.ID); err != nil {
		lg.Error().Err(err).Msg("could not remove verified session")
	}
	observability.SessionsFinished.WithLabelValues(observability.OutcomeVerified).Inc()
	lg.Info().Msg("user verified")
	return nil
}

// Abandon ends a pending session: the bot leaves its verification room with
// reason, the user's posting level is restored and the session is removed.
// outcome labels the metric. Returns
// ErrSessionNotFound when id is unknown.
func (o *Orchestrator) Abandon(ctx context.Context, id, outcome, reason string) error {
	ctx, span := o.tracer().Start(ctx, "Abandon",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("outcome", outcome),
		),
	)
	defer span.End()

	if _, err := o.Store.FindByID(ctx, id); err != nil {
		return err
	}
	return o.abandonLocked(ctx, id, outcome, reason)
}

func (o *Orchestrator) abandonLocked(ctx context.Context, id, outcome, reason string) error {
	found, err := o.Store.FindByID(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	unlock := o.lock(found.UserID, found.MainRoomID)
	defer unlock()

	sess, err := o.Store.FindByID(ctx, id)
	if errors.Is(err, ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		// A crash between marking and removal leaves a terminal row behind.
		return o.Store.Remove(ctx, id)
	}

	done := sess.Clone()
	done.Status = domain.StatusAbandoned
	if err := o.Store.Update(ctx, done, sess.Status); err != nil {
		return fmt.Errorf("mark abandoned: %w", err)
	}
	if vroom := sess.RoomID(); vroom != "" {
		if err := o.Client.LeaveRoom(ctx, vroom, reason); err != nil {
			o.Logger.Warn().Err(err).Str("verification_room_id", vroom).Msg("could not leave verification room")
		}
	}
	// Expiry and operator abandon hand posting rights back. A user who walked
	// away stays suspended until they rejoin the main room and retry.
	if reason != ReasonUserLeft {
		if _, err := o.Perms.Restore(ctx, sess.UserID, sess.MainRoomID); err != nil {
			o.Logger.Warn().Err(err).Str("user_id", sess.UserID).Str("room_id", sess.MainRoomID).
				Msg("could not restore power level after abandon")
		}
	}
	if err := o.Store.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove session: %w", err)
	}
	observability.SessionsFinished.WithLabelValues(outcome).Inc()
	o.Logger.Info().Str("session_id", id).Str("user_id", sess.UserID).Str("outcome", outcome).Msg("verification ended")
	return nil
}

// drop removes a session that never got going.
func (o *Orchestrator) drop(ctx context.Context, sess *domain.VerificationSession, outcome string) {
	if err := o.Store.Remove(ctx, sess.ID); err != nil {
		o.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("could not remove failed session")
	}
	observability.SessionsFinished.WithLabelValues(outcome).Inc()
}

// roomPill renders a matrix.to link for roomID.
func roomPill(roomID, label string) string {
	return `<a href="https://matrix.to/#/` + html.EscapeString(roomID) + `">` + html.EscapeString(label) + `</a>`
}
