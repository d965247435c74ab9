// Package bot turns /sync responses into de-duplicated, per-user ordered
// handler calls and keeps the bot's own room memberships tidy.
package bot

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-bot/internal/matrix"
	"github.com/tbourn/go-gate-bot/internal/observability"
)

// SpaceLeaveReason is used when the bot is added to a space.
const SpaceLeaveReason = "Spaces are not currently supported. Please invite to a room instead!"

// Handler results recorded on observability.EventsHandled.
const (
	resultOK        = "ok"
	resultError     = "error"
	resultPanic     = "panic"
	resultDuplicate = "duplicate"
)

// RoomClient is what the dispatcher needs from the homeserver.
type RoomClient interface {
	UserID() string
	JoinRoom(ctx context.Context, roomIDOrAlias string) (string, error)
	LeaveRoom(ctx context.Context, roomID, reason string) error
	RoomType(ctx context.Context, roomID string) (string, error)
}

// MembershipHandler reacts to m.room.member events of other users.
type MembershipHandler interface {
	HandleMembership(ctx context.Context, ev *matrix.Event) error
}

// MessageHandler reacts to m.room.message events. handled stops the chain.
type MessageHandler interface {
	HandleMessage(ctx context.Context, ev *matrix.Event) (handled bool, err error)
}

type job struct {
	ctx  context.Context
	ev   matrix.Event
	done *sync.WaitGroup
}

// Dispatcher fans sync events out to Workers queues. Events are assigned by
// acting user (state_key for membership, sender otherwise), so one user's
// events are handled in order while different users proceed in parallel.
type Dispatcher struct {
	Client     RoomClient
	Membership MembershipHandler
	// Messages are tried in order until one reports the event handled.
	Messages []MessageHandler
	Ledger   Ledger
	Tokens   SyncTokens
	AutoJoin bool
	Workers  int
	Logger   zerolog.Logger

	queues    []chan job
	wg        sync.WaitGroup
	skipFirst bool
}

// Start launches the workers. Stop must be called to release them.
func (d *Dispatcher) Start() {
	n := d.Workers
	if n < 1 {
		n = 1
	}
	d.queues = make([]chan job, n)
	for i := range d.queues {
		q := make(chan job, 64)
		d.queues[i] = q
		d.wg.Add(1)
		go d.worker(q)
	}
}

// Stop closes the queues and waits for in-flight events.
func (d *Dispatcher) Stop() {
	for _, q := range d.queues {
		close(q)
	}
	d.wg.Wait()
	d.queues = nil
}

// Resume returns the stored sync token. Without one, the next sync response
// only establishes the position and its timeline is not replayed.
func (d *Dispatcher) Resume(ctx context.Context) (string, error) {
	since, err := d.Tokens.Load(ctx)
	if err != nil {
		return "", err
	}
	d.skipFirst = since == ""
	return since, nil
}

// HandleSync is a matrix.SyncHandler. It returns once every event of resp
// has been handled, then persists resp.NextBatch.
func (d *Dispatcher) HandleSync(ctx context.Context, resp *matrix.SyncResponse) {
	d.acceptInvites(ctx, resp)

	if d.skipFirst {
		d.skipFirst = false
		d.Logger.Info().Msg("initial sync: skipping history")
		d.saveToken(ctx, resp.NextBatch)
		return
	}

	bot := d.Client.UserID()
	var batch sync.WaitGroup
	for _, ev := range matrix.RoomEvents(resp) {
		if ev.Type != matrix.EventTypeMember && ev.Type != matrix.EventTypeMessage {
			continue
		}
		if ev.Type == matrix.EventTypeMessage && ev.Sender == bot {
			continue
		}
		q := d.queues[xxhash.Sum64String(routingKey(&ev))%uint64(len(d.queues))]
		batch.Add(1)
		select {
		case q <- job{ctx: ctx, ev: ev, done: &batch}:
		case <-ctx.Done():
			batch.Done()
		}
	}
	batch.Wait()

	if ctx.Err() != nil {
		return
	}
	d.saveToken(ctx, resp.NextBatch)
}

func (d *Dispatcher) saveToken(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := d.Tokens.Save(ctx, token); err != nil {
		d.Logger.Error().Err(err).Msg("could not persist sync token")
	}
}

func (d *Dispatcher) acceptInvites(ctx context.Context, resp *matrix.SyncResponse) {
	for roomID := range resp.Rooms.Invite {
		if !d.AutoJoin {
			d.Logger.Debug().Str("room_id", roomID).Msg("ignoring invite")
			continue
		}
		if _, err := d.Client.JoinRoom(ctx, roomID); err != nil {
			d.Logger.Warn().Err(err).Str("room_id", roomID).Msg("could not accept invite")
			continue
		}
		d.Logger.Info().Str("room_id", roomID).Msg("accepted invite")
	}
}

func (d *Dispatcher) worker(q <-chan job) {
	defer d.wg.Done()
	for j := range q {
		d.process(j.ctx, &j.ev)
		j.done.Done()
	}
}

func (d *Dispatcher) process(ctx context.Context, ev *matrix.Event) {
	start := time.Now()
	result := resultOK
	lg := d.Logger.With().Str("event_id", ev.EventID).Str("room_id", ev.RoomID).Str("type", ev.Type).Logger()
	defer func() {
		if r := recover(); r != nil {
			result = resultPanic
			lg.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("event handler panicked")
		}
		observability.EventsHandled.WithLabelValues(ev.Type, result).Observe(time.Since(start).Seconds())
	}()

	if d.Ledger != nil {
		first, err := d.Ledger.Claim(ctx, ev.EventID)
		switch {
		case err != nil:
			lg.Warn().Err(err).Msg("event ledger unavailable")
		case !first:
			observability.DuplicateEvents.Inc()
			result = resultDuplicate
			return
		}
	}

	if err := d.route(ctx, ev); err != nil {
		result = resultError
		lg.Error().Err(err).Msg("event handling failed")
	}
}

func (d *Dispatcher) route(ctx context.Context, ev *matrix.Event) error {
	switch ev.Type {
	case matrix.EventTypeMember:
		if ev.StateKeyValue() == d.Client.UserID() {
			return d.botMembership(ctx, ev)
		}
		if d.Membership == nil {
			return nil
		}
		return d.Membership.HandleMembership(ctx, ev)
	case matrix.EventTypeMessage:
		for _, h := range d.Messages {
			handled, err := h.HandleMessage(ctx, ev)
			if err != nil {
				return err
			}
			if handled {
				return nil
			}
		}
	}
	return nil
}

// botMembership leaves spaces the bot has just joined.
func (d *Dispatcher) botMembership(ctx context.Context, ev *matrix.Event) error {
	cur, prev, err := ev.Membership()
	if err != nil || cur.Membership != matrix.MembershipJoin || prev == matrix.MembershipJoin {
		return err
	}
	typ, err := d.Client.RoomType(ctx, ev.RoomID)
	if err != nil {
		return err
	}
	if typ != matrix.RoomTypeSpace {
		d.Logger.Info().Str("room_id", ev.RoomID).Msg("joined room")
		return nil
	}
	d.Logger.Info().Str("room_id", ev.RoomID).Msg("leaving space")
	return d.Client.LeaveRoom(ctx, ev.RoomID, SpaceLeaveReason)
}

func routingKey(ev *matrix.Event) string {
	if ev.Type == matrix.EventTypeMember {
		if k := ev.StateKeyValue(); k != "" {
			return k
		}
	}
	return ev.Sender
}
