package bot

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tbourn/go-gate-bot/internal/matrix"
)

const botID = "@gate:example.org"

type fakeRooms struct {
	mu     sync.Mutex
	types  map[string]string
	joined []string
	left   map[string]string
}

func newFakeRooms() *fakeRooms {
	return &fakeRooms{types: map[string]string{}, left: map[string]string{}}
}

func (f *fakeRooms) UserID() string { return botID }

func (f *fakeRooms) JoinRoom(_ context.Context, room string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, room)
	return room, nil
}

func (f *fakeRooms) LeaveRoom(_ context.Context, room, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left[room] = reason
	return nil
}

func (f *fakeRooms) RoomType(_ context.Context, room string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.types[room], nil
}

type recorder struct {
	mu      sync.Mutex
	events  map[string][]string // key -> event IDs in handling order
	panicOn string
	handled bool
	err     error
}

func newRecorder() *recorder { return &recorder{events: map[string][]string{}} }

func (r *recorder) record(key, id string) {
	if id == r.panicOn {
		panic("boom")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[key] = append(r.events[key], id)
}

func (r *recorder) ids(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events[key]...)
}

func (r *recorder) HandleMembership(_ context.Context, ev *matrix.Event) error {
	r.record(ev.StateKeyValue(), ev.EventID)
	return r.err
}

func (r *recorder) HandleMessage(_ context.Context, ev *matrix.Event) (bool, error) {
	r.record(ev.Sender, ev.EventID)
	return r.handled, r.err
}

func member(id, target, membership string) matrix.Event {
	return matrix.Event{
		EventID:  id,
		Type:     matrix.EventTypeMember,
		Sender:   target,
		StateKey: &target,
		Content:  []byte(`{"membership":"` + membership + `"}`),
	}
}

func message(id, sender string) matrix.Event {
	return matrix.Event{
		EventID: id,
		Type:    matrix.EventTypeMessage,
		Sender:  sender,
		Content: []byte(`{"msgtype":"m.text","body":"hi"}`),
	}
}

func syncResp(next string, rooms map[string][]matrix.Event) *matrix.SyncResponse {
	resp := &matrix.SyncResponse{NextBatch: next}
	resp.Rooms.Join = map[string]matrix.JoinedRoom{}
	for room, evs := range rooms {
		var jr matrix.JoinedRoom
		jr.Timeline.Events = evs
		resp.Rooms.Join[room] = jr
	}
	return resp
}

func newDispatcher(t *testing.T, tokens SyncTokens) (*Dispatcher, *fakeRooms, *recorder) {
	t.Helper()
	rooms := newFakeRooms()
	rec := newRecorder()
	d := &Dispatcher{
		Client:     rooms,
		Membership: rec,
		Messages:   []MessageHandler{rec},
		Ledger:     &MemoryLedger{},
		Tokens:     tokens,
		Workers:    4,
		Logger:     zerolog.Nop(),
	}
	d.Start()
	t.Cleanup(d.Stop)
	return d, rooms, rec
}

func TestDispatcher_FirstSyncOnlyEstablishesPosition(t *testing.T) {
	ctx := context.Background()
	tokens := &MemorySyncTokens{}
	d, _, rec := newDispatcher(t, tokens)

	since, err := d.Resume(ctx)
	require.NoError(t, err)
	assert.Empty(t, since)

	d.HandleSync(ctx, syncResp("s1", map[string][]matrix.Event{
		"!r:example.org": {member("$old", "@u:example.org", matrix.MembershipJoin)},
	}))
	assert.Empty(t, rec.ids("@u:example.org"), "history must not be replayed")
	tok, _ := tokens.Load(ctx)
	assert.Equal(t, "s1", tok)

	d.HandleSync(ctx, syncResp("s2", map[string][]matrix.Event{
		"!r:example.org": {member("$new", "@u:example.org", matrix.MembershipJoin)},
	}))
	assert.Equal(t, []string{"$new"}, rec.ids("@u:example.org"))
	tok, _ = tokens.Load(ctx)
	assert.Equal(t, "s2", tok)
}

func TestDispatcher_ResumesFromStoredToken(t *testing.T) {
	ctx := context.Background()
	tokens := &MemorySyncTokens{}
	require.NoError(t, tokens.Save(ctx, "s9"))
	d, _, rec := newDispatcher(t, tokens)

	since, err := d.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, "s9", since)

	d.HandleSync(ctx, syncResp("s10", map[string][]matrix.Event{
		"!r:example.org": {message("$m", "@u:example.org")},
	}))
	assert.Equal(t, []string{"$m"}, rec.ids("@u:example.org"))
}

func TestDispatcher_PerUserOrderAndDedup(t *testing.T) {
	ctx := context.Background()
	d, _, rec := newDispatcher(t, &MemorySyncTokens{})

	var evs []matrix.Event
	want := map[string][]string{}
	for i := 0; i < 20; i++ {
		for _, u := range []string{"@a:example.org", "@b:example.org", "@c:example.org"} {
			id := "$" + u + string(rune('a'+i))
			evs = append(evs, message(id, u))
			want[u] = append(want[u], id)
		}
	}
	resp := syncResp("s2", map[string][]matrix.Event{"!r:example.org": evs})
	d.HandleSync(ctx, resp)
	d.HandleSync(ctx, resp) // redelivery

	for u, ids := range want {
		assert.Equal(t, ids, rec.ids(u), "order for %s", u)
	}
}

func TestDispatcher_LimitedSyncRoutesStateSectionJoins(t *testing.T) {
	ctx := context.Background()
	d, _, rec := newDispatcher(t, &MemorySyncTokens{})
	user := "@u:example.org"

	join := member("$join", user, matrix.MembershipJoin)
	pl := matrix.Event{EventID: "$pl", Type: matrix.EventTypePowerLevels, Sender: "@admin:example.org"}
	resp := syncResp("s2", nil)
	var room matrix.JoinedRoom
	room.State.Events = []matrix.Event{pl, join}
	room.Timeline.Limited = true
	room.Timeline.Events = []matrix.Event{message("$msg", user), join}
	resp.Rooms.Join["!r:example.org"] = room

	d.HandleSync(ctx, resp)

	assert.Equal(t, []string{"$join", "$msg"}, rec.ids(user), "join must be handled once and before the message")
	assert.Empty(t, rec.ids("@admin:example.org"))
}

func TestDispatcher_SkipsOwnMessagesAndOtherTypes(t *testing.T) {
	ctx := context.Background()
	d, _, rec := newDispatcher(t, &MemorySyncTokens{})
	state := matrix.Event{EventID: "$pl", Type: matrix.EventTypePowerLevels, Sender: "@u:example.org"}

	d.HandleSync(ctx, syncResp("s2", map[string][]matrix.Event{
		"!r:example.org": {message("$self", botID), state, message("$u", "@u:example.org")},
	}))
	assert.Empty(t, rec.ids(botID))
	assert.Equal(t, []string{"$u"}, rec.ids("@u:example.org"))
}

func TestDispatcher_MessageChainStopsWhenHandled(t *testing.T) {
	ctx := context.Background()
	d, _, first := newDispatcher(t, &MemorySyncTokens{})
	first.handled = true
	second := newRecorder()
	d.Messages = append(d.Messages, second)

	d.HandleSync(ctx, syncResp("s2", map[string][]matrix.Event{
		"!r:example.org": {message("$m", "@u:example.org")},
	}))
	assert.Equal(t, []string{"$m"}, first.ids("@u:example.org"))
	assert.Empty(t, second.ids("@u:example.org"))
}

func TestDispatcher_RecoversFromPanicsAndErrors(t *testing.T) {
	ctx := context.Background()
	d, _, rec := newDispatcher(t, &MemorySyncTokens{})
	rec.panicOn = "$bad"

	d.HandleSync(ctx, syncResp("s2", map[string][]matrix.Event{
		"!r:example.org": {message("$bad", "@u:example.org"), message("$good", "@u:example.org")},
	}))
	assert.Equal(t, []string{"$good"}, rec.ids("@u:example.org"))

	rec.err = errors.New("store down")
	d.HandleSync(ctx, syncResp("s3", map[string][]matrix.Event{
		"!r:example.org": {message("$later", "@u:example.org")},
	}))
	assert.Equal(t, []string{"$good", "$later"}, rec.ids("@u:example.org"))
}

func TestDispatcher_AutoJoinAndSpaces(t *testing.T) {
	ctx := context.Background()
	d, rooms, rec := newDispatcher(t, &MemorySyncTokens{})
	rooms.types["!space:example.org"] = matrix.RoomTypeSpace

	resp := syncResp("s2", map[string][]matrix.Event{
		"!space:example.org": {member("$sj", botID, matrix.MembershipJoin)},
		"!room:example.org":  {member("$rj", botID, matrix.MembershipJoin)},
	})
	resp.Rooms.Invite = map[string]matrix.InvitedRoom{"!inv:example.org": {}}

	d.HandleSync(ctx, resp)
	assert.Empty(t, rooms.joined, "invites ignored without AutoJoin")
	assert.Equal(t, SpaceLeaveReason, rooms.left["!space:example.org"])
	assert.NotContains(t, rooms.left, "!room:example.org")
	assert.Empty(t, rec.ids(botID), "bot membership is not forwarded")

	d.AutoJoin = true
	resp.NextBatch = "s3"
	resp.Rooms.Join = nil
	d.HandleSync(ctx, resp)
	assert.Equal(t, []string{"!inv:example.org"}, rooms.joined)
}

func TestDispatcher_CancelledContextKeepsToken(t *testing.T) {
	tokens := &MemorySyncTokens{}
	require.NoError(t, tokens.Save(context.Background(), "s1"))
	d, _, _ := newDispatcher(t, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.HandleSync(ctx, syncResp("s2", map[string][]matrix.Event{
		"!r:example.org": {message("$m", "@u:example.org")},
	}))
	tok, _ := tokens.Load(context.Background())
	assert.Equal(t, "s1", tok)
}

func TestMemoryLedger_Claim(t *testing.T) {
	l := &MemoryLedger{}
	ctx := context.Background()
	first, err := l.Claim(ctx, "$e")
	require.NoError(t, err)
	assert.True(t, first)
	again, _ := l.Claim(ctx, "$e")
	assert.False(t, again)
	empty, _ := l.Claim(ctx, "")
	assert.True(t, empty)
}
