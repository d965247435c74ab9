package matrix

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSyncer struct {
	mu     sync.Mutex
	calls  []SyncOptions
	script []func() (*SyncResponse, error)
	cancel context.CancelFunc
}

func (s *scriptedSyncer) Sync(_ context.Context, opts SyncOptions) (*SyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, opts)
	if len(s.script) == 0 {
		s.cancel()
		return nil, context.Canceled
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next()
}

func TestRunSyncLoop_AdvancesTokenAndBacksOff(t *testing.T) {
	var delays []time.Duration
	orig := after
	after = func(d time.Duration) <-chan time.Time {
		delays = append(delays, d)
		ch := make(chan time.Time, 1)
		ch <- time.Time{}
		return ch
	}
	defer func() { after = orig }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fail := func() (*SyncResponse, error) { return nil, errors.New("down") }
	s := &scriptedSyncer{cancel: cancel, script: []func() (*SyncResponse, error){
		func() (*SyncResponse, error) { return &SyncResponse{NextBatch: "b1"}, nil },
		fail, fail, fail,
		func() (*SyncResponse, error) { return &SyncResponse{NextBatch: "b2"}, nil },
		fail,
	}}

	var handled []string
	RunSyncLoop(ctx, s, SyncConfig{Timeout: 5 * time.Second, MaxBackoff: 3 * time.Second}, "b0",
		func(_ context.Context, r *SyncResponse) { handled = append(handled, r.NextBatch) }, zerolog.Nop())

	assert.Equal(t, []string{"b1", "b2"}, handled)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, time.Second}, delays)

	assert.Equal(t, "b0", s.calls[0].Since)
	assert.Equal(t, 5000, s.calls[0].Timeout)
	assert.Equal(t, "b1", s.calls[1].Since)
	assert.Equal(t, "b2", s.calls[len(s.calls)-1].Since)
}

func TestRunSyncLoop_StopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := &scriptedSyncer{cancel: cancel}
	RunSyncLoop(ctx, s, SyncConfig{}, "", func(context.Context, *SyncResponse) {
		t.Fatal("handler must not run")
	}, zerolog.Nop())
	assert.Empty(t, s.calls)
}

func TestRoomEvents_StateMembersBeforeTimeline(t *testing.T) {
	target := "@u:hs"
	resp := &SyncResponse{}
	resp.Rooms.Join = map[string]JoinedRoom{}
	var room JoinedRoom
	room.State.Events = []Event{
		{EventID: "$name", Type: EventTypeName},
		{EventID: "$join", Type: EventTypeMember, StateKey: &target},
	}
	room.Timeline.Limited = true
	room.Timeline.Events = []Event{{EventID: "$msg", Type: EventTypeMessage, Sender: target}}
	resp.Rooms.Join["!r:hs"] = room

	events := RoomEvents(resp)
	require.Len(t, events, 2)
	assert.Equal(t, "$join", events[0].EventID)
	assert.Equal(t, "$msg", events[1].EventID)
	for _, ev := range events {
		assert.Equal(t, "!r:hs", ev.RoomID)
	}
	assert.Nil(t, RoomEvents(nil))
}
