package matrix

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Syncer is the part of Client the sync loop needs.
type Syncer interface {
	Sync(ctx context.Context, opts SyncOptions) (*SyncResponse, error)
}

// SyncHandler processes one sync response. It runs on the loop goroutine;
// the next /sync is not issued until it returns.
type SyncHandler func(ctx context.Context, resp *SyncResponse)

// SyncConfig tunes RunSyncLoop.
type SyncConfig struct {
	// Timeout is the server-side long-poll timeout. Zero means 30s.
	Timeout time.Duration
	// MaxBackoff caps the retry delay after failures. Zero means 30s.
	MaxBackoff time.Duration
	// Filter is an optional filter ID or inline JSON filter.
	Filter string
}

// after is swapped in tests so backoff does not wait on the wall clock.
var after = time.After

// RunSyncLoop long-polls /sync starting from since until ctx is cancelled.
// Failures are retried with exponential backoff from 1s up to MaxBackoff;
// the delay resets after the next successful sync.
func RunSyncLoop(ctx context.Context, s Syncer, cfg SyncConfig, since string, handler SyncHandler, logger zerolog.Logger) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			return
		}

		resp, err := s.Sync(ctx, SyncOptions{
			Since:   since,
			Timeout: int(timeout / time.Millisecond),
			Filter:  cfg.Filter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Dur("backoff", backoff).Msg("sync failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-after(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		since = resp.NextBatch
		handler(ctx, resp)
	}
}

// RoomEvents flattens the joined rooms of resp into one slice, stamping each
// event with its room ID. Per room, m.room.member events from the state
// section come first, then the timeline in order. A limited sync reports
// membership changes that fell outside the timeline only in the state
// section. The bot syncs without lazy-loaded members, so that section holds
// changes since the previous batch and not a member snapshot.
func RoomEvents(resp *SyncResponse) []Event {
	if resp == nil {
		return nil
	}
	var out []Event
	for roomID, room := range resp.Rooms.Join {
		for _, ev := range room.State.Events {
			if ev.Type != EventTypeMember {
				continue
			}
			ev.RoomID = roomID
			out = append(out, ev)
		}
		for _, ev := range room.Timeline.Events {
			ev.RoomID = roomID
			out = append(out, ev)
		}
	}
	return out
}
