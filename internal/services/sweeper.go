// Package services – Sweeper
//
// Periodic expiry of stale sessions and purging of the processed-event
// ledger.

package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/tbourn/go-gate-bot/internal/observability"
)

// Sweeper expires sessions that have been pending longer than TTL and
// purges old entries from the processed-event ledger.
type Sweeper struct {
	Store        SessionStore
	Orchestrator *Orchestrator
	TTL          time.Duration
	Interval     time.Duration
	// PurgeEvents, when set, runs on every tick after expiry.
	PurgeEvents func(ctx context.Context, now time.Time) (int64, error)
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (s *Sweeper) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// SweepOnce abandons every stale session and returns how many were expired.
// A failure on one session does not stop the others.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now := s.now()
	expired := 0
	if s.TTL > 0 {
		stale, err := s.Store.ListStale(ctx, now.Add(-s.TTL))
		if err != nil {
			return 0, err
		}
		for _, sess := range stale {
			if ctx.Err() != nil {
				return expired, ctx.Err()
			}
			err := s.Orchestrator.Abandon(ctx, sess.ID, observability.OutcomeExpired, ReasonExpired)
			if err != nil {
				s.Logger.Error().Err(err).Str("session_id", sess.ID).Msg("sweeper: expire failed")
				continue
			}
			expired++
		}
	}
	if s.PurgeEvents != nil {
		n, err := s.PurgeEvents(ctx, now)
		if err != nil {
			s.Logger.Error().Err(err).Msg("sweeper: ledger purge failed")
		} else if n > 0 {
			s.Logger.Debug().Int64("purged", n).Msg("sweeper: purged processed events")
		}
	}
	if expired > 0 {
		s.Logger.Info().Int("expired", expired).Msg("sweeper: expired stale sessions")
	}
	return expired, nil
}

// Run sweeps every Interval until ctx is cancelled. A non-positive Interval
// disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) {
	if s.Interval <= 0 {
		return
	}
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.Logger.Error().Err(err).Msg("sweeper: sweep failed")
			}
		}
	}
}
