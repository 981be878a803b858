// Package prune runs the periodic sweeps that keep presence honest when
// connections die without saying goodbye.
package prune

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Engine is the subset of presence.Engine the scheduler drives.
type Engine interface {
	PruneAllStale(ctx context.Context, maxAge time.Duration) (int64, error)
	PruneEmptyRooms(ctx context.Context) (int64, error)
}

// Scheduler sweeps stale memberships every StaleEvery and empty rooms every
// RoomsEvery. A zero interval disables that sweep.
type Scheduler struct {
	Engine     Engine
	StaleEvery time.Duration
	RoomsEvery time.Duration
	MaxAge     time.Duration
	Clock      clock.Clock
}

// Run blocks until ctx is done. Sweep failures are logged and the loop
// carries on.
func (s *Scheduler) Run(ctx context.Context) error {
	clk := s.Clock
	if clk == nil {
		clk = clock.New()
	}
	g, ctx := errgroup.WithContext(ctx)
	if s.StaleEvery > 0 {
		g.Go(func() error { return s.loop(ctx, clk, s.StaleEvery, s.sweepStale) })
	}
	if s.RoomsEvery > 0 {
		g.Go(func() error { return s.loop(ctx, clk, s.RoomsEvery, s.sweepRooms) })
	}
	log.Info().Str("module", "app.prune").Dur("stale_every", s.StaleEvery).Dur("rooms_every", s.RoomsEvery).Msg("scheduler started")
	err := g.Wait()
	log.Info().Str("module", "app.prune").Msg("scheduler stopped")
	return err
}

func (s *Scheduler) loop(ctx context.Context, clk clock.Clock, every time.Duration, sweep func(context.Context) error) error {
	t := clk.Ticker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = sweep(ctx)
		}
	}
}

// RunOnce performs one stale sweep and, if pruneRooms, one empty room sweep.
func (s *Scheduler) RunOnce(ctx context.Context, pruneRooms bool) (stale, rooms int64, err error) {
	stale, err = s.Engine.PruneAllStale(ctx, s.MaxAge)
	if err != nil {
		return stale, 0, err
	}
	if pruneRooms {
		rooms, err = s.Engine.PruneEmptyRooms(ctx)
	}
	return stale, rooms, err
}

func (s *Scheduler) sweepStale(ctx context.Context) error {
	n, err := s.Engine.PruneAllStale(ctx, s.MaxAge)
	if err != nil {
		log.Error().Err(err).Str("module", "app.prune").Msg("stale sweep failed")
		return err
	}
	log.Debug().Str("module", "app.prune").Int64("removed", n).Msg("stale sweep")
	return nil
}

func (s *Scheduler) sweepRooms(ctx context.Context) error {
	n, err := s.Engine.PruneEmptyRooms(ctx)
	if err != nil {
		log.Error().Err(err).Str("module", "app.prune").Msg("room sweep failed")
		return err
	}
	log.Debug().Str("module", "app.prune").Int64("removed", n).Msg("room sweep")
	return nil
}
