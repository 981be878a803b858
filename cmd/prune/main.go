// Command prune runs one presence sweep against the configured store, for
// cron jobs and manual cleanup.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/app/prune"
	"github.com/dkeye/Presence/internal/config"
	"github.com/dkeye/Presence/internal/node"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	flags := config.Flags("prune")
	rooms := flags.Bool("rooms", false, "also delete rooms left without members")
	age := flags.Duration("age", 0, "prune memberships older than this (default: max_presence_age)")
	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatal().Err(err).Msg("bad flags")
	}

	cfg, err := config.Load(flags)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	n, err := node.Build(ctx, cfg, "presence-prune")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build node")
	}

	maxAge := cfg.MaxAge()
	if *age > 0 {
		maxAge = *age
	}
	sched := &prune.Scheduler{Engine: n.Engine, MaxAge: maxAge}

	start := time.Now()
	stale, emptied, err := sched.RunOnce(ctx, *rooms)
	if cerr := n.Close(); cerr != nil {
		log.Error().Err(cerr).Msg("close node")
	}
	if err != nil {
		log.Fatal().Err(err).Int64("memberships", stale).Msg("prune failed")
	}
	log.Info().Int64("memberships", stale).Int64("rooms", emptied).Dur("max_age", maxAge).Dur("took", time.Since(start)).Msg("prune done")
}
