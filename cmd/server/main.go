package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Presence/internal/adapters/http"
	sig "github.com/dkeye/Presence/internal/adapters/signal"
	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/app/prune"
	"github.com/dkeye/Presence/internal/config"
	"github.com/dkeye/Presence/internal/node"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	flags := config.Flags("presence")
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

	n, err := node.Build(ctx, cfg, "presence-server")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build node")
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Error().Err(err).Msg("close node")
		}
	}()

	reg := app.NewRegistry()
	ctl := &sig.SignalWSController{
		Engine:     n.Engine,
		Registry:   reg,
		Router:     n.Transport,
		Limiter:    sig.NewRoomRateLimiter(cfg.JoinRate.Limit, cfg.JoinRate.Interval, nil),
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	r := router.SetupRouter(ctx, cfg, &router.Services{
		Engine:   n.Engine,
		Notifier: n.Notifier,
		Registry: reg,
		Signal:   ctl,
		Health:   n.Health,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	sched := &prune.Scheduler{
		Engine:     n.Engine,
		StaleEvery: cfg.Prune.StaleEvery,
		RoomsEvery: cfg.Prune.RoomsEvery,
		MaxAge:     cfg.MaxAge(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Presence server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
	}
	log.Info().Msg("Server exited gracefully")
}
