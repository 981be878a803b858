// Package node assembles the presence engine and its collaborators from
// configuration. Both the server and the prune command build on it.
package node

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/dkeye/Presence/internal/adapters/group"
	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/app/notify"
	"github.com/dkeye/Presence/internal/app/notify/natsbridge"
	"github.com/dkeye/Presence/internal/app/presence"
	"github.com/dkeye/Presence/internal/config"
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/metrics"
	"github.com/dkeye/Presence/internal/store"
)

const (
	TransportLocal = "local"
	TransportRedis = "redis"

	BackpressureKick    = "kick"
	BackpressureStrikes = "strikes"
)

type transport interface {
	core.GroupTransport
	core.Attacher
}

type Node struct {
	Store     core.Store
	Transport transport
	Notifier  *notify.Notifier
	Engine    *presence.Engine

	redis *group.Redis
	nats  *nats.Conn
}

// Build opens the store and transport named in cfg and wires the engine
// with the standard listeners: room broadcasts, event metrics and, when
// nats.url is set, the NATS bridge.
func Build(ctx context.Context, cfg *config.Config, name string) (*Node, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	n := &Node{Store: st, Notifier: notify.New()}

	switch cfg.Transport.Driver {
	case TransportLocal, "":
		policy, err := backpressurePolicy(cfg.Transport)
		if err != nil {
			_ = n.Close()
			return nil, err
		}
		n.Transport = group.NewHub(policy)
	case TransportRedis:
		r, err := group.NewRedis(ctx, cfg.Redis.URL, cfg.Redis.GroupExpiry)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("open redis transport: %w", err)
		}
		n.redis = r
		n.Transport = r
	default:
		_ = n.Close()
		return nil, fmt.Errorf("unknown transport driver %q", cfg.Transport.Driver)
	}

	n.Engine = presence.New(st, n.Transport, n.Notifier,
		presence.WithMaxAge(cfg.MaxAge()),
		presence.WithSweepWorkers(cfg.Prune.Workers),
	)

	n.Notifier.Subscribe("broadcast", &notify.Broadcaster{Rooms: n.Engine, Sender: n.Transport})
	n.Notifier.Subscribe("metrics", metrics.EventCounter{})
	if cfg.NATS.URL != "" {
		nc, err := natsbridge.Connect(cfg.NATS.URL, name)
		if err != nil {
			_ = n.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		n.nats = nc
		n.Notifier.Subscribe("nats", &natsbridge.Bridge{Conn: nc})
	}

	go n.drainErrors(ctx)
	log.Info().Str("module", "node").Str("store", cfg.Store.Driver).Str("transport", cfg.Transport.Driver).Bool("nats", n.nats != nil).Msg("node ready")
	return n, nil
}

// backpressurePolicy maps transport.backpressure onto a hub policy.
func backpressurePolicy(cfg config.TransportConfig) (app.Policy, error) {
	switch cfg.Backpressure {
	case BackpressureKick, "":
		return app.SimplePolicy{}, nil
	case BackpressureStrikes:
		if cfg.Strikes < 1 {
			return nil, fmt.Errorf("transport.strikes must be at least 1, got %d", cfg.Strikes)
		}
		return &app.StrikePolicy{Strikes: cfg.Strikes}, nil
	default:
		return nil, fmt.Errorf("unknown backpressure policy %q", cfg.Backpressure)
	}
}

// drainErrors keeps the notifier's error channel from filling; every error
// was already logged when it was reported.
func (n *Node) drainErrors(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.Notifier.Errors():
		}
	}
}

// Health pings the store and, when used, Redis.
func (n *Node) Health(ctx context.Context) error {
	if err := n.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if n.redis != nil {
		if err := n.redis.Ping(ctx); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close waits for background engine work, then releases connections.
func (n *Node) Close() error {
	if n.Engine != nil {
		n.Engine.Wait()
	}
	var err error
	if n.nats != nil {
		err = multierr.Append(err, n.nats.Drain())
	}
	if n.redis != nil {
		err = multierr.Append(err, n.redis.Close())
	}
	return multierr.Append(err, n.Store.Close())
}
