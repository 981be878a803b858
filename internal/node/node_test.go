package node

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/adapters/group"
	"github.com/dkeye/Presence/internal/app"
	"github.com/dkeye/Presence/internal/config"
)

func TestBuildLocal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{MaxPresenceAge: 90}
	cfg.Store.Driver = "memory"
	cfg.Transport.Driver = "local"

	n, err := Build(ctx, cfg, "test")
	require.NoError(t, err)
	defer func() { assert.NoError(t, n.Close()) }()

	assert.IsType(t, &group.Hub{}, n.Transport)
	assert.Equal(t, cfg.MaxAge(), n.Engine.MaxAge())
	require.NoError(t, n.Health(ctx))

	_, err = n.Engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	rooms, err := n.Engine.Rooms(ctx)
	require.NoError(t, err)
	assert.Len(t, rooms, 1)
}

func TestBuildSQLite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{MaxPresenceAge: 60}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = t.TempDir() + "/presence.db"

	n, err := Build(ctx, cfg, "test")
	require.NoError(t, err)
	require.NoError(t, n.Health(ctx))
	require.NoError(t, n.Close())
}

func TestBuildUnknownDrivers(t *testing.T) {
	ctx := context.Background()

	cfg := &config.Config{MaxPresenceAge: 60}
	cfg.Store.Driver = "cassandra"
	_, err := Build(ctx, cfg, "test")
	assert.Error(t, err)

	cfg.Store.Driver = "memory"
	cfg.Transport.Driver = "carrier-pigeon"
	_, err = Build(ctx, cfg, "test")
	assert.Error(t, err)
}

func TestBackpressurePolicy(t *testing.T) {
	p, err := backpressurePolicy(config.TransportConfig{})
	require.NoError(t, err)
	assert.Equal(t, app.SimplePolicy{}, p)

	p, err = backpressurePolicy(config.TransportConfig{Backpressure: "strikes", Strikes: 2})
	require.NoError(t, err)
	strikes, ok := p.(*app.StrikePolicy)
	require.True(t, ok)
	assert.Equal(t, 2, strikes.Strikes)

	_, err = backpressurePolicy(config.TransportConfig{Backpressure: "strikes"})
	assert.Error(t, err)
	_, err = backpressurePolicy(config.TransportConfig{Backpressure: "ignore"})
	assert.Error(t, err)
}

func TestBuildWithStrikePolicy(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{MaxPresenceAge: 60}
	cfg.Store.Driver = "memory"
	cfg.Transport.Backpressure = "strikes"
	cfg.Transport.Strikes = 3

	n, err := Build(ctx, cfg, "test")
	require.NoError(t, err)
	defer func() { assert.NoError(t, n.Close()) }()

	hub, ok := n.Transport.(*group.Hub)
	require.True(t, ok)
	assert.IsType(t, &app.StrikePolicy{}, hub.Policy)
}
