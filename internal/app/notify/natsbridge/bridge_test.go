package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/domain"
)

type captured struct {
	subject string
	data    []byte
	err     error
}

func (c *captured) Publish(subject string, data []byte) error {
	c.subject, c.data = subject, data
	return c.err
}

var _ Publisher = (*nats.Conn)(nil)

func TestBridgePublishesEvent(t *testing.T) {
	pub := &captured{}
	b := &Bridge{Conn: pub}

	ev := domain.ChangeEvent{Room: "lobby", Seq: 3, Removed: &domain.Membership{Room: "lobby", Member: "c1"}}
	require.NoError(t, b.OnChange(context.Background(), ev))

	assert.Equal(t, "presence.changed.lobby", pub.subject)
	var got domain.ChangeEvent
	require.NoError(t, json.Unmarshal(pub.data, &got))
	assert.EqualValues(t, 3, got.Seq)
	require.NotNil(t, got.Removed)
	assert.Equal(t, domain.MemberAddr("c1"), got.Removed.Member)
}

func TestBridgePublishError(t *testing.T) {
	pub := &captured{err: nats.ErrConnectionClosed}
	b := &Bridge{Conn: pub}
	err := b.OnChange(context.Background(), domain.ChangeEvent{Room: "lobby", BulkChange: true})
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))
}
