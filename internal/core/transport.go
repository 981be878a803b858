package core

import (
	"context"

	"github.com/dkeye/Presence/internal/domain"
)

//go:generate mockgen -destination=mock_core/transport.go -package=mock_core . GroupTransport

// GroupTransport is the pub/sub group layer. Add and discard are idempotent.
type GroupTransport interface {
	GroupAdd(ctx context.Context, group domain.RoomName, member domain.MemberAddr) error
	GroupDiscard(ctx context.Context, group domain.RoomName, member domain.MemberAddr) error
	GroupSend(ctx context.Context, group domain.RoomName, payload Frame) error
}

// PublishResult reports delivery stats/backpressure of a group send.
type PublishResult struct {
	SendTo  int
	Dropped []domain.MemberAddr
}

// Attacher routes frames sent to a member address to a live connection.
// Transports that deliver to connections implement it next to GroupTransport.
type Attacher interface {
	Attach(ctx context.Context, member domain.MemberAddr, sink SignalConnection) (detach func(), err error)
}
