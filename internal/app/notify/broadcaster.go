package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// RoomReader is the read side a Broadcaster needs to build a snapshot.
type RoomReader interface {
	GetMembers(ctx context.Context, room domain.RoomName) ([]domain.UserID, error)
	GetAnonymousCount(ctx context.Context, room domain.RoomName) (int64, error)
}

// Sender delivers a frame to every member of a group.
type Sender interface {
	GroupSend(ctx context.Context, group domain.RoomName, payload core.Frame) error
}

// Snapshot is the frame members of a room receive after each change.
type Snapshot struct {
	Type      string          `json:"type"`
	Room      domain.RoomName `json:"room"`
	Seq       uint64          `json:"seq"`
	Change    string          `json:"change"`
	Users     []domain.UserID `json:"users"`
	Anonymous int64           `json:"anonymous"`
	At        time.Time       `json:"at"`
}

// Broadcaster pushes a presence snapshot of the room to the room's group on
// every change.
type Broadcaster struct {
	Rooms  RoomReader
	Sender Sender
}

func (b *Broadcaster) OnChange(ctx context.Context, ev domain.ChangeEvent) error {
	users, err := b.Rooms.GetMembers(ctx, ev.Room)
	if err != nil {
		return fmt.Errorf("snapshot members: %w", err)
	}
	anon, err := b.Rooms.GetAnonymousCount(ctx, ev.Room)
	if err != nil {
		return fmt.Errorf("snapshot anonymous: %w", err)
	}
	if users == nil {
		users = []domain.UserID{}
	}
	frame, err := json.Marshal(Snapshot{
		Type:      "presence",
		Room:      ev.Room,
		Seq:       ev.Seq,
		Change:    ev.Kind(),
		Users:     users,
		Anonymous: anon,
		At:        ev.At,
	})
	if err != nil {
		return err
	}
	return b.Sender.GroupSend(ctx, ev.Room, frame)
}
