package core

import (
	"context"
	"time"

	"github.com/dkeye/Presence/internal/domain"
)

// Seq is a per-room commit sequence. Every store mutation that changes a
// room's membership increments it in the same transaction.
type Seq uint64

// Store is the durable record of rooms and memberships.
// Uniqueness of room names and of (room, member) pairs is enforced here,
// never by callers.
type Store interface {
	GetOrCreateRoom(ctx context.Context, name domain.RoomName) (domain.Room, bool, error)
	// GetRoom returns ErrNotFound for unknown names.
	GetRoom(ctx context.Context, name domain.RoomName) (domain.Room, error)
	ListRooms(ctx context.Context) ([]domain.Room, error)
	// DeleteEmptyRooms removes every room without memberships and returns them.
	DeleteEmptyRooms(ctx context.Context) ([]domain.Room, error)

	// GetOrCreateMembership inserts (room, member) unless it exists. The
	// returned Seq is only meaningful when created is true.
	GetOrCreateMembership(ctx context.Context, room domain.Room, member domain.MemberAddr, user domain.UserID, now time.Time) (m domain.Membership, seq Seq, created bool, err error)
	// GetMembership returns ErrNotFound when the pair is absent.
	GetMembership(ctx context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, error)
	MembershipsForMember(ctx context.Context, member domain.MemberAddr) ([]domain.Membership, error)
	UpdateLastSeen(ctx context.Context, member domain.MemberAddr, ts time.Time) (int64, error)
	DeleteMembership(ctx context.Context, room domain.RoomName, member domain.MemberAddr) (m domain.Membership, seq Seq, deleted bool, err error)
	// DeleteStaleMemberships removes memberships with LastSeen strictly before cutoff.
	DeleteStaleMemberships(ctx context.Context, room domain.RoomName, cutoff time.Time) (int64, Seq, error)

	ListIdentities(ctx context.Context, room domain.RoomName) ([]domain.UserID, error)
	CountAnonymous(ctx context.Context, room domain.RoomName) (int64, error)
	CountMemberships(ctx context.Context, room domain.RoomName) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
