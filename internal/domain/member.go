package domain

import "time"

type (
	// MemberAddr is the opaque address of a live connection, routable by the group transport.
	MemberAddr   string
	MembershipID string
)

// Membership is the fact that a member currently belongs to a room.
// An empty User means the member joined anonymously.
type Membership struct {
	ID       MembershipID `json:"id"`
	RoomID   RoomID       `json:"room_id"`
	Room     RoomName     `json:"room"`
	Member   MemberAddr   `json:"member"`
	User     UserID       `json:"user,omitempty"`
	LastSeen time.Time    `json:"last_seen"`
}

func (m Membership) Anonymous() bool { return m.User == "" }
