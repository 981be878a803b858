package domain

import "time"

// ChangeEvent reports that a room's membership changed.
// Exactly one of Added, Removed or BulkChange is set.
type ChangeEvent struct {
	Room       RoomName    `json:"room"`
	RoomID     RoomID      `json:"room_id"`
	Seq        uint64      `json:"seq"`
	Added      *Membership `json:"added,omitempty"`
	Removed    *Membership `json:"removed,omitempty"`
	BulkChange bool        `json:"bulk_change,omitempty"`
	At         time.Time   `json:"at"`
}

// Kind names the variant for logs and metrics.
func (e ChangeEvent) Kind() string {
	switch {
	case e.Added != nil:
		return "added"
	case e.Removed != nil:
		return "removed"
	case e.BulkChange:
		return "bulk"
	default:
		return "unknown"
	}
}
