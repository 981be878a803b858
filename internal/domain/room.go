package domain

import (
	"errors"
	"time"
)

const MaxRoomNameLen = 100

var ErrInvalidRoomName = errors.New("invalid room name")

type (
	RoomName string
	RoomID   string
)

// Room is a named group whose membership is tracked.
// Name doubles as the group address on the fan-out transport.
type Room struct {
	ID        RoomID    `json:"id"`
	Name      RoomName  `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomInfo is a read-only listing view.
type RoomInfo struct {
	Name      RoomName `json:"name"`
	Members   int64    `json:"members"`
	Anonymous int64    `json:"anonymous"`
}

// ParseRoomName validates a client supplied room name: 1 to 100 ASCII
// letters, digits, '-', '_' or '.', so it is a valid group address on
// every transport.
func ParseRoomName(s string) (RoomName, error) {
	if len(s) == 0 || len(s) > MaxRoomNameLen {
		return "", ErrInvalidRoomName
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return "", ErrInvalidRoomName
		}
	}
	return RoomName(s), nil
}
