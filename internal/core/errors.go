package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/Presence/internal/domain"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrTransport = errors.New("group transport failure")
)

// TransportError is returned when a group add/discard failed after (or
// instead of) the store mutation. The store state is left as is so a
// supervisor can retry the transport call against it.
type TransportError struct {
	Op     string
	Group  domain.RoomName
	Member domain.MemberAddr
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s/%s: %v", e.Op, e.Group, e.Member, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports ErrTransport; Unwrap reaches only the cause, so an aggregated
// TransportError counts as one error.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }
