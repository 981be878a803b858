package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/dkeye/Presence/internal/domain"
)

var ErrListener = errors.New("listener failure")

// Listener reacts to membership changes. It runs on the goroutine that
// delivers the event and must not synchronously Join/Leave in the room it
// is being told about; hand such work to another goroutine.
type Listener interface {
	OnChange(ctx context.Context, ev domain.ChangeEvent) error
}

type ListenerFunc func(ctx context.Context, ev domain.ChangeEvent) error

func (f ListenerFunc) OnChange(ctx context.Context, ev domain.ChangeEvent) error { return f(ctx, ev) }

// ListenerError wraps a failed or panicking listener.
type ListenerError struct {
	Listener string
	Room     domain.RoomName
	Kind     string
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s on %s event in %s: %v", e.Listener, e.Kind, e.Room, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

func (e *ListenerError) Is(target error) bool { return target == ErrListener }
