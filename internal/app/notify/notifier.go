// Package notify fans membership change events out to in-process listeners.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Presence/internal/domain"
)

const defaultErrorBuffer = 64

type subscriber struct {
	id   uint64
	name string
	l    Listener
}

// Notifier delivers every published event to the listeners registered at
// delivery time, synchronously, before Publish returns. Events published
// through a Ticket are delivered in store commit order per room; rooms are
// independent of each other.
type Notifier struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64

	streamsMu sync.Mutex
	streams   map[domain.RoomName]*stream

	errs chan error
}

type Option func(*Notifier)

func WithErrorBuffer(size int) Option {
	return func(n *Notifier) { n.errs = make(chan error, size) }
}

func New(opts ...Option) *Notifier {
	n := &Notifier{
		streams: make(map[domain.RoomName]*stream),
		errs:    make(chan error, defaultErrorBuffer),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers l for events published from now on. The returned
// func unregisters it and is safe to call more than once.
func (n *Notifier) Subscribe(name string, l Listener) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	subs := make([]subscriber, len(n.subs), len(n.subs)+1)
	copy(subs, n.subs)
	n.subs = append(subs, subscriber{id: id, name: name, l: l})
	n.mu.Unlock()
	log.Debug().Str("module", "notify").Str("listener", name).Msg("subscribed")

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			subs := make([]subscriber, 0, len(n.subs))
			for _, s := range n.subs {
				if s.id != id {
					subs = append(subs, s)
				}
			}
			n.subs = subs
			log.Debug().Str("module", "notify").Str("listener", name).Msg("unsubscribed")
		})
	}
}

// Errors reports listener failures. Reports are dropped when nobody drains
// the channel fast enough.
func (n *Notifier) Errors() <-chan error { return n.errs }

// Forget drops the ordering state of deleted rooms that have nothing in flight.
func (n *Notifier) Forget(rooms ...domain.RoomName) {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	for _, name := range rooms {
		s, ok := n.streams[name]
		if !ok {
			continue
		}
		s.mu.Lock()
		if s.idle() {
			delete(n.streams, name)
		}
		s.mu.Unlock()
	}
}

func (n *Notifier) deliver(ctx context.Context, ev domain.ChangeEvent) {
	n.mu.RLock()
	subs := n.subs
	n.mu.RUnlock()

	for _, s := range subs {
		if err := n.call(ctx, s, ev); err != nil {
			n.report(&ListenerError{Listener: s.name, Room: ev.Room, Kind: ev.Kind(), Err: err})
		}
	}
}

func (n *Notifier) call(ctx context.Context, s subscriber, ev domain.ChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.l.OnChange(ctx, ev)
}

func (n *Notifier) report(err error) {
	log.Error().Err(err).Str("module", "notify").Msg("listener failed")
	select {
	case n.errs <- err:
	default:
		log.Warn().Str("module", "notify").Msg("listener error channel full, dropping report")
	}
}
