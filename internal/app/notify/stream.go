package notify

import (
	"context"
	"sync"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// Ticket tracks one in-flight mutation of a room from just before its store
// call until its event is delivered. Tickets let the notifier deliver a
// room's events in store commit order without holding a lock across the
// store or transport calls.
type Ticket struct {
	n    *Notifier
	s    *stream
	slot *slot
}

type slot struct {
	id       uint64
	resolved bool
	seq      core.Seq
	// barrier is the newest ticket issued when this one resolved; any
	// mutation that committed before us holds a ticket <= barrier.
	barrier uint64
	ev      *domain.ChangeEvent
	done    chan struct{}
}

type stream struct {
	mu         sync.Mutex
	lastTicket uint64
	slots      map[uint64]*slot
	draining   bool
}

func newStream() *stream {
	return &stream{slots: make(map[uint64]*slot)}
}

// Begin issues a ticket for a mutation of room that is about to hit the store.
func (n *Notifier) Begin(room domain.RoomName) *Ticket {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	s, ok := n.streams[room]
	if !ok {
		s = newStream()
		n.streams[room] = s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastTicket++
	sl := &slot{id: s.lastTicket, done: make(chan struct{})}
	s.slots[sl.id] = sl
	return &Ticket{n: n, s: s, slot: sl}
}

// Commit records the sequence the store assigned. Zero means the store did
// not change the room and the ticket is released.
func (t *Ticket) Commit(seq core.Seq) {
	if seq == 0 {
		t.Release()
		return
	}
	t.s.mu.Lock()
	t.slot.resolved = true
	t.slot.seq = seq
	t.slot.barrier = t.s.lastTicket
	t.s.mu.Unlock()
	t.n.drain(context.Background(), t.s)
}

// Publish hands over the event for a committed ticket and returns once it
// has been delivered to every listener.
func (t *Ticket) Publish(ctx context.Context, ev domain.ChangeEvent) {
	ev.Seq = uint64(t.slot.seq)
	t.s.mu.Lock()
	if _, ok := t.s.slots[t.slot.id]; !ok || !t.slot.resolved {
		t.s.mu.Unlock()
		t.n.deliver(ctx, ev)
		return
	}
	t.slot.ev = &ev
	t.s.mu.Unlock()

	t.n.drain(ctx, t.s)
	<-t.slot.done
}

// Release abandons the ticket. It is a no-op once the event was delivered,
// so callers defer it right after Begin.
func (t *Ticket) Release() {
	t.s.mu.Lock()
	if _, ok := t.s.slots[t.slot.id]; !ok {
		t.s.mu.Unlock()
		return
	}
	delete(t.s.slots, t.slot.id)
	t.s.mu.Unlock()
	close(t.slot.done)
	t.n.drain(context.Background(), t.s)
}

// head returns the committed slot with the lowest sequence if it can be
// delivered now. Caller holds s.mu.
func (s *stream) head() *slot {
	var h *slot
	for _, sl := range s.slots {
		if sl.resolved && (h == nil || sl.seq < h.seq) {
			h = sl
		}
	}
	if h == nil || h.ev == nil {
		return nil
	}
	for _, sl := range s.slots {
		if !sl.resolved && sl.id <= h.barrier {
			return nil
		}
	}
	return h
}

func (s *stream) idle() bool {
	return !s.draining && len(s.slots) == 0
}

// drain delivers every deliverable slot in sequence order. Only one
// goroutine drains a stream at a time; the others find their slot
// delivered by it.
func (n *Notifier) drain(ctx context.Context, s *stream) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		sl := s.head()
		if sl == nil {
			s.draining = false
			s.mu.Unlock()
			return
		}
		delete(s.slots, sl.id)
		s.mu.Unlock()

		n.deliver(ctx, *sl.ev)
		close(sl.done)

		s.mu.Lock()
	}
}
