package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.ChangeEvent
}

func (r *recorder) OnChange(_ context.Context, ev domain.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) seqs() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Seq)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func added(room domain.RoomName, member domain.MemberAddr) domain.ChangeEvent {
	return domain.ChangeEvent{Room: room, Added: &domain.Membership{Room: room, Member: member}}
}

// publish delivers ev through a ticket that never commits, which bypasses
// ordering.
func publish(n *Notifier, ev domain.ChangeEvent) {
	tk := n.Begin(ev.Room)
	defer tk.Release()
	tk.Publish(context.Background(), ev)
}

func TestSubscribeNoReplay(t *testing.T) {
	n := New()

	early := &recorder{}
	n.Subscribe("early", early)
	publish(n, added("lobby", "c1"))

	late := &recorder{}
	unsubscribe := n.Subscribe("late", late)
	publish(n, added("lobby", "c2"))

	unsubscribe()
	unsubscribe()
	publish(n, added("lobby", "c3"))

	assert.Equal(t, 3, early.len())
	assert.Equal(t, 1, late.len())
}

func TestListenerFailureIsReported(t *testing.T) {
	n := New(WithErrorBuffer(4))
	ok := &recorder{}

	n.Subscribe("broken", ListenerFunc(func(context.Context, domain.ChangeEvent) error {
		return errors.New("boom")
	}))
	n.Subscribe("panicky", ListenerFunc(func(context.Context, domain.ChangeEvent) error {
		panic("kaboom")
	}))
	n.Subscribe("ok", ok)

	publish(n, added("lobby", "c1"))

	assert.Equal(t, 1, ok.len())
	for _, name := range []string{"broken", "panicky"} {
		select {
		case err := <-n.Errors():
			assert.ErrorIs(t, err, ErrListener)
			var le *ListenerError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, name, le.Listener)
			assert.Equal(t, "added", le.Kind)
		case <-time.After(time.Second):
			t.Fatalf("no error reported for %s", name)
		}
	}
}

func TestErrorChannelFullDoesNotBlock(t *testing.T) {
	n := New(WithErrorBuffer(1))
	n.Subscribe("broken", ListenerFunc(func(context.Context, domain.ChangeEvent) error {
		return errors.New("boom")
	}))
	for i := 0; i < 5; i++ {
		publish(n, added("lobby", "c1"))
	}
	assert.Len(t, n.Errors(), 1)
}

func TestTicketsDeliverInCommitOrder(t *testing.T) {
	n := New()
	rec := &recorder{}
	n.Subscribe("rec", rec)
	ctx := context.Background()

	first := n.Begin("lobby")
	second := n.Begin("lobby")

	// second commits ahead of first's store call returning
	second.Commit(2)
	published := make(chan struct{})
	go func() {
		defer close(published)
		second.Publish(ctx, added("lobby", "c2"))
	}()

	select {
	case <-published:
		t.Fatal("second delivered before first committed")
	case <-time.After(50 * time.Millisecond):
	}

	first.Commit(1)
	assert.Equal(t, 0, rec.len(), "first has committed but not published yet")

	first.Publish(ctx, added("lobby", "c1"))
	<-published
	assert.Equal(t, []uint64{1, 2}, rec.seqs())

	first.Release()
	second.Release()
}

func TestReleaseUnblocksLaterTickets(t *testing.T) {
	n := New()
	rec := &recorder{}
	n.Subscribe("rec", rec)

	abandoned := n.Begin("lobby")
	later := n.Begin("lobby")
	later.Commit(7)

	done := make(chan struct{})
	go func() {
		defer close(done)
		later.Publish(context.Background(), added("lobby", "c1"))
	}()

	abandoned.Release()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("release did not unblock the later ticket")
	}
	assert.Equal(t, []uint64{7}, rec.seqs())
}

func TestZeroCommitReleases(t *testing.T) {
	n := New()
	rec := &recorder{}
	n.Subscribe("rec", rec)

	noop := n.Begin("lobby")
	other := n.Begin("lobby")
	noop.Commit(0)
	other.Commit(3)
	other.Publish(context.Background(), added("lobby", "c1"))

	assert.Equal(t, []uint64{3}, rec.seqs())
}

func TestRoomsAreIndependent(t *testing.T) {
	n := New()
	rec := &recorder{}
	n.Subscribe("rec", rec)

	stuck := n.Begin("lobby")
	defer stuck.Release()

	other := n.Begin("attic")
	other.Commit(1)
	other.Publish(context.Background(), added("attic", "c1"))
	assert.Equal(t, 1, rec.len())
}

func TestConcurrentTicketsStayOrdered(t *testing.T) {
	n := New()
	rec := &recorder{}
	n.Subscribe("rec", rec)

	var (
		commitMu sync.Mutex
		seq      core.Seq
		wg       sync.WaitGroup
	)
	const workers = 64
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			tk := n.Begin("lobby")
			defer tk.Release()

			commitMu.Lock()
			seq++
			mine := seq
			commitMu.Unlock()

			tk.Commit(mine)
			tk.Publish(context.Background(), added("lobby", "c"))
		}()
	}
	wg.Wait()

	got := rec.seqs()
	require.Len(t, got, workers)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
}

func TestForget(t *testing.T) {
	n := New()
	tk := n.Begin("lobby")
	n.Forget("lobby")
	assert.Contains(t, n.streams, domain.RoomName("lobby"), "busy stream kept")

	tk.Release()
	n.Forget("lobby", "never-seen")
	assert.NotContains(t, n.streams, domain.RoomName("lobby"))
}

func TestListenerErrorAggregatesAsOne(t *testing.T) {
	cause := errors.New("boom")
	var errs error
	errs = multierr.Append(errs, &ListenerError{Listener: "nats", Room: "lobby", Kind: "added", Err: cause})

	assert.Len(t, multierr.Errors(errs), 1)
	assert.ErrorIs(t, errs, ErrListener)
	assert.ErrorIs(t, errs, cause)
}
