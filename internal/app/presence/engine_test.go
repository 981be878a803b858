package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/multierr"

	"github.com/dkeye/Presence/internal/app/notify"
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/core/mock_core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/store/memory"
)

type events struct {
	mu  sync.Mutex
	all []domain.ChangeEvent
}

func (r *events) OnChange(_ context.Context, ev domain.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, ev)
	return nil
}

func (r *events) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.all))
	for _, ev := range r.all {
		out = append(out, ev.Kind())
	}
	return out
}

func (r *events) last() domain.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[len(r.all)-1]
}

type harness struct {
	engine    *Engine
	store     *memory.Store
	transport *mock_core.MockGroupTransport
	events    *events
	clock     *clock.Mock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		store:     memory.New(),
		transport: mock_core.NewMockGroupTransport(ctrl),
		events:    &events{},
		clock:     clock.NewMock(),
	}
	h.clock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	n := notify.New()
	n.Subscribe("test", h.events)
	h.engine = New(h.store, h.transport, n, WithClock(h.clock))
	return h
}

func (h *harness) allowTransport() {
	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
	h.transport.EXPECT().GroupDiscard(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
}

func user(t *testing.T, name string) *domain.User {
	t.Helper()
	u, err := domain.NewUser(name)
	require.NoError(t, err)
	return u
}

func TestJoin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := user(t, "alice")

	h.transport.EXPECT().GroupAdd(gomock.Any(), domain.RoomName("lobby"), domain.MemberAddr("c1")).Return(nil).Times(1)

	room, err := h.engine.Join(ctx, "lobby", "c1", alice)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomName("lobby"), room.Name)
	assert.NotEmpty(t, room.ID)

	require.Equal(t, []string{"added"}, h.events.kinds())
	ev := h.events.last()
	assert.Equal(t, room.ID, ev.RoomID)
	assert.Equal(t, alice.ID, ev.Added.User)
	assert.Equal(t, h.clock.Now(), ev.Added.LastSeen)
	assert.NotZero(t, ev.Seq)

	users, err := h.engine.GetMembers(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{alice.ID}, users)
}

func TestJoinTwiceIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(1)

	first, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	// Same member under a different identity still maps to the first row.
	second, err := h.engine.Join(ctx, "lobby", "c1", user(t, "bob"))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"added"}, h.events.kinds())
	anon, err := h.engine.GetAnonymousCount(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, anon)
}

func TestConcurrentJoinsDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	alice := user(t, "alice")

	h.transport.EXPECT().GroupAdd(gomock.Any(), domain.RoomName("lobby"), domain.MemberAddr("c1")).Return(nil).Times(1)

	var wg sync.WaitGroup
	for range 32 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.Join(ctx, "lobby", "c1", alice)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := h.store.CountMemberships(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []string{"added"}, h.events.kinds())
}

func TestJoinTransportFailureKeepsRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	boom := errors.New("redis down")

	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(boom)

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrTransport)
	assert.ErrorIs(t, err, boom)
	var terr *core.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "group_add", terr.Op)

	n, err := h.store.CountMemberships(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.Equal(t, []string{"added"}, h.events.kinds())
}

func TestLeaveIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	h.transport.EXPECT().GroupDiscard(gomock.Any(), domain.RoomName("lobby"), domain.MemberAddr("c1")).Return(nil).Times(1)

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.Leave(ctx, "lobby", "c1"))
	require.NoError(t, h.engine.Leave(ctx, "lobby", "c1"))
	require.NoError(t, h.engine.Leave(ctx, "nowhere", "c1"))

	assert.Equal(t, []string{"added", "removed"}, h.events.kinds())
	assert.Equal(t, domain.MemberAddr("c1"), h.events.last().Removed.Member)
}

func TestLeaveDiscardFailureKeepsRow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	gomock.InOrder(
		h.transport.EXPECT().GroupDiscard(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("timeout")),
		h.transport.EXPECT().GroupDiscard(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil),
	)

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)

	err = h.engine.Leave(ctx, "lobby", "c1")
	assert.ErrorIs(t, err, core.ErrTransport)
	_, err = h.store.GetMembership(ctx, "lobby", "c1")
	require.NoError(t, err, "row must survive a failed discard")

	require.NoError(t, h.engine.Leave(ctx, "lobby", "c1"))
	_, err = h.store.GetMembership(ctx, "lobby", "c1")
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, []string{"added", "removed"}, h.events.kinds())
}

func TestLeaveAllContinuesPastFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).Times(3)
	h.transport.EXPECT().GroupDiscard(gomock.Any(), domain.RoomName("a"), gomock.Any()).Return(nil)
	h.transport.EXPECT().GroupDiscard(gomock.Any(), domain.RoomName("b"), gomock.Any()).Return(errors.New("nope"))
	h.transport.EXPECT().GroupDiscard(gomock.Any(), domain.RoomName("c"), gomock.Any()).Return(nil)

	for _, r := range []domain.RoomName{"a", "b", "c"} {
		_, err := h.engine.Join(ctx, r, "c1", nil)
		require.NoError(t, err)
	}
	err := h.engine.LeaveAll(ctx, "c1")
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 1)
	assert.ErrorIs(t, err, core.ErrTransport)

	left, err := h.store.MembershipsForMember(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, domain.RoomName("b"), left[0].Room)
}

func TestLeaveAllWithoutMemberships(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.LeaveAll(context.Background(), "ghost"))
	assert.Empty(t, h.events.kinds())
}

func TestTouch(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	n, err := h.engine.Touch(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = h.engine.Join(ctx, "a", "c1", nil)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "b", "c1", nil)
	require.NoError(t, err)

	h.clock.Add(30 * time.Second)
	n, err = h.engine.Touch(ctx, "c1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	m, err := h.store.GetMembership(ctx, "a", "c1")
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), m.LastSeen)
	assert.Equal(t, []string{"added", "added"}, h.events.kinds(), "touch never emits")
}

func TestPruneStale(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	_, err := h.engine.Join(ctx, "lobby", "old", nil)
	require.NoError(t, err)
	h.clock.Add(2 * time.Second)
	_, err = h.engine.Join(ctx, "lobby", "fresh", nil)
	require.NoError(t, err)

	// old is 61s behind, fresh 59s.
	h.clock.Add(59 * time.Second)
	n, err := h.engine.PruneStale(ctx, "lobby", 0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	ev := h.events.last()
	assert.True(t, ev.BulkChange)
	assert.Nil(t, ev.Added)
	assert.Nil(t, ev.Removed)

	_, err = h.store.GetMembership(ctx, "lobby", "fresh")
	require.NoError(t, err)

	// Nothing stale: no event.
	before := len(h.events.kinds())
	n, err = h.engine.PruneStale(ctx, "lobby", time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, h.events.kinds(), before)
}

func TestPruneStaleCutoffIsStrict(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	h.clock.Add(DefaultMaxAge)

	n, err := h.engine.PruneStale(ctx, "lobby", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneStaleUnknownRoom(t *testing.T) {
	h := newHarness(t)
	n, err := h.engine.PruneStale(context.Background(), "nowhere", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTouchKeepsMemberAlive(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	h.clock.Add(50 * time.Second)
	_, err = h.engine.Touch(ctx, "c1")
	require.NoError(t, err)
	h.clock.Add(50 * time.Second)

	n, err := h.engine.PruneStale(ctx, "lobby", 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPruneAllStale(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	for _, r := range []domain.RoomName{"a", "b", "c"} {
		_, err := h.engine.Join(ctx, r, "c1", nil)
		require.NoError(t, err)
	}
	h.clock.Add(10 * time.Second)
	_, err := h.engine.Join(ctx, "c", "c2", nil)
	require.NoError(t, err)

	h.clock.Add(55 * time.Second)
	n, err := h.engine.PruneAllStale(ctx, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	total, err := h.store.CountMemberships(ctx, "c")
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestPruneEmptyRooms(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	_, err := h.engine.Join(ctx, "busy", "c1", nil)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "idle", "c2", nil)
	require.NoError(t, err)
	require.NoError(t, h.engine.Leave(ctx, "idle", "c2"))

	n, err := h.engine.PruneEmptyRooms(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rooms, err := h.engine.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, domain.RoomInfo{Name: "busy", Members: 1, Anonymous: 1}, rooms[0])

	// A pruned room comes back on the next join.
	room, err := h.engine.Join(ctx, "idle", "c2", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomName("idle"), room.Name)
}

func TestAnonymousCount(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()
	alice := user(t, "alice")

	_, err := h.engine.Join(ctx, "lobby", "c1", alice)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "lobby", "c2", alice)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "lobby", "c3", nil)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "lobby", "c4", &domain.User{Username: "nobody"})
	require.NoError(t, err)

	anon, err := h.engine.GetAnonymousCount(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 2, anon)

	users, err := h.engine.GetMembers(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{alice.ID}, users)
}

func TestLobbyEndToEnd(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()
	alice, bob := user(t, "alice"), user(t, "bob")

	_, err := h.engine.Join(ctx, "lobby", "ws.a", alice)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "lobby", "ws.b", bob)
	require.NoError(t, err)
	_, err = h.engine.Join(ctx, "lobby", "ws.anon", nil)
	require.NoError(t, err)

	info, err := h.engine.RoomInfo(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 3, info.Members)
	assert.EqualValues(t, 1, info.Anonymous)

	require.NoError(t, h.engine.LeaveAll(ctx, "ws.a"))
	users, err := h.engine.GetMembers(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{bob.ID}, users)

	assert.Equal(t, []string{"added", "added", "added", "removed"}, h.events.kinds())
	var seqs []uint64
	for _, ev := range h.events.all {
		seqs = append(seqs, ev.Seq)
	}
	assert.IsIncreasing(t, seqs)
}

func TestJoinAsync(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	res := <-h.engine.JoinAsync(ctx, "lobby", "c1", user(t, "alice"))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.RoomName("lobby"), res.Room.Name)
	assert.NotEmpty(t, res.Room.ID)

	h.engine.Wait()
	require.NoError(t, h.engine.LeaveAll(ctx, "c1"))
	assert.Equal(t, []string{"added", "removed"}, h.events.kinds())
}

func TestJoinAsyncReportsTransportFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("redis down"))

	res := <-h.engine.JoinAsync(context.Background(), "lobby", "c1", nil)
	assert.ErrorIs(t, res.Err, core.ErrTransport)
	assert.Equal(t, domain.RoomName("lobby"), res.Room.Name)
	h.engine.Wait()
}

func TestJoinSurvivesCallerCancel(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	n, err := h.store.CountMemberships(context.Background(), "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestHooks(t *testing.T) {
	h := newHarness(t)
	h.allowTransport()
	ctx := context.Background()

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)
	h.clock.Add(45 * time.Second)

	called := false
	onFrame := h.engine.Touching("c1", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, onFrame(ctx))
	assert.True(t, called)
	m, err := h.store.GetMembership(ctx, "lobby", "c1")
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now(), m.LastSeen)

	closed := errors.New("closed")
	var seen []domain.Membership
	onDisconnect := h.engine.Leaving("c1", func(ctx context.Context) error {
		var err error
		seen, err = h.store.MembershipsForMember(ctx, "c1")
		require.NoError(t, err)
		return closed
	})
	assert.ErrorIs(t, onDisconnect(ctx), closed)
	assert.Empty(t, seen, "rooms are left before the handler runs")
	assert.Equal(t, []string{"added", "removed"}, h.events.kinds())
}

func TestLeavingRunsHandlerAfterFailedLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.transport.EXPECT().GroupAdd(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
	h.transport.EXPECT().GroupDiscard(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("nope"))

	_, err := h.engine.Join(ctx, "lobby", "c1", nil)
	require.NoError(t, err)

	called := false
	onDisconnect := h.engine.Leaving("c1", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, onDisconnect(ctx), core.ErrTransport)
	assert.True(t, called)
}
