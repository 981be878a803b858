// Package presence owns room membership: join, leave, liveness and pruning.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/dkeye/Presence/internal/app/notify"
	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
	"github.com/dkeye/Presence/internal/metrics"
)

// DefaultMaxAge is how long an untouched membership survives a stale sweep.
const DefaultMaxAge = 60 * time.Second

// A membership insert can lose a race against the empty-room sweep that
// deleted the room it resolved; re-resolving the room converges quickly.
const maxRoomRetries = 3

// Engine is safe for concurrent use. It holds no locks across store or
// transport calls: join dedup rests on the store's uniqueness constraints,
// and per-room event order on notifier tickets.
type Engine struct {
	store     core.Store
	transport core.GroupTransport
	notifier  *notify.Notifier
	clock     clock.Clock
	maxAge    time.Duration
	workers   int

	inflight conc.WaitGroup
}

type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithMaxAge sets the age used when PruneStale is called without one.
func WithMaxAge(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.maxAge = d
		}
	}
}

// WithSweepWorkers bounds how many rooms PruneAllStale sweeps in parallel.
func WithSweepWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

func New(store core.Store, transport core.GroupTransport, notifier *notify.Notifier, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		transport: transport,
		notifier:  notifier,
		clock:     clock.New(),
		maxAge:    DefaultMaxAge,
		workers:   4,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) MaxAge() time.Duration { return e.maxAge }

// Join adds member to roomName, creating the room on first use. A repeated
// join of the same member is a no-op.
//
// The group add runs after the store commit. When it fails the membership
// is recorded, so listeners are still told about it; Join then returns a
// *core.TransportError with the room. Only a failed store write keeps the
// join silent.
func (e *Engine) Join(ctx context.Context, roomName domain.RoomName, member domain.MemberAddr, user *domain.User) (domain.Room, error) {
	// Once started, a join runs to completion even if the caller goes away;
	// a later LeaveAll reconciles abandoned connections.
	ctx = context.WithoutCancel(ctx)
	defer e.observe("join", e.clock.Now())

	var uid domain.UserID
	if user.Authenticated() {
		uid = user.ID
	}

	for attempt := 1; ; attempt++ {
		room, err := e.join(ctx, roomName, member, uid)
		if errors.Is(err, errRoomVanished) && attempt < maxRoomRetries {
			log.Debug().Str("module", "app.presence").Str("room", string(roomName)).Int("attempt", attempt).Msg("room pruned during join, retrying")
			continue
		}
		e.outcome("join", err)
		return room, err
	}
}

var errRoomVanished = errors.New("room deleted during join")

func (e *Engine) join(ctx context.Context, roomName domain.RoomName, member domain.MemberAddr, uid domain.UserID) (domain.Room, error) {
	room, roomCreated, err := e.store.GetOrCreateRoom(ctx, roomName)
	if err != nil {
		return domain.Room{}, fmt.Errorf("resolve room %q: %w", roomName, err)
	}
	if roomCreated {
		log.Info().Str("module", "app.presence").Str("room", string(roomName)).Msg("room created")
	}

	tk := e.notifier.Begin(roomName)
	defer tk.Release()

	m, seq, created, err := e.store.GetOrCreateMembership(ctx, room, member, uid, e.clock.Now())
	if errors.Is(err, core.ErrNotFound) {
		return room, errRoomVanished
	}
	if err != nil {
		return room, fmt.Errorf("join %s/%s: %w", roomName, member, err)
	}
	if !created {
		if m.User != uid {
			log.Warn().Str("module", "app.presence").Str("room", string(roomName)).Str("member", string(member)).
				Str("user", string(m.User)).Str("requested", string(uid)).Msg("member already joined under another identity")
		}
		return room, nil
	}
	tk.Commit(seq)

	var terr error
	if err := e.transport.GroupAdd(ctx, roomName, member); err != nil {
		metrics.TransportFailures.WithLabelValues("group_add").Inc()
		terr = &core.TransportError{Op: "group_add", Group: roomName, Member: member, Err: err}
		log.Error().Err(err).Str("module", "app.presence").Str("room", string(roomName)).Str("member", string(member)).Msg("group add failed")
	}

	tk.Publish(ctx, domain.ChangeEvent{Room: roomName, RoomID: room.ID, Added: &m, At: e.clock.Now()})
	log.Info().Str("module", "app.presence").Str("room", string(roomName)).Str("member", string(member)).Str("user", string(uid)).Msg("member joined")
	return room, terr
}

// JoinResult is what JoinAsync delivers.
type JoinResult struct {
	Room domain.Room
	Err  error
}

// JoinAsync runs Join in the background for callers that must not block,
// such as a connection that starts reading frames before its first join
// lands. The channel receives exactly one value.
func (e *Engine) JoinAsync(ctx context.Context, roomName domain.RoomName, member domain.MemberAddr, user *domain.User) <-chan JoinResult {
	out := make(chan JoinResult, 1)
	e.inflight.Go(func() {
		room, err := e.Join(ctx, roomName, member, user)
		out <- JoinResult{Room: room, Err: err}
	})
	return out
}

// Wait blocks until every join started by JoinAsync has finished.
func (e *Engine) Wait() { e.inflight.Wait() }

// Touch marks every membership of member as seen now. Unknown members
// affect zero rows. No event is emitted.
func (e *Engine) Touch(ctx context.Context, member domain.MemberAddr) (int64, error) {
	defer e.observe("touch", e.clock.Now())
	n, err := e.store.UpdateLastSeen(ctx, member, e.clock.Now())
	if err != nil {
		err = fmt.Errorf("touch %s: %w", member, err)
	}
	e.outcome("touch", err)
	return n, err
}

// Leave removes member from roomName. Leaving a room one is not in is a no-op.
func (e *Engine) Leave(ctx context.Context, roomName domain.RoomName, member domain.MemberAddr) error {
	ctx = context.WithoutCancel(ctx)
	defer e.observe("leave", e.clock.Now())

	m, err := e.store.GetMembership(ctx, roomName, member)
	if errors.Is(err, core.ErrNotFound) {
		metrics.Operations.WithLabelValues("leave", "noop").Inc()
		return nil
	}
	if err != nil {
		err = fmt.Errorf("leave %s/%s: %w", roomName, member, err)
		e.outcome("leave", err)
		return err
	}
	err = e.remove(ctx, m)
	e.outcome("leave", err)
	return err
}

// LeaveAll removes member from every room it is in; it is what a
// disconnect runs. Failures in one room do not stop the others.
func (e *Engine) LeaveAll(ctx context.Context, member domain.MemberAddr) error {
	ctx = context.WithoutCancel(ctx)
	defer e.observe("leave_all", e.clock.Now())

	ms, err := e.store.MembershipsForMember(ctx, member)
	if err != nil {
		err = fmt.Errorf("leave all %s: %w", member, err)
		e.outcome("leave_all", err)
		return err
	}
	var errs error
	for _, m := range ms {
		errs = multierr.Append(errs, e.remove(ctx, m))
	}
	err = errs
	e.outcome("leave_all", err)
	return err
}

// remove discards the group subscription first; if that fails the row is
// kept so that retrying the leave retries the discard.
func (e *Engine) remove(ctx context.Context, m domain.Membership) error {
	if err := e.transport.GroupDiscard(ctx, m.Room, m.Member); err != nil {
		metrics.TransportFailures.WithLabelValues("group_discard").Inc()
		log.Error().Err(err).Str("module", "app.presence").Str("room", string(m.Room)).Str("member", string(m.Member)).Msg("group discard failed")
		return &core.TransportError{Op: "group_discard", Group: m.Room, Member: m.Member, Err: err}
	}

	tk := e.notifier.Begin(m.Room)
	defer tk.Release()

	removed, seq, deleted, err := e.store.DeleteMembership(ctx, m.Room, m.Member)
	if err != nil {
		return fmt.Errorf("leave %s/%s: %w", m.Room, m.Member, err)
	}
	if !deleted {
		// A concurrent leave or sweep got there first and emitted the event.
		return nil
	}
	tk.Commit(seq)
	tk.Publish(ctx, domain.ChangeEvent{Room: removed.Room, RoomID: removed.RoomID, Removed: &removed, At: e.clock.Now()})
	log.Info().Str("module", "app.presence").Str("room", string(removed.Room)).Str("member", string(removed.Member)).Msg("member left")
	return nil
}

// PruneStale deletes memberships of roomName not touched within maxAge
// (the engine default when maxAge <= 0) and emits one bulk event if any
// were removed. Removed members are not itemised.
func (e *Engine) PruneStale(ctx context.Context, roomName domain.RoomName, maxAge time.Duration) (int64, error) {
	defer e.observe("prune_stale", e.clock.Now())
	if maxAge <= 0 {
		maxAge = e.maxAge
	}

	room, err := e.store.GetRoom(ctx, roomName)
	if errors.Is(err, core.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("prune %s: %w", roomName, err)
	}

	tk := e.notifier.Begin(roomName)
	defer tk.Release()

	now := e.clock.Now()
	n, seq, err := e.store.DeleteStaleMemberships(ctx, roomName, now.Add(-maxAge))
	if err != nil {
		err = fmt.Errorf("prune %s: %w", roomName, err)
		e.outcome("prune_stale", err)
		return 0, err
	}
	if n == 0 {
		metrics.Operations.WithLabelValues("prune_stale", "noop").Inc()
		return 0, nil
	}
	tk.Commit(seq)
	tk.Publish(ctx, domain.ChangeEvent{Room: roomName, RoomID: room.ID, BulkChange: true, At: now})

	metrics.Pruned.WithLabelValues("memberships").Add(float64(n))
	e.outcome("prune_stale", nil)
	log.Info().Str("module", "app.presence").Str("room", string(roomName)).Int64("removed", n).Dur("max_age", maxAge).Msg("pruned stale members")
	return n, nil
}

// PruneAllStale runs PruneStale over every room and returns the total
// removed. A failing room does not stop the sweep of the others.
func (e *Engine) PruneAllStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	rooms, err := e.store.ListRooms(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune: list rooms: %w", err)
	}
	p := pool.NewWithResults[int64]().WithContext(ctx).WithMaxGoroutines(e.workers)
	for _, r := range rooms {
		p.Go(func(ctx context.Context) (int64, error) {
			return e.PruneStale(ctx, r.Name, maxAge)
		})
	}
	counts, err := p.Wait()
	var total int64
	for _, n := range counts {
		total += n
	}
	return total, err
}

// PruneEmptyRooms deletes every room without memberships. Rooms that still
// have members are skipped, so it is safe next to live joins: a room
// deleted here and re-created by a join is indistinguishable from one that
// was never deleted.
func (e *Engine) PruneEmptyRooms(ctx context.Context) (int64, error) {
	defer e.observe("prune_rooms", e.clock.Now())
	rooms, err := e.store.DeleteEmptyRooms(ctx)
	if err != nil {
		err = fmt.Errorf("prune rooms: %w", err)
		e.outcome("prune_rooms", err)
		return 0, err
	}
	names := make([]domain.RoomName, 0, len(rooms))
	for _, r := range rooms {
		names = append(names, r.Name)
	}
	e.notifier.Forget(names...)

	metrics.Pruned.WithLabelValues("rooms").Add(float64(len(rooms)))
	e.outcome("prune_rooms", nil)
	if len(rooms) > 0 {
		log.Info().Str("module", "app.presence").Int("removed", len(rooms)).Msg("pruned empty rooms")
	}
	return int64(len(rooms)), nil
}

// GetMembers returns the distinct identities present in roomName.
// Anonymous members are not included.
func (e *Engine) GetMembers(ctx context.Context, roomName domain.RoomName) ([]domain.UserID, error) {
	return e.store.ListIdentities(ctx, roomName)
}

// GetAnonymousCount counts memberships of roomName without an identity.
func (e *Engine) GetAnonymousCount(ctx context.Context, roomName domain.RoomName) (int64, error) {
	return e.store.CountAnonymous(ctx, roomName)
}

// RoomsOf lists the rooms member is currently in.
func (e *Engine) RoomsOf(ctx context.Context, member domain.MemberAddr) ([]domain.RoomName, error) {
	ms, err := e.store.MembershipsForMember(ctx, member)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomName, 0, len(ms))
	for _, m := range ms {
		out = append(out, m.Room)
	}
	return out, nil
}

// Rooms lists every room with its member counts.
func (e *Engine) Rooms(ctx context.Context) ([]domain.RoomInfo, error) {
	rooms, err := e.store.ListRooms(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.RoomInfo, 0, len(rooms))
	for _, r := range rooms {
		info, err := e.RoomInfo(ctx, r.Name)
		if err != nil {
			return nil, err
		}
		out = append(out, info)
	}
	return out, nil
}

func (e *Engine) RoomInfo(ctx context.Context, roomName domain.RoomName) (domain.RoomInfo, error) {
	total, err := e.store.CountMemberships(ctx, roomName)
	if err != nil {
		return domain.RoomInfo{}, err
	}
	anon, err := e.store.CountAnonymous(ctx, roomName)
	if err != nil {
		return domain.RoomInfo{}, err
	}
	return domain.RoomInfo{Name: roomName, Members: total, Anonymous: anon}, nil
}

func (e *Engine) observe(op string, start time.Time) {
	metrics.OperationDuration.WithLabelValues(op).Observe(e.clock.Since(start).Seconds())
}

func (e *Engine) outcome(op string, err error) {
	if err != nil {
		metrics.Operations.WithLabelValues(op, "error").Inc()
		return
	}
	metrics.Operations.WithLabelValues(op, "ok").Inc()
}
