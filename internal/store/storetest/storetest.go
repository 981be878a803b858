// Package storetest holds the behaviour every core.Store driver must share.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

// base is whole-second UTC so every driver round-trips it exactly.
var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the suite; newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) core.Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s core.Store)
	}{
		{"RoomGetOrCreate", testRoomGetOrCreate},
		{"RoomGetOrCreateConcurrent", testRoomGetOrCreateConcurrent},
		{"MembershipGetOrCreate", testMembershipGetOrCreate},
		{"MembershipConcurrent", testMembershipConcurrent},
		{"MembershipOnDeletedRoom", testMembershipOnDeletedRoom},
		{"UpdateLastSeen", testUpdateLastSeen},
		{"DeleteMembership", testDeleteMembership},
		{"DeleteStale", testDeleteStale},
		{"DeleteEmptyRooms", testDeleteEmptyRooms},
		{"Identities", testIdentities},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func mustRoom(t *testing.T, s core.Store, name domain.RoomName) domain.Room {
	t.Helper()
	room, _, err := s.GetOrCreateRoom(context.Background(), name)
	require.NoError(t, err)
	return room
}

func mustJoin(t *testing.T, s core.Store, room domain.Room, member domain.MemberAddr, user domain.UserID, at time.Time) domain.Membership {
	t.Helper()
	m, _, created, err := s.GetOrCreateMembership(context.Background(), room, member, user, at)
	require.NoError(t, err)
	require.True(t, created)
	return m
}

func testRoomGetOrCreate(t *testing.T, s core.Store) {
	ctx := context.Background()

	_, err := s.GetRoom(ctx, "lobby")
	require.ErrorIs(t, err, core.ErrNotFound)

	first, created, err := s.GetOrCreateRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.RoomName("lobby"), first.Name)
	assert.NotEmpty(t, first.ID)

	again, created, err := s.GetOrCreateRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	got, err := s.GetRoom(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	mustRoom(t, s, "attic")
	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, domain.RoomName("attic"), rooms[0].Name)
}

func testRoomGetOrCreateConcurrent(t *testing.T, s core.Store) {
	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		ids     = make(map[domain.RoomID]struct{})
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			room, ok, err := s.GetOrCreateRoom(context.Background(), "race")
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if ok {
				created++
			}
			ids[room.ID] = struct{}{}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, ids, 1)
}

func testMembershipGetOrCreate(t *testing.T, s core.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "lobby")

	m, seq1, created, err := s.GetOrCreateMembership(ctx, room, "c1", "alice", base)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, room.ID, m.RoomID)
	assert.Equal(t, domain.RoomName("lobby"), m.Room)
	assert.Equal(t, domain.UserID("alice"), m.User)
	assert.True(t, base.Equal(m.LastSeen))

	dup, _, created, err := s.GetOrCreateMembership(ctx, room, "c1", "alice", base.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, m.ID, dup.ID)

	// (room, member) is unique regardless of identity.
	other, _, created, err := s.GetOrCreateMembership(ctx, room, "c1", "", base)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, domain.UserID("alice"), other.User)

	_, seq2, created, err := s.GetOrCreateMembership(ctx, room, "c2", "", base)
	require.NoError(t, err)
	require.True(t, created)
	assert.Greater(t, seq2, seq1)

	got, err := s.GetMembership(ctx, "lobby", "c2")
	require.NoError(t, err)
	assert.True(t, got.Anonymous())

	_, err = s.GetMembership(ctx, "lobby", "nobody")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetMembership(ctx, "nowhere", "c1")
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testMembershipConcurrent(t *testing.T, s core.Store) {
	room := mustRoom(t, s, "lobby")
	const workers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			_, _, ok, err := s.GetOrCreateMembership(context.Background(), room, "c1", "alice", base)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	n, err := s.CountMemberships(context.Background(), "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func testMembershipOnDeletedRoom(t *testing.T, s core.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "ghost")
	deleted, err := s.DeleteEmptyRooms(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)

	_, _, _, err = s.GetOrCreateMembership(ctx, room, "c1", "", base)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testUpdateLastSeen(t *testing.T, s core.Store) {
	ctx := context.Background()
	lobby := mustRoom(t, s, "lobby")
	attic := mustRoom(t, s, "attic")
	mustJoin(t, s, lobby, "c1", "", base)
	mustJoin(t, s, attic, "c1", "", base)
	mustJoin(t, s, lobby, "c2", "", base)

	later := base.Add(30 * time.Second)
	n, err := s.UpdateLastSeen(ctx, "c1", later)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	ms, err := s.MembershipsForMember(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, ms, 2)
	for _, m := range ms {
		assert.True(t, later.Equal(m.LastSeen), "room %s", m.Room)
	}

	c2, err := s.GetMembership(ctx, "lobby", "c2")
	require.NoError(t, err)
	assert.True(t, base.Equal(c2.LastSeen))

	n, err = s.UpdateLastSeen(ctx, "unknown", later)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDeleteMembership(t *testing.T, s core.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "lobby")
	joined := mustJoin(t, s, room, "c1", "alice", base)

	m, seq, deleted, err := s.DeleteMembership(ctx, "lobby", "c1")
	require.NoError(t, err)
	require.True(t, deleted)
	assert.Equal(t, joined.ID, m.ID)
	assert.NotZero(t, seq)

	_, _, deleted, err = s.DeleteMembership(ctx, "lobby", "c1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, _, deleted, err = s.DeleteMembership(ctx, "nowhere", "c1")
	require.NoError(t, err)
	assert.False(t, deleted)

	ms, err := s.MembershipsForMember(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, ms)
}

func testDeleteStale(t *testing.T, s core.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "lobby")
	mustJoin(t, s, room, "old", "", base.Add(-61*time.Second))
	mustJoin(t, s, room, "edge", "", base.Add(-60*time.Second))
	mustJoin(t, s, room, "fresh", "", base.Add(-59*time.Second))

	n, seq, err := s.DeleteStaleMemberships(ctx, "lobby", base.Add(-60*time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	assert.NotZero(t, seq)

	n, _, err = s.DeleteStaleMemberships(ctx, "lobby", base.Add(-60*time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	count, err := s.CountMemberships(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	n, _, err = s.DeleteStaleMemberships(ctx, "nowhere", base)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testDeleteEmptyRooms(t *testing.T, s core.Store) {
	ctx := context.Background()
	mustRoom(t, s, "empty")
	busy := mustRoom(t, s, "busy")
	mustJoin(t, s, busy, "c1", "", base)

	deleted, err := s.DeleteEmptyRooms(ctx)
	require.NoError(t, err)
	require.Len(t, deleted, 1)
	assert.Equal(t, domain.RoomName("empty"), deleted[0].Name)

	_, err = s.GetRoom(ctx, "empty")
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.GetRoom(ctx, "busy")
	assert.NoError(t, err)

	deleted, err = s.DeleteEmptyRooms(ctx)
	require.NoError(t, err)
	assert.Empty(t, deleted)
}

func testIdentities(t *testing.T, s core.Store) {
	ctx := context.Background()
	room := mustRoom(t, s, "lobby")
	mustJoin(t, s, room, "c1", "bob", base)
	mustJoin(t, s, room, "c2", "alice", base)
	mustJoin(t, s, room, "c3", "alice", base)
	mustJoin(t, s, room, "c4", "", base)

	ids, err := s.ListIdentities(ctx, "lobby")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"alice", "bob"}, ids)

	anon, err := s.CountAnonymous(ctx, "lobby")
	require.NoError(t, err)
	assert.EqualValues(t, 1, anon)

	ids, err = s.ListIdentities(ctx, "nowhere")
	require.NoError(t, err)
	assert.Empty(t, ids)
}
