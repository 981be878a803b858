// Package memory is a process-local core.Store. Every operation runs under
// one mutex, which makes each call atomic at row-set granularity.
package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

type roomRow struct {
	room    domain.Room
	seq     core.Seq
	members map[domain.MemberAddr]domain.Membership
}

// Store keeps a forward index (room -> members) and a reverse index
// (member -> rooms) so Touch and LeaveAll do not scan every room.
type Store struct {
	mu       sync.RWMutex
	rooms    map[domain.RoomName]*roomRow
	byMember map[domain.MemberAddr]map[domain.RoomName]struct{}
	now      func() time.Time
}

var _ core.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		rooms:    make(map[domain.RoomName]*roomRow),
		byMember: make(map[domain.MemberAddr]map[domain.RoomName]struct{}),
		now:      time.Now,
	}
}

func (s *Store) GetOrCreateRoom(_ context.Context, name domain.RoomName) (domain.Room, bool, error) {
	s.mu.RLock()
	row, ok := s.rooms[name]
	s.mu.RUnlock()
	if ok {
		return row.room, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if row, ok = s.rooms[name]; ok {
		return row.room, false, nil
	}
	row = &roomRow{
		room:    domain.Room{ID: domain.RoomID(uuid.NewString()), Name: name, CreatedAt: s.now()},
		members: make(map[domain.MemberAddr]domain.Membership),
	}
	s.rooms[name] = row
	return row.room, true, nil
}

func (s *Store) GetRoom(_ context.Context, name domain.RoomName) (domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rooms[name]
	if !ok {
		return domain.Room{}, core.ErrNotFound
	}
	return row.room, nil
}

func (s *Store) ListRooms(_ context.Context) ([]domain.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Room, 0, len(s.rooms))
	for _, row := range s.rooms {
		out = append(out, row.room)
	}
	slices.SortFunc(out, func(a, b domain.Room) int { return cmp.Compare(a.Name, b.Name) })
	return out, nil
}

func (s *Store) DeleteEmptyRooms(_ context.Context) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Room
	for name, row := range s.rooms {
		if len(row.members) == 0 {
			out = append(out, row.room)
			delete(s.rooms, name)
		}
	}
	return out, nil
}

func (s *Store) GetOrCreateMembership(_ context.Context, room domain.Room, member domain.MemberAddr, user domain.UserID, now time.Time) (domain.Membership, core.Seq, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[room.Name]
	if !ok || row.room.ID != room.ID {
		// The room was pruned between resolve and insert; the row we were
		// handed no longer exists.
		return domain.Membership{}, 0, false, core.ErrNotFound
	}
	if m, ok := row.members[member]; ok {
		return m, row.seq, false, nil
	}
	m := domain.Membership{
		ID:       domain.MembershipID(uuid.NewString()),
		RoomID:   row.room.ID,
		Room:     row.room.Name,
		Member:   member,
		User:     user,
		LastSeen: now,
	}
	row.members[member] = m
	row.seq++
	if s.byMember[member] == nil {
		s.byMember[member] = make(map[domain.RoomName]struct{})
	}
	s.byMember[member][room.Name] = struct{}{}
	return m, row.seq, true, nil
}

func (s *Store) GetMembership(_ context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rooms[room]
	if !ok {
		return domain.Membership{}, core.ErrNotFound
	}
	m, ok := row.members[member]
	if !ok {
		return domain.Membership{}, core.ErrNotFound
	}
	return m, nil
}

func (s *Store) MembershipsForMember(_ context.Context, member domain.MemberAddr) ([]domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := s.byMember[member]
	out := make([]domain.Membership, 0, len(rooms))
	for name := range rooms {
		if row, ok := s.rooms[name]; ok {
			out = append(out, row.members[member])
		}
	}
	return out, nil
}

func (s *Store) UpdateLastSeen(_ context.Context, member domain.MemberAddr, ts time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for name := range s.byMember[member] {
		row := s.rooms[name]
		m := row.members[member]
		m.LastSeen = ts
		row.members[member] = m
		n++
	}
	return n, nil
}

func (s *Store) DeleteMembership(_ context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, core.Seq, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[room]
	if !ok {
		return domain.Membership{}, 0, false, nil
	}
	m, ok := row.members[member]
	if !ok {
		return domain.Membership{}, 0, false, nil
	}
	s.removeLocked(row, member)
	row.seq++
	return m, row.seq, true, nil
}

func (s *Store) DeleteStaleMemberships(_ context.Context, room domain.RoomName, cutoff time.Time) (int64, core.Seq, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rooms[room]
	if !ok {
		return 0, 0, nil
	}
	var n int64
	for member, m := range row.members {
		if m.LastSeen.Before(cutoff) {
			s.removeLocked(row, member)
			n++
		}
	}
	if n == 0 {
		return 0, 0, nil
	}
	row.seq++
	return n, row.seq, nil
}

func (s *Store) removeLocked(row *roomRow, member domain.MemberAddr) {
	delete(row.members, member)
	if rooms, ok := s.byMember[member]; ok {
		delete(rooms, row.room.Name)
		if len(rooms) == 0 {
			delete(s.byMember, member)
		}
	}
}

func (s *Store) ListIdentities(_ context.Context, room domain.RoomName) ([]domain.UserID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rooms[room]
	if !ok {
		return nil, nil
	}
	seen := make(map[domain.UserID]struct{})
	out := make([]domain.UserID, 0, len(row.members))
	for _, m := range row.members {
		if m.Anonymous() {
			continue
		}
		if _, dup := seen[m.User]; dup {
			continue
		}
		seen[m.User] = struct{}{}
		out = append(out, m.User)
	}
	slices.Sort(out)
	return out, nil
}

func (s *Store) CountAnonymous(_ context.Context, room domain.RoomName) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rooms[room]
	if !ok {
		return 0, nil
	}
	var n int64
	for _, m := range row.members {
		if m.Anonymous() {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountMemberships(_ context.Context, room domain.RoomName) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rooms[room]
	if !ok {
		return 0, nil
	}
	return int64(len(row.members)), nil
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }
