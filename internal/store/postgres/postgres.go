// Package postgres implements core.Store on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS presence_rooms (
	id         UUID PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	seq        BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS presence_memberships (
	id        UUID PRIMARY KEY,
	room_id   UUID NOT NULL REFERENCES presence_rooms(id),
	member    TEXT NOT NULL,
	user_id   TEXT,
	last_seen TIMESTAMPTZ NOT NULL,
	UNIQUE (room_id, member)
);

CREATE INDEX IF NOT EXISTS idx_presence_memberships_member ON presence_memberships(member);
CREATE INDEX IF NOT EXISTS idx_presence_memberships_room_last_seen ON presence_memberships(room_id, last_seen);
`

const selectMembership = `
	SELECT m.id::text, m.room_id::text, r.name, m.member, COALESCE(m.user_id, ''), m.last_seen
	FROM presence_memberships m JOIN presence_rooms r ON r.id = m.room_id`

// foreignKeyViolation is raised when a membership insert races a room delete.
const foreignKeyViolation = "23503"

// Store handles PostgreSQL database operations.
type Store struct {
	pool *pgxpool.Pool
}

var _ core.Store = (*Store)(nil)

// New creates a store with a connection pool and bootstraps the schema.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) GetOrCreateRoom(ctx context.Context, name domain.RoomName) (domain.Room, bool, error) {
	for attempt := 0; attempt < 3; attempt++ {
		tag, err := s.pool.Exec(ctx, `
			INSERT INTO presence_rooms (id, name) VALUES ($1, $2)
			ON CONFLICT (name) DO NOTHING
		`, uuid.New(), string(name))
		if err != nil {
			return domain.Room{}, false, err
		}
		room, err := s.GetRoom(ctx, name)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		return room, tag.RowsAffected() == 1, err
	}
	return domain.Room{}, false, fmt.Errorf("get or create room %q: %w", name, core.ErrNotFound)
}

func (s *Store) GetRoom(ctx context.Context, name domain.RoomName) (domain.Room, error) {
	room, err := scanRoom(s.pool.QueryRow(ctx, `
		SELECT id::text, name, created_at FROM presence_rooms WHERE name = $1
	`, string(name)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Room{}, core.ErrNotFound
	}
	return room, err
}

func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id::text, name, created_at FROM presence_rooms ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Room, error) { return scanRoom(row) })
}

// DeleteEmptyRooms skips rooms whose row is locked by an in-flight
// membership insert; the next sweep picks them up if they are still empty.
func (s *Store) DeleteEmptyRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.pool.Query(ctx, `
		DELETE FROM presence_rooms
		WHERE id IN (
			SELECT r.id FROM presence_rooms r
			WHERE NOT EXISTS (SELECT 1 FROM presence_memberships m WHERE m.room_id = r.id)
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text, name, created_at
	`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Room, error) { return scanRoom(row) })
}

func (s *Store) GetOrCreateMembership(ctx context.Context, room domain.Room, member domain.MemberAddr, user domain.UserID, now time.Time) (domain.Membership, core.Seq, bool, error) {
	var (
		m       domain.Membership
		seq     core.Seq
		created bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO presence_memberships (id, room_id, member, user_id, last_seen)
			SELECT $1::uuid, $2::uuid, $3::text, $4::text, $5::timestamptz
			WHERE EXISTS (SELECT 1 FROM presence_rooms WHERE id = $2)
			ON CONFLICT (room_id, member) DO NOTHING
		`, uuid.New(), pgID(room.ID), string(member), nullable(user), now)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			created = true
			if seq, err = bumpSeq(ctx, tx, room.ID); err != nil {
				return err
			}
		}
		m, err = scanMembership(tx.QueryRow(ctx, selectMembership+`
			WHERE m.room_id = $1 AND m.member = $2
		`, pgID(room.ID), string(member)))
		return err
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		err = core.ErrNotFound
	}
	return m, seq, created, err
}

func (s *Store) GetMembership(ctx context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, error) {
	return scanMembership(s.pool.QueryRow(ctx, selectMembership+`
		WHERE r.name = $1 AND m.member = $2
	`, string(room), string(member)))
}

func (s *Store) MembershipsForMember(ctx context.Context, member domain.MemberAddr) ([]domain.Membership, error) {
	rows, err := s.pool.Query(ctx, selectMembership+`
		WHERE m.member = $1 ORDER BY r.name
	`, string(member))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Membership, error) { return scanMembership(row) })
}

func (s *Store) UpdateLastSeen(ctx context.Context, member domain.MemberAddr, ts time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE presence_memberships SET last_seen = $1 WHERE member = $2
	`, ts, string(member))
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) DeleteMembership(ctx context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, core.Seq, bool, error) {
	var (
		m       domain.Membership
		seq     core.Seq
		deleted bool
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		m, err = scanMembership(tx.QueryRow(ctx, `
			DELETE FROM presence_memberships m
			USING presence_rooms r
			WHERE r.id = m.room_id AND r.name = $1 AND m.member = $2
			RETURNING m.id::text, m.room_id::text, r.name, m.member, COALESCE(m.user_id, ''), m.last_seen
		`, string(room), string(member)))
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		deleted = true
		seq, err = bumpSeq(ctx, tx, m.RoomID)
		return err
	})
	return m, seq, deleted, err
}

func (s *Store) DeleteStaleMemberships(ctx context.Context, room domain.RoomName, cutoff time.Time) (int64, core.Seq, error) {
	var (
		n   int64
		seq core.Seq
	)
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var roomID domain.RoomID
		err := tx.QueryRow(ctx, `SELECT id::text FROM presence_rooms WHERE name = $1`, string(room)).Scan(&roomID)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			DELETE FROM presence_memberships WHERE room_id = $1 AND last_seen < $2
		`, pgID(roomID), cutoff)
		if err != nil {
			return err
		}
		if n = tag.RowsAffected(); n == 0 {
			return nil
		}
		seq, err = bumpSeq(ctx, tx, roomID)
		return err
	})
	return n, seq, err
}

func (s *Store) ListIdentities(ctx context.Context, room domain.RoomName) ([]domain.UserID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT m.user_id
		FROM presence_memberships m JOIN presence_rooms r ON r.id = m.room_id
		WHERE r.name = $1 AND m.user_id IS NOT NULL
		ORDER BY m.user_id
	`, string(room))
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.UserID, error) {
		var id string
		err := row.Scan(&id)
		return domain.UserID(id), err
	})
}

func (s *Store) CountAnonymous(ctx context.Context, room domain.RoomName) (int64, error) {
	return s.count(ctx, `AND m.user_id IS NULL`, room)
}

func (s *Store) CountMemberships(ctx context.Context, room domain.RoomName) (int64, error) {
	return s.count(ctx, ``, room)
}

func (s *Store) count(ctx context.Context, filter string, room domain.RoomName) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM presence_memberships m JOIN presence_rooms r ON r.id = m.room_id
		WHERE r.name = $1 `+filter, string(room)).Scan(&n)
	return n, err
}

func bumpSeq(ctx context.Context, tx pgx.Tx, id domain.RoomID) (core.Seq, error) {
	var seq int64
	err := tx.QueryRow(ctx, `
		UPDATE presence_rooms SET seq = seq + 1 WHERE id = $1 RETURNING seq
	`, pgID(id)).Scan(&seq)
	return core.Seq(seq), err
}

// pgID converts a stored room id back to a UUID parameter; ids handed out
// by this store always parse.
func pgID(id domain.RoomID) uuid.UUID {
	u, _ := uuid.Parse(string(id))
	return u
}

func scanRoom(row pgx.Row) (domain.Room, error) {
	var id, name string
	var room domain.Room
	if err := row.Scan(&id, &name, &room.CreatedAt); err != nil {
		return domain.Room{}, err
	}
	room.ID, room.Name = domain.RoomID(id), domain.RoomName(name)
	return room, nil
}

func scanMembership(row pgx.Row) (domain.Membership, error) {
	var id, roomID, room, member, user string
	var m domain.Membership
	err := row.Scan(&id, &roomID, &room, &member, &user, &m.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Membership{}, core.ErrNotFound
		}
		return domain.Membership{}, err
	}
	m.ID = domain.MembershipID(id)
	m.RoomID = domain.RoomID(roomID)
	m.Room = domain.RoomName(room)
	m.Member = domain.MemberAddr(member)
	m.User = domain.UserID(user)
	return m, nil
}

func nullable(id domain.UserID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}
