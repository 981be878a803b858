// Package sqlite implements core.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/dkeye/Presence/internal/core"
	"github.com/dkeye/Presence/internal/domain"
)

const connOptions = "_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000"

// dataSource splits dbPath, a plain path or a file: URI with its own query,
// into the file on disk and the DSN carrying connOptions.
func dataSource(dbPath string) (file, dsn string) {
	file, _, _ = strings.Cut(strings.TrimPrefix(dbPath, "file:"), "?")
	sep := "?"
	if strings.Contains(dbPath, "?") {
		sep = "&"
	}
	return file, dbPath + sep + connOptions
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL UNIQUE,
	seq        INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS memberships (
	id        TEXT PRIMARY KEY,
	room_id   TEXT NOT NULL REFERENCES rooms(id),
	member    TEXT NOT NULL,
	user_id   TEXT,
	last_seen INTEGER NOT NULL,
	UNIQUE (room_id, member)
);

CREATE INDEX IF NOT EXISTS idx_memberships_member ON memberships(member);
CREATE INDEX IF NOT EXISTS idx_memberships_room_last_seen ON memberships(room_id, last_seen);
`

const selectMembership = `
	SELECT m.id, m.room_id, r.name, m.member, COALESCE(m.user_id, ''), m.last_seen
	FROM memberships m JOIN rooms r ON r.id = m.room_id`

// Store handles SQLite database operations. Timestamps are stored as unix
// nanoseconds.
type Store struct {
	db *sql.DB
}

var _ core.Store = (*Store)(nil)

// New opens (and creates if needed) the database at dbPath.
// If dbPath is empty, defaults to "./data/presence.db"
func New(ctx context.Context, dbPath string) (*Store, error) {
	if dbPath == "" {
		dbPath = "./data/presence.db"
	}
	file, dsn := dataSource(dbPath)
	if dir := filepath.Dir(file); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// One writer at a time; SQLite serialises writes anyway and a single
	// connection keeps BEGIN/COMMIT from tripping over SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) GetOrCreateRoom(ctx context.Context, name domain.RoomName) (domain.Room, bool, error) {
	// A concurrent empty-room sweep can delete the row between the insert
	// and the read; retrying converges.
	for attempt := 0; attempt < 3; attempt++ {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO rooms (id, name, seq, created_at) VALUES (?, ?, 0, ?)
			ON CONFLICT(name) DO NOTHING
		`, uuid.NewString(), string(name), time.Now().UnixNano())
		if err != nil {
			return domain.Room{}, false, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return domain.Room{}, false, err
		}
		room, err := s.GetRoom(ctx, name)
		if errors.Is(err, core.ErrNotFound) {
			continue
		}
		return room, n == 1, err
	}
	return domain.Room{}, false, fmt.Errorf("get or create room %q: %w", name, core.ErrNotFound)
}

func (s *Store) GetRoom(ctx context.Context, name domain.RoomName) (domain.Room, error) {
	var (
		room      domain.Room
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM rooms WHERE name = ?
	`, string(name)).Scan(&room.ID, &room.Name, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Room{}, core.ErrNotFound
		}
		return domain.Room{}, err
	}
	room.CreatedAt = time.Unix(0, createdAt).UTC()
	return room, nil
}

func (s *Store) ListRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, created_at FROM rooms ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return scanRooms(rows)
}

func (s *Store) DeleteEmptyRooms(ctx context.Context) ([]domain.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		DELETE FROM rooms
		WHERE NOT EXISTS (SELECT 1 FROM memberships m WHERE m.room_id = rooms.id)
		RETURNING id, name, created_at
	`)
	if err != nil {
		return nil, err
	}
	return scanRooms(rows)
}

func scanRooms(rows *sql.Rows) ([]domain.Room, error) {
	defer rows.Close()
	var out []domain.Room
	for rows.Next() {
		var (
			room      domain.Room
			createdAt int64
		)
		if err := rows.Scan(&room.ID, &room.Name, &createdAt); err != nil {
			return nil, err
		}
		room.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, room)
	}
	return out, rows.Err()
}

func (s *Store) GetOrCreateMembership(ctx context.Context, room domain.Room, member domain.MemberAddr, user domain.UserID, now time.Time) (domain.Membership, core.Seq, bool, error) {
	var (
		m       domain.Membership
		seq     core.Seq
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO memberships (id, room_id, member, user_id, last_seen)
			SELECT ?, ?, ?, ?, ?
			WHERE EXISTS (SELECT 1 FROM rooms WHERE id = ?)
			ON CONFLICT(room_id, member) DO NOTHING
		`, uuid.NewString(), string(room.ID), string(member), nullable(user), now.UnixNano(), string(room.ID))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			created = true
			if seq, err = bumpSeq(ctx, tx, room.ID); err != nil {
				return err
			}
		}
		m, err = scanMembership(tx.QueryRowContext(ctx, selectMembership+`
			WHERE m.room_id = ? AND m.member = ?
		`, string(room.ID), string(member)))
		return err
	})
	return m, seq, created, err
}

func (s *Store) GetMembership(ctx context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, error) {
	return scanMembership(s.db.QueryRowContext(ctx, selectMembership+`
		WHERE r.name = ? AND m.member = ?
	`, string(room), string(member)))
}

func (s *Store) MembershipsForMember(ctx context.Context, member domain.MemberAddr) ([]domain.Membership, error) {
	rows, err := s.db.QueryContext(ctx, selectMembership+`
		WHERE m.member = ? ORDER BY r.name
	`, string(member))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) UpdateLastSeen(ctx context.Context, member domain.MemberAddr, ts time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET last_seen = ? WHERE member = ?
	`, ts.UnixNano(), string(member))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) DeleteMembership(ctx context.Context, room domain.RoomName, member domain.MemberAddr) (domain.Membership, core.Seq, bool, error) {
	var (
		m       domain.Membership
		seq     core.Seq
		deleted bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		m, err = scanMembership(tx.QueryRowContext(ctx, selectMembership+`
			WHERE r.name = ? AND m.member = ?
		`, string(room), string(member)))
		if errors.Is(err, core.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE id = ?`, string(m.ID)); err != nil {
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
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var roomID domain.RoomID
		err := tx.QueryRowContext(ctx, `SELECT id FROM rooms WHERE name = ?`, string(room)).Scan(&roomID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM memberships WHERE room_id = ? AND last_seen < ?
		`, string(roomID), cutoff.UnixNano())
		if err != nil {
			return err
		}
		if n, err = res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		seq, err = bumpSeq(ctx, tx, roomID)
		return err
	})
	return n, seq, err
}

func (s *Store) ListIdentities(ctx context.Context, room domain.RoomName) ([]domain.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT m.user_id
		FROM memberships m JOIN rooms r ON r.id = m.room_id
		WHERE r.name = ? AND m.user_id IS NOT NULL
		ORDER BY m.user_id
	`, string(room))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UserID
	for rows.Next() {
		var id domain.UserID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *Store) CountAnonymous(ctx context.Context, room domain.RoomName) (int64, error) {
	return s.count(ctx, `AND m.user_id IS NULL`, room)
}

func (s *Store) CountMemberships(ctx context.Context, room domain.RoomName) (int64, error) {
	return s.count(ctx, ``, room)
}

func (s *Store) count(ctx context.Context, filter string, room domain.RoomName) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memberships m JOIN rooms r ON r.id = m.room_id
		WHERE r.name = ? `+filter, string(room)).Scan(&n)
	return n, err
}

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func bumpSeq(ctx context.Context, tx *sql.Tx, id domain.RoomID) (core.Seq, error) {
	var seq core.Seq
	err := tx.QueryRowContext(ctx, `
		UPDATE rooms SET seq = seq + 1 WHERE id = ? RETURNING seq
	`, string(id)).Scan(&seq)
	return seq, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMembership(row scanner) (domain.Membership, error) {
	var (
		m        domain.Membership
		lastSeen int64
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.Room, &m.Member, &m.User, &lastSeen)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Membership{}, core.ErrNotFound
		}
		return domain.Membership{}, err
	}
	m.LastSeen = time.Unix(0, lastSeen).UTC()
	return m, nil
}

func nullable(id domain.UserID) *string {
	if id == "" {
		return nil
	}
	s := string(id)
	return &s
}
