package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
)

const roomColumns = `id, name, description, owner_id, max_participants, status, expires_at, created_at, updated_at`

func scanRoom(row interface{ Scan(...any) error }) (*store.Room, error) {
	var r store.Room
	var desc sql.NullString
	var expires sql.NullTime
	err := row.Scan(&r.ID, &r.Name, &desc, &r.OwnerID, &r.MaxParticipants,
		&r.Status, &expires, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Description = desc.String
	if expires.Valid {
		t := expires.Time
		r.ExpiresAt = &t
	}
	return &r, nil
}

func (s *DB) CreateRoom(ctx context.Context, room *store.Room) error {
	_, err := s.exec(ctx,
		`INSERT INTO rooms (id, name, description, owner_id, max_participants, status, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		room.ID, room.Name, room.Description, room.OwnerID, room.MaxParticipants,
		room.Status, room.ExpiresAt, room.CreatedAt, room.UpdatedAt)
	if _, ok := s.d.UniqueViolation(err); ok {
		return store.ErrDuplicate
	}
	return err
}

func (s *DB) GetRoom(ctx context.Context, id uuid.UUID) (*store.Room, error) {
	return scanRoom(s.queryRow(ctx,
		`SELECT `+roomColumns+` FROM rooms WHERE id = $1`, id))
}

func (s *DB) ListRooms(ctx context.Context, ownerID string, limit, offset int) ([]store.Room, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if ownerID != "" {
		rows, err = s.query(ctx,
			`SELECT `+roomColumns+` FROM rooms WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			ownerID, limit, offset)
	} else {
		rows, err = s.query(ctx,
			`SELECT `+roomColumns+` FROM rooms ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
			limit, offset)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Room
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *DB) UpdateRoom(ctx context.Context, room *store.Room) error {
	res, err := s.exec(ctx,
		`UPDATE rooms SET name = $1, description = $2, max_participants = $3, status = $4,
		 expires_at = $5, updated_at = $6 WHERE id = $7`,
		room.Name, room.Description, room.MaxParticipants, room.Status,
		room.ExpiresAt, room.UpdatedAt, room.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	// Child rows cascade via foreign keys.
	res, err := s.exec(ctx, `DELETE FROM rooms WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) ExpireRooms(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE rooms SET status = 'expired', updated_at = $1
		 WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $2`,
		now, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
