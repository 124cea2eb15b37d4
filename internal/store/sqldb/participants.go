package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
)

const participantColumns = `id, room_id, user_id, role, display_name, color, avatar_url, presence_status, last_seen, joined_at`

func scanParticipant(row interface{ Scan(...any) error }) (*store.Participant, error) {
	var p store.Participant
	var avatar sql.NullString
	err := row.Scan(&p.ID, &p.RoomID, &p.UserID, &p.Role, &p.DisplayName,
		&p.Color, &avatar, &p.Presence, &p.LastSeen, &p.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.AvatarURL = avatar.String
	return &p, nil
}

func (s *DB) AddParticipant(ctx context.Context, p *store.Participant) error {
	_, err := s.exec(ctx,
		`INSERT INTO participants (id, room_id, user_id, role, display_name, color, avatar_url, presence_status, last_seen, joined_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.RoomID, p.UserID, p.Role, p.DisplayName, p.Color, p.AvatarURL,
		p.Presence, p.LastSeen, p.JoinedAt)
	if _, ok := s.d.UniqueViolation(err); ok {
		return store.ErrDuplicate
	}
	return err
}

func (s *DB) GetParticipant(ctx context.Context, roomID uuid.UUID, userID string) (*store.Participant, error) {
	return scanParticipant(s.queryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = $1 AND user_id = $2`,
		roomID, userID))
}

func (s *DB) GetParticipantByID(ctx context.Context, id uuid.UUID) (*store.Participant, error) {
	return scanParticipant(s.queryRow(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE id = $1`, id))
}

func (s *DB) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]store.Participant, error) {
	rows, err := s.query(ctx,
		`SELECT `+participantColumns+` FROM participants WHERE room_id = $1 ORDER BY joined_at ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Participant
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (s *DB) UpdateParticipant(ctx context.Context, p *store.Participant) error {
	res, err := s.exec(ctx,
		`UPDATE participants SET role = $1, display_name = $2, color = $3, avatar_url = $4,
		 presence_status = $5, last_seen = $6 WHERE id = $7`,
		p.Role, p.DisplayName, p.Color, p.AvatarURL, p.Presence, p.LastSeen, p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) RemoveParticipant(ctx context.Context, id uuid.UUID) error {
	res, err := s.exec(ctx, `DELETE FROM participants WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) CountParticipants(ctx context.Context, roomID uuid.UUID) (int, error) {
	var n int
	err := s.queryRow(ctx,
		`SELECT COUNT(*) FROM participants WHERE room_id = $1`, roomID).Scan(&n)
	return n, err
}
