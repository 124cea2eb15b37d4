package sqldb

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
)

func (s *DB) UpsertCursor(ctx context.Context, c *store.Cursor) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	_, err := s.exec(ctx,
		`INSERT INTO cursors (id, participant_id, document_id, line, "column", selection_start, selection_end, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (participant_id, document_id) DO UPDATE SET
		   line = excluded.line, "column" = excluded."column",
		   selection_start = excluded.selection_start, selection_end = excluded.selection_end,
		   updated_at = excluded.updated_at`,
		c.ID, c.ParticipantID, c.DocumentID, c.Line, c.Column,
		c.SelectionStart, c.SelectionEnd, c.UpdatedAt)
	return err
}

func (s *DB) ListCursors(ctx context.Context, docID uuid.UUID) ([]store.Cursor, error) {
	rows, err := s.query(ctx,
		`SELECT id, participant_id, document_id, line, "column", selection_start, selection_end, updated_at
		 FROM cursors WHERE document_id = $1 ORDER BY updated_at ASC`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Cursor
	for rows.Next() {
		var c store.Cursor
		var selStart, selEnd sql.NullInt64
		if err := rows.Scan(&c.ID, &c.ParticipantID, &c.DocumentID, &c.Line,
			&c.Column, &selStart, &selEnd, &c.UpdatedAt); err != nil {
			return nil, err
		}
		if selStart.Valid {
			v := int(selStart.Int64)
			c.SelectionStart = &v
		}
		if selEnd.Valid {
			v := int(selEnd.Int64)
			c.SelectionEnd = &v
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *DB) DeleteCursor(ctx context.Context, participantID, docID uuid.UUID) error {
	_, err := s.exec(ctx,
		`DELETE FROM cursors WHERE participant_id = $1 AND document_id = $2`,
		participantID, docID)
	return err
}

func (s *DB) UpsertPresence(ctx context.Context, p *store.Presence) error {
	_, err := s.exec(ctx,
		`INSERT INTO presence (participant_id, room_id, status, current_document_id, activity_type, last_activity)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (participant_id, room_id) DO UPDATE SET
		   status = excluded.status, current_document_id = excluded.current_document_id,
		   activity_type = excluded.activity_type, last_activity = excluded.last_activity`,
		p.ParticipantID, p.RoomID, p.Status, p.CurrentDocumentID, p.Activity, p.LastActivity)
	return err
}

func (s *DB) ListPresence(ctx context.Context, roomID uuid.UUID) ([]store.Presence, error) {
	rows, err := s.query(ctx,
		`SELECT participant_id, room_id, status, current_document_id, activity_type, last_activity
		 FROM presence WHERE room_id = $1`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Presence
	for rows.Next() {
		var p store.Presence
		var docID uuid.NullUUID
		if err := rows.Scan(&p.ParticipantID, &p.RoomID, &p.Status, &docID,
			&p.Activity, &p.LastActivity); err != nil {
			return nil, err
		}
		if docID.Valid {
			id := docID.UUID
			p.CurrentDocumentID = &id
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *DB) SweepPresence(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx,
		`UPDATE presence SET status = 'offline' WHERE status != 'offline' AND last_activity < $1`,
		cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
