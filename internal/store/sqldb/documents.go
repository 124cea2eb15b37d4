package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
)

const documentColumns = `id, room_id, file_path, content, version, language, size_bytes, line_count, last_operation_timestamp, metadata`

func scanDocument(row interface{ Scan(...any) error }) (*store.Document, error) {
	var d store.Document
	var language sql.NullString
	var lastOp sql.NullTime
	var metadata []byte
	err := row.Scan(&d.ID, &d.RoomID, &d.FilePath, &d.Content, &d.Version,
		&language, &d.SizeBytes, &d.LineCount, &lastOp, &metadata)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	d.Language = language.String
	if lastOp.Valid {
		t := lastOp.Time
		d.LastOperationAt = &t
	}
	d.Metadata = metadata
	return &d, nil
}

func (s *DB) CreateDocument(ctx context.Context, doc *store.Document) error {
	_, err := s.exec(ctx,
		`INSERT INTO documents (id, room_id, file_path, content, version, language, size_bytes, line_count, last_operation_timestamp, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.RoomID, doc.FilePath, doc.Content, doc.Version, doc.Language,
		doc.SizeBytes, doc.LineCount, doc.LastOperationAt, nullBytes(doc.Metadata))
	if _, ok := s.d.UniqueViolation(err); ok {
		return store.ErrDuplicate
	}
	return err
}

func (s *DB) GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error) {
	return scanDocument(s.queryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id))
}

func (s *DB) ListDocuments(ctx context.Context, roomID uuid.UUID) ([]store.Document, error) {
	rows, err := s.query(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE room_id = $1 ORDER BY file_path ASC`,
		roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (s *DB) UpdateDocumentMeta(ctx context.Context, doc *store.Document) error {
	res, err := s.exec(ctx,
		`UPDATE documents SET file_path = $1, language = $2, metadata = $3 WHERE id = $4`,
		doc.FilePath, doc.Language, nullBytes(doc.Metadata), doc.ID)
	if _, ok := s.d.UniqueViolation(err); ok {
		return store.ErrDuplicate
	}
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *DB) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	res, err := s.exec(ctx, `DELETE FROM documents WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
