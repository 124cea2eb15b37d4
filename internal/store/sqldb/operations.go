package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
)

const operationColumns = `id, document_id, participant_id, bundle, client_id, client_sequence, server_sequence, timestamp, applied_at, vector_clock`

func scanOperation(row interface{ Scan(...any) error }) (*store.PersistedOperation, error) {
	var op store.PersistedOperation
	var bundle []byte
	var clock []byte
	err := row.Scan(&op.ID, &op.DocumentID, &op.ParticipantID, &bundle,
		&op.ClientID, &op.ClientSeq, &op.ServerSeq, &op.Timestamp, &op.AppliedAt, &clock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	seq := ot.NewOperationSeq()
	if err := json.Unmarshal(bundle, seq); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	op.Bundle = seq
	op.VectorClock = clock
	return &op, nil
}

// AppendOperations inserts the operation rows and updates the document row
// in one transaction. The unique indexes on (document_id, server_sequence)
// and (document_id, client_id, client_sequence) are the last line of
// defense for linear history; violations map to the store sentinels.
func (s *DB) AppendOperations(ctx context.Context, docID uuid.UUID, ops []store.PersistedOperation, update store.DocumentUpdate) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, op := range ops {
			bundle, err := json.Marshal(op.Bundle)
			if err != nil {
				return fmt.Errorf("encode bundle: %w", err)
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`INSERT INTO operations (id, document_id, participant_id, bundle, client_id, client_sequence, server_sequence, timestamp, applied_at, vector_clock)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`),
				op.ID, op.DocumentID, op.ParticipantID, bundle, op.ClientID,
				op.ClientSeq, op.ServerSeq, op.Timestamp, op.AppliedAt, nullBytes(op.VectorClock))
			if constraint, ok := s.d.UniqueViolation(err); ok {
				if strings.Contains(constraint, "client") {
					return store.ErrDuplicateClientSeq
				}
				return store.ErrDuplicateServerSeq
			}
			if err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE documents SET content = $1, version = $2, size_bytes = $3, line_count = $4, last_operation_timestamp = $5
			 WHERE id = $6`),
			update.Content, update.Version, update.SizeBytes, update.LineCount,
			update.LastOperationAt, docID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *DB) OperationByClientSeq(ctx context.Context, docID uuid.UUID, clientID string, clientSeq int64) (*store.PersistedOperation, error) {
	return scanOperation(s.queryRow(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE document_id = $1 AND client_id = $2 AND client_sequence = $3`,
		docID, clientID, clientSeq))
}

func (s *DB) OperationsSince(ctx context.Context, docID uuid.UUID, afterSeq int64, limit int) ([]store.PersistedOperation, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.query(ctx,
		`SELECT `+operationColumns+` FROM operations
		 WHERE document_id = $1 AND server_sequence > $2
		 ORDER BY server_sequence ASC LIMIT $3`,
		docID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.PersistedOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *op)
	}
	return out, rows.Err()
}
