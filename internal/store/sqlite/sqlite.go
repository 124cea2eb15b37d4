// Package sqlite opens the standalone-mode store: a local SQLite file (or
// :memory:) with the schema bootstrapped at open, so single-node
// deployments need no external database.
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/collabd/internal/store/sqldb"
)

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT,
	owner_id TEXT NOT NULL,
	max_participants INTEGER NOT NULL DEFAULT 50,
	status TEXT NOT NULL DEFAULT 'active',
	expires_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS participants (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL DEFAULT 'editor',
	display_name TEXT NOT NULL,
	color TEXT NOT NULL,
	avatar_url TEXT,
	presence_status TEXT NOT NULL DEFAULT 'online',
	last_seen TIMESTAMP NOT NULL,
	joined_at TIMESTAMP NOT NULL,
	UNIQUE (room_id, user_id)
);

CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	file_path TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 0,
	language TEXT,
	size_bytes INTEGER NOT NULL DEFAULT 0,
	line_count INTEGER NOT NULL DEFAULT 1,
	last_operation_timestamp TIMESTAMP,
	metadata BLOB,
	UNIQUE (room_id, file_path)
);

CREATE TABLE IF NOT EXISTS operations (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	participant_id TEXT NOT NULL,
	bundle BLOB NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	client_sequence INTEGER NOT NULL DEFAULT 0,
	server_sequence INTEGER NOT NULL,
	timestamp TIMESTAMP NOT NULL,
	applied_at TIMESTAMP NOT NULL,
	vector_clock BLOB,
	UNIQUE (document_id, server_sequence)
);

-- Replay detection only applies to operations that carry a client id.
CREATE UNIQUE INDEX IF NOT EXISTS idx_operations_doc_client_seq
	ON operations(document_id, client_id, client_sequence)
	WHERE client_id <> '';

CREATE TABLE IF NOT EXISTS cursors (
	id TEXT PRIMARY KEY,
	participant_id TEXT NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
	document_id TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
	line INTEGER NOT NULL,
	"column" INTEGER NOT NULL,
	selection_start INTEGER,
	selection_end INTEGER,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE (participant_id, document_id)
);

CREATE TABLE IF NOT EXISTS presence (
	participant_id TEXT NOT NULL REFERENCES participants(id) ON DELETE CASCADE,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	status TEXT NOT NULL DEFAULT 'online',
	current_document_id TEXT,
	activity_type TEXT NOT NULL DEFAULT 'idle',
	last_activity TIMESTAMP NOT NULL,
	UNIQUE (participant_id, room_id)
);

CREATE INDEX IF NOT EXISTS idx_operations_doc_seq ON operations(document_id, server_sequence);
CREATE INDEX IF NOT EXISTS idx_documents_room ON documents(room_id);
CREATE INDEX IF NOT EXISTS idx_participants_room ON participants(room_id);
`

// Open opens (and bootstraps) a SQLite store at path. Use ":memory:" for
// an ephemeral database.
func Open(path string) (*sqldb.DB, error) {
	dsn := path
	if path == ":memory:" {
		// Shared cache keeps every pooled connection on the same
		// in-memory database.
		dsn = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite serializes writes; one writer avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap schema: %w", err)
	}

	return sqldb.New(db, sqldb.Dialect{
		Name:            "sqlite",
		Rebind:          sqldb.RebindQuestion,
		UniqueViolation: uniqueViolation,
	}), nil
}

// uniqueViolation matches SQLITE_CONSTRAINT_UNIQUE errors. The driver
// message lists the violated columns, e.g.
// "constraint failed: UNIQUE constraint failed: operations.document_id,
// operations.client_id, operations.client_sequence".
func uniqueViolation(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	msg := err.Error()
	if idx := strings.Index(msg, "UNIQUE constraint failed:"); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("UNIQUE constraint failed:"):]), true
	}
	return "", false
}
