// Package store defines the typed persistence gateway used by the
// collaboration runtime. Implementations live in the memory, pg and sqlite
// subpackages; the SQL-backed ones share the sqldb layer.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned on a generic unique-constraint violation.
	ErrDuplicate = errors.New("duplicate")
	// ErrDuplicateServerSeq is returned by AppendOperations when another
	// writer already committed the same (document_id, server_sequence).
	ErrDuplicateServerSeq = errors.New("duplicate server sequence")
	// ErrDuplicateClientSeq is returned by AppendOperations when the same
	// (document_id, client_id, client_sequence) was already accepted. The
	// caller should look up and return the prior result.
	ErrDuplicateClientSeq = errors.New("duplicate client sequence")
)

// DocumentUpdate is the document-row write bundled into AppendOperations.
type DocumentUpdate struct {
	Content         string
	Version         int64
	SizeBytes       int
	LineCount       int
	LastOperationAt time.Time
}

// Store is the persistence boundary for rooms, participants, documents,
// operations, cursors and presence. All calls honor the context deadline.
type Store interface {
	// Rooms.
	CreateRoom(ctx context.Context, room *Room) error
	GetRoom(ctx context.Context, id uuid.UUID) (*Room, error)
	ListRooms(ctx context.Context, ownerID string, limit, offset int) ([]Room, error)
	UpdateRoom(ctx context.Context, room *Room) error
	DeleteRoom(ctx context.Context, id uuid.UUID) error
	// ExpireRooms marks active rooms whose expiry passed as expired and
	// returns how many changed. Driven by the sweeper.
	ExpireRooms(ctx context.Context, now time.Time) (int64, error)

	// Participants.
	AddParticipant(ctx context.Context, p *Participant) error
	GetParticipant(ctx context.Context, roomID uuid.UUID, userID string) (*Participant, error)
	GetParticipantByID(ctx context.Context, id uuid.UUID) (*Participant, error)
	ListParticipants(ctx context.Context, roomID uuid.UUID) ([]Participant, error)
	UpdateParticipant(ctx context.Context, p *Participant) error
	RemoveParticipant(ctx context.Context, id uuid.UUID) error
	CountParticipants(ctx context.Context, roomID uuid.UUID) (int, error)

	// Documents.
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id uuid.UUID) (*Document, error)
	ListDocuments(ctx context.Context, roomID uuid.UUID) ([]Document, error)
	UpdateDocumentMeta(ctx context.Context, doc *Document) error
	DeleteDocument(ctx context.Context, id uuid.UUID) error

	// Operations. AppendOperations inserts the operation rows and applies
	// the document update in one transaction. Uniqueness is enforced on
	// (document_id, server_sequence) and (document_id, client_id,
	// client_sequence); violations surface as the sentinel errors above.
	AppendOperations(ctx context.Context, docID uuid.UUID, ops []PersistedOperation, update DocumentUpdate) error
	OperationByClientSeq(ctx context.Context, docID uuid.UUID, clientID string, clientSeq int64) (*PersistedOperation, error)
	OperationsSince(ctx context.Context, docID uuid.UUID, afterSeq int64, limit int) ([]PersistedOperation, error)

	// Cursors, keyed by (participant_id, document_id).
	UpsertCursor(ctx context.Context, c *Cursor) error
	ListCursors(ctx context.Context, docID uuid.UUID) ([]Cursor, error)
	DeleteCursor(ctx context.Context, participantID, docID uuid.UUID) error

	// Presence, keyed by (participant_id, room_id). SweepPresence marks
	// rows without activity since the cutoff as offline.
	UpsertPresence(ctx context.Context, p *Presence) error
	ListPresence(ctx context.Context, roomID uuid.UUID) ([]Presence, error)
	SweepPresence(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
