// Package memory implements store.Store entirely in process memory. It
// backs unit tests and ephemeral dev runs; the durable implementations are
// the pg and sqlite backends.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/store"
)

type cursorKey struct {
	participantID uuid.UUID
	documentID    uuid.UUID
}

type presenceKey struct {
	participantID uuid.UUID
	roomID        uuid.UUID
}

type clientSeqKey struct {
	documentID uuid.UUID
	clientID   string
	clientSeq  int64
}

type serverSeqKey struct {
	documentID uuid.UUID
	serverSeq  int64
}

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu           sync.RWMutex
	rooms        map[uuid.UUID]store.Room
	participants map[uuid.UUID]store.Participant
	documents    map[uuid.UUID]store.Document
	operations   map[uuid.UUID][]store.PersistedOperation
	byClientSeq  map[clientSeqKey]uuid.UUID
	byServerSeq  map[serverSeqKey]struct{}
	cursors      map[cursorKey]store.Cursor
	presence     map[presenceKey]store.Presence
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		rooms:        make(map[uuid.UUID]store.Room),
		participants: make(map[uuid.UUID]store.Participant),
		documents:    make(map[uuid.UUID]store.Document),
		operations:   make(map[uuid.UUID][]store.PersistedOperation),
		byClientSeq:  make(map[clientSeqKey]uuid.UUID),
		byServerSeq:  make(map[serverSeqKey]struct{}),
		cursors:      make(map[cursorKey]store.Cursor),
		presence:     make(map[presenceKey]store.Presence),
	}
}

var _ store.Store = (*Store)(nil)

// --- Rooms ---

func (s *Store) CreateRoom(ctx context.Context, room *store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; ok {
		return store.ErrDuplicate
	}
	s.rooms[room.ID] = *room
	return nil
}

func (s *Store) GetRoom(ctx context.Context, id uuid.UUID) (*store.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &room, nil
}

func (s *Store) ListRooms(ctx context.Context, ownerID string, limit, offset int) ([]store.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Room
	for _, r := range s.rooms {
		if ownerID == "" || r.OwnerID == ownerID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []store.Room{}, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) UpdateRoom(ctx context.Context, room *store.Room) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[room.ID]; !ok {
		return store.ErrNotFound
	}
	s.rooms[room.ID] = *room
	return nil
}

func (s *Store) DeleteRoom(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.rooms, id)
	// Cascade: participants, documents (with their operations and
	// cursors) and presence all belong to the room.
	for pid, p := range s.participants {
		if p.RoomID == id {
			delete(s.participants, pid)
		}
	}
	for did, d := range s.documents {
		if d.RoomID == id {
			s.deleteDocumentLocked(did)
		}
	}
	for k := range s.presence {
		if k.roomID == id {
			delete(s.presence, k)
		}
	}
	return nil
}

func (s *Store) ExpireRooms(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rooms {
		if r.Status == store.RoomActive && r.ExpiresAt != nil && r.ExpiresAt.Before(now) {
			r.Status = store.RoomExpired
			r.UpdatedAt = now
			s.rooms[id] = r
			n++
		}
	}
	return n, nil
}

// --- Participants ---

func (s *Store) AddParticipant(ctx context.Context, p *store.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.participants {
		if existing.RoomID == p.RoomID && existing.UserID == p.UserID {
			return store.ErrDuplicate
		}
	}
	s.participants[p.ID] = *p
	return nil
}

func (s *Store) GetParticipant(ctx context.Context, roomID uuid.UUID, userID string) (*store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.RoomID == roomID && p.UserID == userID {
			out := p
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetParticipantByID(ctx context.Context, id uuid.UUID) (*store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListParticipants(ctx context.Context, roomID uuid.UUID) ([]store.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Participant
	for _, p := range s.participants {
		if p.RoomID == roomID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out, nil
}

func (s *Store) UpdateParticipant(ctx context.Context, p *store.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.participants[p.ID]; !ok {
		return store.ErrNotFound
	}
	s.participants[p.ID] = *p
	return nil
}

func (s *Store) RemoveParticipant(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.participants[id]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.participants, id)
	for k := range s.cursors {
		if k.participantID == id {
			delete(s.cursors, k)
		}
	}
	delete(s.presence, presenceKey{participantID: id, roomID: p.RoomID})
	return nil
}

func (s *Store) CountParticipants(ctx context.Context, roomID uuid.UUID) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, p := range s.participants {
		if p.RoomID == roomID {
			n++
		}
	}
	return n, nil
}

// --- Documents ---

func (s *Store) CreateDocument(ctx context.Context, doc *store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.documents {
		if existing.RoomID == doc.RoomID && existing.FilePath == doc.FilePath {
			return store.ErrDuplicate
		}
	}
	s.documents[doc.ID] = *doc
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *Store) ListDocuments(ctx context.Context, roomID uuid.UUID) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Document
	for _, d := range s.documents {
		if d.RoomID == roomID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (s *Store) UpdateDocumentMeta(ctx context.Context, doc *store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.documents[doc.ID]
	if !ok {
		return store.ErrNotFound
	}
	for id, other := range s.documents {
		if id != doc.ID && other.RoomID == existing.RoomID && other.FilePath == doc.FilePath {
			return store.ErrDuplicate
		}
	}
	existing.FilePath = doc.FilePath
	existing.Language = doc.Language
	existing.Metadata = doc.Metadata
	s.documents[doc.ID] = existing
	return nil
}

func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.documents[id]; !ok {
		return store.ErrNotFound
	}
	s.deleteDocumentLocked(id)
	return nil
}

func (s *Store) deleteDocumentLocked(id uuid.UUID) {
	delete(s.documents, id)
	for _, op := range s.operations[id] {
		delete(s.byClientSeq, clientSeqKey{id, op.ClientID, op.ClientSeq})
		delete(s.byServerSeq, serverSeqKey{id, op.ServerSeq})
	}
	delete(s.operations, id)
	for k := range s.cursors {
		if k.documentID == id {
			delete(s.cursors, k)
		}
	}
}

// --- Operations ---

func (s *Store) AppendOperations(ctx context.Context, docID uuid.UUID, ops []store.PersistedOperation, update store.DocumentUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.documents[docID]
	if !ok {
		return store.ErrNotFound
	}
	for _, op := range ops {
		if _, dup := s.byClientSeq[clientSeqKey{docID, op.ClientID, op.ClientSeq}]; dup && op.ClientID != "" {
			return store.ErrDuplicateClientSeq
		}
		if _, dup := s.byServerSeq[serverSeqKey{docID, op.ServerSeq}]; dup {
			return store.ErrDuplicateServerSeq
		}
	}
	for _, op := range ops {
		s.operations[docID] = append(s.operations[docID], op)
		if op.ClientID != "" {
			s.byClientSeq[clientSeqKey{docID, op.ClientID, op.ClientSeq}] = op.ID
		}
		s.byServerSeq[serverSeqKey{docID, op.ServerSeq}] = struct{}{}
	}
	doc.Content = update.Content
	doc.Version = update.Version
	doc.SizeBytes = update.SizeBytes
	doc.LineCount = update.LineCount
	t := update.LastOperationAt
	doc.LastOperationAt = &t
	s.documents[docID] = doc
	return nil
}

func (s *Store) OperationByClientSeq(ctx context.Context, docID uuid.UUID, clientID string, clientSeq int64) (*store.PersistedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, op := range s.operations[docID] {
		if op.ClientID == clientID && op.ClientSeq == clientSeq {
			out := op
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) OperationsSince(ctx context.Context, docID uuid.UUID, afterSeq int64, limit int) ([]store.PersistedOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.PersistedOperation
	for _, op := range s.operations[docID] {
		if op.ServerSeq > afterSeq {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServerSeq < out[j].ServerSeq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- Cursors ---

func (s *Store) UpsertCursor(ctx context.Context, c *store.Cursor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := cursorKey{c.ParticipantID, c.DocumentID}
	if existing, ok := s.cursors[key]; ok {
		c.ID = existing.ID
	} else if c.ID == uuid.Nil {
		c.ID = uuid.Must(uuid.NewV7())
	}
	s.cursors[key] = *c
	return nil
}

func (s *Store) ListCursors(ctx context.Context, docID uuid.UUID) ([]store.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Cursor
	for k, c := range s.cursors {
		if k.documentID == docID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *Store) DeleteCursor(ctx context.Context, participantID, docID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, cursorKey{participantID, docID})
	return nil
}

// --- Presence ---

func (s *Store) UpsertPresence(ctx context.Context, p *store.Presence) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presence[presenceKey{p.ParticipantID, p.RoomID}] = *p
	return nil
}

func (s *Store) ListPresence(ctx context.Context, roomID uuid.UUID) ([]store.Presence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.Presence
	for k, p := range s.presence {
		if k.roomID == roomID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *Store) SweepPresence(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, p := range s.presence {
		if p.Status != store.PresenceOffline && p.LastActivity.Before(cutoff) {
			p.Status = store.PresenceOffline
			s.presence[k] = p
			n++
		}
	}
	return n, nil
}

func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }
