// Package hub hosts the per-room runtime: live session registry, lazy
// document coordinators, operation fan-out and cursor/presence routing.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/config"
	"github.com/nextlevelbuilder/collabd/internal/doc"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// Session is the hub's view of one client connection. Send must not
// block: it reports false when the outbound queue is full, after which
// the hub evicts the connection as a slow consumer.
type Session interface {
	ID() string
	ParticipantID() uuid.UUID
	Role() store.Role
	Send(msg *protocol.Message) bool
	// Kick asks the transport to send a final coded error and close.
	Kick(code protocol.ErrorCode, msg string)
}

type docKey struct {
	participantID uuid.UUID
	documentID    uuid.UUID
}

// RoomHub coordinates all live activity in one room.
type RoomHub struct {
	roomID uuid.UUID
	st     store.Store
	cfg    config.CollabConfig

	mu            sync.Mutex
	sessions      map[string]Session
	byParticipant map[uuid.UUID]map[string]Session
	coords        map[uuid.UUID]*doc.Coordinator
	submits       map[uuid.UUID]*sync.Mutex
	limiters      map[docKey]*opLimiter
	presenceLims  map[uuid.UUID]*opLimiter
	cursorSlots   map[docKey]*cursorSlot
	cursors       map[docKey]*cursorState
	offlineTimers map[uuid.UUID]*time.Timer
	lastActivity  time.Time
	closed        bool
}

// NewRoomHub builds the hub for a room.
func NewRoomHub(roomID uuid.UUID, st store.Store, cfg config.CollabConfig) *RoomHub {
	return &RoomHub{
		roomID:        roomID,
		st:            st,
		cfg:           cfg,
		sessions:      make(map[string]Session),
		byParticipant: make(map[uuid.UUID]map[string]Session),
		coords:        make(map[uuid.UUID]*doc.Coordinator),
		submits:       make(map[uuid.UUID]*sync.Mutex),
		limiters:      make(map[docKey]*opLimiter),
		presenceLims:  make(map[uuid.UUID]*opLimiter),
		cursorSlots:   make(map[docKey]*cursorSlot),
		cursors:       make(map[docKey]*cursorState),
		offlineTimers: make(map[uuid.UUID]*time.Timer),
		lastActivity:  time.Now(),
	}
}

// RoomID returns the hub's room id.
func (h *RoomHub) RoomID() uuid.UUID { return h.roomID }

func (h *RoomHub) touch() { h.lastActivity = time.Now() }

// Join registers a connection for a verified participant and answers with
// the room snapshot. A resume version within MaxLag of each document's
// current version replaces that document's content with its operation gap.
func (h *RoomHub) Join(ctx context.Context, sess Session, p *store.Participant, resumeFrom *int64) (*protocol.RoomJoinedPayload, error) {
	room, err := h.st.GetRoom(ctx, h.roomID)
	if err != nil {
		return nil, mapStoreErr(err, "room")
	}
	if room.Status != store.RoomActive {
		return nil, protocol.E(protocol.CodeNotFound, "room is not active")
	}

	participants, err := h.st.ListParticipants(ctx, h.roomID)
	if err != nil {
		return nil, mapStoreErr(err, "participants")
	}
	docs, err := h.st.ListDocuments(ctx, h.roomID)
	if err != nil {
		return nil, mapStoreErr(err, "documents")
	}

	payload := &protocol.RoomJoinedPayload{
		RoomID:      h.roomID.String(),
		Participant: participantInfo(p),
	}
	for i := range participants {
		payload.Participants = append(payload.Participants, participantInfo(&participants[i]))
	}
	for i := range docs {
		d := &docs[i]
		snap := protocol.DocumentSnapshot{
			DocID:     d.ID.String(),
			FilePath:  d.FilePath,
			Language:  d.Language,
			Content:   d.Content,
			Version:   d.Version,
			SizeBytes: d.SizeBytes,
			LineCount: d.LineCount,
		}
		if resumeFrom != nil && d.Version-*resumeFrom <= int64(h.cfg.MaxLag) && *resumeFrom <= d.Version {
			gap, err := h.coordinator(d.ID).OperationsSince(ctx, *resumeFrom, h.cfg.MaxLag)
			if err == nil {
				for _, op := range gap {
					payload.Gap = append(payload.Gap, operationEvent(&op, op.ServerSeq))
				}
				// Gap replay replaces the full snapshot.
				snap.Content = ""
			}
		}
		payload.Documents = append(payload.Documents, snap)
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, protocol.E(protocol.CodeUnavailable, "room is shutting down")
	}
	h.touch()
	h.sessions[sess.ID()] = sess
	conns := h.byParticipant[p.ID]
	if conns == nil {
		conns = make(map[string]Session)
		h.byParticipant[p.ID] = conns
	}
	conns[sess.ID()] = sess
	// A reconnect within the offline grace keeps the participant online.
	if t, ok := h.offlineTimers[p.ID]; ok {
		t.Stop()
		delete(h.offlineTimers, p.ID)
	}
	h.mu.Unlock()

	now := time.Now().UTC()
	if err := h.st.UpsertPresence(ctx, &store.Presence{
		ParticipantID: p.ID,
		RoomID:        h.roomID,
		Status:        store.PresenceOnline,
		Activity:      store.ActivityViewing,
		LastActivity:  now,
	}); err != nil {
		slog.Warn("room.presence.update_failed", "room", h.roomID, "participant", p.ID, "error", err)
	}

	h.broadcast(protocol.NewMessage(protocol.MsgParticipantJoined, participantInfo(p)), sess.ID())
	slog.Info("room.participant.joined", "room", h.roomID, "participant", p.ID)
	return payload, nil
}

// Leave removes a connection. When it was the participant's last, the
// offline broadcast is delayed by the grace period so quick reconnects
// stay invisible to peers.
func (h *RoomHub) Leave(sess Session) {
	pid := sess.ParticipantID()

	h.mu.Lock()
	if _, ok := h.sessions[sess.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, sess.ID())
	conns := h.byParticipant[pid]
	delete(conns, sess.ID())
	last := len(conns) == 0
	if last {
		delete(h.byParticipant, pid)
	}
	h.touch()
	if last && !h.closed {
		h.offlineTimers[pid] = time.AfterFunc(h.cfg.OfflineGrace(), func() {
			h.markOffline(pid)
		})
	}
	h.mu.Unlock()
}

func (h *RoomHub) markOffline(pid uuid.UUID) {
	h.mu.Lock()
	delete(h.offlineTimers, pid)
	if _, reconnected := h.byParticipant[pid]; reconnected || h.closed {
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreDeadline())
	defer cancel()

	h.mu.Lock()
	var docs []uuid.UUID
	for key := range h.cursors {
		if key.participantID == pid {
			docs = append(docs, key.documentID)
		}
	}
	h.mu.Unlock()
	for _, d := range docs {
		h.dropCursor(ctx, pid, d)
	}

	now := time.Now().UTC()
	if err := h.st.UpsertPresence(ctx, &store.Presence{
		ParticipantID: pid,
		RoomID:        h.roomID,
		Status:        store.PresenceOffline,
		Activity:      store.ActivityIdle,
		LastActivity:  now,
	}); err != nil {
		slog.Warn("room.presence.update_failed", "room", h.roomID, "participant", pid, "error", err)
	}
	if p, err := h.st.GetParticipantByID(ctx, pid); err == nil {
		p.Presence = store.PresenceOffline
		p.LastSeen = now
		if err := h.st.UpdateParticipant(ctx, p); err != nil {
			slog.Warn("room.participant.update_failed", "room", h.roomID, "participant", pid, "error", err)
		}
	}
	h.broadcast(protocol.NewMessage(protocol.MsgParticipantLeft, protocol.PresenceEvent{
		ParticipantID: pid.String(),
		Status:        string(store.PresenceOffline),
	}), "")
	slog.Info("room.participant.left", "room", h.roomID, "participant", pid)
}

// HandleOperation runs the submit pipeline for one client bundle and, on
// success, acknowledges the submitter before fanning out to peers.
func (h *RoomHub) HandleOperation(ctx context.Context, sess Session, p *protocol.OperationPayload) error {
	if !auth.CanEdit(sess.Role()) {
		return protocol.E(protocol.CodeReadOnly, "viewers cannot submit operations")
	}
	docID, err := uuid.Parse(p.DocID)
	if err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "invalid document id")
	}
	if p.Ops == nil {
		return protocol.E(protocol.CodeInvalidOperation, "missing ops")
	}
	// Idempotent replay detection keys on (clientId, clientSeq).
	if p.ClientID == "" {
		return protocol.E(protocol.CodeInvalidOperation, "missing client id")
	}
	if !h.allowOperation(sess, docID) {
		return protocol.E(protocol.CodeRateLimited, "operation rate exceeded")
	}

	// Accept, ack and fan out under one per-document lock so peers see
	// operation-received in server-sequence order and every ack precedes
	// its own broadcast.
	lock := h.submitLock(docID)
	lock.Lock()
	defer lock.Unlock()

	coord := h.coordinator(docID)
	res, err := coord.Submit(ctx, sess.ParticipantID(), p.Ops, p.BaseVersion, p.ClientID, p.ClientSeq)
	if coord.Broken() {
		h.dropCoordinator(docID)
	}
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.touch()
	h.mu.Unlock()

	// Ack before the peer broadcast.
	sess.Send(protocol.NewMessage(protocol.MsgOperationAck, protocol.OperationAckPayload{
		DocID:       p.DocID,
		ClientSeq:   p.ClientSeq,
		ServerSeq:   res.ServerSeq,
		NewVersion:  res.NewVersion,
		Transformed: res.Transformed,
		Ops:         res.Ops,
	}))
	if res.Duplicate {
		return nil
	}

	ev := protocol.OperationEvent{
		DocID:         p.DocID,
		ParticipantID: sess.ParticipantID().String(),
		Ops:           res.Ops,
		ServerSeq:     res.ServerSeq,
		ClientID:      p.ClientID,
		ClientSeq:     p.ClientSeq,
		NewVersion:    res.NewVersion,
	}
	msg := protocol.NewMessage(protocol.MsgOperationReceived, ev)
	msg.SenderID = sess.ParticipantID().String()
	h.broadcast(msg, sess.ID())

	h.shiftCursors(docID, res, sess.ParticipantID())
	return nil
}

// HandlePresence updates the sender's presence and fans it out.
func (h *RoomHub) HandlePresence(ctx context.Context, sess Session, p *protocol.PresenceUpdatePayload) error {
	if !h.allowPresence(sess) {
		return protocol.E(protocol.CodeRateLimited, "presence rate exceeded")
	}
	status := store.PresenceStatus(p.Status)
	switch status {
	case store.PresenceOnline, store.PresenceIdle, store.PresenceAway, store.PresenceOffline:
	default:
		return protocol.E(protocol.CodeInvalidOperation, "unknown presence status")
	}
	activity := store.ActivityType(p.Activity)
	if activity == "" {
		activity = store.ActivityIdle
	}

	pres := &store.Presence{
		ParticipantID: sess.ParticipantID(),
		RoomID:        h.roomID,
		Status:        status,
		Activity:      activity,
		LastActivity:  time.Now().UTC(),
	}
	if p.DocID != "" {
		if docID, err := uuid.Parse(p.DocID); err == nil {
			pres.CurrentDocumentID = &docID
		}
	}
	if err := h.st.UpsertPresence(ctx, pres); err != nil {
		return mapStoreErr(err, "presence")
	}

	h.mu.Lock()
	h.touch()
	h.mu.Unlock()

	msg := protocol.NewMessage(protocol.MsgPresenceUpdated, protocol.PresenceEvent{
		ParticipantID: sess.ParticipantID().String(),
		Status:        string(status),
		Activity:      string(activity),
		DocID:         p.DocID,
	})
	msg.SenderID = sess.ParticipantID().String()
	h.broadcast(msg, sess.ID())
	return nil
}

// OpenDocument returns the current snapshot for one document in the room.
func (h *RoomHub) OpenDocument(ctx context.Context, docID uuid.UUID) (*protocol.DocumentSnapshot, error) {
	d, err := h.st.GetDocument(ctx, docID)
	if err != nil {
		return nil, mapStoreErr(err, "document")
	}
	if d.RoomID != h.roomID {
		return nil, protocol.E(protocol.CodeNotFound, "document not in room")
	}
	snap, err := h.coordinator(docID).OpenSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return &protocol.DocumentSnapshot{
		DocID:     docID.String(),
		FilePath:  snap.FilePath,
		Language:  snap.Language,
		Content:   snap.Content,
		Version:   snap.Version,
		SizeBytes: snap.SizeBytes,
		LineCount: snap.LineCount,
	}, nil
}

// OperationsSince exposes reconciliation reads for the session layer.
func (h *RoomHub) OperationsSince(ctx context.Context, docID uuid.UUID, from int64, limit int) ([]protocol.OperationEvent, error) {
	ops, err := h.coordinator(docID).OperationsSince(ctx, from, limit)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.OperationEvent, 0, len(ops))
	for _, op := range ops {
		out = append(out, operationEvent(&op, op.ServerSeq))
	}
	return out, nil
}

// Empty reports whether no connection remains.
func (h *RoomHub) Empty() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions) == 0
}

// IdleSince returns the time of the last room activity.
func (h *RoomHub) IdleSince() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// Shutdown detaches all sessions and stops pending timers.
func (h *RoomHub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	for _, t := range h.offlineTimers {
		t.Stop()
	}
	h.offlineTimers = map[uuid.UUID]*time.Timer{}
	for _, slot := range h.cursorSlots {
		slot.stop()
	}
	sessions := make([]Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = map[string]Session{}
	h.byParticipant = map[uuid.UUID]map[string]Session{}
	h.mu.Unlock()

	for _, s := range sessions {
		s.Kick(protocol.CodeUnavailable, "room closed")
	}
}

// coordinator returns (lazily creating) the document's coordinator.
func (h *RoomHub) coordinator(docID uuid.UUID) *doc.Coordinator {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.coords[docID]
	if !ok {
		c = doc.NewCoordinator(docID, h.st, doc.Options{
			MaxLag:        h.cfg.MaxLag,
			RingSize:      h.cfg.OpRingSize,
			StoreDeadline: h.cfg.StoreDeadline(),
		})
		h.coords[docID] = c
	}
	return c
}

// submitLock returns (lazily creating) the document's submit pipeline
// lock.
func (h *RoomHub) submitLock(docID uuid.UUID) *sync.Mutex {
	h.mu.Lock()
	defer h.mu.Unlock()
	m, ok := h.submits[docID]
	if !ok {
		m = &sync.Mutex{}
		h.submits[docID] = m
	}
	return m
}

func (h *RoomHub) dropCoordinator(docID uuid.UUID) {
	h.mu.Lock()
	delete(h.coords, docID)
	h.mu.Unlock()
}

// broadcast delivers msg to every session except exclude. Sessions whose
// queue is full are evicted as slow consumers; peers are unaffected.
func (h *RoomHub) broadcast(msg *protocol.Message, exclude string) {
	h.mu.Lock()
	var slow []Session
	for id, s := range h.sessions {
		if id == exclude {
			continue
		}
		if !s.Send(msg) {
			slow = append(slow, s)
		}
	}
	for _, s := range slow {
		delete(h.sessions, s.ID())
		conns := h.byParticipant[s.ParticipantID()]
		delete(conns, s.ID())
		if len(conns) == 0 {
			delete(h.byParticipant, s.ParticipantID())
		}
	}
	h.mu.Unlock()

	for _, s := range slow {
		slog.Warn("room.session.slow_consumer", "room", h.roomID, "session", s.ID())
		s.Kick(protocol.CodeSlowConsumer, "outbound queue overflow")
	}
}

func participantInfo(p *store.Participant) protocol.ParticipantInfo {
	return protocol.ParticipantInfo{
		ID:          p.ID.String(),
		UserID:      p.UserID,
		Role:        string(p.Role),
		DisplayName: p.DisplayName,
		Color:       p.Color,
		Presence:    string(p.Presence),
	}
}

func operationEvent(op *store.PersistedOperation, newVersion int64) protocol.OperationEvent {
	return protocol.OperationEvent{
		DocID:         op.DocumentID.String(),
		ParticipantID: op.ParticipantID.String(),
		Ops:           op.Bundle,
		ServerSeq:     op.ServerSeq,
		ClientID:      op.ClientID,
		ClientSeq:     op.ClientSeq,
		NewVersion:    newVersion,
	}
}

func mapStoreErr(err error, what string) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return protocol.E(protocol.CodeNotFound, what+" not found")
	case errors.Is(err, context.DeadlineExceeded):
		return protocol.E(protocol.CodeUnavailable, "store deadline exceeded")
	default:
		if pe, ok := err.(*protocol.Error); ok {
			return pe
		}
		return protocol.Wrap(protocol.CodeUnavailable, err)
	}
}
