package hub

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/collabd/internal/doc"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// cursorState is the hub's live view of one participant's cursor in one
// document, kept so accepted operations can shift peer cursors without a
// store round trip.
type cursorState struct {
	offset   int
	selStart *int
	selEnd   *int
	version  int64
}

// cursorSlot throttles cursor updates to one per coalesce interval. The
// first update in a window processes immediately; later ones collapse
// into a single trailing update when the window expires.
type cursorSlot struct {
	mu       sync.Mutex
	interval time.Duration
	timer    *time.Timer
	busy     bool
	stopped  bool

	pending     *protocol.CursorUpdatePayload
	pendingSess Session
}

func newCursorSlot(interval time.Duration) *cursorSlot {
	return &cursorSlot{interval: interval}
}

// offer returns true when the caller should process the update now; false
// when it was queued as the window's trailing update.
func (s *cursorSlot) offer(p *protocol.CursorUpdatePayload, sess Session, fire func(*protocol.CursorUpdatePayload, Session)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if !s.busy {
		s.busy = true
		s.timer = time.AfterFunc(s.interval, func() { s.expire(fire) })
		return true
	}
	s.pending = p
	s.pendingSess = sess
	return false
}

func (s *cursorSlot) expire(fire func(*protocol.CursorUpdatePayload, Session)) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	p, sess := s.pending, s.pendingSess
	s.pending, s.pendingSess = nil, nil
	if p == nil {
		s.busy = false
		s.mu.Unlock()
		return
	}
	s.timer = time.AfterFunc(s.interval, func() { s.expire(fire) })
	s.mu.Unlock()
	fire(p, sess)
}

func (s *cursorSlot) stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
}

// HandleCursor ingests a cursor report: coalesce, transform stale
// positions to the current document version, persist, fan out.
func (h *RoomHub) HandleCursor(ctx context.Context, sess Session, p *protocol.CursorUpdatePayload) error {
	docID, err := uuid.Parse(p.DocID)
	if err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "invalid document id")
	}
	key := docKey{participantID: sess.ParticipantID(), documentID: docID}
	slot := h.cursorSlot(key)
	if !slot.offer(p, sess, func(late *protocol.CursorUpdatePayload, ls Session) {
		cctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreDeadline())
		defer cancel()
		h.processCursor(cctx, ls, docID, late)
	}) {
		return nil
	}
	return h.processCursor(ctx, sess, docID, p)
}

func (h *RoomHub) processCursor(ctx context.Context, sess Session, docID uuid.UUID, p *protocol.CursorUpdatePayload) error {
	coord := h.coordinator(docID)
	snap, err := coord.OpenSnapshot(ctx)
	if err != nil {
		return err
	}

	line, col := p.Line, p.Column
	selStart, selEnd := p.SelectionStart, p.SelectionEnd
	offset := offsetForPosition(snap.Content, line, col)

	// A stale position shifts past every server operation the reporting
	// client has not seen yet.
	if p.Version > 0 && p.Version < snap.Version {
		gap, gerr := coord.OperationsSince(ctx, p.Version, h.cfg.MaxLag)
		if gerr == nil {
			for _, op := range gap {
				offset = ot.TransformCursor(offset, op.Bundle, false)
				if selStart != nil {
					v := ot.TransformCursor(*selStart, op.Bundle, false)
					selStart = &v
				}
				if selEnd != nil {
					v := ot.TransformCursor(*selEnd, op.Bundle, false)
					selEnd = &v
				}
			}
			line, col = positionForOffset(snap.Content, offset)
		}
	}

	now := time.Now().UTC()
	if err := h.st.UpsertCursor(ctx, &store.Cursor{
		ID:             uuid.Must(uuid.NewV7()),
		ParticipantID:  sess.ParticipantID(),
		DocumentID:     docID,
		Line:           line,
		Column:         col,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
		UpdatedAt:      now,
	}); err != nil {
		return mapStoreErr(err, "cursor")
	}

	h.mu.Lock()
	h.touch()
	h.cursors[docKey{participantID: sess.ParticipantID(), documentID: docID}] = &cursorState{
		offset:   offset,
		selStart: selStart,
		selEnd:   selEnd,
		version:  snap.Version,
	}
	h.mu.Unlock()

	msg := protocol.NewMessage(protocol.MsgCursorUpdated, protocol.CursorEvent{
		DocID:          docID.String(),
		ParticipantID:  sess.ParticipantID().String(),
		Line:           line,
		Column:         col,
		SelectionStart: selStart,
		SelectionEnd:   selEnd,
		Version:        snap.Version,
	})
	msg.SenderID = sess.ParticipantID().String()
	h.broadcast(msg, sess.ID())
	return nil
}

// shiftCursors moves cached peer cursors past a just-accepted operation
// and rebroadcasts the ones that actually moved.
func (h *RoomHub) shiftCursors(docID uuid.UUID, res *doc.SubmitResult, submitter uuid.UUID) {
	h.mu.Lock()
	type shifted struct {
		pid   uuid.UUID
		state cursorState
	}
	var moved []shifted
	for key, cs := range h.cursors {
		if key.documentID != docID {
			continue
		}
		isOwn := key.participantID == submitter
		next := ot.TransformCursor(cs.offset, res.Ops, isOwn)
		changed := next != cs.offset
		cs.offset = next
		if cs.selStart != nil {
			v := ot.TransformCursor(*cs.selStart, res.Ops, isOwn)
			changed = changed || v != *cs.selStart
			cs.selStart = &v
		}
		if cs.selEnd != nil {
			v := ot.TransformCursor(*cs.selEnd, res.Ops, isOwn)
			changed = changed || v != *cs.selEnd
			cs.selEnd = &v
		}
		cs.version = res.NewVersion
		if changed && !isOwn {
			moved = append(moved, shifted{pid: key.participantID, state: *cs})
		}
	}
	h.mu.Unlock()

	if len(moved) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.StoreDeadline())
	defer cancel()
	snap, err := h.coordinator(docID).OpenSnapshot(ctx)
	if err != nil {
		return
	}
	for _, m := range moved {
		line, col := positionForOffset(snap.Content, m.state.offset)
		h.broadcast(protocol.NewMessage(protocol.MsgCursorUpdated, protocol.CursorEvent{
			DocID:          docID.String(),
			ParticipantID:  m.pid.String(),
			Line:           line,
			Column:         col,
			SelectionStart: m.state.selStart,
			SelectionEnd:   m.state.selEnd,
			Version:        res.NewVersion,
		}), "")
	}
}

// dropCursor forgets a participant's cursor in one document, both cached
// and persisted.
func (h *RoomHub) dropCursor(ctx context.Context, participantID, docID uuid.UUID) {
	key := docKey{participantID: participantID, documentID: docID}
	h.mu.Lock()
	delete(h.cursors, key)
	if slot, ok := h.cursorSlots[key]; ok {
		slot.stop()
		delete(h.cursorSlots, key)
	}
	h.mu.Unlock()
	h.st.DeleteCursor(ctx, participantID, docID)
}

// offsetForPosition converts a (line, column) pair to a UTF-16 offset in
// content, clamping past-the-end positions.
func offsetForPosition(content string, line, col int) int {
	off, curLine, colUnits := 0, 0, 0
	for _, r := range content {
		if curLine == line && colUnits >= col {
			return off
		}
		u := 1
		if r > 0xFFFF {
			u = 2
		}
		if r == '\n' {
			if curLine == line {
				return off
			}
			curLine++
			colUnits = 0
			off++
			continue
		}
		if curLine == line {
			colUnits += u
		}
		off += u
	}
	return off
}

// positionForOffset converts a UTF-16 offset back to (line, column).
func positionForOffset(content string, off int) (line, col int) {
	cur := 0
	for _, r := range content {
		if cur >= off {
			break
		}
		u := 1
		if r > 0xFFFF {
			u = 2
		}
		cur += u
		if r == '\n' {
			line++
			col = 0
		} else {
			col += u
		}
	}
	return line, col
}
