package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/hub"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

const writeWait = 10 * time.Second

// Session is one authenticated WebSocket connection. It implements
// hub.Session; room membership is attached by the join-room handshake.
type Session struct {
	id       string
	conn     *websocket.Conn
	srv      *Server
	identity *auth.Identity

	out    chan *protocol.Message
	closed chan struct{}
	once   sync.Once

	mu          sync.Mutex
	room        *hub.RoomHub
	participant *store.Participant
}

func newSession(conn *websocket.Conn, srv *Server, identity *auth.Identity) *Session {
	queue := srv.cfg.Collab.OutboundQueue
	if queue <= 0 {
		queue = 256
	}
	return &Session{
		id:       uuid.NewString(),
		conn:     conn,
		srv:      srv,
		identity: identity,
		out:      make(chan *protocol.Message, queue),
		closed:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// ParticipantID returns the joined participant id, or the zero UUID before
// the join handshake completes.
func (s *Session) ParticipantID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participant == nil {
		return uuid.UUID{}
	}
	return s.participant.ID
}

// Role returns the joined participant's role.
func (s *Session) Role() store.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.participant == nil {
		return store.RoleViewer
	}
	return s.participant.Role
}

// Send enqueues a frame without blocking; false means the queue is full.
func (s *Session) Send(msg *protocol.Message) bool {
	select {
	case <-s.closed:
		return true
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		return false
	}
}

// Kick sends a final coded error and closes the connection.
func (s *Session) Kick(code protocol.ErrorCode, msg string) {
	s.Send(protocol.NewMessage(protocol.MsgError, protocol.ErrorPayload{Code: code, Message: msg}))
	s.Close()
}

// Close detaches from the room and tears the connection down. Idempotent.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		room := s.room
		s.room = nil
		s.mu.Unlock()
		if room != nil {
			room.Leave(s)
		}
	})
}

// Run drives the session until the connection drops. The caller owns the
// connection teardown.
func (s *Session) Run() {
	go s.writePump()

	// The client must join a room shortly after connecting.
	joinTimer := time.AfterFunc(s.srv.cfg.Collab.JoinDeadline(), func() {
		s.mu.Lock()
		joined := s.room != nil
		s.mu.Unlock()
		if !joined {
			s.Kick(protocol.CodeInvalidOperation, "no join-room within deadline")
		}
	})
	defer joinTimer.Stop()

	s.readPump()
}

func (s *Session) readPump() {
	idle := s.srv.cfg.Collab.SessionIdleTTL()
	if max := s.srv.cfg.Server.MaxMessageBytes; max > 0 {
		s.conn.SetReadLimit(max)
	}
	s.conn.SetReadDeadline(time.Now().Add(idle))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(idle))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(idle))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Type == "" {
			// Malformed frames are a protocol violation, not a soft error.
			s.Kick(protocol.CodeInvalidOperation, "malformed message")
			return
		}
		s.dispatch(&msg)

		select {
		case <-s.closed:
			return
		default:
		}
	}
}

func (s *Session) writePump() {
	idle := s.srv.cfg.Collab.SessionIdleTTL()
	pingPeriod := idle * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case msg := <-s.out:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(msg); err != nil {
				s.Close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			// Flush whatever is already queued, then say goodbye.
			for {
				select {
				case msg := <-s.out:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					if s.conn.WriteJSON(msg) != nil {
						return
					}
				default:
					s.conn.SetWriteDeadline(time.Now().Add(writeWait))
					s.conn.WriteMessage(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (s *Session) dispatch(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), s.srv.cfg.Collab.StoreDeadline())
	defer cancel()

	var err error
	switch msg.Type {
	case protocol.MsgPing:
		s.Send(protocol.NewMessage(protocol.MsgPong, nil))
		return
	case protocol.MsgJoinRoom:
		err = s.handleJoin(ctx, msg)
	case protocol.MsgLeaveRoom:
		s.handleLeave()
		return
	case protocol.MsgOpenDocument:
		err = s.handleOpenDocument(ctx, msg)
	case protocol.MsgOperation:
		err = s.handleOperation(ctx, msg)
	case protocol.MsgCursorUpdate:
		err = s.handleCursor(ctx, msg)
	case protocol.MsgPresenceUpdate:
		err = s.handlePresence(ctx, msg)
	default:
		// Unknown inbound types are a protocol violation, same as a
		// malformed frame.
		s.Kick(protocol.CodeInvalidOperation, "unknown message type "+msg.Type)
		return
	}
	if err != nil {
		s.sendError(err)
	}
}

func (s *Session) sendError(err error) {
	code := protocol.CodeOf(err)
	payload := protocol.ErrorPayload{Code: code, Message: err.Error()}
	if pe, ok := err.(*protocol.Error); ok {
		payload.Message = pe.Message
	}
	s.Send(protocol.NewMessage(protocol.MsgError, payload))
}

func (s *Session) currentRoom() (*hub.RoomHub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return nil, protocol.E(protocol.CodeInvalidOperation, "join a room first")
	}
	return s.room, nil
}

func (s *Session) handleJoin(ctx context.Context, msg *protocol.Message) error {
	s.mu.Lock()
	already := s.room != nil
	s.mu.Unlock()
	if already {
		return protocol.E(protocol.CodeInvalidOperation, "already in a room")
	}

	var p protocol.JoinRoomPayload
	if err := msg.Decode(&p); err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "bad join payload")
	}
	roomID, err := uuid.Parse(p.RoomID)
	if err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "invalid room id")
	}

	// Membership is established over REST before the socket joins.
	participant, err := s.srv.st.GetParticipant(ctx, roomID, s.identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return protocol.E(protocol.CodePermissionDenied, "not a participant of this room")
		}
		return protocol.Wrap(protocol.CodeUnavailable, err)
	}

	room, err := s.srv.rooms.Room(ctx, roomID)
	if err != nil {
		return err
	}

	participant.Presence = store.PresenceOnline
	participant.LastSeen = time.Now().UTC()
	s.srv.st.UpdateParticipant(ctx, participant)

	s.mu.Lock()
	s.participant = participant
	s.mu.Unlock()

	joined, err := room.Join(ctx, s, participant, p.ResumeFromVersion)
	if err != nil {
		s.mu.Lock()
		s.participant = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.room = room
	s.mu.Unlock()

	s.Send(protocol.NewMessage(protocol.MsgRoomJoined, joined))
	return nil
}

func (s *Session) handleLeave() {
	s.mu.Lock()
	room := s.room
	s.room = nil
	s.participant = nil
	s.mu.Unlock()
	if room != nil {
		room.Leave(s)
	}
}

func (s *Session) handleOpenDocument(ctx context.Context, msg *protocol.Message) error {
	room, err := s.currentRoom()
	if err != nil {
		return err
	}
	var p protocol.OpenDocumentPayload
	if err := msg.Decode(&p); err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "bad open-document payload")
	}
	docID, err := uuid.Parse(p.DocID)
	if err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "invalid document id")
	}
	snap, err := room.OpenDocument(ctx, docID)
	if err != nil {
		return err
	}
	s.Send(protocol.NewMessage(protocol.MsgDocumentSnapshot, snap))
	return nil
}

func (s *Session) handleOperation(ctx context.Context, msg *protocol.Message) error {
	room, err := s.currentRoom()
	if err != nil {
		return err
	}
	if max := s.srv.cfg.Collab.MaxBundleBytes; max > 0 && len(msg.Payload) > max {
		return protocol.E(protocol.CodeInvalidOperation, "bundle too large")
	}
	var p protocol.OperationPayload
	if err := msg.Decode(&p); err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "bad operation payload")
	}
	if err := room.HandleOperation(ctx, s, &p); err != nil {
		if protocol.CodeOf(err) == protocol.CodeSyncRequired {
			s.Send(protocol.NewMessage(protocol.MsgSyncRequest, protocol.SyncRequestPayload{
				DocID: p.DocID,
				From:  p.BaseVersion,
			}))
		}
		return err
	}
	return nil
}

func (s *Session) handleCursor(ctx context.Context, msg *protocol.Message) error {
	room, err := s.currentRoom()
	if err != nil {
		return err
	}
	var p protocol.CursorUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "bad cursor payload")
	}
	return room.HandleCursor(ctx, s, &p)
}

func (s *Session) handlePresence(ctx context.Context, msg *protocol.Message) error {
	room, err := s.currentRoom()
	if err != nil {
		return err
	}
	var p protocol.PresenceUpdatePayload
	if err := msg.Decode(&p); err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "bad presence payload")
	}
	return room.HandlePresence(ctx, s, &p)
}

var _ hub.Session = (*Session)(nil)
