package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/config"
	httpapi "github.com/nextlevelbuilder/collabd/internal/http"
	"github.com/nextlevelbuilder/collabd/internal/hub"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/internal/store/memory"
	"github.com/nextlevelbuilder/collabd/pkg/client"
	"github.com/nextlevelbuilder/collabd/pkg/ot"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

type env struct {
	st   *memory.Store
	jwt  *auth.JWTProvider
	addr string
	room *store.Room
	doc  *store.Document
}

func startEnv(t *testing.T) *env {
	t.Helper()
	st := memory.New()
	cfg := config.Default()
	cfg.Auth.Secret = "integration-secret"

	jwtProvider := auth.NewJWTProvider(cfg.Auth.Secret, "")
	rooms := hub.NewManager(st, cfg.Collab)
	t.Cleanup(rooms.Shutdown)

	api := httpapi.NewAPI(st, jwtProvider, jwtProvider, rooms, cfg)
	srv := NewServer(cfg, st, jwtProvider, rooms, api)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(srv, ctx)
	go start()

	ctx2 := context.Background()
	now := time.Now().UTC()
	room := &store.Room{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      "integration",
		OwnerID:   "alice",
		Status:    store.RoomActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, st.CreateRoom(ctx2, room))

	doc := &store.Document{
		ID:       uuid.Must(uuid.NewV7()),
		RoomID:   room.ID,
		FilePath: "notes.txt",
	}
	doc.Refresh()
	require.NoError(t, st.CreateDocument(ctx2, doc))

	return &env{st: st, jwt: jwtProvider, addr: addr, room: room, doc: doc}
}

func (e *env) addParticipant(t *testing.T, userID string, role store.Role) *store.Participant {
	t.Helper()
	now := time.Now().UTC()
	p := &store.Participant{
		ID:          uuid.Must(uuid.NewV7()),
		RoomID:      e.room.ID,
		UserID:      userID,
		Role:        role,
		DisplayName: userID,
		Color:       store.ColorForUser(userID),
		Presence:    store.PresenceOffline,
		LastSeen:    now,
		JoinedAt:    now,
	}
	require.NoError(t, e.st.AddParticipant(context.Background(), p))
	return p
}

func (e *env) dial(t *testing.T, ctx context.Context, userID string) *client.Client {
	t.Helper()
	token, err := e.jwt.Issue(userID, userID, time.Hour)
	require.NoError(t, err)
	c, err := client.Dial(ctx, "ws://"+e.addr, client.Options{Token: token})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func waitForEvent(t *testing.T, ctx context.Context, c *client.Client, msgType string) *protocol.Message {
	t.Helper()
	for {
		select {
		case <-ctx.Done():
			t.Fatalf("timed out waiting for %s", msgType)
			return nil
		case msg, ok := <-c.Events():
			if !ok {
				t.Fatalf("connection closed waiting for %s: %v", msgType, c.Err())
				return nil
			}
			if msg.Type == msgType {
				return msg
			}
		}
	}
}

func TestDialRequiresToken(t *testing.T) {
	e := startEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := client.Dial(ctx, "ws://"+e.addr, client.Options{})
	require.Error(t, err)
}

func TestJoinSubmitAndFanOut(t *testing.T) {
	e := startEnv(t)
	e.addParticipant(t, "alice", store.RoleOwner)
	e.addParticipant(t, "bob", store.RoleEditor)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := e.dial(t, ctx, "alice")
	joined, err := alice.Join(ctx, e.room.ID.String(), nil)
	require.NoError(t, err)
	require.Equal(t, e.room.ID.String(), joined.RoomID)
	require.Len(t, joined.Documents, 1)
	require.Equal(t, e.doc.ID.String(), joined.Documents[0].DocID)

	bob := e.dial(t, ctx, "bob")
	_, err = bob.Join(ctx, e.room.ID.String(), nil)
	require.NoError(t, err)

	ack, err := alice.Submit(ctx, e.doc.ID.String(), ot.NewOperationSeq().Insert("hello"), 0)
	require.NoError(t, err)
	require.Equal(t, int64(1), ack.ServerSeq)
	require.Equal(t, int64(1), ack.NewVersion)

	msg := waitForEvent(t, ctx, bob, protocol.MsgOperationReceived)
	var ev protocol.OperationEvent
	require.NoError(t, msg.Decode(&ev))
	require.Equal(t, e.doc.ID.String(), ev.DocID)
	require.Equal(t, int64(1), ev.NewVersion)
}

func TestUnknownMessageTypeClosesSession(t *testing.T) {
	e := startEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	token, err := e.jwt.Issue("alice", "alice", time.Hour)
	require.NoError(t, err)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, "ws://"+e.addr+"/ws", &websocket.DialOptions{HTTPHeader: headers})
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"shout"}`)))

	// The server answers with a coded error, then drops the connection.
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg protocol.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	require.Equal(t, protocol.MsgError, msg.Type)
	var ep protocol.ErrorPayload
	require.NoError(t, msg.Decode(&ep))
	require.Equal(t, protocol.CodeInvalidOperation, ep.Code)

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
}

func TestJoinDeniedWithoutMembership(t *testing.T) {
	e := startEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	mallory := e.dial(t, ctx, "mallory")
	_, err := mallory.Join(ctx, e.room.ID.String(), nil)
	require.Error(t, err)
	require.Equal(t, protocol.CodePermissionDenied, protocol.CodeOf(err))
}

func TestOpenDocumentSnapshot(t *testing.T) {
	e := startEnv(t)
	e.addParticipant(t, "alice", store.RoleOwner)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := e.dial(t, ctx, "alice")
	_, err := alice.Join(ctx, e.room.ID.String(), nil)
	require.NoError(t, err)

	_, err = alice.Submit(ctx, e.doc.ID.String(), ot.NewOperationSeq().Insert("abc"), 0)
	require.NoError(t, err)

	require.NoError(t, alice.OpenDocument(ctx, e.doc.ID.String()))
	msg := waitForEvent(t, ctx, alice, protocol.MsgDocumentSnapshot)
	var snap protocol.DocumentSnapshot
	require.NoError(t, msg.Decode(&snap))
	require.Equal(t, "abc", snap.Content)
	require.Equal(t, int64(1), snap.Version)
}

func TestApplicationPing(t *testing.T) {
	e := startEnv(t)
	e.addParticipant(t, "alice", store.RoleOwner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	alice := e.dial(t, ctx, "alice")
	_, err := alice.Join(ctx, e.room.ID.String(), nil)
	require.NoError(t, err)

	require.NoError(t, alice.Ping(ctx))
	waitForEvent(t, ctx, alice, protocol.MsgPong)
}

func TestCursorBroadcast(t *testing.T) {
	e := startEnv(t)
	e.addParticipant(t, "alice", store.RoleOwner)
	e.addParticipant(t, "bob", store.RoleEditor)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	alice := e.dial(t, ctx, "alice")
	_, err := alice.Join(ctx, e.room.ID.String(), nil)
	require.NoError(t, err)
	bob := e.dial(t, ctx, "bob")
	_, err = bob.Join(ctx, e.room.ID.String(), nil)
	require.NoError(t, err)

	_, err = alice.Submit(ctx, e.doc.ID.String(), ot.NewOperationSeq().Insert("abcdef"), 0)
	require.NoError(t, err)

	require.NoError(t, bob.SendCursor(ctx, protocol.CursorUpdatePayload{
		DocID:   e.doc.ID.String(),
		Line:    0,
		Column:  3,
		Version: 1,
	}))

	msg := waitForEvent(t, ctx, alice, protocol.MsgCursorUpdated)
	var ev protocol.CursorEvent
	require.NoError(t, msg.Decode(&ev))
	require.Equal(t, 3, ev.Column)
}
