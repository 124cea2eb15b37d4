package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/config"
	"github.com/nextlevelbuilder/collabd/internal/hub"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/internal/store/memory"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

type testAPI struct {
	server *httptest.Server
	jwt    *auth.JWTProvider
	rooms  *hub.Manager
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	st := memory.New()
	cfg := config.Default()
	cfg.Auth.Secret = "test-secret"

	jwtProvider := auth.NewJWTProvider(cfg.Auth.Secret, "")
	rooms := hub.NewManager(st, cfg.Collab)
	t.Cleanup(rooms.Shutdown)

	api := NewAPI(st, jwtProvider, jwtProvider, rooms, cfg)
	mux := http.NewServeMux()
	api.RegisterRoutes(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testAPI{server: srv, jwt: jwtProvider, rooms: rooms}
}

func (ta *testAPI) token(t *testing.T, user string) string {
	t.Helper()
	token, err := ta.jwt.Issue(user, user, time.Hour)
	require.NoError(t, err)
	return token
}

// call runs one request and decodes the envelope.
func (ta *testAPI) call(t *testing.T, method, path, token string, body any) (int, map[string]json.RawMessage) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, ta.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
		Code    string          `json:"code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&env))

	out := map[string]json.RawMessage{}
	if len(env.Data) > 0 {
		require.NoError(t, json.Unmarshal(env.Data, &out))
	}
	if env.Code != "" {
		out["__code"] = json.RawMessage(fmt.Sprintf("%q", env.Code))
	}
	return resp.StatusCode, out
}

func field[T any](t *testing.T, raw map[string]json.RawMessage, key string) T {
	t.Helper()
	var v T
	require.Contains(t, raw, key)
	require.NoError(t, json.Unmarshal(raw[key], &v))
	return v
}

func (ta *testAPI) createRoom(t *testing.T, token, name string) string {
	t.Helper()
	status, data := ta.call(t, "POST", "/rooms", token, map[string]any{"name": name})
	require.Equal(t, http.StatusCreated, status)
	room := field[map[string]any](t, data, "room")
	return room["id"].(string)
}

func TestRoomCRUD(t *testing.T) {
	ta := newTestAPI(t)
	owner := ta.token(t, "alice")

	roomID := ta.createRoom(t, owner, "standup")

	status, data := ta.call(t, "GET", "/rooms/"+roomID, owner, nil)
	require.Equal(t, http.StatusOK, status)
	room := field[map[string]any](t, data, "room")
	require.Equal(t, "standup", room["name"])

	status, _ = ta.call(t, "PATCH", "/rooms/"+roomID, owner, map[string]any{"name": "retro"})
	require.Equal(t, http.StatusOK, status)

	status, data = ta.call(t, "GET", "/rooms", owner, nil)
	require.Equal(t, http.StatusOK, status)
	rooms := field[[]map[string]any](t, data, "rooms")
	require.Len(t, rooms, 1)
	require.Equal(t, "retro", rooms[0]["name"])

	status, _ = ta.call(t, "DELETE", "/rooms/"+roomID, owner, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ta.call(t, "GET", "/rooms/"+roomID, owner, nil)
	require.Equal(t, http.StatusForbidden, status) // membership row gone with the room
}

func TestAuthRequired(t *testing.T) {
	ta := newTestAPI(t)
	status, _ := ta.call(t, "GET", "/rooms", "", nil)
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = ta.call(t, "GET", "/rooms", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, status)
}

func TestJoinAndRolePolicy(t *testing.T) {
	ta := newTestAPI(t)
	owner := ta.token(t, "alice")
	viewerTok := ta.token(t, "vera")

	roomID := ta.createRoom(t, owner, "pairing")

	// Vera joins read-only.
	status, data := ta.call(t, "POST", "/rooms/"+roomID+"/join", viewerTok, map[string]any{"role": "viewer"})
	require.Equal(t, http.StatusCreated, status)
	p := field[map[string]any](t, data, "participant")
	require.Equal(t, "viewer", p["role"])

	// Re-join is idempotent.
	status, _ = ta.call(t, "POST", "/rooms/"+roomID+"/join", viewerTok, nil)
	require.Equal(t, http.StatusOK, status)

	// Viewers cannot create documents.
	status, data = ta.call(t, "POST", "/rooms/"+roomID+"/documents", viewerTok,
		map[string]any{"filePath": "x.txt"})
	require.Equal(t, http.StatusForbidden, status)
	require.JSONEq(t, `"READ_ONLY"`, string(data["__code"]))

	// Non-owners cannot delete the room.
	status, _ = ta.call(t, "DELETE", "/rooms/"+roomID, viewerTok, nil)
	require.Equal(t, http.StatusForbidden, status)

	// Viewers can leave; owners cannot.
	status, _ = ta.call(t, "POST", "/rooms/"+roomID+"/leave", viewerTok, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ta.call(t, "POST", "/rooms/"+roomID+"/leave", owner, nil)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestDocumentEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	owner := ta.token(t, "alice")
	roomID := ta.createRoom(t, owner, "docs")

	status, data := ta.call(t, "POST", "/rooms/"+roomID+"/documents", owner, map[string]any{
		"filePath": "main.go",
		"language": "go",
		"content":  "package main\n",
	})
	require.Equal(t, http.StatusCreated, status)
	doc := field[map[string]any](t, data, "document")
	docID := doc["id"].(string)
	require.Equal(t, float64(0), doc["version"])
	require.Equal(t, float64(2), doc["lineCount"])

	// Duplicate path in the same room.
	status, data = ta.call(t, "POST", "/rooms/"+roomID+"/documents", owner, map[string]any{
		"filePath": "main.go",
	})
	require.Equal(t, http.StatusConflict, status)
	require.JSONEq(t, `"DOCUMENT_EXISTS"`, string(data["__code"]))

	status, data = ta.call(t, "GET", "/documents/"+docID, owner, nil)
	require.Equal(t, http.StatusOK, status)
	doc = field[map[string]any](t, data, "document")
	require.Equal(t, "package main\n", doc["content"])

	status, data = ta.call(t, "GET", "/documents/"+docID+"/operations?since=0", owner, nil)
	require.Equal(t, http.StatusOK, status)
	ops := field[[]map[string]any](t, data, "operations")
	require.Empty(t, ops)

	status, _ = ta.call(t, "DELETE", "/documents/"+docID, owner, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = ta.call(t, "GET", "/documents/"+docID, owner, nil)
	require.Equal(t, http.StatusNotFound, status)
}

func TestDocumentUpdateAndCursorUpsert(t *testing.T) {
	ta := newTestAPI(t)
	owner := ta.token(t, "alice")
	roomID := ta.createRoom(t, owner, "editing")

	status, data := ta.call(t, "POST", "/rooms/"+roomID+"/documents", owner, map[string]any{
		"filePath": "notes.txt",
	})
	require.Equal(t, http.StatusCreated, status)
	docID := field[map[string]any](t, data, "document")["id"].(string)

	status, _ = ta.call(t, "POST", "/rooms/"+roomID+"/documents", owner, map[string]any{
		"filePath": "other.txt",
	})
	require.Equal(t, http.StatusCreated, status)

	// PUT renames and retags the document.
	status, data = ta.call(t, "PUT", "/documents/"+docID, owner, map[string]any{
		"filePath": "renamed.txt",
		"language": "markdown",
	})
	require.Equal(t, http.StatusOK, status)
	doc := field[map[string]any](t, data, "document")
	require.Equal(t, "renamed.txt", doc["filePath"])
	require.Equal(t, "markdown", doc["language"])

	// Renaming onto an existing path conflicts.
	status, data = ta.call(t, "PUT", "/documents/"+docID, owner, map[string]any{
		"filePath": "other.txt",
	})
	require.Equal(t, http.StatusConflict, status)
	require.JSONEq(t, `"DOCUMENT_EXISTS"`, string(data["__code"]))

	// PUT on the room mirrors PATCH.
	status, _ = ta.call(t, "PUT", "/rooms/"+roomID, owner, map[string]any{"name": "renamed room"})
	require.Equal(t, http.StatusOK, status)

	status, data = ta.call(t, "POST", "/rooms/"+roomID+"/cursors", owner, map[string]any{
		"docId":  docID,
		"line":   2,
		"column": 5,
	})
	require.Equal(t, http.StatusOK, status)
	cursor := field[map[string]any](t, data, "cursor")
	require.Equal(t, float64(2), cursor["line"])

	status, data = ta.call(t, "GET", "/documents/"+docID+"/cursors", owner, nil)
	require.Equal(t, http.StatusOK, status)
	cursors := field[[]map[string]any](t, data, "cursors")
	require.Len(t, cursors, 1)
	require.Equal(t, float64(5), cursors[0]["col"])
}

func TestMapStoreErrUnwraps(t *testing.T) {
	err := mapStoreErr(fmt.Errorf("get room: %w", store.ErrNotFound), "room")
	require.Equal(t, protocol.CodeNotFound, protocol.CodeOf(err))
	require.Equal(t, http.StatusNotFound, protocol.CodeOf(err).HTTPStatus())

	err = mapStoreErr(fmt.Errorf("insert: %w", store.ErrDuplicate), "participant")
	require.Equal(t, protocol.CodeConflict, protocol.CodeOf(err))
}

func TestAuthEndpoints(t *testing.T) {
	ta := newTestAPI(t)
	token := ta.token(t, "alice")

	status, data := ta.call(t, "GET", "/auth/me", token, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "alice", field[string](t, data, "userId"))

	status, data = ta.call(t, "POST", "/auth/validate", "", map[string]any{"token": token})
	require.Equal(t, http.StatusOK, status)
	require.True(t, field[bool](t, data, "valid"))

	status, data = ta.call(t, "POST", "/auth/validate", "", map[string]any{"token": "junk"})
	require.Equal(t, http.StatusOK, status)
	require.False(t, field[bool](t, data, "valid"))

	status, data = ta.call(t, "POST", "/auth/refresh", token, nil)
	require.Equal(t, http.StatusOK, status)
	fresh := field[string](t, data, "token")
	require.NotEmpty(t, fresh)

	status, data = ta.call(t, "GET", "/auth/me", fresh, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "alice", field[string](t, data, "userId"))
}
