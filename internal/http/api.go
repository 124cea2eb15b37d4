// Package http implements the collabd REST surface: room and document
// CRUD, operation history reads, cursor reads and the auth endpoints.
// Responses share one envelope: {success, data} or {success, error, code}.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/config"
	"github.com/nextlevelbuilder/collabd/internal/hub"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// API bundles the REST handlers and their dependencies.
type API struct {
	st       store.Store
	verifier auth.Provider
	issuer   *auth.JWTProvider // nil when tokens are verified externally
	rooms    *hub.Manager
	cfg      *config.Config
}

// NewAPI builds the REST surface.
func NewAPI(st store.Store, verifier auth.Provider, issuer *auth.JWTProvider, rooms *hub.Manager, cfg *config.Config) *API {
	return &API{st: st, verifier: verifier, issuer: issuer, rooms: rooms, cfg: cfg}
}

// RegisterRoutes mounts every REST route on the mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /rooms", a.authed(a.handleCreateRoom))
	mux.HandleFunc("GET /rooms", a.authed(a.handleListRooms))
	mux.HandleFunc("GET /rooms/{id}", a.authed(a.handleGetRoom))
	mux.HandleFunc("PUT /rooms/{id}", a.authed(a.handleUpdateRoom))
	mux.HandleFunc("PATCH /rooms/{id}", a.authed(a.handleUpdateRoom))
	mux.HandleFunc("DELETE /rooms/{id}", a.authed(a.handleDeleteRoom))
	mux.HandleFunc("POST /rooms/{id}/join", a.authed(a.handleJoinRoom))
	mux.HandleFunc("POST /rooms/{id}/leave", a.authed(a.handleLeaveRoom))
	mux.HandleFunc("GET /rooms/{id}/participants", a.authed(a.handleListParticipants))
	mux.HandleFunc("GET /rooms/{id}/presence", a.authed(a.handleListPresence))
	mux.HandleFunc("POST /rooms/{id}/cursors", a.authed(a.handleUpsertCursor))

	mux.HandleFunc("POST /rooms/{id}/documents", a.authed(a.handleCreateDocument))
	mux.HandleFunc("GET /rooms/{id}/documents", a.authed(a.handleListDocuments))
	mux.HandleFunc("GET /documents/{id}", a.authed(a.handleGetDocument))
	mux.HandleFunc("PUT /documents/{id}", a.authed(a.handleUpdateDocument))
	mux.HandleFunc("DELETE /documents/{id}", a.authed(a.handleDeleteDocument))
	mux.HandleFunc("GET /documents/{id}/operations", a.authed(a.handleListOperations))
	mux.HandleFunc("GET /documents/{id}/cursors", a.authed(a.handleListCursors))

	mux.HandleFunc("POST /auth/validate", a.handleAuthValidate)
	mux.HandleFunc("GET /auth/me", a.authed(a.handleAuthMe))
	mux.HandleFunc("POST /auth/refresh", a.authed(a.handleAuthRefresh))
}

type ctxKey int

const identityKey ctxKey = 1

// identityFrom returns the authenticated caller placed by the middleware.
func identityFrom(r *http.Request) *auth.Identity {
	id, _ := r.Context().Value(identityKey).(*auth.Identity)
	return id
}

// BearerToken extracts the token from the Authorization header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

var tracer = otel.Tracer("collabd/http")

// authed wraps a handler with bearer-token verification, CORS headers
// and a server span.
func (a *API) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a.applyCORS(w, r)
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		identity, err := a.verifier.Verify(ctx, BearerToken(r))
		if err != nil {
			writeError(w, err)
			return
		}
		ctx = context.WithValue(ctx, identityKey, identity)
		next(w, r.WithContext(ctx))
	}
}

func (a *API) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	for _, allowed := range a.cfg.Server.AllowedOrigins {
		if allowed == origin || allowed == "*" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			return
		}
	}
}

// envelope is the uniform REST response body.
type envelope struct {
	Success bool               `json:"success"`
	Data    any                `json:"data,omitempty"`
	Error   string             `json:"error,omitempty"`
	Code    protocol.ErrorCode `json:"code,omitempty"`
}

func writeData(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := protocol.CodeOf(err)
	msg := err.Error()
	if pe, ok := err.(*protocol.Error); ok {
		msg = pe.Message
	}
	if code == protocol.CodeInternal || code == protocol.CodeUnavailable {
		slog.Error("api.request.failed", "code", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	json.NewEncoder(w).Encode(envelope{Success: false, Error: msg, Code: code})
}

func writeCoded(w http.ResponseWriter, code protocol.ErrorCode, msg string) {
	writeError(w, protocol.E(code, msg))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(dst); err != nil {
		return protocol.E(protocol.CodeInvalidOperation, "invalid JSON body")
	}
	return nil
}

func mapStoreErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return protocol.E(protocol.CodeNotFound, what+" not found")
	case errors.Is(err, store.ErrDuplicate):
		return protocol.E(protocol.CodeConflict, what+" already exists")
	default:
		if pe, ok := err.(*protocol.Error); ok {
			return pe
		}
		return protocol.Wrap(protocol.CodeUnavailable, err)
	}
}
