// Package gateway hosts the collabd listener: the /ws collaboration
// endpoint, the REST API and the health probe share one HTTP server.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/collabd/internal/auth"
	"github.com/nextlevelbuilder/collabd/internal/config"
	httpapi "github.com/nextlevelbuilder/collabd/internal/http"
	"github.com/nextlevelbuilder/collabd/internal/hub"
	"github.com/nextlevelbuilder/collabd/internal/store"
	"github.com/nextlevelbuilder/collabd/pkg/protocol"
)

// Server is the collabd network front end.
type Server struct {
	cfg      *config.Config
	st       store.Store
	verifier auth.Provider
	rooms    *hub.Manager
	api      *httpapi.API

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer wires the listener around the room manager and REST API.
func NewServer(cfg *config.Config, st store.Store, verifier auth.Provider, rooms *hub.Manager, api *httpapi.API) *Server {
	s := &Server{
		cfg:      cfg,
		st:       st,
		verifier: verifier,
		rooms:    rooms,
		api:      api,
		sessions: make(map[string]*Session),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// checkOrigin validates the WebSocket Origin header against the allowed
// origins list. No configured origins allows all; an empty Origin header
// (non-browser clients) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.origin_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	s.api.RegisterRoutes(mux)
	s.mux = mux
	return mux
}

// Start begins listening; it returns after ctx cancellation completes a
// graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	slog.Info("server starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeSessions()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// handleWebSocket authenticates, upgrades and runs one session. Tokens
// arrive as a Bearer header or a token query parameter.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := httpapi.BearerToken(r)
	if token == "" {
		token = r.URL.Query().Get("token")
	}
	identity, err := s.verifier.Verify(r.Context(), token)
	if err != nil {
		code := protocol.CodeOf(err)
		http.Error(w, string(code), code.HTTPStatus())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := newSession(conn, s, identity)
	s.registerSession(sess)
	defer func() {
		s.unregisterSession(sess)
		sess.Close()
	}()
	sess.Run()
}

// handleHealth reports liveness plus store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	w.Header().Set("Content-Type", "application/json")
	if err := s.st.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintf(w, `{"status":"degraded","store":"unreachable","protocol":%d}`, protocol.ProtocolVersion)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"ok","store":"ok","protocol":%d}`, protocol.ProtocolVersion)
}

func (s *Server) registerSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
	slog.Info("session connected", "id", sess.id, "user", sess.identity.UserID)
}

func (s *Server) unregisterSession(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
	slog.Info("session disconnected", "id", sess.id)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.Close()
	}
}

// StartTestServer creates a listener on a random port and returns the
// actual address and a start function. Used for integration tests.
func StartTestServer(s *Server, ctx context.Context) (addr string, start func()) {
	mux := s.BuildMux()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic("listen: " + err.Error())
	}

	s.httpServer = &http.Server{Handler: mux}
	addr = ln.Addr().String()

	start = func() {
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.httpServer.Shutdown(shutdownCtx)
			s.closeSessions()
		}()
		s.httpServer.Serve(ln)
	}

	return addr, start
}
