// Package server hosts the document sync surface: an HTTP process exposing a
// websocket endpoint where clients create, commit, restore, and watch
// character sheet documents.
//
// The server is transport and fan-out only. Version-chain semantics live in
// the store; each connection's frames are handled strictly in arrival order,
// which is what makes per-session operation ordering observable.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/BorovkovSergey/character-sheet/internal/platform/timeouts"
	"github.com/BorovkovSergey/character-sheet/internal/storage"
	"github.com/BorovkovSergey/character-sheet/internal/storage/sqlite"
	"golang.org/x/net/websocket"
)

const (
	tokenCookieName = "cs_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxDocumentNameRunes = 200
)

// Config defines the inputs for the sync transport boundary.
type Config struct {
	HTTPAddr          string
	DBPath            string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the sync HTTP/WebSocket process and owns the backing store.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	store           storage.Store
}

// Authorizer resolves a connection's identity from its access token.
type Authorizer interface {
	Authenticate(ctx context.Context, accessToken string) (string, error)
}

type wsUserIDContextKey struct{}

// NewHandler creates sync routes for tests and offline paths.
// WebSocket auth is intentionally disabled in this constructor.
func NewHandler(store storage.Store) http.Handler {
	return newHandler(store, nil, false)
}

// NewHandlerWithAuthorizer creates sync routes with enforced websocket
// identity checks.
func NewHandlerWithAuthorizer(store storage.Store, authorizer Authorizer) http.Handler {
	return newHandler(store, authorizer, true)
}

func newHandler(store storage.Store, authorizer Authorizer, requireAuth bool) http.Handler {
	hub := newDocumentHub()
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, hub, store)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}

			accessToken := accessTokenFromRequest(r)
			if accessToken == "" {
				log.Printf("sync: websocket unauthorized: missing cs_token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			userID, err := authorizer.Authenticate(r.Context(), accessToken)
			if err != nil || strings.TrimSpace(userID) == "" {
				if err != nil {
					log.Printf("sync: websocket unauthorized: auth failed for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				}
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, strings.TrimSpace(userID))
			r = r.WithContext(ctx)
		}

		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, hub *documentHub, store storage.Store) {
	defer func() {
		_ = conn.Close()
	}()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))
	userID := "editor"
	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok && strings.TrimSpace(resolved) != "" {
			userID = strings.TrimSpace(resolved)
		}
	}
	session := newWSSession(userID, peer)
	defer func() {
		for _, room := range session.allRooms() {
			if room.leave(session.peer) {
				hub.drop(room.documentID)
			}
		}
	}()

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case frameCreate:
			handleCreateFrame(ctx, session, store, frame)
		case frameList:
			handleListFrame(ctx, session, store, frame)
		case frameSubscribe:
			handleSubscribeFrame(ctx, session, hub, store, frame)
		case frameUnsubscribe:
			handleUnsubscribeFrame(session, hub, frame)
		case frameCommit:
			handleCommitFrame(ctx, session, store, frame)
		case frameRestore:
			handleRestoreFrame(ctx, session, store, frame)
		case framePull:
			handlePullFrame(ctx, session, store, frame)
		case frameVersions:
			handleVersionsFrame(ctx, session, store, frame)
		case frameDelete:
			handleDeleteFrame(ctx, session, hub, store, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "PROTOCOL_VIOLATION", "unsupported frame type")
		}
	}
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	retryable := code == "STORAGE_UNAVAILABLE"
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: retryable,
			},
		}),
	})
}

// NewServer builds a configured sync server backed by a SQLite store.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.DBPath) == "" {
		return nil, errors.New("db path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	store, err := sqlite.Open(config.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           NewHandler(store),
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		store:           store,
	}, nil
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close document store: %v", err)
		}
	}
}
