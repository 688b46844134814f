// Package api exposes the session engine over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"session-service/internal/session"
)

// Engine is the command surface the handlers drive.
type Engine interface {
	CreateSession(ctx context.Context, creatorID string, ns session.NewSession) (*session.Session, error)
	Snapshot(ctx context.Context, sessionID, viewerID string) (*session.Snapshot, error)
	ListPublic(ctx context.Context, limit int) ([]session.Session, error)
	UpdateSettings(ctx context.Context, sessionID, actorID string, s session.Settings) (*session.Session, error)

	Join(ctx context.Context, sessionID, userID string) (*session.Participant, error)
	Leave(ctx context.Context, sessionID, userID string) error
	End(ctx context.Context, sessionID, actorID string) error

	SetCurrent(ctx context.Context, sessionID, actorID string, track session.Track, playing bool, positionMs int64) (*session.Session, error)
	SetPlayback(ctx context.Context, sessionID, actorID string, playing *bool, positionMs *int64) (*session.Session, error)
	Advance(ctx context.Context, sessionID, actorID string) (*session.Session, error)

	Enqueue(ctx context.Context, sessionID, actorID string, track session.Track) (*session.QueueItem, error)
	RemoveQueueItem(ctx context.Context, sessionID, actorID, itemID string) error
	MoveQueueItem(ctx context.Context, sessionID, actorID, itemID string, position int) (from, to int, err error)

	Invite(ctx context.Context, sessionID, inviterID string, userIDs []string) ([]session.Invitation, error)
	AcceptInvite(ctx context.Context, invitationID, userID string) (*session.Invitation, error)
	DeclineInvite(ctx context.Context, invitationID, userID string) (*session.Invitation, error)
	ListInvitations(ctx context.Context, userID string) ([]session.Invitation, error)
}

// Rooms upgrades a request into a session's websocket room.
type Rooms interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID, userID string) error
}

// Enricher completes client-supplied tracks with catalog metadata.
type Enricher interface {
	Enrich(ctx context.Context, t session.Track) session.Track
}

type Options struct {
	JWTSecret      []byte
	AllowedOrigins []string
	Rooms          Rooms
	Tracks         Enricher
	Logger         *slog.Logger
}

type Server struct {
	engine   Engine
	rooms    Rooms
	tracks   Enricher
	secret   []byte
	origins  []string
	logger   *slog.Logger
	validate *validator.Validate
}

func NewServer(engine Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		engine:   engine,
		rooms:    opts.Rooms,
		tracks:   opts.Tracks,
		secret:   opts.JWTSecret,
		origins:  opts.AllowedOrigins,
		logger:   logger,
		validate: newValidator(),
	}
}

func (s *Server) Router(middlewares ...func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.origins,
			AllowedMethods: []string{
				http.MethodGet,
				http.MethodPost,
				http.MethodPut,
				http.MethodPatch,
				http.MethodDelete,
				http.MethodOptions,
			},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}
	for _, mw := range middlewares {
		r.Use(mw)
	}

	r.Get("/health", s.handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(identityMiddleware(s.secret))

		// The websocket route must not be wrapped by Timeout.
		r.Get("/sessions/{id}/ws", s.handleWebsocket)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/sessions", s.handleCreateSession)
			r.Get("/sessions", s.handleListSessions)
			r.Get("/sessions/{id}", s.handleGetSession)
			r.Patch("/sessions/{id}", s.handleUpdateSettings)

			r.Post("/sessions/{id}/join", s.handleJoin)
			r.Post("/sessions/{id}/leave", s.handleLeave)
			r.Post("/sessions/{id}/end", s.handleEnd)

			r.Put("/sessions/{id}/playback/current", s.handleSetCurrent)
			r.Patch("/sessions/{id}/playback", s.handleSetPlayback)
			r.Post("/sessions/{id}/playback/next", s.handleAdvance)

			r.Post("/sessions/{id}/queue", s.handleEnqueue)
			r.Patch("/sessions/{id}/queue/{itemId}", s.handleMoveQueueItem)
			r.Delete("/sessions/{id}/queue/{itemId}", s.handleRemoveQueueItem)

			r.Post("/sessions/{id}/invitations", s.handleInvite)
			r.Get("/invitations", s.handleListInvitations)
			r.Post("/invitations/{id}/accept", s.handleAcceptInvite)
			r.Post("/invitations/{id}/decline", s.handleDeclineInvite)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "session-service",
	})
}

// commandContext honours ?echo=false, which keeps the caller's own
// connections from receiving the events of this command.
func commandContext(r *http.Request) context.Context {
	ctx := r.Context()
	if r.URL.Query().Get("echo") == "false" {
		ctx = session.WithoutEcho(ctx)
	}
	return ctx
}

func (s *Server) enrich(ctx context.Context, t session.Track) session.Track {
	if s.tracks == nil {
		return t
	}
	return s.tracks.Enrich(ctx, t)
}
