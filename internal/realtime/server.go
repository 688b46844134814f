package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"session-service/internal/session"
)

// Engine is the session registry as seen by the websocket layer.
type Engine interface {
	Leaver
	Snapshot(ctx context.Context, sessionID, viewerID string) (*session.Snapshot, error)
	SetCurrent(ctx context.Context, sessionID, actorID string, track session.Track, playing bool, positionMs int64) (*session.Session, error)
	SetPlayback(ctx context.Context, sessionID, actorID string, playing *bool, positionMs *int64) (*session.Session, error)
	Advance(ctx context.Context, sessionID, actorID string) (*session.Session, error)
	Enqueue(ctx context.Context, sessionID, actorID string, track session.Track) (*session.QueueItem, error)
	RemoveQueueItem(ctx context.Context, sessionID, actorID, itemID string) error
	MoveQueueItem(ctx context.Context, sessionID, actorID, itemID string, position int) (from, to int, err error)
}

// TrackEnricher fills in catalog metadata on client-supplied tracks.
type TrackEnricher interface {
	Enrich(ctx context.Context, t session.Track) session.Track
}

// Options configures a Server.
type Options struct {
	// AllowedOrigin is the frontend origin allowed to open sockets. Empty
	// accepts any origin.
	AllowedOrigin string
	// CommandsPerSecond limits inbound commands per connection; 0 disables
	// the limit.
	CommandsPerSecond float64
	Presence          *Presence
	Tracks            TrackEnricher
	Logger            *slog.Logger
}

// Server upgrades HTTP requests into session room connections.
type Server struct {
	hub      *Hub
	engine   Engine
	presence *Presence
	tracks   TrackEnricher
	logger   *slog.Logger
	limit    rate.Limit
	burst    int
	upgrader websocket.Upgrader
}

func NewServer(hub *Hub, engine Engine, opts Options) *Server {
	s := &Server{
		hub:      hub,
		engine:   engine,
		presence: opts.Presence,
		tracks:   opts.Tracks,
		logger:   opts.Logger,
		limit:    rate.Inf,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if opts.CommandsPerSecond > 0 {
		s.limit = rate.Limit(opts.CommandsPerSecond)
		s.burst = int(opts.CommandsPerSecond * 2)
		if s.burst < 1 {
			s.burst = 1
		}
	}
	allowed := opts.AllowedOrigin
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowed == "" || origin == "" || origin == allowed
		},
	}
	return s
}

// ServeSession attaches the caller to the room of sessionID. Errors are
// returned before the upgrade so the caller can answer with a normal HTTP
// error; after a successful upgrade it returns nil.
//
// The connection joins its room before the snapshot it starts with is read,
// so every change committed after that read is also queued behind it.
// Deltas committed just before the read can still follow it. They restate
// what the snapshot already holds: playback carries updatedAt, and queue and
// participant changes are keyed by id.
func (s *Server) ServeSession(w http.ResponseWriter, r *http.Request, sessionID, userID string) error {
	if _, err := s.engine.Snapshot(r.Context(), sessionID, userID); err != nil {
		return err
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered the request.
		s.logger.Warn("session-service: ws upgrade failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
		return nil
	}

	var limiter *rate.Limiter
	if s.limit != rate.Inf {
		limiter = rate.NewLimiter(s.limit, s.burst)
	}
	client := newClient(s.hub, conn, sessionID, userID, limiter)
	client.handle = s.handleCommand

	if !s.hub.add(client) {
		_ = conn.Close()
		return nil
	}
	initial, err := s.snapshotEvent(r.Context(), sessionID, userID)
	if err != nil {
		s.logger.Warn("session-service: ws snapshot failed",
			slog.String("session_id", sessionID),
			slog.Any("error", err))
		s.hub.remove(client)
		_ = conn.Close()
		return nil
	}
	client.initial = initial

	if s.presence != nil {
		s.presence.Connect(sessionID, userID)
		client.onClose = func() { s.presence.Disconnect(sessionID, userID) }
	}
	s.logger.Debug("session-service: ws connected",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID))

	go client.writePump()
	go client.readPump()
	return nil
}

func (s *Server) snapshotEvent(ctx context.Context, sessionID, userID string) ([]byte, error) {
	snap, err := s.engine.Snapshot(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(session.Event{
		Type:      session.EventSnapshot,
		SessionID: sessionID,
		At:        snap.ServerTime,
		Payload:   snap,
	})
}
