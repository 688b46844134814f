package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	defaultIdleTimeout = time.Minute
	commandBuffer      = 64
)

// Registry is the public face of the engine. Every mutating command for a
// session id is applied by one worker goroutine, in arrival order, inside a
// Store read-modify-write; events are published by that same worker after
// the write commits. Sessions never share a worker or a lock.
type Registry struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
	idle      time.Duration

	mu      sync.Mutex
	workers map[string]*worker
}

// Option configures a Registry.
type Option func(*Registry)

// WithPublisher sets where committed events are sent.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithIDGenerator(fn func() string) Option {
	return func(r *Registry) { r.newID = fn }
}

// WithIdleTimeout sets how long a session worker lingers without commands.
// Non-positive values keep the default.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idle = d
		}
	}
}

// NewRegistry builds a Registry on top of store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		publisher: discardPublisher{},
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return uuid.NewString() },
		idle:      defaultIdleTimeout,
		workers:   make(map[string]*worker),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type command struct {
	ctx   context.Context
	actor string
	fn    func(*Aggregate) (any, []Event, error)
	done  chan result
}

// result is what the worker hands back once a command has run. Values
// produced by fn travel here so callers never share memory with the worker.
type result struct {
	value any
	err   error
}

type worker struct {
	sessionID string
	cmds      chan *command
	pending   int
}

// commitError makes the store keep a command's changes even though the
// caller receives an error.
type commitError struct{ err error }

func (c *commitError) Error() string { return c.err.Error() }

func (r *Registry) acquire(sessionID string) *worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[sessionID]
	if !ok {
		w = &worker{sessionID: sessionID, cmds: make(chan *command, commandBuffer)}
		r.workers[sessionID] = w
		go r.run(w)
	}
	w.pending++
	return w
}

func (r *Registry) release(w *worker) {
	r.mu.Lock()
	w.pending--
	r.mu.Unlock()
}

// run is the per-session serialization point.
func (r *Registry) run(w *worker) {
	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	for {
		select {
		case cmd := <-w.cmds:
			r.apply(w.sessionID, cmd)
			r.release(w)
		case <-timer.C:
			r.mu.Lock()
			if w.pending == 0 {
				delete(r.workers, w.sessionID)
				r.mu.Unlock()
				return
			}
			r.mu.Unlock()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(r.idle)
	}
}

// submit queues fn on the session's worker and waits for its outcome.
//
// ctx only bounds the wait for a queue slot. Once queued, the command is
// either dropped by the worker because ctx is already done or run to
// completion, and in both cases the caller gets the outcome the store
// reported, so an error here always means nothing was committed unless the
// command itself asked to commit (see commitError).
func submit[T any](ctx context.Context, r *Registry, sessionID, actor string, fn func(*Aggregate) (T, []Event, error)) (T, error) {
	var zero T
	if strings.TrimSpace(sessionID) == "" {
		return zero, ErrSessionNotFound
	}
	cmd := &command{
		ctx:   ctx,
		actor: actor,
		fn: func(a *Aggregate) (any, []Event, error) {
			v, evs, err := fn(a)
			return v, evs, err
		},
		done: make(chan result, 1),
	}

	w := r.acquire(sessionID)
	select {
	case w.cmds <- cmd:
	case <-ctx.Done():
		r.release(w)
		return zero, ctx.Err()
	}

	res := <-cmd.done
	if res.err != nil {
		return zero, res.err
	}
	v, _ := res.value.(T)
	return v, nil
}

func (r *Registry) apply(sessionID string, cmd *command) {
	if err := cmd.ctx.Err(); err != nil {
		cmd.done <- result{err: err}
		return
	}

	var (
		value    any
		events   []Event
		deferred error
	)
	err := r.store.Update(cmd.ctx, sessionID, func(a *Aggregate) error {
		v, evs, err := cmd.fn(a)
		var ce *commitError
		if errors.As(err, &ce) {
			value, events, deferred = v, evs, ce.err
			return nil
		}
		if err != nil {
			return err
		}
		value, events = v, evs
		return nil
	})
	if err != nil {
		cmd.done <- result{err: r.storeError(sessionID, err)}
		return
	}

	// The write is committed; a caller that gave up must not cancel the fan-out.
	pubCtx := context.WithoutCancel(cmd.ctx)
	now := r.now()
	for _, ev := range events {
		ev.SessionID = sessionID
		ev.Origin = cmd.actor
		ev.SkipOrigin = skipEcho(cmd.ctx)
		if ev.At.IsZero() {
			ev.At = now
		}
		if err := r.publisher.Publish(pubCtx, ev); err != nil {
			r.logger.Warn("session-service: publish event failed",
				slog.String("session_id", sessionID),
				slog.String("event_type", string(ev.Type)),
				slog.Any("error", err))
		}
	}
	cmd.done <- result{value: value, err: deferred}
}

func (r *Registry) storeError(sessionID string, err error) error {
	var e *Error
	switch {
	case errors.As(err, &e):
		return err
	case errors.Is(err, ErrNoSession):
		return ErrSessionNotFound
	case errors.Is(err, ErrNoInvitation):
		return ErrInvitationNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	r.logger.Error("session-service: store failure",
		slog.String("session_id", sessionID),
		slog.Any("error", err))
	return unavailable(err)
}

// CreateSession opens a new active session owned by creatorID. The creator
// is not joined automatically.
func (r *Registry) CreateSession(ctx context.Context, creatorID string, ns NewSession) (*Session, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, ErrForbidden
	}
	name := strings.TrimSpace(ns.Name)
	if name == "" {
		return nil, invalidArgument("name is required")
	}
	if ns.Capacity < 1 {
		return nil, invalidArgument("capacity must be at least 1")
	}
	visibility := ns.Visibility
	if visibility == "" {
		visibility = VisibilityPublic
	}
	if visibility != VisibilityPublic && visibility != VisibilityPrivate {
		return nil, invalidArgument("unsupported visibility %q", visibility)
	}
	mode := ns.QueueMode
	if mode == "" {
		mode = QueueModeCollaborative
	}
	if mode != QueueModeCollaborative && mode != QueueModeHostOnly {
		return nil, invalidArgument("unsupported queue mode %q", mode)
	}

	now := r.now()
	s := &Session{
		ID:           r.newID(),
		Name:         name,
		Description:  strings.TrimSpace(ns.Description),
		Visibility:   visibility,
		Capacity:     ns.Capacity,
		CreatorID:    creatorID,
		GuestControl: ns.GuestControl,
		QueueMode:    mode,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := r.store.CreateSession(ctx, s); err != nil {
		return nil, r.storeError(s.ID, err)
	}
	r.logger.Info("session-service: session created",
		slog.String("session_id", s.ID),
		slog.String("creator_id", creatorID))
	return s, nil
}

// Snapshot returns the full committed state of a session. Private sessions
// are only visible to their creator, participants and invitees.
func (r *Registry) Snapshot(ctx context.Context, sessionID, viewerID string) (*Snapshot, error) {
	agg, err := r.store.Load(ctx, sessionID)
	if err != nil {
		return nil, r.storeError(sessionID, err)
	}
	if !agg.visibleTo(viewerID) {
		return nil, ErrSessionNotFound
	}
	snap := agg.Snapshot()
	snap.ServerTime = r.now()
	return &snap, nil
}

func (a *Aggregate) visibleTo(userID string) bool {
	if a.Session.Visibility != VisibilityPrivate || userID == a.Session.CreatorID {
		return true
	}
	return a.Participant(userID) != nil || a.pendingInvitation(userID) != nil
}

// ListPublic returns active public sessions, newest first.
func (r *Registry) ListPublic(ctx context.Context, limit int) ([]Session, error) {
	out, err := r.store.ListPublicSessions(ctx, limit)
	if err != nil {
		return nil, r.storeError("", err)
	}
	return out, nil
}

// UpdateSettings changes the creator-controlled configuration.
func (r *Registry) UpdateSettings(ctx context.Context, sessionID, actorID string, s Settings) (*Session, error) {
	return submit(ctx, r, sessionID, actorID, func(a *Aggregate) (*Session, []Event, error) {
		if err := a.UpdateSettings(actorID, s); err != nil {
			return nil, nil, err
		}
		out := a.Snapshot().Session
		return &out, []Event{{Type: EventSessionUpdated, Payload: out}}, nil
	})
}

// Join adds userID to the session. On a private session the user needs an
// existing row or a pending invitation, which is then marked accepted.
func (r *Registry) Join(ctx context.Context, sessionID, userID string) (*Participant, error) {
	out, err := submit(ctx, r, sessionID, userID, func(a *Aggregate) (*Participant, []Event, error) {
		if !a.visibleTo(userID) {
			return nil, nil, ErrSessionNotFound
		}
		now := r.now()
		p, err := a.Join(userID, now)
		if err != nil {
			return nil, nil, err
		}
		if inv := a.pendingInvitation(userID); inv != nil {
			a.respond(inv, InvitationAccepted, now)
		}
		joined := *p
		return &joined, []Event{{
			Type:    EventParticipantJoined,
			Payload: ParticipantJoinedPayload{Participant: joined, ActiveCount: a.ActiveCount()},
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	r.logger.Info("session-service: participant joined",
		slog.String("session_id", sessionID),
		slog.String("user_id", userID))
	return out, nil
}

// Leave deactivates userID. A second call reports ErrNotMember and changes
// nothing, so transports can call it blindly on disconnect.
func (r *Registry) Leave(ctx context.Context, sessionID, userID string) error {
	_, err := submit(ctx, r, sessionID, userID, func(a *Aggregate) (struct{}, []Event, error) {
		if _, err := a.Leave(userID, r.now()); err != nil {
			return struct{}{}, nil, err
		}
		return struct{}{}, []Event{{
			Type:    EventParticipantLeft,
			Payload: ParticipantLeftPayload{UserID: userID, ActiveCount: a.ActiveCount()},
		}}, nil
	})
	return err
}

// End terminates the session for everyone.
func (r *Registry) End(ctx context.Context, sessionID, actorID string) error {
	_, err := submit(ctx, r, sessionID, actorID, func(a *Aggregate) (struct{}, []Event, error) {
		if err := a.End(actorID, r.now()); err != nil {
			return struct{}{}, nil, err
		}
		return struct{}{}, []Event{{
			Type:    EventSessionEnded,
			Payload: SessionEndedPayload{EndedAt: *a.Session.EndedAt},
		}}, nil
	})
	if err == nil {
		r.logger.Info("session-service: session ended", slog.String("session_id", sessionID))
	}
	return err
}

// SetCurrent replaces the now-playing track.
func (r *Registry) SetCurrent(ctx context.Context, sessionID, actorID string, track Track, playing bool, positionMs int64) (*Session, error) {
	return submit(ctx, r, sessionID, actorID, func(a *Aggregate) (*Session, []Event, error) {
		consumed, err := a.SetCurrent(actorID, track, playing, positionMs, r.now())
		if err != nil {
			return nil, nil, err
		}
		out := a.Snapshot().Session
		events := []Event{{Type: EventTrackChanged, Payload: trackChanged(&a.Session)}}
		if consumed != nil {
			events = append(events, Event{Type: EventQueueChanged, Payload: queueItemChanged(QueuePlayed, consumed)})
		}
		return &out, events, nil
	})
}

// SetPlayback applies a partial play/pause/seek update.
func (r *Registry) SetPlayback(ctx context.Context, sessionID, actorID string, playing *bool, positionMs *int64) (*Session, error) {
	return submit(ctx, r, sessionID, actorID, func(a *Aggregate) (*Session, []Event, error) {
		if err := a.SetPlayback(actorID, playing, positionMs, r.now()); err != nil {
			return nil, nil, err
		}
		out := a.Snapshot().Session
		return &out, []Event{{Type: EventPlaybackChanged, Payload: playbackChanged(&a.Session)}}, nil
	})
}

// Advance moves to the next queued track, or to idle when the queue is empty.
func (r *Registry) Advance(ctx context.Context, sessionID, actorID string) (*Session, error) {
	return submit(ctx, r, sessionID, actorID, func(a *Aggregate) (*Session, []Event, error) {
		next, err := a.Advance(actorID, r.now())
		if err != nil {
			return nil, nil, err
		}
		out := a.Snapshot().Session
		return &out, advanceEvents(a, next), nil
	})
}

func advanceEvents(a *Aggregate, next *QueueItem) []Event {
	events := []Event{{Type: EventTrackChanged, Payload: trackChanged(&a.Session)}}
	if next != nil {
		events = append(events, Event{Type: EventQueueChanged, Payload: queueItemChanged(QueuePlayed, next)})
	}
	return events
}

// Enqueue appends a track to the session queue.
func (r *Registry) Enqueue(ctx context.Context, sessionID, actorID string, track Track) (*QueueItem, error) {
	return submit(ctx, r, sessionID, actorID, func(a *Aggregate) (*QueueItem, []Event, error) {
		it, err := a.Enqueue(actorID, r.newID(), track, r.now())
		if err != nil {
			return nil, nil, err
		}
		out := *it
		return &out, []Event{{Type: EventQueueChanged, Payload: queueItemChanged(QueueAdded, it)}}, nil
	})
}

// RemoveQueueItem deletes a queue item.
func (r *Registry) RemoveQueueItem(ctx context.Context, sessionID, actorID, itemID string) error {
	_, err := submit(ctx, r, sessionID, actorID, func(a *Aggregate) (struct{}, []Event, error) {
		it, err := a.RemoveQueueItem(actorID, itemID)
		if err != nil {
			return struct{}{}, nil, err
		}
		return struct{}{}, []Event{{
			Type:    EventQueueChanged,
			Payload: QueueChangedPayload{Action: QueueRemoved, ItemID: it.ID, From: it.Position},
		}}, nil
	})
	return err
}

type queueMove struct{ from, to int }

// MoveQueueItem reorders an unplayed item and returns the effective move.
func (r *Registry) MoveQueueItem(ctx context.Context, sessionID, actorID, itemID string, position int) (from, to int, err error) {
	mv, err := submit(ctx, r, sessionID, actorID, func(a *Aggregate) (queueMove, []Event, error) {
		oldPos, newPos, err := a.MoveQueueItem(actorID, itemID, position)
		if err != nil {
			return queueMove{}, nil, err
		}
		mv := queueMove{from: oldPos, to: newPos}
		if oldPos == newPos {
			return mv, nil, nil
		}
		return mv, []Event{{
			Type:    EventQueueChanged,
			Payload: QueueChangedPayload{Action: QueueMoved, ItemID: itemID, From: oldPos, To: newPos},
		}}, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return mv.from, mv.to, nil
}

// Invite issues pending invitations and returns those actually created.
func (r *Registry) Invite(ctx context.Context, sessionID, inviterID string, userIDs []string) ([]Invitation, error) {
	return submit(ctx, r, sessionID, inviterID, func(a *Aggregate) ([]Invitation, []Event, error) {
		created, err := a.Invite(inviterID, userIDs, r.newID, r.now())
		if err != nil {
			return nil, nil, err
		}
		out := make([]Invitation, 0, len(created))
		for _, inv := range created {
			out = append(out, *inv)
		}
		return out, nil, nil
	})
}

// AcceptInvite joins the invitee to the invitation's session.
func (r *Registry) AcceptInvite(ctx context.Context, invitationID, userID string) (*Invitation, error) {
	sessionID, err := r.store.InvitationSession(ctx, invitationID)
	if err != nil {
		return nil, r.storeError("", err)
	}

	return submit(ctx, r, sessionID, userID, func(a *Aggregate) (*Invitation, []Event, error) {
		inv, p, err := a.AcceptInvitation(invitationID, userID, r.now())
		if errors.Is(err, ErrSessionFull) {
			return nil, nil, &commitError{err: err}
		}
		if err != nil {
			return nil, nil, err
		}
		out := *inv
		if p == nil {
			return &out, nil, nil
		}
		return &out, []Event{{
			Type:    EventParticipantJoined,
			Payload: ParticipantJoinedPayload{Participant: *p, ActiveCount: a.ActiveCount()},
		}}, nil
	})
}

// DeclineInvite refuses a pending invitation.
func (r *Registry) DeclineInvite(ctx context.Context, invitationID, userID string) (*Invitation, error) {
	sessionID, err := r.store.InvitationSession(ctx, invitationID)
	if err != nil {
		return nil, r.storeError("", err)
	}

	return submit(ctx, r, sessionID, userID, func(a *Aggregate) (*Invitation, []Event, error) {
		inv, err := a.DeclineInvitation(invitationID, userID, r.now())
		if err != nil {
			return nil, nil, err
		}
		out := *inv
		return &out, nil, nil
	})
}

// ListInvitations returns the pending invitations addressed to userID.
func (r *Registry) ListInvitations(ctx context.Context, userID string) ([]Invitation, error) {
	out, err := r.store.ListPendingInvitations(ctx, userID)
	if err != nil {
		return nil, r.storeError("", err)
	}
	return out, nil
}
