package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"session-service/internal/session"
)

// Leaver is the part of the engine presence tracking needs.
type Leaver interface {
	Leave(ctx context.Context, sessionID, userID string) error
}

type presenceKey struct {
	sessionID string
	userID    string
}

// ConnCounter shares connection counts between service instances.
type ConnCounter interface {
	Add(ctx context.Context, sessionID, userID string, delta int) error
	Total(ctx context.Context, sessionID, userID string) (int, error)
}

// Presence turns dropped connections into leaves. When the last connection
// of a user in a session closes, Leave is called after a grace period unless
// the user reconnects first.
//
// Without a ConnCounter the counts only cover this instance, so a user
// connected to two instances is left when either side drops. With one, the
// leave is skipped while any instance still holds a connection of the user.
type Presence struct {
	leaver  Leaver
	grace   time.Duration
	logger  *slog.Logger
	counter ConnCounter

	mu      sync.Mutex
	conns   map[presenceKey]int
	pending map[presenceKey]*pendingLeave
}

type pendingLeave struct {
	timer *time.Timer
}

func NewPresence(leaver Leaver, grace time.Duration, logger *slog.Logger) *Presence {
	if logger == nil {
		logger = slog.Default()
	}
	return &Presence{
		leaver:  leaver,
		grace:   grace,
		logger:  logger,
		conns:   make(map[presenceKey]int),
		pending: make(map[presenceKey]*pendingLeave),
	}
}

// ShareCounts makes leaves depend on connections held by every instance
// reporting to c. Call it before the first Connect.
func (p *Presence) ShareCounts(c ConnCounter) {
	p.counter = c
}

// Connect records a new connection and cancels a pending leave.
func (p *Presence) Connect(sessionID, userID string) {
	k := presenceKey{sessionID, userID}
	p.share(k, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[k]++
	if pl, ok := p.pending[k]; ok {
		pl.timer.Stop()
		delete(p.pending, k)
	}
}

// Disconnect records a closed connection.
func (p *Presence) Disconnect(sessionID, userID string) {
	k := presenceKey{sessionID, userID}
	p.share(k, -1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conns[k] > 1 {
		p.conns[k]--
		return
	}
	delete(p.conns, k)
	if p.grace <= 0 {
		go p.leave(k, nil)
		return
	}
	pl := &pendingLeave{}
	pl.timer = time.AfterFunc(p.grace, func() { p.leave(k, pl) })
	p.pending[k] = pl
}

// Connections returns the live connection count of a user in a session.
func (p *Presence) Connections(sessionID, userID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[presenceKey{sessionID, userID}]
}

func (p *Presence) leave(k presenceKey, pl *pendingLeave) {
	if pl != nil {
		p.mu.Lock()
		// A reconnect may have cancelled this leave after the timer fired.
		if p.pending[k] != pl {
			p.mu.Unlock()
			return
		}
		delete(p.pending, k)
		p.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if p.counter != nil {
		n, err := p.counter.Total(ctx, k.sessionID, k.userID)
		switch {
		case err != nil:
			p.logger.Warn("session-service: presence count unavailable",
				slog.String("session_id", k.sessionID),
				slog.Any("error", err))
		case n > 0:
			return
		}
	}
	err := p.leaver.Leave(ctx, k.sessionID, k.userID)
	if err != nil && !errors.Is(err, session.ErrNotMember) && !errors.Is(err, session.ErrSessionNotFound) {
		p.logger.Warn("session-service: leave after disconnect failed",
			slog.String("session_id", k.sessionID),
			slog.String("user_id", k.userID),
			slog.Any("error", err))
	}
}

func (p *Presence) share(k presenceKey, delta int) {
	if p.counter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	if err := p.counter.Add(ctx, k.sessionID, k.userID, delta); err != nil {
		p.logger.Warn("session-service: presence count update failed",
			slog.String("session_id", k.sessionID),
			slog.String("user_id", k.userID),
			slog.Any("error", err))
	}
}
