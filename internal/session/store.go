package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrNoSession is returned by stores when the session id is unknown.
var ErrNoSession = errors.New("session does not exist")

// ErrNoInvitation is returned by stores when the invitation id is unknown.
var ErrNoInvitation = errors.New("invitation does not exist")

// Store durably keeps session aggregates. Update is a transactional
// read-modify-write of one aggregate: fn runs against the latest committed
// state, and the rows it touched are written only if it returns nil.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	Load(ctx context.Context, sessionID string) (*Aggregate, error)
	Update(ctx context.Context, sessionID string, fn func(*Aggregate) error) error
	InvitationSession(ctx context.Context, invitationID string) (string, error)
	ListPendingInvitations(ctx context.Context, userID string) ([]Invitation, error)
	ListPublicSessions(ctx context.Context, limit int) ([]Session, error)
	ListPlayingSessions(ctx context.Context) ([]Session, error)
}

// MemoryStore keeps aggregates in process. Committed aggregates are never
// mutated in place: Update works on a clone and swaps it in, so readers
// always see a whole before- or after-state.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Aggregate
	locks    map[string]*sync.Mutex
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Aggregate),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return errors.New("session already exists")
	}
	m.sessions[s.ID] = (&Aggregate{Session: *s}).Clone()
	m.locks[s.ID] = &sync.Mutex{}
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (*Aggregate, error) {
	m.mu.RLock()
	agg, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	return agg.Clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, sessionID string, fn func(*Aggregate) error) error {
	m.mu.RLock()
	lock, ok := m.locks[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}

	lock.Lock()
	defer lock.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	work := m.sessions[sessionID].Clone()
	m.mu.RUnlock()

	if err := fn(work); err != nil {
		return err
	}
	if work.Changes().Empty() {
		return nil
	}
	work.ResetChanges()

	m.mu.Lock()
	m.sessions[sessionID] = work
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) InvitationSession(_ context.Context, invitationID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, agg := range m.sessions {
		if agg.Invitation(invitationID) != nil {
			return id, nil
		}
	}
	return "", ErrNoInvitation
}

func (m *MemoryStore) ListPendingInvitations(_ context.Context, userID string) ([]Invitation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Invitation
	for _, agg := range m.sessions {
		if !agg.Session.Active {
			continue
		}
		for _, inv := range agg.Invitations {
			if inv.InvitedUserID == userID && inv.Status == InvitationPending {
				out = append(out, *inv)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ListPublicSessions(_ context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, agg := range m.sessions {
		if agg.Session.Active && agg.Session.Visibility == VisibilityPublic {
			out = append(out, agg.Clone().Session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListPlayingSessions(_ context.Context) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Session
	for _, agg := range m.sessions {
		s := agg.Session
		if s.Active && s.Playing && s.CurrentTrack != nil && s.CurrentTrack.DurationMs > 0 {
			out = append(out, agg.Clone().Session)
		}
	}
	return out, nil
}
