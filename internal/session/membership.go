package session

import (
	"strings"
	"time"
)

// Join adds userID to the roster or reactivates their existing row.
// The session creator becomes admin the first time they join.
func (a *Aggregate) Join(userID string, now time.Time) (*Participant, error) {
	if !a.Session.Active {
		return nil, ErrSessionNotFound
	}
	p := a.Participant(userID)
	if p != nil && p.Active {
		return nil, ErrAlreadyActive
	}
	if a.ActiveCount() >= a.Session.Capacity {
		return nil, ErrSessionFull
	}
	return a.activate(p, userID, now), nil
}

// activate reactivates p or creates a new row when p is nil.
func (a *Aggregate) activate(p *Participant, userID string, now time.Time) *Participant {
	if p == nil {
		role := RoleMember
		if userID == a.Session.CreatorID {
			role = RoleAdmin
		}
		p = &Participant{
			SessionID: a.Session.ID,
			UserID:    userID,
			Role:      role,
		}
		a.Participants = append(a.Participants, p)
	}
	p.Active = true
	p.JoinedAt = now
	p.LeftAt = nil
	a.touchParticipant(userID)
	return p
}

// Leave deactivates userID. It never ends the session, not even when the
// creator leaves.
func (a *Aggregate) Leave(userID string, now time.Time) (*Participant, error) {
	p := a.Participant(userID)
	if p == nil || !p.Active {
		return nil, ErrNotMember
	}
	p.Active = false
	left := now
	p.LeftAt = &left
	a.touchParticipant(userID)
	return p, nil
}

// End terminates the session. Only the creator may end it and there is no
// way back: every participant is deactivated and joins are refused.
func (a *Aggregate) End(actorID string, now time.Time) error {
	if actorID != a.Session.CreatorID {
		return ErrForbidden
	}
	if !a.Session.Active {
		return ErrSessionEnded
	}
	a.Session.Active = false
	a.Session.Playing = false
	a.Session.UpdatedAt = now
	ended := now
	a.Session.EndedAt = &ended
	a.touchSession()

	for _, p := range a.Participants {
		if !p.Active {
			continue
		}
		p.Active = false
		left := now
		p.LeftAt = &left
		a.touchParticipant(p.UserID)
	}
	return nil
}

// UpdateSettings applies a creator-only partial update of the session
// configuration. Capacity can't drop below the current active count.
func (a *Aggregate) UpdateSettings(actorID string, s Settings) error {
	if !a.Session.Active {
		return ErrSessionEnded
	}
	if !a.capabilities(actorID).Configure {
		return ErrForbidden
	}

	if s.Name != nil {
		name := strings.TrimSpace(*s.Name)
		if name == "" {
			return invalidArgument("name must not be empty")
		}
		a.Session.Name = name
	}
	if s.Description != nil {
		a.Session.Description = strings.TrimSpace(*s.Description)
	}
	if s.Visibility != nil {
		if *s.Visibility != VisibilityPublic && *s.Visibility != VisibilityPrivate {
			return invalidArgument("unsupported visibility %q", *s.Visibility)
		}
		a.Session.Visibility = *s.Visibility
	}
	if s.Capacity != nil {
		if *s.Capacity < 1 {
			return invalidArgument("capacity must be at least 1")
		}
		if *s.Capacity < a.ActiveCount() {
			return invalidArgument("capacity %d is below the %d active participants", *s.Capacity, a.ActiveCount())
		}
		a.Session.Capacity = *s.Capacity
	}
	if s.GuestControl != nil {
		a.Session.GuestControl = *s.GuestControl
	}
	if s.QueueMode != nil {
		if *s.QueueMode != QueueModeCollaborative && *s.QueueMode != QueueModeHostOnly {
			return invalidArgument("unsupported queue mode %q", *s.QueueMode)
		}
		a.Session.QueueMode = *s.QueueMode
	}
	a.touchSession()
	return nil
}
