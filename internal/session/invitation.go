package session

import (
	"strings"
	"time"
)

// Invite creates pending invitations for the given users. Users that are
// already active or already hold a pending invitation are skipped silently;
// the returned slice is exactly what was created.
func (a *Aggregate) Invite(inviterID string, userIDs []string, newID func() string, now time.Time) ([]*Invitation, error) {
	if !a.Session.Active {
		return nil, ErrSessionEnded
	}
	if !a.capabilities(inviterID).Invite {
		return nil, ErrForbidden
	}

	targets := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, invalidArgument("user id must not be empty")
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		targets = append(targets, id)
	}
	if len(targets) == 0 {
		return nil, invalidArgument("at least one user id is required")
	}
	if a.Session.Capacity-a.ActiveCount() < len(targets) {
		return nil, ErrNotEnoughCapacity
	}

	created := make([]*Invitation, 0, len(targets))
	for _, userID := range targets {
		if p := a.Participant(userID); p != nil && p.Active {
			continue
		}
		if a.pendingInvitation(userID) != nil {
			continue
		}
		inv := &Invitation{
			ID:            newID(),
			SessionID:     a.Session.ID,
			InvitedUserID: userID,
			InvitedByID:   inviterID,
			Status:        InvitationPending,
			CreatedAt:     now,
		}
		a.Invitations = append(a.Invitations, inv)
		a.touchInvitation(inv.ID)
		created = append(created, inv)
	}
	return created, nil
}

func (a *Aggregate) pendingInvitation(userID string) *Invitation {
	for _, inv := range a.Invitations {
		if inv.InvitedUserID == userID && inv.Status == InvitationPending {
			return inv
		}
	}
	return nil
}

// ownInvitation resolves an invitation addressed to actorID. Invitations
// addressed to someone else are reported as missing.
func (a *Aggregate) ownInvitation(invitationID, actorID string) (*Invitation, error) {
	inv := a.Invitation(invitationID)
	if inv == nil || inv.InvitedUserID != actorID {
		return nil, ErrInvitationNotFound
	}
	if inv.Status != InvitationPending {
		return nil, ErrAlreadyProcessed
	}
	return inv, nil
}

func (a *Aggregate) respond(inv *Invitation, status string, now time.Time) {
	inv.Status = status
	at := now
	inv.RespondedAt = &at
	a.touchInvitation(inv.ID)
}

// AcceptInvitation joins the invitee to the session. When the room filled up
// after the invitation was issued the invitation expires and ErrSessionFull
// is returned; that expiry is a real state change and must be persisted.
// The returned participant is nil when the invitee was already active.
func (a *Aggregate) AcceptInvitation(invitationID, actorID string, now time.Time) (*Invitation, *Participant, error) {
	inv, err := a.ownInvitation(invitationID, actorID)
	if err != nil {
		return nil, nil, err
	}
	if !a.Session.Active {
		return nil, nil, ErrSessionNotFound
	}

	p := a.Participant(actorID)
	if p != nil && p.Active {
		a.respond(inv, InvitationAccepted, now)
		return inv, nil, nil
	}
	if a.ActiveCount() >= a.Session.Capacity {
		a.respond(inv, InvitationExpired, now)
		return inv, nil, ErrSessionFull
	}

	p = a.activate(p, actorID, now)
	a.respond(inv, InvitationAccepted, now)
	return inv, p, nil
}

// DeclineInvitation moves a pending invitation to declined.
func (a *Aggregate) DeclineInvitation(invitationID, actorID string, now time.Time) (*Invitation, error) {
	inv, err := a.ownInvitation(invitationID, actorID)
	if err != nil {
		return nil, err
	}
	a.respond(inv, InvitationDeclined, now)
	return inv, nil
}
