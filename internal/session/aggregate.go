package session

import (
	"sort"
)

// Aggregate is the unit of mutual exclusion: one session with its roster,
// queue and invitations. All commands mutate an Aggregate loaded by a Store
// inside a single read-modify-write; the change set tells the store which
// rows to write back.
type Aggregate struct {
	Session      Session
	Participants []*Participant
	Queue        []*QueueItem
	Invitations  []*Invitation

	changes ChangeSet
}

// ChangeSet lists the rows touched by the commands applied to an Aggregate.
type ChangeSet struct {
	Session      bool
	Participants map[string]struct{} // by user id
	QueueUpserts map[string]struct{} // by item id
	QueueDeletes map[string]struct{} // by item id
	Invitations  map[string]struct{} // by invitation id
}

// Empty reports whether nothing was modified.
func (c ChangeSet) Empty() bool {
	return !c.Session && len(c.Participants) == 0 && len(c.QueueUpserts) == 0 &&
		len(c.QueueDeletes) == 0 && len(c.Invitations) == 0
}

// Changes returns the rows touched since the aggregate was loaded.
func (a *Aggregate) Changes() ChangeSet { return a.changes }

// ResetChanges forgets recorded changes. Stores call it after a write.
func (a *Aggregate) ResetChanges() { a.changes = ChangeSet{} }

func (a *Aggregate) touchSession() { a.changes.Session = true }

func (a *Aggregate) touchParticipant(userID string) {
	if a.changes.Participants == nil {
		a.changes.Participants = map[string]struct{}{}
	}
	a.changes.Participants[userID] = struct{}{}
}

func (a *Aggregate) touchQueueItem(id string) {
	if a.changes.QueueUpserts == nil {
		a.changes.QueueUpserts = map[string]struct{}{}
	}
	a.changes.QueueUpserts[id] = struct{}{}
}

func (a *Aggregate) deleteQueueItem(id string) {
	if a.changes.QueueDeletes == nil {
		a.changes.QueueDeletes = map[string]struct{}{}
	}
	delete(a.changes.QueueUpserts, id)
	a.changes.QueueDeletes[id] = struct{}{}
}

func (a *Aggregate) touchInvitation(id string) {
	if a.changes.Invitations == nil {
		a.changes.Invitations = map[string]struct{}{}
	}
	a.changes.Invitations[id] = struct{}{}
}

// Participant returns the row for userID, active or not.
func (a *Aggregate) Participant(userID string) *Participant {
	for _, p := range a.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// ActiveCount is always derived from the rows; no counter is kept.
func (a *Aggregate) ActiveCount() int {
	n := 0
	for _, p := range a.Participants {
		if p.Active {
			n++
		}
	}
	return n
}

// ActiveParticipants returns the active rows ordered by join time.
func (a *Aggregate) ActiveParticipants() []Participant {
	out := make([]Participant, 0, len(a.Participants))
	for _, p := range a.Participants {
		if p.Active {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// QueueItem returns the queue row with the given id.
func (a *Aggregate) QueueItem(id string) *QueueItem {
	for _, it := range a.Queue {
		if it.ID == id {
			return it
		}
	}
	return nil
}

// Invitation returns the invitation with the given id.
func (a *Aggregate) Invitation(id string) *Invitation {
	for _, inv := range a.Invitations {
		if inv.ID == id {
			return inv
		}
	}
	return nil
}

// actor resolves userID into a permission-engine Actor.
func (a *Aggregate) actor(userID string) Actor {
	return Actor{
		UserID:      userID,
		IsCreator:   userID != "" && userID == a.Session.CreatorID,
		Participant: a.Participant(userID),
	}
}

func (a *Aggregate) capabilities(userID string) Capabilities {
	return Evaluate(&a.Session, a.actor(userID))
}

// Snapshot renders the aggregate for clients.
func (a *Aggregate) Snapshot() Snapshot {
	s := a.Session
	if s.CurrentTrack != nil {
		t := *s.CurrentTrack
		s.CurrentTrack = &t
	}
	return Snapshot{
		Session:      s,
		Participants: a.ActiveParticipants(),
		Queue:        a.Upcoming(),
	}
}

// Clone returns a deep copy with an empty change set.
func (a *Aggregate) Clone() *Aggregate {
	c := &Aggregate{Session: a.Session}
	if a.Session.CurrentTrack != nil {
		t := *a.Session.CurrentTrack
		c.Session.CurrentTrack = &t
	}
	if a.Session.EndedAt != nil {
		t := *a.Session.EndedAt
		c.Session.EndedAt = &t
	}
	c.Participants = make([]*Participant, len(a.Participants))
	for i, p := range a.Participants {
		cp := *p
		if p.LeftAt != nil {
			t := *p.LeftAt
			cp.LeftAt = &t
		}
		c.Participants[i] = &cp
	}
	c.Queue = make([]*QueueItem, len(a.Queue))
	for i, it := range a.Queue {
		ci := *it
		c.Queue[i] = &ci
	}
	c.Invitations = make([]*Invitation, len(a.Invitations))
	for i, inv := range a.Invitations {
		ci := *inv
		if inv.RespondedAt != nil {
			t := *inv.RespondedAt
			ci.RespondedAt = &t
		}
		c.Invitations[i] = &ci
	}
	return c
}
