package session

// Actor is who is issuing a command, as seen by the permission engine.
// Participant is nil when the user has no row in the session.
type Actor struct {
	UserID      string
	IsCreator   bool
	Participant *Participant
}

func (a Actor) activeParticipant() bool {
	return a.Participant != nil && a.Participant.Active
}

// Capabilities is the result of evaluating an actor against a session.
type Capabilities struct {
	ControlPlayback bool
	MutateQueue     bool
	Invite          bool
	Configure       bool

	userID    string
	isCreator bool
	active    bool
}

// CanRemoveQueueItem reports whether the actor may delete item: the creator
// always may, otherwise only the active participant who submitted it.
func (c Capabilities) CanRemoveQueueItem(item *QueueItem) bool {
	if c.isCreator {
		return true
	}
	return c.active && item != nil && item.AddedBy == c.userID
}

// Evaluate is the single source of truth for who may do what in a session.
// It has no side effects and denies everything to a non-creator without an
// active participant row.
func Evaluate(s *Session, a Actor) Capabilities {
	c := Capabilities{
		userID:    a.UserID,
		isCreator: a.IsCreator,
		active:    a.activeParticipant(),
	}

	if a.IsCreator {
		c.ControlPlayback = true
		c.MutateQueue = true
		c.Invite = true
		c.Configure = true
		return c
	}
	if !c.active {
		return c
	}

	c.ControlPlayback = a.Participant.Role == RoleAdmin || s.GuestControl
	c.MutateQueue = s.QueueMode != QueueModeHostOnly
	c.Invite = true
	return c
}
