package session

import (
	"time"
)

const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"

	QueueModeCollaborative = "collaborative"
	QueueModeHostOnly      = "host-only"

	RoleAdmin  = "admin"
	RoleMember = "member"

	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
	InvitationExpired  = "expired"
)

// Track is an opaque descriptor of a playable song. The engine never
// interprets it beyond comparing IDs.
type Track struct {
	ID         string `json:"id" validate:"required,max=200"`
	Name       string `json:"name" validate:"max=300"`
	Artist     string `json:"artist" validate:"max=200"`
	ImageURL   string `json:"imageUrl,omitempty" validate:"omitempty,max=2048"`
	Provider   string `json:"provider,omitempty" validate:"omitempty,max=50"`
	DurationMs int64  `json:"durationMs,omitempty" validate:"gte=0"`
}

// Session is one shared listening room with a single authoritative
// playback state.
type Session struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Visibility   string     `json:"visibility"`
	Capacity     int        `json:"capacity"`
	CreatorID    string     `json:"creatorId"`
	CurrentTrack *Track     `json:"currentTrack,omitempty"`
	Playing      bool       `json:"playing"`
	PositionMs   int64      `json:"positionMs"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	GuestControl bool       `json:"guestControl"`
	QueueMode    string     `json:"queueMode"`
	Active       bool       `json:"active"`
	CreatedAt    time.Time  `json:"createdAt"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

// Participant is a user's membership record in a session. One row per
// (session, user) survives every join/leave cycle.
type Participant struct {
	SessionID string     `json:"sessionId"`
	UserID    string     `json:"userId"`
	Role      string     `json:"role"`
	Active    bool       `json:"active"`
	JoinedAt  time.Time  `json:"joinedAt"`
	LeftAt    *time.Time `json:"leftAt,omitempty"`
}

// QueueItem is a track waiting in (or already consumed from) a session queue.
type QueueItem struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Track     Track     `json:"track"`
	AddedBy   string    `json:"addedBy"`
	Position  int       `json:"position"`
	Played    bool      `json:"played"`
	AddedAt   time.Time `json:"addedAt"`
}

// Invitation asks a non-member to join a session.
type Invitation struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"sessionId"`
	InvitedUserID string     `json:"invitedUserId"`
	InvitedByID   string     `json:"invitedById"`
	Status        string     `json:"status"`
	CreatedAt     time.Time  `json:"createdAt"`
	RespondedAt   *time.Time `json:"respondedAt,omitempty"`
}

// NewSession describes a session to be created.
type NewSession struct {
	Name         string `json:"name" validate:"required,max=120"`
	Description  string `json:"description" validate:"max=1000"`
	Visibility   string `json:"visibility" validate:"omitempty,oneof=public private"`
	Capacity     int    `json:"capacity" validate:"gte=1,lte=500"`
	GuestControl bool   `json:"guestControl"`
	QueueMode    string `json:"queueMode" validate:"omitempty,oneof=collaborative host-only"`
}

// Settings is a partial update of the creator-controlled configuration.
// Nil fields are left untouched.
type Settings struct {
	Name         *string `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Description  *string `json:"description,omitempty" validate:"omitempty,max=1000"`
	Visibility   *string `json:"visibility,omitempty" validate:"omitempty,oneof=public private"`
	Capacity     *int    `json:"capacity,omitempty" validate:"omitempty,gte=1,lte=500"`
	GuestControl *bool   `json:"guestControl,omitempty"`
	QueueMode    *string `json:"queueMode,omitempty" validate:"omitempty,oneof=collaborative host-only"`
}

// Snapshot is the full view sent to a client on join or reconnect.
type Snapshot struct {
	Session      Session       `json:"session"`
	Participants []Participant `json:"participants"`
	Queue        []QueueItem   `json:"queue"`
	ServerTime   time.Time     `json:"serverTime"`
}
