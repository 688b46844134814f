package session

import (
	"context"
	"time"
)

// EventType is the wire name of a room broadcast.
type EventType string

const (
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantLeft   EventType = "participant-left"
	EventTrackChanged      EventType = "track-changed"
	EventPlaybackChanged   EventType = "playback-changed"
	EventQueueChanged      EventType = "queue-changed"
	EventSessionEnded      EventType = "session-ended"
	EventSessionUpdated    EventType = "session-updated"
	EventSnapshot          EventType = "snapshot"
)

// Queue change actions carried in a queue-changed payload.
const (
	QueueAdded   = "added"
	QueueRemoved = "removed"
	QueueMoved   = "moved"
	QueuePlayed  = "played"
)

// Event is a state delta emitted after a command has been durably applied.
// Origin is the user whose command produced it; SkipOrigin asks the
// broadcaster not to echo it back to that user's connections.
type Event struct {
	Type       EventType `json:"type"`
	SessionID  string    `json:"sessionId"`
	Origin     string    `json:"origin,omitempty"`
	SkipOrigin bool      `json:"-"`
	At         time.Time `json:"at"`
	Payload    any       `json:"payload"`
}

// Publisher fans events out to a session's live connections. Delivery is
// best effort.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

type discardPublisher struct{}

func (discardPublisher) Publish(context.Context, Event) error { return nil }

type ParticipantJoinedPayload struct {
	Participant Participant `json:"participant"`
	ActiveCount int         `json:"activeCount"`
}

type ParticipantLeftPayload struct {
	UserID      string `json:"userId"`
	ActiveCount int    `json:"activeCount"`
}

type TrackChangedPayload struct {
	Track      *Track    `json:"track"`
	Playing    bool      `json:"playing"`
	PositionMs int64     `json:"positionMs"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type PlaybackChangedPayload struct {
	Playing    bool      `json:"playing"`
	PositionMs int64     `json:"positionMs"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type QueueChangedPayload struct {
	Action string     `json:"action"`
	Item   *QueueItem `json:"item,omitempty"`
	ItemID string     `json:"itemId"`
	From   int        `json:"from,omitempty"`
	To     int        `json:"to,omitempty"`
}

type SessionEndedPayload struct {
	EndedAt time.Time `json:"endedAt"`
}

func trackChanged(s *Session) TrackChangedPayload {
	var t *Track
	if s.CurrentTrack != nil {
		c := *s.CurrentTrack
		t = &c
	}
	return TrackChangedPayload{
		Track:      t,
		Playing:    s.Playing,
		PositionMs: s.PositionMs,
		UpdatedAt:  s.UpdatedAt,
	}
}

func playbackChanged(s *Session) PlaybackChangedPayload {
	return PlaybackChangedPayload{
		Playing:    s.Playing,
		PositionMs: s.PositionMs,
		UpdatedAt:  s.UpdatedAt,
	}
}

func queueItemChanged(action string, it *QueueItem) QueueChangedPayload {
	c := *it
	return QueueChangedPayload{Action: action, Item: &c, ItemID: it.ID}
}

type echoKey struct{}

// WithoutEcho marks commands issued with ctx so their events skip the
// originator's own connections. Real-time clients that already applied a
// change locally use it.
func WithoutEcho(ctx context.Context) context.Context {
	return context.WithValue(ctx, echoKey{}, true)
}

func skipEcho(ctx context.Context) bool {
	v, _ := ctx.Value(echoKey{}).(bool)
	return v
}
