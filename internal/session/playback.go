package session

import (
	"time"
)

// PlaybackState names where the session's state machine currently is.
type PlaybackState string

const (
	StateIdle    PlaybackState = "idle"
	StatePlaying PlaybackState = "playing"
	StatePaused  PlaybackState = "paused"
)

// State derives the playback state from the session fields.
func (s *Session) State() PlaybackState {
	switch {
	case s.CurrentTrack == nil:
		return StateIdle
	case s.Playing:
		return StatePlaying
	default:
		return StatePaused
	}
}

// EstimatedPosition extrapolates the playback position at now from the last
// applied update. It is a hint for clients and the auto-advance ticker.
func (s *Session) EstimatedPosition(now time.Time) int64 {
	if !s.Playing || s.UpdatedAt.IsZero() {
		return s.PositionMs
	}
	elapsed := now.Sub(s.UpdatedAt).Milliseconds()
	if elapsed < 0 {
		elapsed = 0
	}
	return s.PositionMs + elapsed
}

// controlPlayback runs the checks shared by every playback command.
func (a *Aggregate) controlPlayback(actorID string) error {
	if !a.Session.Active {
		return ErrSessionEnded
	}
	if !a.capabilities(actorID).ControlPlayback {
		return ErrForbidden
	}
	return nil
}

// SetCurrent replaces the now-playing track. If the track is waiting in the
// queue, that item is consumed so the queue and now-playing agree.
func (a *Aggregate) SetCurrent(actorID string, track Track, playing bool, positionMs int64, now time.Time) (*QueueItem, error) {
	if err := a.controlPlayback(actorID); err != nil {
		return nil, err
	}
	if track.ID == "" {
		return nil, invalidArgument("track id is required")
	}
	if positionMs < 0 {
		return nil, invalidArgument("position must be >= 0")
	}

	t := track
	a.Session.CurrentTrack = &t
	a.Session.Playing = playing
	a.Session.PositionMs = positionMs
	a.Session.UpdatedAt = now
	a.touchSession()

	var consumed *QueueItem
	for _, it := range a.Queue {
		if it.Played || it.Track.ID != track.ID {
			continue
		}
		if consumed == nil || queueLess(it, consumed) {
			consumed = it
		}
	}
	if consumed != nil {
		consumed.Played = true
		a.touchQueueItem(consumed.ID)
	}
	return consumed, nil
}

// SetPlayback is the steady-state play/pause/seek path. Only the provided
// fields change; the update timestamp is always refreshed.
func (a *Aggregate) SetPlayback(actorID string, playing *bool, positionMs *int64, now time.Time) error {
	if err := a.controlPlayback(actorID); err != nil {
		return err
	}
	if positionMs != nil && *positionMs < 0 {
		return invalidArgument("position must be >= 0")
	}

	if playing != nil {
		a.Session.Playing = *playing
	}
	if positionMs != nil {
		a.Session.PositionMs = *positionMs
	}
	a.Session.UpdatedAt = now
	a.touchSession()
	return nil
}

// Advance pulls the next queue item into now-playing, or goes idle when the
// queue is empty. The returned item is nil in the idle case.
func (a *Aggregate) Advance(actorID string, now time.Time) (*QueueItem, error) {
	if err := a.controlPlayback(actorID); err != nil {
		return nil, err
	}

	next := a.DequeueNext()
	if next == nil {
		a.Session.CurrentTrack = nil
		a.Session.Playing = false
	} else {
		t := next.Track
		a.Session.CurrentTrack = &t
		a.Session.Playing = true
	}
	a.Session.PositionMs = 0
	a.Session.UpdatedAt = now
	a.touchSession()
	return next, nil
}
