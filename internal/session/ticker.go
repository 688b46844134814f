package session

import (
	"context"
	"log/slog"
	"time"
)

// StartTicker starts a background worker that advances sessions whose
// current track has finished playing.
func (r *Registry) StartTicker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := r.AdvanceFinished(ctx); err != nil {
					r.logger.Warn("session-service: ticker scan failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// AdvanceFinished advances every playing session whose track ran past its
// duration and returns how many were advanced. A session is left alone when
// its state changed after it was listed.
func (r *Registry) AdvanceFinished(ctx context.Context) (int, error) {
	sessions, err := r.store.ListPlayingSessions(ctx)
	if err != nil {
		return 0, r.storeError("", err)
	}

	now := r.now()
	advanced := 0
	for i := range sessions {
		s := &sessions[i]
		if s.CurrentTrack == nil || s.CurrentTrack.DurationMs <= 0 || now.Before(finishedAt(s)) {
			continue
		}
		seen := s.UpdatedAt
		moved, err := submit(ctx, r, s.ID, s.CreatorID, func(a *Aggregate) (bool, []Event, error) {
			if !a.Session.Active || !a.Session.Playing || !a.Session.UpdatedAt.Equal(seen) {
				return false, nil, nil
			}
			next, err := a.Advance(a.Session.CreatorID, r.now())
			if err != nil {
				return false, nil, err
			}
			return true, advanceEvents(a, next), nil
		})
		if err != nil {
			r.logger.Warn("session-service: auto-advance failed",
				slog.String("session_id", s.ID),
				slog.Any("error", err))
			continue
		}
		if moved {
			advanced++
		}
	}
	return advanced, nil
}

// finishedAt reports when the current track of s is expected to end.
func finishedAt(s *Session) time.Time {
	remaining := s.CurrentTrack.DurationMs - s.PositionMs
	return s.UpdatedAt.Add(time.Duration(remaining) * time.Millisecond)
}
