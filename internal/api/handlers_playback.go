package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"session-service/internal/session"
)

type setCurrentRequest struct {
	Track      *session.Track `json:"track" validate:"required"`
	Playing    *bool          `json:"playing"`
	PositionMs int64          `json:"positionMs" validate:"gte=0"`
}

type setPlaybackRequest struct {
	Playing    *bool  `json:"playing"`
	PositionMs *int64 `json:"positionMs" validate:"omitempty,gte=0"`
}

func (s *Server) handleSetCurrent(w http.ResponseWriter, r *http.Request) {
	var body setCurrentRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	playing := true
	if body.Playing != nil {
		playing = *body.Playing
	}
	ctx := commandContext(r)
	track := s.enrich(ctx, *body.Track)

	updated, err := s.engine.SetCurrent(ctx, chi.URLParam(r, "id"), userID(r), track, playing, body.PositionMs)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleSetPlayback(w http.ResponseWriter, r *http.Request) {
	var body setPlaybackRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	updated, err := s.engine.SetPlayback(commandContext(r), chi.URLParam(r, "id"), userID(r), body.Playing, body.PositionMs)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	updated, err := s.engine.Advance(commandContext(r), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}
