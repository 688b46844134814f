package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"session-service/internal/session"
)

type enqueueRequest struct {
	Track *session.Track `json:"track" validate:"required"`
}

type moveRequest struct {
	Position int `json:"position" validate:"gte=1"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var body enqueueRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	ctx := commandContext(r)
	item, err := s.engine.Enqueue(ctx, chi.URLParam(r, "id"), userID(r), s.enrich(ctx, *body.Track))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleMoveQueueItem(w http.ResponseWriter, r *http.Request) {
	var body moveRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	itemID := chi.URLParam(r, "itemId")
	from, to, err := s.engine.MoveQueueItem(commandContext(r), chi.URLParam(r, "id"), userID(r), itemID, body.Position)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"itemId": itemID,
		"from":   from,
		"to":     to,
	})
}

func (s *Server) handleRemoveQueueItem(w http.ResponseWriter, r *http.Request) {
	err := s.engine.RemoveQueueItem(commandContext(r), chi.URLParam(r, "id"), userID(r), chi.URLParam(r, "itemId"))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
