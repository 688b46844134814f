package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"session-service/internal/session"
)

type inviteRequest struct {
	UserIDs []string `json:"userIds" validate:"required,max=100,dive,required,max=200"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var body inviteRequest
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	created, err := s.engine.Invite(r.Context(), chi.URLParam(r, "id"), userID(r), body.UserIDs)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	if created == nil {
		created = []session.Invitation{}
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListInvitations(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListInvitations(r.Context(), userID(r))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	if list == nil {
		list = []session.Invitation{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleAcceptInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := s.engine.AcceptInvite(commandContext(r), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (s *Server) handleDeclineInvite(w http.ResponseWriter, r *http.Request) {
	inv, err := s.engine.DeclineInvite(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}
