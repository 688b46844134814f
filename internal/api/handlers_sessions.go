package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"session-service/internal/session"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body session.NewSession
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	created, err := s.engine.CreateSession(r.Context(), userID(r), body)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, session.ErrInvalidArgument.Code, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	list, err := s.engine.ListPublic(r.Context(), limit)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	if list == nil {
		list = []session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	snap, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var body session.Settings
	if err := s.decode(w, r, &body); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	updated, err := s.engine.UpdateSettings(commandContext(r), chi.URLParam(r, "id"), userID(r), body)
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleJoin(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Join(commandContext(r), chi.URLParam(r, "id"), userID(r))
	if err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Leave(commandContext(r), chi.URLParam(r, "id"), userID(r)); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnd(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.End(commandContext(r), chi.URLParam(r, "id"), userID(r)); err != nil {
		s.writeSessionError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if s.rooms == nil {
		writeError(w, http.StatusNotFound, "not_found", "realtime is disabled")
		return
	}
	// ServeSession only returns errors before the upgrade.
	if err := s.rooms.ServeSession(w, r, chi.URLParam(r, "id"), userID(r)); err != nil {
		s.writeSessionError(w, r, err)
	}
}
