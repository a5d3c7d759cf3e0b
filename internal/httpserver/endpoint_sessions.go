package httpserver

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/store"
)

type sessionsEndpoint struct {
	server *Server
}

func newSessionsEndpoint(server *Server) protocol.Endpoint {
	return &sessionsEndpoint{server: server}
}

func (e *sessionsEndpoint) Name() string { return "sessions" }

func (e *sessionsEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/sessions", Handler: http.HandlerFunc(e.server.handleCreateSession)},
		{Method: http.MethodGet, Path: "/sessions/{id}", Handler: http.HandlerFunc(e.server.handleGetSession)},
		{Method: http.MethodGet, Path: "/sessions/{id}/messages", Handler: http.HandlerFunc(e.server.handleSessionMessages)},
	}
}

type createSessionRequest struct {
	PersonaID string `json:"persona_id"`
	Title     string `json:"title"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	personaID, err := uuid.Parse(strings.TrimSpace(req.PersonaID))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("persona_id must be a uuid"))
		return
	}
	session, err := s.store.CreateSession(r.Context(), personaID, req.Title)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.debugf("session %s created persona=%s", session.ID, personaID)
	s.respondJSON(w, http.StatusCreated, session)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	session, err := s.store.Session(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	kind := store.KindRaw
	if q := strings.TrimSpace(r.URL.Query().Get("kind")); q != "" {
		kind = store.MessageKind(strings.ToLower(q))
	}
	if !kind.Valid() {
		s.respondError(w, http.StatusBadRequest, errors.New("kind must be raw or processed"))
		return
	}
	if _, err := s.store.Session(r.Context(), id); err != nil {
		s.fail(w, err)
		return
	}
	msgs, err := s.store.Messages(r.Context(), id, kind)
	if err != nil {
		s.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []store.StoredMessage{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"session_id": id,
		"kind":       kind,
		"messages":   msgs,
	})
}
