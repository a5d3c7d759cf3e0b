package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/store"
)

type personasEndpoint struct {
	server *Server
}

func newPersonasEndpoint(server *Server) protocol.Endpoint {
	return &personasEndpoint{server: server}
}

func (e *personasEndpoint) Name() string { return "personas" }

func (e *personasEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/personas", Handler: http.HandlerFunc(e.server.handleListPersonas)},
		{Method: http.MethodGet, Path: "/personas/{id}", Handler: http.HandlerFunc(e.server.handleGetPersona)},
	}
}

func (s *Server) handleListPersonas(w http.ResponseWriter, r *http.Request) {
	personas, err := s.store.ListPersonas(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if personas == nil {
		personas = []store.Persona{}
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"personas": personas})
}

func (s *Server) handleGetPersona(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	p, err := s.store.Persona(r.Context(), id)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, p)
}
