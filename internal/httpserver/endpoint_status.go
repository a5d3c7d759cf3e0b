package httpserver

import (
	"net/http"

	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
)

type statusEndpoint struct {
	server *Server
}

// newStatusEndpoint exposes the session status websocket when a hub is configured.
func newStatusEndpoint(server *Server) protocol.Endpoint {
	if server.status == nil {
		return nil
	}
	return &statusEndpoint{server: server}
}

func (e *statusEndpoint) Name() string { return "status" }

func (e *statusEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodGet, Path: "/status/ws", Handler: e.server.status},
	}
}
