// Package protocol describes how relay HTTP surfaces register their routes.
package protocol

import "net/http"

// EndpointRoute binds one method and chi path pattern to a handler.
type EndpointRoute struct {
	Method  string
	Path    string
	Handler http.Handler
}

// Endpoint groups the routes of one API surface (sessions, personas, stream...).
type Endpoint interface {
	Name() string
	Routes() []EndpointRoute
}
