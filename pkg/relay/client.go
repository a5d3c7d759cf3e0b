// Package relay is the public surface for programs that talk to relayd.
package relay

import (
	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/client"
	internalrelay "github.com/tokligence/tokligence-relay/internal/relay"
	"github.com/tokligence/tokligence-relay/internal/store"
)

type Client = client.RelayClient
type HTTPClient = client.HTTPClient
type APIError = client.APIError
type EventStream = client.EventStream

var ErrStreamEnded = client.ErrStreamEnded

func NewClient(baseURL string, httpClient HTTPClient) (*Client, error) {
	return client.NewRelayClient(baseURL, httpClient)
}

type Event = internalrelay.Event
type EventType = internalrelay.EventType
type ErrorInfo = internalrelay.ErrorInfo

const (
	EventDelta    = internalrelay.EventDelta
	EventComplete = internalrelay.EventComplete
	EventError    = internalrelay.EventError
)

type Session = chat.Session
type Message = chat.Message
type Persona = store.Persona
type StoredMessage = store.StoredMessage
type MessageKind = store.MessageKind

const (
	KindRaw       = store.KindRaw
	KindProcessed = store.KindProcessed
)
