// Package store defines the persistence contract for sessions, their messages and
// personas. Backends live in the sqlite and postgres subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

// ErrNotFound is returned when a session or persona does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateName is returned when a persona name is already taken.
var ErrDuplicateName = errors.New("store: persona name already exists")

// MessageKind separates the verbatim transcript from the display copy.
type MessageKind string

const (
	KindRaw       MessageKind = "raw"
	KindProcessed MessageKind = "processed"
)

// Valid reports whether k is a known kind.
func (k MessageKind) Valid() bool { return k == KindRaw || k == KindProcessed }

// StoredMessage is a persisted message row.
type StoredMessage struct {
	ID        int64        `json:"id"`
	SessionID uuid.UUID    `json:"session_id"`
	Kind      MessageKind  `json:"kind"`
	Message   chat.Message `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

// Persona is the stored persona record. Properties hold generation settings as
// string key/values (chatgpt_model, chatgpt_temperature, ...); Functions names
// entries of the function registry.
type Persona struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Description  string            `json:"description,omitempty"`
	SystemPrompt string            `json:"system_prompt"`
	Properties   map[string]string `json:"properties,omitempty"`
	Functions    []string          `json:"functions,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Store persists sessions, messages and personas.
type Store interface {
	CreateSession(ctx context.Context, personaID uuid.UUID, title string) (chat.Session, error)
	Session(ctx context.Context, id uuid.UUID) (chat.Session, error)
	// History returns the raw transcript of a session in insertion order.
	History(ctx context.Context, id uuid.UUID) ([]chat.Message, error)
	Messages(ctx context.Context, id uuid.UUID, kind MessageKind) ([]StoredMessage, error)
	// AppendMessages stores both copies in one transaction.
	AppendMessages(ctx context.Context, id uuid.UUID, raw, processed []chat.Message) error

	SavePersona(ctx context.Context, p Persona) (Persona, error)
	Persona(ctx context.Context, id uuid.UUID) (Persona, error)
	PersonaByName(ctx context.Context, name string) (Persona, error)
	ListPersonas(ctx context.Context) ([]Persona, error)

	Ping(ctx context.Context) error
	Close() error
}
