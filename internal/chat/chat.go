// Package chat holds the provider-neutral conversation model shared by the relay,
// the persistence collaborators and the provider decoders.
package chat

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	default:
		return false
	}
}

// FunctionCall is a finalized function invocation requested by the model.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is a single conversation turn. A finalized assistant turn carries
// either Content or FunctionCall, never both.
type Message struct {
	Role         Role          `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// IsFunctionCall reports whether the message is a function-call message.
func (m Message) IsFunctionCall() bool {
	return m.FunctionCall != nil
}

// FunctionCallDelta is the function-call portion of a streamed fragment.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Delta is one incremental fragment decoded from a provider stream line.
type Delta struct {
	Content      string             `json:"content,omitempty"`
	FunctionCall *FunctionCallDelta `json:"function_call,omitempty"`
}

// HasFunctionData reports whether the delta carries a non-empty function name or
// arguments fragment.
func (d Delta) HasFunctionData() bool {
	return d.FunctionCall != nil && (d.FunctionCall.Name != "" || d.FunctionCall.Arguments != "")
}

// HasContent reports whether the delta carries a non-empty text fragment.
func (d Delta) HasContent() bool {
	return d.Content != ""
}

// DeltaKind classifies a forwarded fragment.
type DeltaKind string

const (
	DeltaContent      DeltaKind = "content"
	DeltaFunctionCall DeltaKind = "function_call"
)

// GenerationParameters are the per-persona overrides sent to the provider.
// Nil fields are omitted from the outbound request.
type GenerationParameters struct {
	Model            *string  `json:"model,omitempty" yaml:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP             *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens        *int     `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	FrequencyPenalty *float64 `json:"frequency_penalty,omitempty" yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `json:"presence_penalty,omitempty" yaml:"presence_penalty,omitempty"`
}

// ModelName returns the configured model or the empty string.
func (p GenerationParameters) ModelName() string {
	if p.Model == nil {
		return ""
	}
	return strings.TrimSpace(*p.Model)
}

// FunctionSchema describes a function the model may call.
type FunctionSchema struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// String returns a pointer to v; handy for building GenerationParameters.
func String(v string) *string { return &v }

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Session is a conversation bound to one persona.
type Session struct {
	ID        uuid.UUID `json:"id"`
	PersonaID uuid.UUID `json:"persona_id"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
