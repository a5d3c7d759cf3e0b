package openai

import "github.com/tokligence/tokligence-relay/internal/chat"

// ChatCompletionRequest captures the subset of OpenAI's chat request the relay sends.
// Optional tuning fields are pointers so that unset values are omitted rather than
// sent as zeros; the provider treats presence as an override of its own defaults.
type ChatCompletionRequest struct {
	Model            string               `json:"model,omitempty"`
	Messages         []ChatMessage        `json:"messages"`
	Stream           bool                 `json:"stream"`
	Temperature      *float64             `json:"temperature,omitempty"`
	TopP             *float64             `json:"top_p,omitempty"`
	MaxTokens        *int                 `json:"max_tokens,omitempty"`
	FrequencyPenalty *float64             `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64             `json:"presence_penalty,omitempty"`
	Functions        []FunctionDefinition `json:"functions,omitempty"`
}

// ChatMessage follows OpenAI's role/content schema including legacy function calls.
type ChatMessage struct {
	Role         string        `json:"role"`
	Content      string        `json:"content"`
	Name         string        `json:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty"`
}

// FunctionCall is a complete function invocation on a message.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionDefinition declares a callable function in the request.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// FromChatMessage converts a domain message into the wire shape.
func FromChatMessage(m chat.Message) ChatMessage {
	out := ChatMessage{
		Role:    string(m.Role),
		Content: m.Content,
		Name:    m.Name,
	}
	if m.FunctionCall != nil {
		out.FunctionCall = &FunctionCall{Name: m.FunctionCall.Name, Arguments: m.FunctionCall.Arguments}
	}
	return out
}

// FromFunctionSchema converts a registered function into a request definition.
func FromFunctionSchema(f chat.FunctionSchema) FunctionDefinition {
	return FunctionDefinition{
		Name:        f.Name,
		Description: f.Description,
		Parameters:  f.Parameters,
	}
}
