package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/openai"
)

// Ensure Anthropic implements Provider.
var _ Provider = (*Anthropic)(nil)

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string // optional, defaults to https://api.anthropic.com
	Version   string // optional, defaults to 2023-06-01
	MaxTokens int    // used when the request does not set max_tokens
}

// Anthropic streams from the Anthropic Messages API and maps its events onto
// the relay's delta model.
type Anthropic struct {
	apiKey    string
	baseURL   string
	version   string
	maxTokens int
}

// NewAnthropic creates an Anthropic provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Anthropic{
		apiKey:    cfg.APIKey,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		version:   version,
		maxTokens: maxTokens,
	}, nil
}

// Name implements Provider.
func (p *Anthropic) Name() string { return "anthropic" }

type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Stream        bool               `json:"stream"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

type anthropicMessage struct {
	Role    string                  `json:"role"`
	Content []anthropicContentBlock `json:"content"`
}

type anthropicContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

// NewRequest converts the OpenAI-shaped request into a Messages API call.
// Frequency and presence penalties have no Anthropic equivalent and are dropped.
func (p *Anthropic) NewRequest(ctx context.Context, req openai.ChatCompletionRequest) (*http.Request, error) {
	messages, system, err := convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	payload := anthropicRequest{
		Model:       req.Model,
		Messages:    messages,
		System:      system,
		MaxTokens:   p.maxTokens,
		Stream:      true,
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if req.MaxTokens != nil {
		payload.MaxTokens = *req.MaxTokens
	}
	for _, fn := range req.Functions {
		schema := fn.Parameters
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}
		payload.Tools = append(payload.Tools, anthropicTool{Name: fn.Name, Description: fn.Description, InputSchema: schema})
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.version)
	httpReq.Header.Set("Accept", "text/event-stream")
	return httpReq, nil
}

// NewDecoder implements Provider.
func (p *Anthropic) NewDecoder() LineDecoder { return &AnthropicDecoder{} }

// convertMessages splits system prompts out of the conversation. Function results
// are replayed as user turns and earlier function calls as assistant text, since
// the relay does not track tool_use ids across turns.
func convertMessages(in []openai.ChatMessage) ([]anthropicMessage, string, error) {
	var (
		messages []anthropicMessage
		system   strings.Builder
	)
	for _, msg := range in {
		role := strings.ToLower(msg.Role)
		if role == string(chat.RoleSystem) {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(msg.Content)
			continue
		}
		text := msg.Content
		switch role {
		case string(chat.RoleAssistant):
			if msg.FunctionCall != nil {
				text = fmt.Sprintf("function_call %s(%s)", msg.FunctionCall.Name, msg.FunctionCall.Arguments)
			}
		case string(chat.RoleFunction):
			role = string(chat.RoleUser)
			text = fmt.Sprintf("function %s returned: %s", msg.Name, msg.Content)
		default:
			role = string(chat.RoleUser)
		}
		messages = append(messages, anthropicMessage{
			Role:    role,
			Content: []anthropicContentBlock{{Type: "text", Text: text}},
		})
	}
	if len(messages) == 0 {
		return nil, "", errors.New("no user/assistant messages after filtering system messages")
	}
	return messages, system.String(), nil
}

// Streaming event minimal schema.
type anthropicStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		Name string `json:"name,omitempty"`
		Text string `json:"text,omitempty"`
	} `json:"content_block,omitempty"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// AnthropicDecoder maps Messages API stream events to deltas. "event:" lines are
// ignored because every data payload repeats its type.
type AnthropicDecoder struct{}

// Decode implements LineDecoder.
func (d *AnthropicDecoder) Decode(line string) (Decoded, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "data:") {
		return Decoded{}, nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
	if !strings.HasPrefix(payload, "{") || payload == "{}" {
		return Decoded{}, nil
	}
	var evt anthropicStreamEvent
	if err := json.Unmarshal([]byte(payload), &evt); err != nil {
		return Decoded{}, &DecodeError{Provider: "anthropic", Line: line, Err: err}
	}

	switch evt.Type {
	case "content_block_start":
		if evt.ContentBlock == nil {
			return Decoded{}, nil
		}
		switch evt.ContentBlock.Type {
		case "tool_use":
			return Decoded{Delta: &chat.Delta{FunctionCall: &chat.FunctionCallDelta{Name: evt.ContentBlock.Name}}}, nil
		case "text":
			if evt.ContentBlock.Text != "" {
				return Decoded{Delta: &chat.Delta{Content: evt.ContentBlock.Text}}, nil
			}
		}
	case "content_block_delta":
		switch evt.Delta.Type {
		case "text_delta":
			return Decoded{Delta: &chat.Delta{Content: evt.Delta.Text}}, nil
		case "input_json_delta":
			return Decoded{Delta: &chat.Delta{FunctionCall: &chat.FunctionCallDelta{Arguments: evt.Delta.PartialJSON}}}, nil
		}
	case "message_stop":
		return Decoded{Stop: true}, nil
	case "error":
		upErr := &UpstreamError{Provider: "anthropic", Message: "unknown error"}
		if evt.Error != nil {
			upErr.Type, upErr.Message = evt.Error.Type, evt.Error.Message
		}
		return Decoded{}, upErr
	}
	return Decoded{}, nil
}
