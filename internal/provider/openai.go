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

// Ensure OpenAI implements Provider.
var _ Provider = (*OpenAI)(nil)

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string // optional, defaults to https://api.openai.com/v1
	Organization string // optional
}

// OpenAI streams chat completions from the OpenAI API (or any compatible server).
type OpenAI struct {
	apiKey  string
	baseURL string
	org     string
}

// NewOpenAI creates an OpenAI provider.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAI{
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		org:     cfg.Organization,
	}, nil
}

// Name implements Provider.
func (p *OpenAI) Name() string { return "openai" }

// NewRequest encodes req as a streaming chat completion call.
func (p *OpenAI) NewRequest(ctx context.Context, req openai.ChatCompletionRequest) (*http.Request, error) {
	req.Stream = true
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	if p.org != "" {
		httpReq.Header.Set("OpenAI-Organization", p.org)
	}
	return httpReq, nil
}

// NewDecoder implements Provider.
func (p *OpenAI) NewDecoder() LineDecoder { return OpenAIDecoder{} }

// OpenAIDecoder decodes chat.completion.chunk lines. The payload is the JSON object
// starting at the first '{' on the line; lines without one are ignored, which
// covers SSE comments, blank keep-alives and the "data: [DONE]" trailer.
type OpenAIDecoder struct{}

// Decode implements LineDecoder.
func (OpenAIDecoder) Decode(line string) (Decoded, error) {
	start := strings.IndexByte(line, '{')
	if start < 0 {
		return Decoded{}, nil
	}
	var chunk openai.ChatCompletionChunk
	if err := json.Unmarshal([]byte(line[start:]), &chunk); err != nil {
		return Decoded{}, &DecodeError{Provider: "openai", Line: line, Err: err}
	}
	if chunk.Error != nil {
		return Decoded{}, &UpstreamError{Provider: "openai", Type: chunk.Error.Type, Message: chunk.Error.Message}
	}
	choice, ok := chunk.FirstChoice()
	if !ok {
		return Decoded{}, nil
	}
	if choice.IsStop() {
		return Decoded{Stop: true}, nil
	}

	delta := chat.Delta{}
	if choice.Delta.Content != nil {
		delta.Content = *choice.Delta.Content
	}
	if fc := choice.Delta.FunctionCall; fc != nil {
		delta.FunctionCall = &chat.FunctionCallDelta{Arguments: fc.Arguments}
		if fc.Name != nil {
			delta.FunctionCall.Name = *fc.Name
		}
	}
	return Decoded{Delta: &delta}, nil
}
