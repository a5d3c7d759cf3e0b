// Package provider contains the upstream LLM providers the relay can stream from:
// how to build the outbound HTTP request and how to decode each raw response line.
package provider

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/openai"
)

// Provider builds streaming requests for one upstream API and supplies the
// decoder for its wire format.
type Provider interface {
	Name() string
	NewRequest(ctx context.Context, req openai.ChatCompletionRequest) (*http.Request, error)
	NewDecoder() LineDecoder
}

// Decoded is the result of decoding one raw line. At most one of Delta and Stop is set;
// both empty means the line carried no payload (keep-alive, comment, event name).
type Decoded struct {
	Delta *chat.Delta
	Stop  bool
}

// LineDecoder classifies raw stream lines. Implementations are used by exactly
// one stream and need not be safe for concurrent use.
type LineDecoder interface {
	Decode(line string) (Decoded, error)
}

// DecodeError reports a payload-bearing line that could not be decoded.
type DecodeError struct {
	Provider string
	Line     string
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: decode stream line %q: %v", e.Provider, previewLine(e.Line, 120), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// UpstreamError is an error envelope the provider sent inside a stream that had
// already started with a success status.
type UpstreamError struct {
	Provider string
	Type     string
	Message  string
}

func (e *UpstreamError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("%s: stream error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: stream error %s: %s", e.Provider, e.Type, e.Message)
}

func previewLine(line string, max int) string {
	if len(line) <= max {
		return line
	}
	return line[:max] + "..."
}
