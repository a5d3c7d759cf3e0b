package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// SSEScript describes how a fake provider answers a streaming request.
type SSEScript struct {
	// Status, when non-zero and not 200, is written with Body and no lines.
	Status int
	Body   string
	// Lines are written one per line, flushed individually.
	Lines []string
	// Delay is slept before each line.
	Delay time.Duration
	// Hold keeps the connection open after the last line until the client goes away.
	Hold bool
}

// SSEProvider is an http.Handler replaying an SSEScript and recording request bodies.
type SSEProvider struct {
	Script SSEScript

	mu     sync.Mutex
	bodies [][]byte
	// Done is closed once per request when the handler returns.
	Done chan struct{}
}

// NewSSEProvider returns a handler for script.
func NewSSEProvider(script SSEScript) *SSEProvider {
	return &SSEProvider{Script: script, Done: make(chan struct{}, 16)}
}

func (p *SSEProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		select {
		case p.Done <- struct{}{}:
		default:
		}
	}()
	body, _ := io.ReadAll(r.Body)
	p.mu.Lock()
	p.bodies = append(p.bodies, body)
	p.mu.Unlock()

	if p.Script.Status != 0 && p.Script.Status != http.StatusOK {
		http.Error(w, p.Script.Body, p.Script.Status)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, _ := w.(http.Flusher)
	w.WriteHeader(http.StatusOK)
	if flusher != nil {
		flusher.Flush()
	}
	for _, line := range p.Script.Lines {
		if p.Script.Delay > 0 {
			select {
			case <-time.After(p.Script.Delay):
			case <-r.Context().Done():
				return
			}
		}
		if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if p.Script.Hold {
		<-r.Context().Done()
	}
}

// Requests returns the raw bodies received so far.
func (p *SSEProvider) Requests() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.bodies...)
}

// ContentChunk renders an OpenAI chat.completion.chunk line carrying a content fragment.
func ContentChunk(content string) string {
	return chunkLine(map[string]any{"content": content}, nil)
}

// FunctionChunk renders a chunk line carrying a function_call fragment. An empty
// name is omitted from the payload.
func FunctionChunk(name, arguments string) string {
	fc := map[string]any{"arguments": arguments}
	if name != "" {
		fc["name"] = name
	}
	return chunkLine(map[string]any{"function_call": fc}, nil)
}

// StopChunk renders a chunk line with finish_reason "stop".
func StopChunk() string {
	reason := "stop"
	return chunkLine(map[string]any{}, &reason)
}

func chunkLine(delta map[string]any, finish *string) string {
	payload := map[string]any{
		"id":      "chatcmpl-test",
		"object":  "chat.completion.chunk",
		"created": 1700000000,
		"model":   "gpt-test",
		"choices": []map[string]any{{
			"index":         0,
			"delta":         delta,
			"finish_reason": finish,
		}},
	}
	raw, _ := json.Marshal(payload)
	return "data: " + string(raw)
}
