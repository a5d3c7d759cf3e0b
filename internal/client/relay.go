// Package client talks to a running relayd over its REST and SSE API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
	"github.com/tokligence/tokligence-relay/internal/relay"
	"github.com/tokligence/tokligence-relay/internal/store"
)

// HTTPClient abstracts the Do method for easier testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is a non-2xx answer from the relay.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("relay error: status %d", e.Status)
	}
	return fmt.Sprintf("relay error: %s (status %d)", e.Message, e.Status)
}

// RelayClient communicates with relayd.
type RelayClient struct {
	baseURL    *url.URL
	httpClient HTTPClient
}

// NewRelayClient constructs a client for baseURL. A nil httpClient gets a default
// without an overall timeout, since submit responses stay open for a whole stream.
func NewRelayClient(baseURL string, httpClient HTTPClient) (*RelayClient, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxIdleConnsPerHost:   64,
		}}
	}
	return &RelayClient{baseURL: parsed, httpClient: httpClient}, nil
}

// errorResponse matches the relay error payload.
type errorResponse struct {
	Error string `json:"error"`
}

func (c *RelayClient) newRequest(ctx context.Context, method, path string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(buf)
	}
	rel, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.ResolveReference(rel).String(), body)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *RelayClient) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	req, err := c.newRequest(ctx, method, path, payload)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var payload errorResponse
	if err := json.Unmarshal(data, &payload); err == nil && strings.TrimSpace(payload.Error) != "" {
		return &APIError{Status: resp.StatusCode, Message: payload.Error}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

// CreateSession opens a session bound to personaID.
func (c *RelayClient) CreateSession(ctx context.Context, personaID uuid.UUID, title string) (chat.Session, error) {
	var session chat.Session
	err := c.doJSON(ctx, http.MethodPost, "/api/v1/sessions", map[string]string{
		"persona_id": personaID.String(),
		"title":      title,
	}, &session)
	return session, err
}

// Session fetches one session.
func (c *RelayClient) Session(ctx context.Context, id uuid.UUID) (chat.Session, error) {
	var session chat.Session
	err := c.doJSON(ctx, http.MethodGet, "/api/v1/sessions/"+id.String(), nil, &session)
	return session, err
}

// Messages lists the stored messages of a session for kind.
func (c *RelayClient) Messages(ctx context.Context, id uuid.UUID, kind store.MessageKind) ([]store.StoredMessage, error) {
	var resp struct {
		Messages []store.StoredMessage `json:"messages"`
	}
	path := fmt.Sprintf("/api/v1/sessions/%s/messages?kind=%s", id, url.QueryEscape(string(kind)))
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Messages, nil
}

// ListPersonas retrieves the persona catalogue.
func (c *RelayClient) ListPersonas(ctx context.Context) ([]store.Persona, error) {
	var resp struct {
		Personas []store.Persona `json:"personas"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/v1/personas", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Personas, nil
}

// Submit sends content to a session and returns the open event stream. The
// caller must Close it.
func (c *RelayClient) Submit(ctx context.Context, sessionID uuid.UUID, content string) (*EventStream, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/chat/stream/submit", map[string]string{
		"session_id": sessionID.String(),
		"content":    content,
	})
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}
	return &EventStream{
		StreamID: resp.Header.Get("X-Relay-Stream-Id"),
		body:     resp.Body,
		reader:   bufio.NewReader(resp.Body),
	}, nil
}

// EventStream reads SSE frames from a submit response.
type EventStream struct {
	StreamID string

	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
}

// ErrStreamEnded is returned by Next after the terminal event was read.
var ErrStreamEnded = errors.New("stream ended")

// Next blocks for the next event. After a complete or error event it returns
// ErrStreamEnded; a connection that closes before the terminal event yields
// io.ErrUnexpectedEOF.
func (s *EventStream) Next() (relay.Event, error) {
	if s.done {
		return relay.Event{}, ErrStreamEnded
	}
	var (
		eventType string
		data      strings.Builder
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return relay.Event{}, io.ErrUnexpectedEOF
			}
			return relay.Event{}, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if eventType == "" && data.Len() == 0 {
				continue
			}
			var ev relay.Event
			if err := json.Unmarshal([]byte(data.String()), &ev); err != nil {
				return relay.Event{}, fmt.Errorf("decode %s frame: %w", eventType, err)
			}
			if ev.Type == relay.EventComplete || ev.Type == relay.EventError {
				s.done = true
			}
			return ev, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// Close releases the connection; closing before the terminal event cancels
// the stream on the relay side.
func (s *EventStream) Close() error {
	return s.body.Close()
}
