package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/httpserver/protocol"
	"github.com/tokligence/tokligence-relay/internal/ratelimit"
	"github.com/tokligence/tokligence-relay/internal/relay"
)

type streamEndpoint struct {
	server *Server
}

func newStreamEndpoint(server *Server) protocol.Endpoint {
	return &streamEndpoint{server: server}
}

func (e *streamEndpoint) Name() string { return "stream" }

func (e *streamEndpoint) Routes() []protocol.EndpointRoute {
	return []protocol.EndpointRoute{
		{Method: http.MethodPost, Path: "/chat/stream/submit", Handler: http.HandlerFunc(e.server.handleSubmitStream)},
	}
}

type submitRequest struct {
	SessionID string `json:"session_id"`
	Content   string `json:"content"`
}

// handleSubmitStream starts a relay stream and forwards its events as SSE frames
// until the terminal event or until the client goes away.
func (s *Server) handleSubmitStream(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	// Disconnects only cancel r.Context() once the body has been read to EOF.
	_, _ = io.Copy(io.Discard, r.Body)
	sessionID, err := uuid.Parse(strings.TrimSpace(req.SessionID))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, errors.New("session_id must be a uuid"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	key := sessionID.String()
	if !s.submitLimiter.Allow(key) {
		ratelimit.SetHeaders(w, s.submitLimiter, key)
		s.metrics.RecordRateLimitHit(key)
		s.metrics.RecordStreamRejected("rate_limited")
		s.respondError(w, http.StatusTooManyRequests, errRateLimited)
		return
	}
	ratelimit.SetHeaders(w, s.submitLimiter, key)

	st, err := s.relay.SubmitStream(r.Context(), sessionID, req.Content)
	if err != nil {
		s.debugf("submit rejected session=%s: %v", sessionID, err)
		s.fail(w, err)
		return
	}
	defer st.Close()

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Relay-Stream-Id", st.ID.String())
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	deltas := 0
	var firstDeltaAt time.Time
	for {
		select {
		case <-r.Context().Done():
			s.debugf("stream %s: client went away after %d deltas", st.ID, deltas)
			return
		case ev, open := <-st.Events():
			if !open {
				return
			}
			if err := writeEvent(w, ev); err != nil {
				s.debugf("stream %s: write failed: %v", st.ID, err)
				return
			}
			flusher.Flush()
			switch ev.Type {
			case relay.EventDelta:
				deltas++
				if firstDeltaAt.IsZero() {
					firstDeltaAt = time.Now()
				}
			case relay.EventComplete, relay.EventError:
				ttfb := time.Duration(0)
				if !firstDeltaAt.IsZero() {
					ttfb = firstDeltaAt.Sub(reqStart)
				}
				s.logger.Printf("chat.stream session=%s stream=%s event=%s deltas=%d total_ms=%d ttfb_ms=%d",
					sessionID, st.ID, ev.Type, deltas, time.Since(reqStart).Milliseconds(), ttfb.Milliseconds())
			}
		}
	}
}

// writeEvent writes one SSE frame: the event type, the sequence as id and the JSON payload.
func writeEvent(w io.Writer, ev relay.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Seq > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", ev.Seq); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
