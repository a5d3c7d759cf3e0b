package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tokligence/tokligence-relay/internal/chat"
)

// EventType distinguishes forwarded deltas from the terminal events.
type EventType string

const (
	EventDelta    EventType = "delta"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// ErrorInfo is the serializable payload of a terminal error event.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Event is one item delivered to the subscriber. A stream delivers zero or more
// delta events followed by exactly one complete or error event.
type Event struct {
	Type         EventType      `json:"type"`
	StreamID     uuid.UUID      `json:"stream_id"`
	Seq          int            `json:"seq,omitempty"`
	Kind         chat.DeltaKind `json:"kind,omitempty"`
	Fragment     string         `json:"fragment,omitempty"`
	FunctionName string         `json:"function_name,omitempty"`
	Message      *chat.Message  `json:"message,omitempty"`
	Error        *ErrorInfo     `json:"error,omitempty"`
}

var errSubscriberClosed = errors.New("subscriber closed the stream")

// Stream is the subscriber handle for one in-flight completion.
type Stream struct {
	ID        uuid.UUID
	SessionID uuid.UUID

	events          chan Event
	done            chan struct{}
	closeOnce       sync.Once
	finishOnce      sync.Once
	terminalTimeout time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    int
}

func newStream(sessionID uuid.UUID, buffer int, terminalTimeout time.Duration) *Stream {
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream{
		ID:              uuid.New(),
		SessionID:       sessionID,
		events:          make(chan Event, buffer),
		done:            make(chan struct{}),
		terminalTimeout: terminalTimeout,
	}
}

// Events returns the channel the subscriber reads from. It is closed after the
// terminal event, or right away once the subscriber has closed the stream.
func (s *Stream) Events() <-chan Event { return s.events }

// Close signals that the subscriber is gone. Forwarding stops and the upstream
// request is cancelled. Safe to call more than once.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Closed reports whether the subscriber has closed the stream.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// bind attaches the cancel function of the worker's context. If the subscriber
// already left, the context is cancelled immediately.
func (s *Stream) bind(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	if s.Closed() {
		cancel()
	}
}

// forward delivers one delta, blocking while the subscriber buffer is full.
func (s *Stream) forward(ctx context.Context, frag Fragment) error {
	if s.Closed() {
		return &SubscriberError{Err: errSubscriberClosed}
	}
	s.seq++
	ev := Event{
		Type:         EventDelta,
		StreamID:     s.ID,
		Seq:          s.seq,
		Kind:         frag.Kind,
		Fragment:     frag.Text,
		FunctionName: frag.FunctionName,
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.done:
		return &SubscriberError{Err: errSubscriberClosed}
	case <-ctx.Done():
		if s.Closed() {
			return &SubscriberError{Err: errSubscriberClosed}
		}
		return &TransportError{Err: ctx.Err()}
	}
}

// complete delivers the terminal success event and closes the channel. It
// reports false when the event was dropped because the subscriber did not read
// it within the terminal send timeout.
func (s *Stream) complete(msg chat.Message) bool {
	return s.finish(&Event{Type: EventComplete, StreamID: s.ID, Message: &msg})
}

// fail delivers the terminal error event and closes the channel. Subscriber
// errors close the channel without an event since nobody is listening.
func (s *Stream) fail(err error) bool {
	kind := ErrorKind(err)
	if kind == KindSubscriber {
		return s.finish(nil)
	}
	return s.finish(&Event{Type: EventError, StreamID: s.ID, Error: &ErrorInfo{Kind: kind, Message: err.Error()}})
}

func (s *Stream) finish(ev *Event) bool {
	delivered := true
	s.finishOnce.Do(func() {
		defer close(s.events)
		if ev == nil || s.Closed() {
			return
		}
		var timeout <-chan time.Time
		if s.terminalTimeout > 0 {
			timer := time.NewTimer(s.terminalTimeout)
			defer timer.Stop()
			timeout = timer.C
		}
		select {
		case s.events <- *ev:
		case <-s.done:
		case <-timeout:
			delivered = false
		}
	})
	return delivered
}
