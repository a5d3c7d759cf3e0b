package hooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType names the stream lifecycle transitions the relay exports.
type EventType string

const (
	// EventStreamCompleted is emitted after a stream finalized its message and the
	// message was handed to persistence.
	EventStreamCompleted EventType = "relay.stream.completed"
	// EventStreamFailed is emitted when a stream ends with a terminal error.
	EventStreamFailed EventType = "relay.stream.failed"
)

// Event is the payload handed to hook listeners. Scripts receive it as JSON on stdin.
type Event struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	OccurredAt time.Time      `json:"occurred_at"`
	SessionID  string         `json:"session_id"`
	StreamID   string         `json:"stream_id"`
	Provider   string         `json:"provider,omitempty"`
	Model      string         `json:"model,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Handler reacts to an Event.
type Handler func(context.Context, Event) error

// Dispatcher fans events out to handlers. The zero value is ready to use.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Register adds a handler. Handlers fire sequentially in registration order.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, h)
}

// Emit runs every handler and joins their errors. A nil Dispatcher drops the event.
func (d *Dispatcher) Emit(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.RUnlock()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

