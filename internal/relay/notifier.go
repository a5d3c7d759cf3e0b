package relay

import (
	"context"
	"log"

	"github.com/google/uuid"
)

// Coarse session statuses published around a stream.
const (
	StatusThinking   = "Thinking..."
	StatusProcessing = "Processing..."
	StatusIdle       = ""
)

// StatusPublisher delivers a status string to whoever watches a session.
type StatusPublisher interface {
	PublishStatus(ctx context.Context, sessionID uuid.UUID, status string) error
}

// Notifier publishes advisory session statuses. Failures are logged and never
// returned to the caller.
type Notifier struct {
	publisher StatusPublisher
	logger    *log.Logger
}

// NewNotifier wraps publisher; a nil publisher makes every call a no-op.
func NewNotifier(publisher StatusPublisher, logger *log.Logger) *Notifier {
	return &Notifier{publisher: publisher, logger: logger}
}

func (n *Notifier) Thinking(ctx context.Context, sessionID uuid.UUID) {
	n.publish(ctx, sessionID, StatusThinking)
}

func (n *Notifier) Processing(ctx context.Context, sessionID uuid.UUID) {
	n.publish(ctx, sessionID, StatusProcessing)
}

func (n *Notifier) Idle(ctx context.Context, sessionID uuid.UUID) {
	n.publish(ctx, sessionID, StatusIdle)
}

func (n *Notifier) publish(ctx context.Context, sessionID uuid.UUID, status string) {
	if n == nil || n.publisher == nil {
		return
	}
	if err := n.publisher.PublishStatus(ctx, sessionID, status); err != nil && n.logger != nil {
		n.logger.Printf("status publish failed session=%s status=%q: %v", sessionID, status, err)
	}
}
