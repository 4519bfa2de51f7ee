package reconcile

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/imrishuroy/go-token-checkout/internal/aws"
	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

// EventPublisher delivers payment events to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, ev sessions.PaymentEvent) error
}

// MessageSender is the subset of *aws.Publisher used here.
type MessageSender interface {
	Send(ctx context.Context, msg aws.Message) error
}

// QueuePublisher publishes payment events as SQS messages.
type QueuePublisher struct {
	sender MessageSender
}

// NewQueuePublisher returns a QueuePublisher sending through sender.
func NewQueuePublisher(sender MessageSender) *QueuePublisher {
	return &QueuePublisher{sender: sender}
}

// Publish sends ev. Messages for one session share a FIFO group, and the event type plus
// session id deduplicates redeliveries.
func (p *QueuePublisher) Publish(ctx context.Context, ev sessions.PaymentEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}
	return p.sender.Send(ctx, aws.Message{
		Body: string(body),
		Attributes: map[string]string{
			"event_type":     string(ev.Type),
			"session_id":     ev.SessionID,
			"correlation_id": ev.CorrelationID,
		},
		GroupID:         ev.SessionID,
		DeduplicationID: string(ev.Type) + ":" + ev.SessionID,
	})
}
