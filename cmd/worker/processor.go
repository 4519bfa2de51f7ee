package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

// Metric names published to CloudWatch.
const (
	metricTokensCredited         = "TokensCredited"
	metricPaymentsCompleted      = "PaymentsCompleted"
	metricSessionsFailed         = "SessionsFailed"
	metricReconciliationFailures = "ReconciliationFailures"
)

// Counter records CloudWatch counts. *aws.MetricsReporter satisfies it.
type Counter interface {
	Count(ctx context.Context, name string, value float64, dimensions map[string]string) error
}

// Processor consumes payment events from SQS.
type Processor struct {
	metrics Counter
	log     zerolog.Logger
}

// NewProcessor creates a new worker processor.
func NewProcessor(metrics Counter, logger zerolog.Logger) *Processor {
	return &Processor{metrics: metrics, log: logger}
}

// Handle receives an SQS batch event and processes each message.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) error {
	p.log.Debug().Int("records", len(ev.Records)).Msg("received payment events")
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			// Return error: Lambda will retry. If failed too many times, message goes to DLQ.
			p.log.Error().Err(err).Str("message_id", rec.MessageId).Msg("worker error")
			return err
		}
	}
	return nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var msg sessions.PaymentEvent
	if err := json.Unmarshal([]byte(rec.Body), &msg); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if msg.SessionID == "" {
		return fmt.Errorf("invalid message body: missing sessionId")
	}

	logger := p.log.With().
		Str("payment_event", string(msg.Type)).
		Str("session_id", msg.SessionID).
		Str("correlation_id", msg.CorrelationID).
		Logger()
	dims := map[string]string{"EventType": string(msg.Type)}

	switch msg.Type {
	case sessions.EventTokensCredited:
		logger.Info().Int64("user_id", msg.UserID).Int64("token_amount", msg.TokenAmount).Int64("balance", msg.Balance).Msg("tokens credited")
		if err := p.metrics.Count(ctx, metricPaymentsCompleted, 1, dims); err != nil {
			return err
		}
		return p.metrics.Count(ctx, metricTokensCredited, float64(msg.TokenAmount), dims)

	case sessions.EventSessionFailed:
		logger.Info().Msg("payment session failed")
		return p.metrics.Count(ctx, metricSessionsFailed, 1, dims)

	case sessions.EventReconciliationFailed:
		// nothing retries these; an operator has to look
		logger.Error().
			Int64("user_id", msg.UserID).
			Int64("token_amount", msg.TokenAmount).
			Str("error", msg.Error).
			Time("occurred_at", msg.OccurredAt).
			Msg("reconciliation failed permanently, manual action required")
		dims["UserID"] = strconv.FormatInt(msg.UserID, 10)
		return p.metrics.Count(ctx, metricReconciliationFailures, 1, dims)

	default:
		// unknown types would poison the queue if retried
		logger.Warn().Msg("unknown payment event type, skipping")
		return nil
	}
}
