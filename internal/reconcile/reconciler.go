// Package reconcile turns classified Stripe events into session transitions and balance
// credits, and decides how each delivery is answered.
package reconcile

import (
	"context"
	"errors"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

// SessionStore is the atomic surface of a session backend.
type SessionStore interface {
	CompleteAndCredit(ctx context.Context, sessionID string, userID, tokenAmount int64) (sessions.CompletionResult, error)
	MarkFailed(ctx context.Context, sessionID string) (bool, error)
}

// Reconciler applies verified events to the session store.
type Reconciler struct {
	store     SessionStore
	validate  *validatorv10.Validate
	publisher EventPublisher
	log       zerolog.Logger
	nowFunc   func() time.Time
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithPublisher publishes payment events after each state change and permanent failure.
func WithPublisher(p EventPublisher) Option {
	return func(r *Reconciler) { r.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// New returns a Reconciler over store.
func New(store SessionStore, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:    store,
		validate: validatorv10.New(),
		log:      zerolog.Nop(),
		nowFunc:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Handle applies ev and reports the outcome. It never panics on bad input and never
// returns a transient outcome for a failure that a retry cannot fix.
func (r *Reconciler) Handle(ctx context.Context, ev webhook.Event) Outcome {
	logger := r.log.With().
		Str("event_id", ev.ID).
		Str("event_type", string(ev.Type)).
		Str("session_id", ev.SessionID).
		Logger()

	var out Outcome
	switch ev.Kind {
	case webhook.KindCompleted:
		out = r.complete(ctx, ev, logger)
	case webhook.KindFailed:
		out = r.fail(ctx, ev, logger)
	case webhook.KindAwaitingPayment:
		out = outcomeFor(ev, OutcomeAwaitingPayment)
		logger.Info().Msg("checkout completed, payment not cleared yet")
	default:
		out = outcomeFor(ev, OutcomeIgnored)
		logger.Debug().Msg("event ignored")
	}
	return out
}

func (r *Reconciler) complete(ctx context.Context, ev webhook.Event, logger zerolog.Logger) Outcome {
	intent := ev.Intent
	logger = logger.With().Int64("user_id", intent.UserID).Int64("token_amount", intent.TokenAmount).Logger()

	if err := r.validate.Struct(intent); err != nil {
		out := outcomeFor(ev, OutcomeInvalidPayload)
		out.Err = err
		logger.Warn().Err(err).Msg("invalid credit intent, acknowledging without credit")
		return out
	}

	res, err := r.store.CompleteAndCredit(ctx, intent.SessionID, intent.UserID, intent.TokenAmount)
	if err != nil {
		out := outcomeFor(ev, failureKind(err))
		out.Err = err
		if out.Kind == OutcomeTransientFailure {
			logger.Warn().Err(err).Msg("reconciliation failed, requesting redelivery")
			return out
		}
		logger.Error().Err(err).Msg("reconciliation failed permanently, operator action required")
		r.publish(ctx, logger, sessions.PaymentEvent{
			Type:        sessions.EventReconciliationFailed,
			SessionID:   intent.SessionID,
			UserID:      intent.UserID,
			TokenAmount: intent.TokenAmount,
			Error:       err.Error(),
		})
		return out
	}

	out := outcomeFor(ev, OutcomeCredited)
	out.Result = res
	if res.BalanceErr != nil {
		logger.Warn().Err(res.BalanceErr).Bool("already_completed", res.AlreadyCompleted).Msg("balance unavailable after completion")
	}
	if res.AlreadyCompleted {
		out.Kind = OutcomeAlreadyCompleted
		logger.Info().Int64("balance", res.Balance).Msg("session already completed")
		return out
	}

	logger.Info().Int64("balance", res.Balance).Msg("tokens credited")
	r.publish(ctx, logger, sessions.PaymentEvent{
		Type:        sessions.EventTokensCredited,
		SessionID:   res.SessionID,
		UserID:      res.UserID,
		TokenAmount: res.TokenAmount,
		Balance:     res.Balance,
	})
	return out
}

func (r *Reconciler) fail(ctx context.Context, ev webhook.Event, logger zerolog.Logger) Outcome {
	if ev.SessionID == "" {
		out := outcomeFor(ev, OutcomeInvalidPayload)
		out.Err = errors.New("failure event without session id")
		logger.Warn().Err(out.Err).Msg("invalid failure event")
		return out
	}

	changed, err := r.store.MarkFailed(ctx, ev.SessionID)
	if err != nil {
		out := outcomeFor(ev, failureKind(err))
		out.Err = err
		if out.Kind == OutcomeTransientFailure {
			logger.Warn().Err(err).Msg("mark failed errored, requesting redelivery")
		} else {
			logger.Error().Err(err).Msg("mark failed errored permanently")
		}
		return out
	}
	if !changed {
		// already terminal or unknown; nothing to do
		logger.Info().Msg("session not pending, failure event ignored")
		return outcomeFor(ev, OutcomeIgnored)
	}

	logger.Info().Msg("session marked failed")
	r.publish(ctx, logger, sessions.PaymentEvent{
		Type:      sessions.EventSessionFailed,
		SessionID: ev.SessionID,
	})
	return outcomeFor(ev, OutcomeMarkedFailed)
}

// publish is best effort; a delivery's response never depends on it.
func (r *Reconciler) publish(ctx context.Context, logger zerolog.Logger, ev sessions.PaymentEvent) {
	if r.publisher == nil {
		return
	}
	ev.CorrelationID = uuid.NewString()
	ev.OccurredAt = r.nowFunc().UTC()
	if err := r.publisher.Publish(ctx, ev); err != nil {
		logger.Warn().Err(err).Str("payment_event", string(ev.Type)).Msg("publish payment event failed")
	}
}
