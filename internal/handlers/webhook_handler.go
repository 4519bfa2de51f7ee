package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-token-checkout/internal/reconcile"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

const stripeWebhookBodyLimit = 1024 * 1024 // 1MiB

// stripeWebhook verifies the raw body before anything else touches it.
func (a *api) stripeWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	logger := zerolog.Ctx(ctx)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, stripeWebhookBodyLimit)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "payload_too_large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request_body"})
		return
	}

	event, err := a.cfg.Verifier.Verify(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, webhook.ErrMissingSecret) {
			logger.Error().Err(err).Msg("stripe webhook secret missing")
			a.cfg.Metrics.WebhookOutcome("misconfigured")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook_not_configured"})
			return
		}
		logger.Warn().Err(err).Msg("stripe webhook rejected")
		out := reconcile.AuthenticationFailed(err)
		a.respondWebhook(c, out)
		return
	}

	ev, err := webhook.Classify(event)
	if err != nil {
		logger.Warn().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("undecodable stripe event")
		a.respondWebhook(c, reconcile.Outcome{
			Kind:      reconcile.OutcomeInvalidPayload,
			EventID:   event.ID,
			EventType: string(event.Type),
			Err:       err,
		})
		return
	}

	a.respondWebhook(c, a.cfg.Reconciler.Handle(ctx, ev))
}

func (a *api) respondWebhook(c *gin.Context, out reconcile.Outcome) {
	a.cfg.Metrics.WebhookOutcome(out.Kind.String())
	if out.Kind == reconcile.OutcomeCredited {
		a.cfg.Metrics.TokensCredited(out.Result.TokenAmount)
	}
	c.JSON(out.StatusCode(), out.Body())
}
