package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-token-checkout/internal/checkout"
	"github.com/imrishuroy/go-token-checkout/internal/idempotency"
	"github.com/imrishuroy/go-token-checkout/internal/validation"
)

const headerIdempotencyKey = "Idempotency-Key"

func (a *api) createCheckout(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)
	logger := zerolog.Ctx(ctx).With().Int64("user_id", uid).Logger()

	// Bind + validate request
	var req validation.CreateCheckoutRequest
	if err := validation.BindAndValidate(c, &req, a.cfg.Validator); err != nil {
		// BindAndValidate already wrote a 400
		a.cfg.Metrics.Checkout("invalid")
		return
	}

	var idemKey string
	if clientKey := strings.TrimSpace(c.GetHeader(headerIdempotencyKey)); clientKey != "" {
		idemKey = idempotency.Key(uid, clientKey)
	}

	if idemKey != "" && a.cfg.Idempotency != nil {
		created, err := a.cfg.Idempotency.CreateIfNotExists(ctx, idemKey, uid)
		if err != nil {
			logger.Error().Err(err).Msg("idempotency check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
			return
		}
		if !created {
			a.replayCheckout(c, idemKey)
			return
		}
	}

	co, err := a.cfg.Checkout.Start(ctx, uid, req.Amount, idemKey)
	if err != nil {
		a.cfg.Metrics.Checkout("failed")
		if idemKey != "" && a.cfg.Idempotency != nil {
			// let the client retry with a fresh key
			if ferr := a.cfg.Idempotency.MarkFailed(ctx, idemKey, err.Error()); ferr != nil {
				logger.Warn().Err(ferr).Msg("mark idempotency record failed")
			}
		}
		status := http.StatusBadGateway
		if !errors.Is(err, checkout.ErrSetupFailed) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"error": "checkout_setup_failed", "detail": err.Error()})
		return
	}

	if idemKey != "" && a.cfg.Idempotency != nil {
		body, _ := json.Marshal(co)
		if err := a.cfg.Idempotency.MarkDone(ctx, idemKey, co.SessionID, string(body), http.StatusCreated); err != nil {
			logger.Warn().Err(err).Str("session_id", co.SessionID).Msg("mark idempotency record done")
		}
	}

	a.cfg.Metrics.Checkout("created")
	c.Header("Location", fmt.Sprintf("/api/payment-status/%s", co.SessionID))
	c.JSON(http.StatusCreated, co)
}

// replayCheckout answers a request whose Idempotency-Key was seen before.
func (a *api) replayCheckout(c *gin.Context, key string) {
	rec, err := a.cfg.Idempotency.Get(c.Request.Context(), key)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "idempotency_check_failed", "detail": err.Error()})
		return
	}
	if rec == nil {
		// expired between the create attempt and this read
		c.JSON(http.StatusConflict, gin.H{"error": "idempotency_key_expired"})
		return
	}

	a.cfg.Metrics.Checkout("replayed")
	switch rec.Status {
	case idempotency.StatusDone:
		if rec.ResponseBody != "" && json.Valid([]byte(rec.ResponseBody)) {
			c.Data(rec.ResponseStatus, "application/json; charset=utf-8", []byte(rec.ResponseBody))
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessionId": rec.SessionID})
	case idempotency.StatusInProgress:
		c.JSON(http.StatusAccepted, gin.H{"message": "request already in progress"})
	case idempotency.StatusFailed:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "previous_attempt_failed"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unknown_idempotency_status"})
	}
}
