// Package handlers wires the HTTP API onto gin.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/imrishuroy/go-token-checkout/internal/checkout"
	"github.com/imrishuroy/go-token-checkout/internal/idempotency"
	"github.com/imrishuroy/go-token-checkout/internal/metrics"
	"github.com/imrishuroy/go-token-checkout/internal/reconcile"
	"github.com/imrishuroy/go-token-checkout/internal/sessions"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

// Reconciler applies classified webhook events.
type Reconciler interface {
	Handle(ctx context.Context, ev webhook.Event) reconcile.Outcome
}

// CheckoutStarter starts hosted checkouts.
type CheckoutStarter interface {
	Start(ctx context.Context, userID, tokenAmount int64, idempotencyKey string) (checkout.Checkout, error)
}

// SessionReader serves status and balance lookups.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*sessions.Session, error)
	GetBalance(ctx context.Context, userID int64) (int64, error)
}

// IdempotencyStore guards checkout creation per Idempotency-Key. *idempotency.Store satisfies it.
type IdempotencyStore interface {
	CreateIfNotExists(ctx context.Context, key string, userID int64) (bool, error)
	Get(ctx context.Context, key string) (*idempotency.Record, error)
	MarkDone(ctx context.Context, key, sessionID, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}

// HandlerConfig groups dependencies for the API.
type HandlerConfig struct {
	Verifier    *webhook.Verifier
	Reconciler  Reconciler
	Checkout    CheckoutStarter
	Sessions    SessionReader
	Idempotency IdempotencyStore // optional
	Validator   *validatorv10.Validate
	Metrics     *metrics.Metrics
	Logger      zerolog.Logger

	StatusRateLimit rate.Limit
	StatusRateBurst int
}

type api struct {
	cfg    HandlerConfig
	lookup singleflight.Group
}

// NewRouter returns a gin engine with every route and middleware registered.
func NewRouter(cfg HandlerConfig) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	RegisterRoutes(r, cfg)
	return r
}

// RegisterRoutes registers the API routes on r.
func RegisterRoutes(r *gin.Engine, cfg HandlerConfig) {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.StatusRateLimit <= 0 {
		cfg.StatusRateLimit = 5
	}
	if cfg.StatusRateBurst <= 0 {
		cfg.StatusRateBurst = 10
	}
	a := &api{cfg: cfg}

	r.Use(RequestID(cfg.Logger), cfg.Metrics.Middleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))

	g := r.Group("/api")
	g.POST("/webhook/stripe", a.stripeWebhook)
	g.GET("/payment-status/:sessionId",
		RateLimit(cfg.StatusRateLimit, cfg.StatusRateBurst),
		a.paymentStatus,
	)

	authed := g.Group("", RequireUser())
	authed.POST("/create-checkout-session", a.createCheckout)
	authed.GET("/balance", a.balance)
}
