// Package checkout creates Stripe Checkout sessions for token purchases.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

// ErrSetupFailed wraps every failure to start a checkout.
var ErrSetupFailed = errors.New("checkout setup failed")

// SessionCreator creates hosted checkout sessions. *session.Client satisfies it.
type SessionCreator interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// SessionRepository persists new payment sessions.
type SessionRepository interface {
	Create(ctx context.Context, sess sessions.Session) error
}

// Config is the product a checkout sells.
type Config struct {
	Currency    string
	ProductName string
	PriceCents  int64
	SuccessURL  string
	CancelURL   string
}

// Checkout is the reference handed back to the buyer.
type Checkout struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

// NewStripeCreator returns a SessionCreator calling the Stripe API with secretKey.
func NewStripeCreator(secretKey string) *session.Client {
	return &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey}
}

// Initiator starts checkouts.
type Initiator struct {
	creator SessionCreator
	repo    SessionRepository
	cfg     Config
	log     zerolog.Logger
	nowFunc func() time.Time
}

// NewInitiator returns an Initiator.
func NewInitiator(creator SessionCreator, repo SessionRepository, cfg Config, logger zerolog.Logger) *Initiator {
	return &Initiator{
		creator: creator,
		repo:    repo,
		cfg:     cfg,
		log:     logger,
		nowFunc: time.Now,
	}
}

// Start creates a hosted checkout for tokenAmount tokens and records the pending session.
// idempotencyKey, when set, is forwarded to Stripe so a retried call returns the same session.
func (i *Initiator) Start(ctx context.Context, userID, tokenAmount int64, idempotencyKey string) (Checkout, error) {
	if userID <= 0 || tokenAmount <= 0 {
		return Checkout{}, fmt.Errorf("%w: user %d amount %d", ErrSetupFailed, userID, tokenAmount)
	}
	logger := i.log.With().Int64("user_id", userID).Int64("token_amount", tokenAmount).Logger()

	params := i.params(userID, tokenAmount)
	params.Context = ctx
	if idempotencyKey != "" {
		params.SetIdempotencyKey(idempotencyKey)
	}

	cs, err := i.creator.New(params)
	if err != nil {
		logger.Error().Err(err).Msg("stripe checkout session create failed")
		return Checkout{}, fmt.Errorf("%w: create stripe session: %v", ErrSetupFailed, err)
	}
	if cs == nil || cs.ID == "" || cs.URL == "" {
		return Checkout{}, fmt.Errorf("%w: stripe returned an incomplete session", ErrSetupFailed)
	}
	logger = logger.With().Str("session_id", cs.ID).Logger()

	now := i.nowFunc().UTC()
	err = i.repo.Create(ctx, sessions.Session{
		SessionID:   cs.ID,
		UserID:      userID,
		TokenAmount: tokenAmount,
		Status:      sessions.StatusPending,
		CheckoutURL: cs.URL,
		CreatedAt:   now,
	})
	if err != nil && !(idempotencyKey != "" && errors.Is(err, sessions.ErrSessionExists)) {
		// the hosted page expires unpaid; nothing to roll back
		logger.Error().Err(err).Msg("persist payment session failed")
		return Checkout{}, fmt.Errorf("%w: persist session: %w", ErrSetupFailed, err)
	}

	logger.Info().Msg("checkout session created")
	return Checkout{URL: cs.URL, SessionID: cs.ID}, nil
}

func (i *Initiator) params(userID, tokenAmount int64) *stripe.CheckoutSessionParams {
	uid := strconv.FormatInt(userID, 10)
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(i.cfg.SuccessURL),
		CancelURL:         stripe.String(i.cfg.CancelURL),
		ClientReferenceID: stripe.String(uid),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(i.cfg.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(i.cfg.ProductName),
					},
					UnitAmount: stripe.Int64(i.cfg.PriceCents),
				},
				Quantity: stripe.Int64(tokenAmount),
			},
		},
	}
	params.AddMetadata(webhook.MetadataUserID, uid)
	params.AddMetadata(webhook.MetadataTokenAmount, strconv.FormatInt(tokenAmount, 10))
	return params
}
