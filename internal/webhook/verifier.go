// Package webhook authenticates Stripe webhook deliveries and turns them into typed events.
package webhook

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	// ErrMissingSecret means no signing secret is configured. It is a configuration error,
	// never a reason to accept an event.
	ErrMissingSecret = errors.New("stripe webhook signing secret is not configured")
	// ErrAuthenticationFailed covers missing, malformed, stale or mismatched signatures.
	ErrAuthenticationFailed = errors.New("stripe webhook authentication failed")
)

// Verifier checks Stripe-Signature headers against the endpoint's signing secret.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier returns a Verifier for secret.
func NewVerifier(secret string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrMissingSecret
	}
	return &Verifier{secret: secret, tolerance: webhook.DefaultTolerance}, nil
}

// Verify authenticates payload against signature and decodes the event envelope.
// The payload must be the raw request body.
func (v *Verifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	if v == nil || v.secret == "" {
		return stripe.Event{}, ErrMissingSecret
	}
	if strings.TrimSpace(signature) == "" {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, webhook.ErrNotSigned)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return event, nil
}
