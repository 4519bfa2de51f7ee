package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

// Metadata keys written on the checkout session at creation time.
const (
	MetadataUserID      = "user_id"
	MetadataTokenAmount = "token_amount"
)

// ErrMalformedEvent is returned for an authenticated event whose data cannot be decoded.
var ErrMalformedEvent = errors.New("malformed stripe event")

// Kind is what an event asks the pipeline to do.
type Kind int

const (
	// KindIgnored events are acknowledged without side effects.
	KindIgnored Kind = iota
	// KindCompleted events credit tokens.
	KindCompleted
	// KindAwaitingPayment is a completed checkout whose payment has not cleared yet.
	KindAwaitingPayment
	// KindFailed events move the session to failed.
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindAwaitingPayment:
		return "awaiting_payment"
	case KindFailed:
		return "failed"
	default:
		return "ignored"
	}
}

// CreditIntent is the crediting request carried by a completion event.
type CreditIntent struct {
	SessionID   string `validate:"required"`
	UserID      int64  `validate:"gt=0"`
	TokenAmount int64  `validate:"gt=0"`
}

// Event is a verified, classified Stripe event.
type Event struct {
	ID        string
	Type      stripe.EventType
	Kind      Kind
	SessionID string
	Intent    CreditIntent
}

// Classify maps a verified Stripe event to an Event.
func Classify(ev stripe.Event) (Event, error) {
	out := Event{ID: ev.ID, Type: ev.Type, Kind: KindIgnored}

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionCompleted,
		stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded,
		stripe.EventTypeCheckoutSessionExpired,
		stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
	default:
		return out, nil
	}

	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return out, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, ev.Type)
	}
	var cs stripe.CheckoutSession
	if err := json.Unmarshal(ev.Data.Raw, &cs); err != nil {
		return out, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
	}
	out.SessionID = cs.ID

	switch ev.Type {
	case stripe.EventTypeCheckoutSessionExpired, stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		out.Kind = KindFailed
		return out, nil
	case stripe.EventTypeCheckoutSessionCompleted:
		if cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
			out.Kind = KindAwaitingPayment
			return out, nil
		}
	}

	out.Kind = KindCompleted
	out.Intent = intentFrom(&cs)
	return out, nil
}

// intentFrom resolves the user from metadata, falling back to client_reference_id.
// Values that do not parse as integers resolve to zero and fail validation later.
func intentFrom(cs *stripe.CheckoutSession) CreditIntent {
	userRef := strings.TrimSpace(cs.Metadata[MetadataUserID])
	if userRef == "" {
		userRef = strings.TrimSpace(cs.ClientReferenceID)
	}
	return CreditIntent{
		SessionID:   cs.ID,
		UserID:      parseInt(userRef),
		TokenAmount: parseInt(cs.Metadata[MetadataTokenAmount]),
	}
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return n
}
