package validation

// CreateCheckoutRequest is the payload for POST /api/create-checkout-session.
// The max bound on Amount is applied per deployment by New.
type CreateCheckoutRequest struct {
	Amount int64 `json:"amount" validate:"required,min=1"` // tokens to buy
}

// MaxChargeCents is the largest single charge Stripe accepts.
const MaxChargeCents = 99_999_999
