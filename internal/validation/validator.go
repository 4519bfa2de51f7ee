package validation

import (
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
)

// Limits are the checkout bounds a deployment enforces.
type Limits struct {
	PriceCents int64
	MaxTokens  int64
}

// New returns a configured validator with the checkout struct-level rules registered.
// Zero limits disable the corresponding check.
func New(limits Limits) *validatorv10.Validate {
	v := validatorv10.New()

	// amount must stay within the per-checkout cap and the charge ceiling
	v.RegisterStructValidation(checkoutStructValidation(limits), CreateCheckoutRequest{})

	return v
}

func checkoutStructValidation(limits Limits) validatorv10.StructLevelFunc {
	return func(sl validatorv10.StructLevel) {
		req := sl.Current().Interface().(CreateCheckoutRequest)
		if req.Amount <= 0 {
			return
		}

		if limits.MaxTokens > 0 && req.Amount > limits.MaxTokens {
			sl.ReportError(req.Amount, "amount", "Amount", "max", fmt.Sprint(limits.MaxTokens))
			return
		}

		if limits.PriceCents > 0 && req.Amount > MaxChargeCents/limits.PriceCents {
			sl.ReportError(req.Amount, "amount", "Amount", "charge_ceiling", fmt.Sprintf("%d tokens at %d cents exceeds %d cents", req.Amount, limits.PriceCents, MaxChargeCents))
		}
	}
}
