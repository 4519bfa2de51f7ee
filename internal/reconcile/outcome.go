package reconcile

import (
	"net/http"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
	"github.com/imrishuroy/go-token-checkout/internal/webhook"
)

// OutcomeKind is the result of handling one webhook delivery.
type OutcomeKind int

const (
	OutcomeIgnored OutcomeKind = iota
	OutcomeAwaitingPayment
	OutcomeAuthenticationFailed
	OutcomeInvalidPayload
	OutcomeCredited
	OutcomeAlreadyCompleted
	OutcomeMarkedFailed
	OutcomeTransientFailure
	OutcomePermanentFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAwaitingPayment:
		return "awaiting_payment"
	case OutcomeAuthenticationFailed:
		return "authentication_failed"
	case OutcomeInvalidPayload:
		return "invalid_payload"
	case OutcomeCredited:
		return "credited"
	case OutcomeAlreadyCompleted:
		return "already_completed"
	case OutcomeMarkedFailed:
		return "marked_failed"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomePermanentFailure:
		return "permanent_failure"
	default:
		return "ignored"
	}
}

// Outcome describes what happened to a delivery and how Stripe should be answered.
type Outcome struct {
	Kind      OutcomeKind
	EventID   string
	EventType string
	SessionID string
	Result    sessions.CompletionResult
	Err       error
}

// AuthenticationFailed is the outcome for a delivery whose signature did not verify.
func AuthenticationFailed(err error) Outcome {
	return Outcome{Kind: OutcomeAuthenticationFailed, Err: err}
}

// StatusCode maps the outcome to the HTTP status returned to Stripe.
// 500 asks Stripe to redeliver, 400 rejects the request, everything else stops retries.
func (o Outcome) StatusCode() int {
	switch o.Kind {
	case OutcomeAuthenticationFailed:
		return http.StatusBadRequest
	case OutcomeTransientFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusOK
	}
}

// Body is the JSON response body for the outcome.
func (o Outcome) Body() map[string]any {
	switch o.Kind {
	case OutcomeAuthenticationFailed:
		return map[string]any{"error": "authentication_failed"}
	case OutcomeTransientFailure:
		return map[string]any{"error": "reconciliation_failed", "retry": true}
	case OutcomeCredited, OutcomeAlreadyCompleted:
		body := map[string]any{
			"received":         true,
			"status":           o.Kind.String(),
			"sessionId":        o.Result.SessionID,
			"userId":           o.Result.UserID,
			"tokensCredited":   o.credited(),
			"alreadyCompleted": o.Result.AlreadyCompleted,
		}
		if o.Result.BalanceErr == nil {
			body["balance"] = o.Result.Balance
		}
		return body
	default:
		body := map[string]any{"received": true, "status": o.Kind.String()}
		if o.SessionID != "" {
			body["sessionId"] = o.SessionID
		}
		return body
	}
}

func (o Outcome) credited() int64 {
	if o.Result.AlreadyCompleted {
		return 0
	}
	return o.Result.TokenAmount
}

func outcomeFor(ev webhook.Event, kind OutcomeKind) Outcome {
	return Outcome{
		Kind:      kind,
		EventID:   ev.ID,
		EventType: string(ev.Type),
		SessionID: ev.SessionID,
	}
}
