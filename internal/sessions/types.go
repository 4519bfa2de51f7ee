package sessions

import "time"

// Status is the lifecycle state of a payment session.
type Status string

// Session statuses
const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition can happen from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Session links one checkout attempt to a user and a token quantity.
type Session struct {
	SessionID   string     `dynamodbav:"session_id" json:"sessionId"` // PK, Stripe checkout session id
	UserID      int64      `dynamodbav:"user_id" json:"userId"`
	TokenAmount int64      `dynamodbav:"token_amount" json:"tokenAmount"`
	Status      Status     `dynamodbav:"status" json:"status"` // pending | completed | failed
	CheckoutURL string     `dynamodbav:"checkout_url,omitempty" json:"checkoutUrl,omitempty"`
	CreatedAt   time.Time  `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt   time.Time  `dynamodbav:"updated_at" json:"updatedAt"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty" json:"completedAt,omitempty"`
	FailedAt    *time.Time `dynamodbav:"failed_at,omitempty" json:"failedAt,omitempty"`
}

// Balance is a user's token balance.
type Balance struct {
	UserID       int64     `dynamodbav:"user_id" json:"userId"` // PK
	TokenBalance int64     `dynamodbav:"token_balance" json:"tokenBalance"`
	UpdatedAt    time.Time `dynamodbav:"updated_at" json:"updatedAt"`
}

// CompletionResult is what the atomic complete-and-credit operation reports.
type CompletionResult struct {
	SessionID        string    `json:"sessionId"`
	UserID           int64     `json:"userId"`
	TokenAmount      int64     `json:"tokenAmount"`
	AlreadyCompleted bool      `json:"alreadyCompleted"`
	Balance          int64     `json:"balance"`
	CompletedAt      time.Time `json:"completedAt"`

	// BalanceErr is set when the outcome is settled but the balance could not be read
	// afterwards. Balance is zero then and must not be reported.
	BalanceErr error `json:"-"`
}

// EventType names a payment event published for downstream consumers.
type EventType string

// Payment event types
const (
	EventTokensCredited       EventType = "tokens.credited"
	EventSessionFailed        EventType = "session.failed"
	EventReconciliationFailed EventType = "reconciliation.failed"
)

// PaymentEvent is the message body sent to the payment events queue.
type PaymentEvent struct {
	Type          EventType `json:"type"`
	SessionID     string    `json:"sessionId"`
	UserID        int64     `json:"userId,omitempty"`
	TokenAmount   int64     `json:"tokenAmount,omitempty"`
	Balance       int64     `json:"balance,omitempty"`
	Error         string    `json:"error,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}
