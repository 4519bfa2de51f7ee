package idempotency

import "time"

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// Record is the shape persisted in the idempotency DynamoDB table. One record guards one
// checkout creation for one Idempotency-Key.
type Record struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK, user id + client key
	UserID         int64     `dynamodbav:"user_id"`
	Status         string    `dynamodbav:"status"`
	SessionID      string    `dynamodbav:"session_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`   // small JSON only
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Expired reports whether the record's TTL has passed. From its expires_at second on a record
// reads as missing and CreateIfNotExists may reclaim it. DynamoDB deletes expired items
// lazily, so reads must check.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && now.Unix() >= r.ExpiresAt
}
