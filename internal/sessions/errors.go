package sessions

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionNotFound is returned when no session exists for the id.
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrSessionExists is returned when creating a session whose id is already stored.
	ErrSessionExists = errors.New("payment session already exists")
	// ErrSessionMismatch is returned when a completion names a user or amount that differs from the stored session.
	ErrSessionMismatch = errors.New("completion does not match payment session")
	// ErrSessionNotPending is returned when completing a session that already failed.
	ErrSessionNotPending = errors.New("payment session is not pending")
)

// Kind classifies a store failure for retry decisions.
type Kind int

const (
	// KindPermanent failures will not succeed on retry.
	KindPermanent Kind = iota
	// KindTransient failures are infrastructure faults worth retrying.
	KindTransient
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "permanent"
}

// Error is a classified store failure.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable failure of op.
func Transient(op string, err error) error {
	return &Error{Op: op, Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure of op.
func Permanent(op string, err error) error {
	return &Error{Op: op, Kind: KindPermanent, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return KindPermanent, false
}

// CheckCompletion decides what a complete-and-credit call means for an existing session
// once the pending compare-and-set did not apply. It returns true when the session was
// already completed by an earlier call with the same user and amount.
func CheckCompletion(op string, sess *Session, userID, tokenAmount int64) (bool, error) {
	if sess == nil {
		return false, Permanent(op, ErrSessionNotFound)
	}
	if sess.UserID != userID || sess.TokenAmount != tokenAmount {
		return false, Permanent(op, fmt.Errorf("%w: session user=%d amount=%d, event user=%d amount=%d",
			ErrSessionMismatch, sess.UserID, sess.TokenAmount, userID, tokenAmount))
	}
	switch sess.Status {
	case StatusCompleted:
		return true, nil
	case StatusFailed:
		return false, Permanent(op, ErrSessionNotPending)
	default:
		// still pending: a concurrent writer got in between, the caller should retry
		return false, Transient(op, fmt.Errorf("session %s changed concurrently", sess.SessionID))
	}
}
