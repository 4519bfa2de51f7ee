package reconcile

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/imrishuroy/go-token-checkout/internal/sessions"
)

// transientMarkers are error wording that identifies infrastructure faults when the error
// carries no classification of its own.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection",
	"econnreset",
	"econnrefused",
	"etimedout",
	"broken pipe",
	"i/o timeout",
}

// IsTransient reports whether err is worth a redelivery. Classified store errors decide
// for themselves; anything else is judged by its type and then by its message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := sessions.KindOf(err); ok {
		return kind == sessions.KindTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func failureKind(err error) OutcomeKind {
	if IsTransient(err) {
		return OutcomeTransientFailure
	}
	return OutcomePermanentFailure
}
