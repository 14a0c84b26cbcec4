package delivery

import (
	"errors"
	"fmt"
	"time"

	"notifybot/internal/transport"
)

// ErrCircuitOpen is reported in status output while sends are suspended.
var ErrCircuitOpen = errors.New("delivery suspended: circuit breaker open")

// DefaultRetryAfter applies to rate-limit responses without a hint.
const DefaultRetryAfter = time.Second

// RateLimitedError is an expected deferral, not a failure.
type RateLimitedError struct {
	EventID    string
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("event %s rate limited, retry after %s: %v", e.EventID, e.RetryAfter, e.Err)
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

// TransientDeliveryError covers network failures, timeouts and 5xx responses.
type TransientDeliveryError struct {
	EventID string
	Attempt int
	Err     error
}

func (e *TransientDeliveryError) Error() string {
	return fmt.Sprintf("event %s attempt %d failed: %v", e.EventID, e.Attempt, e.Err)
}
func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError is terminal: a non-retryable rejection or an
// exhausted retry budget.
type PermanentDeliveryError struct {
	EventID  string
	Attempts int
	Reason   string
	Err      error
}

func (e *PermanentDeliveryError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("event %s failed after %d attempt(s): %s", e.EventID, e.Attempts, e.Reason)
	}
	return fmt.Sprintf("event %s failed after %d attempt(s): %s: %v", e.EventID, e.Attempts, e.Reason, e.Err)
}
func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// Classify maps a send error onto the delivery error taxonomy. attempt is the
// 1-based number of the attempt that produced err.
func Classify(eventID string, attempt int, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *transport.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.RateLimited():
			after := apiErr.RetryAfter
			if after <= 0 {
				after = DefaultRetryAfter
			}
			return &RateLimitedError{EventID: eventID, RetryAfter: after, Err: err}
		case apiErr.ServerError():
			return &TransientDeliveryError{EventID: eventID, Attempt: attempt, Err: err}
		default:
			return &PermanentDeliveryError{EventID: eventID, Attempts: attempt, Reason: "rejected", Err: err}
		}
	}
	// Network errors, timeouts and cancellations are all retryable.
	return &TransientDeliveryError{EventID: eventID, Attempt: attempt, Err: err}
}
