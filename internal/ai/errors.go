package ai

import (
	"fmt"
	"time"
)

// TransportError reports a failed call to the AI turn endpoint: network failure,
// timeout or a non-2xx status. StatusCode is zero when no response was received.
type TransportError struct {
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode == 429 && e.RetryAfter > 0:
		return fmt.Sprintf("ai responder rate limited, retry after %s", e.RetryAfter)
	case e.StatusCode != 0:
		return fmt.Sprintf("ai responder http error: %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("ai responder request failed: %v", e.Err)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
