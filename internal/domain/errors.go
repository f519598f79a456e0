package domain

import (
	"context"
	"errors"
	"fmt"
)

// TransportError wraps a network or HTTP-level failure talking to the
// backend. StatusCode is zero when the request never got a response.
type TransportError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend returned %d: %s", e.Op, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ErrNoStreamBody is returned when the backend answers a stream request
// with a success status but no readable body.
var ErrNoStreamBody = errors.New("stream response has no body")

// StreamError carries a failure the backend reported mid-stream via an
// error frame. The partial answer accumulated before it stays visible.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string { return e.Message }

// ValidationError rejects a bad local request before any network
// traffic happens.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// IsCancellation reports whether err is a context cancellation rather
// than a real failure. Cancelled streams end quietly, they are not
// surfaced as errors to the user.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled)
}
