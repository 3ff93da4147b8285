// Package executor drives the per-request attempt loop against the upstream
// APIs. Each attempt leases a credential from the pool, dispatches the call
// under the request's composite cancellation context, classifies failures,
// files the matching key report on a detached goroutine, and retries until
// the configured budget is exhausted.
package executor

import (
	"errors"
	"net/http"
)

// ErrTooManyRetries is returned when the attempt budget is exhausted without
// a more specific last error. Surfaced to clients as 502.
var ErrTooManyRetries = errors.New("too many retries")

// BadRequestError marks a request that cannot be dispatched because of
// missing configuration rather than upstream behavior. Surfaced as 400.
type BadRequestError struct {
	Msg string
}

// Error implements the error interface.
func (e *BadRequestError) Error() string {
	return e.Msg
}

// Reply is the terminal result of a successful attempt. Streaming replies
// carry the open upstream response for passthrough; buffered replies carry
// the validated body.
type Reply struct {
	// Streaming indicates the upstream response should be forwarded as-is.
	Streaming bool
	// Response is the open upstream response for the streaming path.
	Response *http.Response
	// Body is the buffered, validated JSON body for the non-streaming path.
	Body []byte
}
