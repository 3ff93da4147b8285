package connection

import (
	"context"
	"errors"
)

// ErrRequestCancelled marks a request that ended because its composite
// cancellation context was tripped, either by client disconnect or by
// process shutdown. Handlers surface it as HTTP 499.
var ErrRequestCancelled = errors.New("request cancelled")

// RequestContext derives the context that governs every awaitable step of a
// single request. It is a child of the global shutdown context and is
// additionally cancelled whenever connCtx is cancelled. The returned stop
// function releases the bridge; handlers must call it (defer) so nothing
// outlives the request.
func RequestContext(shutdownCtx, connCtx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(shutdownCtx)
	if connCtx == nil {
		return ctx, func() { cancel(nil) }
	}
	stop := context.AfterFunc(connCtx, func() {
		cancel(ErrRequestCancelled)
	})
	return ctx, func() {
		stop()
		cancel(nil)
	}
}

// IsCancelled reports whether err (or the context cause) represents a
// cancelled request.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRequestCancelled) || errors.Is(err, context.Canceled)
}

// CancelCause translates a tripped request context into the error the
// handler should return: ErrRequestCancelled for client disconnects and for
// shutdown alike.
func CancelCause(ctx context.Context) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ErrRequestCancelled
}
