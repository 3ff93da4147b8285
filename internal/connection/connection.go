// Package connection tracks live client connections and composes the
// cancellation signals that govern a single request. Each inbound request is
// registered here with its own cancelable context; streaming handlers keep
// the entry alive until their stream ends, while non-streaming handlers are
// cancelled as soon as the response body has been written.
package connection

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// GinContextKey is the gin context key under which the request's *Info is
// installed by the connection middleware.
const GinContextKey = "proxy-connection"

// ID is the unique identifier of a tracked connection.
type ID string

// Short returns the first eight characters of the id for log lines.
func (id ID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// NewID returns a fresh connection identifier.
func NewID() ID {
	return ID(uuid.NewString())
}

// Info describes one live connection. Callers observe its cancel context
// through Context() and trip it through Cancel, either directly or via the
// registry's Cancel methods.
type Info struct {
	ID           ID
	RemoteAddr   string
	CreatedAt    time.Time
	requestCount atomic.Int64

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// NewInfo creates connection info with a fresh cancelable context.
func NewInfo(remoteAddr string) *Info {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Info{
		ID:         NewID(),
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now(),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Context returns the connection's cancellation context.
func (i *Info) Context() context.Context {
	return i.ctx
}

// Cancel trips the connection's cancellation context. Safe to call from any
// goroutine, any number of times.
func (i *Info) Cancel() {
	i.cancel(ErrRequestCancelled)
}

// Cancelled reports whether the connection has been cancelled.
func (i *Info) Cancelled() bool {
	return i.ctx.Err() != nil
}

// IncrementRequestCount bumps and returns the per-connection request counter.
func (i *Info) IncrementRequestCount() int64 {
	return i.requestCount.Add(1)
}

// RequestCount returns the per-connection request counter.
func (i *Info) RequestCount() int64 {
	return i.requestCount.Load()
}

// Duration returns how long the connection has been alive.
func (i *Info) Duration() time.Duration {
	return time.Since(i.CreatedAt)
}
