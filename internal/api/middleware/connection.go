// Package middleware provides HTTP middleware components for the Pool Proxy
// API server: per-request connection tracking with disconnect detection, and
// password protection for the management endpoints.
package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/connection"
)

// ConnectionMonitor registers every inbound request in the connection
// registry and wires transport-level disconnects into the connection's
// cancellation context. Streaming handlers own the token until their stream
// ends; everything else is cancelled as soon as the response is written.
func ConnectionMonitor(registry *connection.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		info := connection.NewInfo(c.ClientIP())
		registry.Register(info)
		requestNum := info.IncrementRequestCount()
		log.Debugf("connection %s: request #%d from %s", info.ID, requestNum, info.RemoteAddr)

		c.Set(connection.GinContextKey, info)

		// The transport context is cancelled when the client goes away;
		// bridge that into the connection's own context for the duration of
		// the handler.
		stop := context.AfterFunc(c.Request.Context(), func() {
			log.Debugf("connection %s: transport closed", info.ID)
			info.Cancel()
		})

		c.Next()

		stop()

		if isStreamingResponse(c) {
			// The streaming handler cancels the token itself when its stream
			// ends; only the registry entry is dropped here.
			registry.Unregister(info.ID)
			return
		}
		info.Cancel()
		registry.Unregister(info.ID)
	}
}

// ConnectionFromContext returns the connection info installed by
// ConnectionMonitor, or nil.
func ConnectionFromContext(c *gin.Context) *connection.Info {
	value, ok := c.Get(connection.GinContextKey)
	if !ok {
		return nil
	}
	info, _ := value.(*connection.Info)
	return info
}

func isStreamingResponse(c *gin.Context) bool {
	return strings.Contains(c.Writer.Header().Get("Content-Type"), "text/event-stream")
}
