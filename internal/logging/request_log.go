package logging

import (
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/connection"
)

// RequestLogger returns Gin middleware that writes one structured line per
// request: status, latency, client, and the connection id installed by the
// connection middleware, so a request can be correlated with its
// cancellation events.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		fields := log.Fields{
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Truncate(time.Millisecond).String(),
			"client":  c.ClientIP(),
		}
		if info := connInfoFromGin(c); info != nil {
			fields["conn"] = info.ID.Short()
		}
		if errs := c.Errors.ByType(gin.ErrorTypePrivate).String(); errs != "" {
			fields["errors"] = errs
		}

		entry := log.WithFields(fields)
		line := c.Request.Method + " " + path
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error(line)
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn(line)
		default:
			entry.Info(line)
		}
	}
}

// Recovery returns Gin middleware that turns a handler panic into a logged
// stack trace and a JSON 500 instead of a dropped connection.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		fields := log.Fields{
			"panic": recovered,
			"path":  c.Request.URL.Path,
		}
		if info := connInfoFromGin(c); info != nil {
			fields["conn"] = info.ID.Short()
		}
		log.WithFields(fields).Error(string(debug.Stack()))

		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error": gin.H{"message": "internal server error", "code": http.StatusInternalServerError},
		})
	})
}

func connInfoFromGin(c *gin.Context) *connection.Info {
	value, ok := c.Get(connection.GinContextKey)
	if !ok {
		return nil
	}
	info, _ := value.(*connection.Info)
	return info
}
