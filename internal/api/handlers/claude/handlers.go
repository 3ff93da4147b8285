// Package claude implements the HTTP handlers for the Claude upstream
// family. Both variants share one flow: normalize the request, compose the
// request's cancellation context, run the retry engine, and mirror the
// upstream content type back to the client.
package claude

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/PoolProxyAPI/internal/api/middleware"
	"github.com/router-for-me/PoolProxyAPI/internal/client"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
	"github.com/router-for-me/PoolProxyAPI/internal/executor"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
	"github.com/router-for-me/PoolProxyAPI/internal/util"
	"github.com/router-for-me/PoolProxyAPI/internal/validator"
)

// Handler serves the Claude-family endpoints.
type Handler struct {
	pool        *keypool.Pool
	usage       *usage.Store
	registry    *connection.Registry
	shutdownCtx context.Context
}

// NewHandler creates the Claude handler set.
func NewHandler(pool *keypool.Pool, store *usage.Store, registry *connection.Registry, shutdownCtx context.Context) *Handler {
	return &Handler{pool: pool, usage: store, registry: registry, shutdownCtx: shutdownCtx}
}

// HandleWeb handles POST /v1/messages against the Claude Web variant.
func (h *Handler) HandleWeb(c *gin.Context) {
	h.handle(c, constant.ClaudeWeb, constant.Claude)
}

// HandleCode handles POST /code/v1/messages against the Claude Code variant.
func (h *Handler) HandleCode(c *gin.Context) {
	h.handle(c, constant.ClaudeCode, constant.Claude)
}

// HandleOpenAI handles POST /v1/chat/completions in the OpenAI-compatible
// dialect against the Claude Web variant.
func (h *Handler) HandleOpenAI(c *gin.Context) {
	h.handle(c, constant.ClaudeWeb, constant.OpenAI)
}

func (h *Handler) handle(c *gin.Context, variant, format string) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "failed to read request body"}})
		return
	}

	reqCtx := executor.ClaudeContext{
		Variant: variant,
		Format:  format,
		Stream:  gjson.GetBytes(body, "stream").Bool(),
		Model:   gjson.GetBytes(body, "model").String(),
	}
	log.Infof("[REQ] stream: %s, msgs: %d, model: %s, thinking: %s, variant: %s",
		util.Enabled(reqCtx.Stream),
		len(gjson.GetBytes(body, "messages").Array()),
		reqCtx.Model,
		util.Enabled(gjson.GetBytes(body, "thinking").Exists()),
		variant)

	connInfo := middleware.ConnectionFromContext(c)
	var connCtx context.Context
	if connInfo != nil {
		connCtx = connInfo.Context()
	}
	requestCtx, stop := connection.RequestContext(h.shutdownCtx, connCtx)
	defer stop()

	exec := executor.NewClaudeExecutor(h.pool, h.usage)
	exec.Ctx = reqCtx

	stopwatch := time.Now()
	reply, err := exec.TryChat(requestCtx, body)
	elapsed := time.Since(stopwatch)
	log.Infof("[FIN] elapsed %.2fs", elapsed.Seconds())

	if err != nil {
		writeError(c, format, err)
		return
	}
	if reply.Streaming {
		forwardStream(c, reply.Response)
		// The stream has ended; release the connection's token.
		if connInfo != nil {
			h.registry.Cancel(connInfo.ID)
		}
		return
	}
	c.Data(http.StatusOK, "application/json", reply.Body)
}

// forwardStream copies a streaming upstream response through unchanged.
func forwardStream(c *gin.Context, resp *http.Response) {
	defer func() {
		_ = resp.Body.Close()
	}()
	for name, values := range resp.Header {
		for _, value := range values {
			c.Writer.Header().Add(name, value)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		log.Debugf("claude: stream copy ended: %v", err)
	}
}

// writeError maps an executor error onto the client-facing status and the
// dialect's error body shape.
func writeError(c *gin.Context, format string, err error) {
	status := http.StatusInternalServerError
	var httpErr *client.HTTPError
	var badReq *executor.BadRequestError
	switch {
	case errors.As(err, &badReq):
		status = http.StatusBadRequest
	case errors.Is(err, connection.ErrRequestCancelled):
		status = 499
	case errors.Is(err, keypool.ErrNoKeyAvailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &httpErr):
		status = http.StatusBadGateway
	case errors.Is(err, executor.ErrTooManyRetries), errors.Is(err, validator.ErrEmptyChoices):
		status = http.StatusBadGateway
	}

	if format == constant.OpenAI {
		c.JSON(status, gin.H{"error": gin.H{
			"message": err.Error(),
			"type":    "api_error",
			"code":    "internal_error",
		}})
		return
	}
	c.JSON(status, gin.H{"type": "error", "error": gin.H{
		"type":    "api_error",
		"message": err.Error(),
	}})
}
