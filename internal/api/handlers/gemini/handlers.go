// Package gemini implements the HTTP handlers for the Gemini upstream
// family. The URL encodes the upstream method; requests are normalized into
// a request context, dispatched through the retry engine under a composite
// cancellation context, and answered in the dialect the client spoke.
package gemini

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/PoolProxyAPI/internal/api/middleware"
	"github.com/router-for-me/PoolProxyAPI/internal/client"
	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
	"github.com/router-for-me/PoolProxyAPI/internal/executor"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
	"github.com/router-for-me/PoolProxyAPI/internal/util"
	"github.com/router-for-me/PoolProxyAPI/internal/validator"
)

// Handler serves the Gemini-family endpoints.
type Handler struct {
	pool        *keypool.Pool
	usage       *usage.Store
	registry    *connection.Registry
	shutdownCtx context.Context
}

// NewHandler creates the Gemini handler set.
func NewHandler(pool *keypool.Pool, store *usage.Store, registry *connection.Registry, shutdownCtx context.Context) *Handler {
	return &Handler{pool: pool, usage: store, registry: registry, shutdownCtx: shutdownCtx}
}

// HandleProxy handles POST /v1beta/*path for the direct variant.
func (h *Handler) HandleProxy(c *gin.Context) {
	h.handle(c, false)
}

// HandleVertex handles POST /vertex/v1beta/*path for the Vertex variant.
func (h *Handler) HandleVertex(c *gin.Context) {
	h.handle(c, true)
}

// handle normalizes the request and runs it through the retry engine.
func (h *Handler) handle(c *gin.Context, vertex bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"message": "failed to read request body"}})
		return
	}

	reqCtx, ok := preprocess(c, vertex, body)
	if !ok {
		return
	}
	log.Infof("[REQ] stream: %s, vertex: %s, format: %s, model: %s",
		util.Enabled(reqCtx.Stream), util.Enabled(reqCtx.Vertex), reqCtx.Format, reqCtx.Model)

	connInfo := middleware.ConnectionFromContext(c)
	var connCtx context.Context
	if connInfo != nil {
		connCtx = connInfo.Context()
	}
	requestCtx, stop := connection.RequestContext(h.shutdownCtx, connCtx)
	defer stop()

	exec := executor.NewGeminiExecutor(h.pool, h.usage)
	exec.Ctx = reqCtx

	cfg := config.Snapshot()
	if reqCtx.Stream && cfg != nil && cfg.FakeStreaming {
		h.fakeStream(c, requestCtx, exec, body, connInfo)
		return
	}

	reply, err := exec.TryChat(requestCtx, body)
	if err != nil {
		writeError(c, reqCtx.Format, err)
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

// preprocess derives the request context from path, query, and body. The
// openai sub-path flips the dialect; otherwise the method suffix on the
// model path decides streaming.
func preprocess(c *gin.Context, vertex bool, body []byte) (executor.GeminiContext, bool) {
	path := strings.TrimPrefix(c.Param("path"), "/")
	query := url.Values{}
	for name, values := range c.Request.URL.Query() {
		if name == "key" {
			continue
		}
		query[name] = values
	}

	ctx := executor.GeminiContext{Vertex: vertex, Path: path, Query: query}

	if path == "openai/chat/completions" {
		ctx.Format = constant.OpenAI
		ctx.Model = gjson.GetBytes(body, "model").String()
		ctx.Stream = gjson.GetBytes(body, "stream").Bool()
		return ctx, true
	}

	ctx.Format = constant.Gemini
	model, method, ok := splitModelPath(path)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": "unsupported path: " + path, "code": 404}})
		return ctx, false
	}
	ctx.Model = model
	ctx.Stream = method == "streamGenerateContent" || query.Get("alt") == "sse"
	return ctx, true
}

// splitModelPath extracts "models/{model}:{method}" from the upstream path.
func splitModelPath(path string) (model, method string, ok bool) {
	idx := strings.Index(path, "models/")
	if idx < 0 {
		return "", "", false
	}
	rest := path[idx+len("models/"):]
	colon := strings.IndexByte(rest, ':')
	if colon < 0 {
		return "", "", false
	}
	return rest[:colon], rest[colon+1:], true
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
		log.Debugf("gemini: stream copy ended: %v", err)
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
		// 499 Client Closed Request.
		status = 499
	case errors.Is(err, keypool.ErrNoKeyAvailable):
		status = http.StatusServiceUnavailable
	case errors.As(err, &httpErr):
		// The retry engine already consumed every retryable outcome; what is
		// left of an upstream HTTP failure is a bad-gateway condition.
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
	c.JSON(status, gin.H{"error": gin.H{
		"message": err.Error(),
		"code":    status,
		"status":  "INTERNAL",
	}})
}
