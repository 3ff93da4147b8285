package gemini

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
	"github.com/router-for-me/PoolProxyAPI/internal/executor"
)

// keepAliveChannelCap bounds buffered keep-alive frames; the producer stops
// when the handler closes the stop channel or the request context ends.
const keepAliveChannelCap = 100

// fakeStream answers a streaming request by running the upstream call
// non-streaming in the background while emitting periodic keep-alive frames,
// then converting the final body into streaming chunks. Every terminal path
// cancels the connection in the registry.
func (h *Handler) fakeStream(c *gin.Context, requestCtx context.Context, exec *executor.GeminiExecutor, body []byte, connInfo *connection.Info) {
	cfg := config.Snapshot()
	interval := time.Duration(cfg.FakeStreamingInterval * float64(time.Second))
	if interval <= 0 {
		interval = 5 * time.Second
	}

	// Downgrade the upstream call to its non-streaming variant.
	downgraded := exec.Clone()
	downgraded.Ctx.Stream = false
	if strings.Contains(downgraded.Ctx.Path, "streamGenerateContent") {
		downgraded.Ctx.Path = strings.Replace(downgraded.Ctx.Path, "streamGenerateContent", "generateContent", 1)
	}
	if downgraded.Ctx.Query.Get("alt") == "sse" {
		downgraded.Ctx.Query.Del("alt")
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	format := exec.Ctx.Format
	model := exec.Ctx.Model

	// Independent keep-alive producer; stopped by closing stopKeepAlive or
	// by request cancellation.
	keepAlive := make(chan string, keepAliveChannelCap)
	stopKeepAlive := make(chan struct{})
	go func() {
		defer close(keepAlive)
		frame := keepAliveChunk(format)
		select {
		case keepAlive <- frame:
		case <-stopKeepAlive:
			return
		case <-requestCtx.Done():
			return
		}
		// time.Ticker drops missed ticks on a slow consumer.
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				select {
				case keepAlive <- keepAliveChunk(format):
				case <-stopKeepAlive:
					return
				case <-requestCtx.Done():
					return
				}
			case <-stopKeepAlive:
				return
			case <-requestCtx.Done():
				log.Debug("fake streaming: keep-alive task cancelled")
				return
			}
		}
	}()

	type chatResult struct {
		reply *executor.Reply
		err   error
	}
	result := make(chan chatResult, 1)
	go func() {
		reply, err := downgraded.TryChat(requestCtx, body)
		result <- chatResult{reply: reply, err: err}
	}()

	defer func() {
		if connInfo != nil {
			h.registry.Cancel(connInfo.ID)
		}
		log.Debug("fake streaming: handler completed")
	}()

	for {
		// Cancellation wins ties against pending frames and results.
		select {
		case <-requestCtx.Done():
			close(stopKeepAlive)
			writeFrame(c, errorChunk(format, connection.CancelCause(requestCtx)))
			log.Info("fake streaming: request cancelled")
			return
		default:
		}

		select {
		case <-requestCtx.Done():
			close(stopKeepAlive)
			writeFrame(c, errorChunk(format, connection.CancelCause(requestCtx)))
			log.Info("fake streaming: request cancelled")
			return

		case res := <-result:
			close(stopKeepAlive)
			if res.err != nil {
				writeFrame(c, errorChunk(format, res.err))
				return
			}
			for _, frame := range bodyToChunks(res.reply.Body, format, model) {
				writeFrame(c, frame)
			}
			return

		case frame, ok := <-keepAlive:
			if !ok {
				// Producer gone; wait for the result or cancellation.
				keepAlive = nil
				continue
			}
			writeFrame(c, frame)
		}
	}
}

// writeFrame emits one SSE frame and flushes it to the client.
func writeFrame(c *gin.Context, data string) {
	if data == "" {
		return
	}
	if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
		log.Debugf("fake streaming: client write failed: %v", err)
		return
	}
	c.Writer.Flush()
}

// keepAliveChunk builds a small, legal frame for the dialect.
func keepAliveChunk(format string) string {
	if format == constant.OpenAI {
		chunk := `{"id":"chatcmpl-keepalive","object":"chat.completion.chunk","created":0,"model":"keepalive","choices":[{"index":0,"delta":{"content":""},"finish_reason":null}]}`
		chunk, _ = sjson.Set(chunk, "created", time.Now().Unix())
		return chunk
	}
	chunk := `{"candidates":[],"metadata":{"keepalive":true,"timestamp":0}}`
	chunk, _ = sjson.Set(chunk, "metadata.timestamp", time.Now().UnixMilli())
	return chunk
}

// errorChunk builds the dialect's terminal error frame.
func errorChunk(format string, err error) string {
	if format == constant.OpenAI {
		chunk := `{"error":{"message":"","type":"api_error","code":"internal_error"}}`
		chunk, _ = sjson.Set(chunk, "error.message", err.Error())
		return chunk
	}
	chunk := `{"error":{"message":"","code":500,"status":"INTERNAL"}}`
	chunk, _ = sjson.Set(chunk, "error.message", err.Error())
	return chunk
}

// bodyToChunks converts the buffered upstream body into streaming frames:
// the full content as one chunk to preserve formatting, then a terminal
// chunk, then [DONE] for the OpenAI dialect.
func bodyToChunks(body []byte, format, model string) []string {
	root := gjson.ParseBytes(body)

	if format == constant.OpenAI {
		content := root.Get("choices.0.message.content")
		if !content.Exists() {
			return nil
		}
		created := time.Now().Unix()
		id := fmt.Sprintf("chatcmpl-%d", created)

		chunk := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"delta":{"content":""},"index":0,"finish_reason":null}]}`
		chunk, _ = sjson.Set(chunk, "id", id)
		chunk, _ = sjson.Set(chunk, "created", created)
		chunk, _ = sjson.Set(chunk, "model", model)
		chunk, _ = sjson.Set(chunk, "choices.0.delta.content", content.String())

		final := `{"id":"","object":"chat.completion.chunk","created":0,"model":"","choices":[{"delta":{},"index":0,"finish_reason":"stop"}]}`
		final, _ = sjson.Set(final, "id", id)
		final, _ = sjson.Set(final, "created", created)
		final, _ = sjson.Set(final, "model", model)

		return []string{chunk, final, "[DONE]"}
	}

	content := root.Get("candidates.0.content.parts.0.text")
	if !content.Exists() {
		return nil
	}
	chunk := `{"candidates":[{"content":{"parts":[{"text":""}],"role":"model"},"finishReason":null,"index":0}]}`
	chunk, _ = sjson.Set(chunk, "candidates.0.content.parts.0.text", content.String())

	final := `{"candidates":[{"content":{"parts":[{"text":""}],"role":"model"},"finishReason":"STOP","index":0}]}`

	return []string{chunk, final}
}
