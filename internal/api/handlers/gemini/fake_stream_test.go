package gemini

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/PoolProxyAPI/internal/api/middleware"
	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
)

const upstreamBody = `{"candidates":[{"content":{"parts":[{"text":"full answer"}],"role":"model"},"finishReason":"STOP"}]}`
const upstreamOpenAIBody = `{"choices":[{"message":{"content":"full answer"},"finish_reason":"stop"}]}`

type fixture struct {
	server   *httptest.Server
	registry *connection.Registry
	pool     *keypool.Pool
}

func newFixture(t *testing.T, cfg *config.Config, upstream http.HandlerFunc, shutdownCtx context.Context) *fixture {
	t.Helper()

	upstreamServer := httptest.NewServer(upstream)
	t.Cleanup(upstreamServer.Close)

	previousCfg := config.Snapshot()
	previousEndpoint := config.GeminiEndpoint
	cfg.NoFs = true
	config.Replace(cfg)
	config.GeminiEndpoint = upstreamServer.URL
	t.Cleanup(func() {
		config.Replace(previousCfg)
		config.GeminiEndpoint = previousEndpoint
	})

	registry := connection.NewRegistry()
	pool := keypool.NewPool([]config.KeyStatus{{Key: "K1"}, {Key: "K2"}}, nil)
	t.Cleanup(pool.Close)

	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(middleware.ConnectionMonitor(registry))
	handler := NewHandler(pool, nil, registry, shutdownCtx)
	engine.POST("/v1beta/*path", handler.HandleProxy)

	proxyServer := httptest.NewServer(engine)
	t.Cleanup(proxyServer.Close)

	return &fixture{server: proxyServer, registry: registry, pool: pool}
}

// readFrames collects SSE data lines until the stream ends.
func readFrames(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}

func TestFakeStreamGeminiDialect(t *testing.T) {
	cfg := &config.Config{MaxRetries: 1, FakeStreaming: true, FakeStreamingInterval: 0.05}
	fx := newFixture(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		// The downgraded call must be the non-streaming method without alt=sse.
		assert.NotContains(t, r.URL.Path, "streamGenerateContent")
		assert.NotEqual(t, "sse", r.URL.Query().Get("alt"))
		time.Sleep(400 * time.Millisecond)
		_, _ = w.Write([]byte(upstreamBody))
	}, context.Background())

	resp, err := http.Post(fx.server.URL+"/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)

	var keepAlives, contentChunks, terminalChunks int
	for _, frame := range frames {
		parsed := gjson.Parse(frame)
		switch {
		case parsed.Get("metadata.keepalive").Bool():
			keepAlives++
		case parsed.Get("candidates.0.finishReason").String() == "STOP":
			terminalChunks++
		case parsed.Get("candidates.0.content.parts.0.text").String() == "full answer":
			contentChunks++
		}
	}
	assert.GreaterOrEqual(t, keepAlives, 2)
	assert.Equal(t, 1, contentChunks)
	assert.Equal(t, 1, terminalChunks)

	// The stream's terminal path cancelled the connection; the registry must
	// be empty.
	assert.Eventually(t, func() bool { return fx.registry.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestFakeStreamOpenAIDialect(t *testing.T) {
	cfg := &config.Config{MaxRetries: 1, FakeStreaming: true, FakeStreamingInterval: 0.05}
	fx := newFixture(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		_, _ = w.Write([]byte(upstreamOpenAIBody))
	}, context.Background())

	resp, err := http.Post(fx.server.URL+"/v1beta/openai/chat/completions", "application/json",
		strings.NewReader(`{"model":"gemini-2.5-pro","stream":true}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	frames := readFrames(t, resp)
	require.NotEmpty(t, frames)

	assert.Equal(t, "[DONE]", frames[len(frames)-1])

	var keepAlives, contentChunks, finishChunks int
	for _, frame := range frames {
		if frame == "[DONE]" {
			continue
		}
		parsed := gjson.Parse(frame)
		switch {
		case parsed.Get("model").String() == "keepalive":
			keepAlives++
		case parsed.Get("choices.0.delta.content").String() == "full answer":
			contentChunks++
		case parsed.Get("choices.0.finish_reason").String() == "stop":
			finishChunks++
		}
	}
	assert.GreaterOrEqual(t, keepAlives, 1)
	assert.Equal(t, 1, contentChunks)
	assert.Equal(t, 1, finishChunks)
}

func TestFakeStreamClientDisconnect(t *testing.T) {
	release := make(chan struct{})
	cfg := &config.Config{MaxRetries: 0, FakeStreaming: true, FakeStreamingInterval: 0.05}
	fx := newFixture(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, context.Background())
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fx.server.URL+"/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse", strings.NewReader(`{}`))
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	// Drop the client 200 ms into the stream.
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_ = readFramesIgnoreError(resp)
	_ = resp.Body.Close()

	// The registry no longer contains the connection.
	assert.Eventually(t, func() bool { return fx.registry.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestFakeStreamGlobalShutdown(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	shutdownCtx, shutdown := context.WithCancel(context.Background())

	cfg := &config.Config{MaxRetries: 0, FakeStreaming: true, FakeStreamingInterval: 0.05}
	fx := newFixture(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}, shutdownCtx)

	type result struct{ frames []string }
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			resp, err := http.Post(fx.server.URL+"/v1beta/models/gemini-2.5-pro:streamGenerateContent?alt=sse",
				"application/json", strings.NewReader(`{}`))
			if err != nil {
				results <- result{}
				return
			}
			defer func() { _ = resp.Body.Close() }()
			results <- result{frames: readFramesIgnoreError(resp)}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	shutdown()

	for i := 0; i < 2; i++ {
		res := <-results
		require.NotEmpty(t, res.frames)
		// The last frame is a terminal error frame.
		last := res.frames[len(res.frames)-1]
		assert.True(t, gjson.Get(last, "error").Exists(), "expected error frame, got %s", last)
	}

	assert.Eventually(t, func() bool { return fx.registry.Count() == 0 }, time.Second, 10*time.Millisecond)
}

// readFramesIgnoreError reads SSE data lines until the body errors or ends.
func readFramesIgnoreError(resp *http.Response) []string {
	var frames []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			frames = append(frames, strings.TrimPrefix(line, "data: "))
		}
	}
	return frames
}
