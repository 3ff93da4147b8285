package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/client"
	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
	"github.com/router-for-me/PoolProxyAPI/internal/validator"
)

// GeminiContext is the per-request derived data produced by preprocessing:
// which dialect the client spoke, whether it wants a stream, and how the
// upstream call must be addressed.
type GeminiContext struct {
	// Format is the response dialect: constant.Gemini or constant.OpenAI.
	Format string
	// Stream indicates the client asked for server-sent events.
	Stream bool
	// Model is the model identifier extracted from path or body.
	Model string
	// Vertex routes the call to the Vertex AI variant.
	Vertex bool
	// Path is the upstream path below /v1beta for the direct variant.
	Path string
	// Query carries sanitized client query arguments.
	Query url.Values
}

// GeminiExecutor runs the attempt loop for one Gemini-family request. A nil
// key means no lease is held; Vertex attempts never hold one.
type GeminiExecutor struct {
	Ctx   GeminiContext
	pool  *keypool.Pool
	usage *usage.Store
	key   *config.KeyStatus
}

// NewGeminiExecutor creates an executor bound to the key pool and the usage
// store.
func NewGeminiExecutor(pool *keypool.Pool, store *usage.Store) *GeminiExecutor {
	return &GeminiExecutor{pool: pool, usage: store}
}

// Clone copies the executor so a leased key never leaks across attempts or
// into the fake-streaming downgrade.
func (e *GeminiExecutor) Clone() *GeminiExecutor {
	c := *e
	if e.key != nil {
		k := e.key.Clone()
		c.key = &k
	}
	if e.Ctx.Query != nil {
		query := make(url.Values, len(e.Ctx.Query))
		for name, values := range e.Ctx.Query {
			query[name] = append([]string(nil), values...)
		}
		c.Ctx.Query = query
	}
	return &c
}

// TryChat drives up to max-retries+1 attempts. Retryable outcomes are
// upstream HTTP errors (with the matching key report filed in the
// background) and empty-choice responses; everything else returns
// immediately. After the loop the last captured error, or ErrTooManyRetries,
// is returned.
func (e *GeminiExecutor) TryChat(ctx context.Context, body []byte) (*Reply, error) {
	cfg := config.Snapshot()
	maxRetries := 0
	if cfg != nil {
		maxRetries = cfg.MaxRetries
	}

	var lastErr error
	for i := 0; i < maxRetries+1; i++ {
		if i > 0 {
			log.Infof("gemini: retry attempt %d", i)
		}
		if ctx.Err() != nil {
			log.Info("gemini: request cancelled before attempt")
			return nil, connection.CancelCause(ctx)
		}

		attempt := e.Clone()
		resp, err := attempt.sendChat(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("gemini: request cancelled during upstream call")
				return nil, connection.CancelCause(ctx)
			}
			var httpErr *client.HTTPError
			if errors.As(err, &httpErr) {
				if attempt.key != nil {
					log.Errorf("gemini: request failed with key %s: %v", attempt.key.Ellipse(), err)
				} else {
					log.Errorf("gemini: request failed: %v", err)
				}
				switch httpErr.Code {
				case http.StatusBadRequest:
					go attempt.report400()
				case http.StatusForbidden:
					go attempt.report403()
				case http.StatusTooManyRequests:
					go attempt.report429()
				}
				lastErr = err
				continue
			}
			log.Errorf("gemini: non-retryable error: %v", err)
			return nil, err
		}

		reply, err := attempt.checkResponse(ctx, resp)
		if err != nil {
			if errors.Is(err, validator.ErrEmptyChoices) {
				log.Errorf("gemini: empty choices, will retry: %v", err)
				lastErr = err
				continue
			}
			if ctx.Err() != nil {
				return nil, connection.CancelCause(ctx)
			}
			return nil, err
		}

		go attempt.reportSuccess()
		return reply, nil
	}

	log.Errorf("gemini: retries exhausted after %d attempts", maxRetries+1)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTooManyRetries
}

// sendChat performs one upstream call: Vertex if configured for the
// request, otherwise the direct API with a freshly leased key.
func (e *GeminiExecutor) sendChat(ctx context.Context, body []byte) (*http.Response, error) {
	cfg := config.Snapshot()
	proxyURL := ""
	if cfg != nil {
		proxyURL = cfg.ProxyURL
	}

	geminiClient, err := client.NewGeminiClient(proxyURL)
	if err != nil {
		return nil, err
	}

	if e.Ctx.Vertex {
		if cfg == nil || !cfg.Vertex.Enabled() {
			return nil, &BadRequestError{Msg: "Vertex credential not found"}
		}
		return geminiClient.SendVertex(ctx, e.Ctx.Format, e.Ctx.Model, e.Ctx.Stream, e.Ctx.Query, body, cfg.Vertex.Credential)
	}

	if err = e.requestKey(ctx); err != nil {
		return nil, err
	}
	return geminiClient.Send(ctx, e.Ctx.Format, e.Ctx.Path, e.Ctx.Query, body, e.key.Key)
}

// checkResponse applies the response-validity rules. Streaming responses
// pass through untouched; buffered responses are read fully and checked for
// empty content and required tags.
func (e *GeminiExecutor) checkResponse(ctx context.Context, resp *http.Response) (*Reply, error) {
	if e.Ctx.Stream {
		return &Reply{Streaming: true, Response: resp}, nil
	}

	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, connection.CancelCause(ctx)
		}
		return nil, err
	}

	if err = validator.CheckBody(body, e.Ctx.Format); err != nil {
		return nil, err
	}
	return &Reply{Body: body}, nil
}

// requestKey leases a key from the pool and remembers it for reporting.
func (e *GeminiExecutor) requestKey(ctx context.Context) error {
	key, err := e.pool.Request(ctx)
	if err != nil {
		log.Errorf("gemini: failed to obtain key from pool: %v", err)
		return err
	}
	log.Infof("gemini: leased key %s", key.Ellipse())
	e.key = &key
	return nil
}

// report403 removes a 403-failed key from the pool.
func (e *GeminiExecutor) report403() {
	if e.key == nil {
		return
	}
	log.Infof("gemini: removing 403-failed key %s from pool", e.key.Ellipse())
	if err := e.pool.Delete(*e.key); err != nil {
		log.Errorf("gemini: failed to delete key after 403: %v", err)
	}
	e.usage.Record(e.key.Key, false)
}

// report400 removes a 400-failed key from the pool.
func (e *GeminiExecutor) report400() {
	if e.key == nil {
		return
	}
	log.Infof("gemini: removing 400-failed key %s from pool", e.key.Ellipse())
	if err := e.pool.Delete(*e.key); err != nil {
		log.Errorf("gemini: failed to delete key after 400: %v", err)
	}
	e.usage.Record(e.key.Key, false)
}

// report429 puts the key on cooldown and returns it to the pool.
func (e *GeminiExecutor) report429() {
	if e.key == nil {
		log.Warnf("gemini: no key leased, cannot set 429 cooldown")
		return
	}
	cfg := config.Snapshot()
	cooldown := 60 * time.Second
	if cfg != nil && cfg.CooldownSeconds > 0 {
		cooldown = time.Duration(cfg.CooldownSeconds) * time.Second
	}
	log.Infof("gemini: setting %s cooldown for key %s", cooldown, e.key.Ellipse())
	key := e.key.Clone()
	key.SetCooldown(cooldown)
	e.pool.Return(key)
	e.usage.Record(key.Key, false)
}

// reportSuccess returns the key to the pool unchanged.
func (e *GeminiExecutor) reportSuccess() {
	if e.key == nil {
		return
	}
	e.pool.Return(e.key.Clone())
	e.usage.Record(e.key.Key, true)
}
