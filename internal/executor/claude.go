package executor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/client"
	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
	"github.com/router-for-me/PoolProxyAPI/internal/usage"
	"github.com/router-for-me/PoolProxyAPI/internal/validator"
)

// ClaudeContext is the per-request derived data for the Claude family.
type ClaudeContext struct {
	// Variant selects the upstream: constant.ClaudeWeb or constant.ClaudeCode.
	Variant string
	// Format is the request dialect: constant.Claude or constant.OpenAI.
	Format string
	// Stream indicates the client asked for server-sent events.
	Stream bool
	// Model is the model identifier from the request body.
	Model string
}

// ClaudeExecutor runs the attempt loop for one Claude-family request. It
// shares the credential pool and the classification rules with the Gemini
// executor; only dispatch differs.
type ClaudeExecutor struct {
	Ctx   ClaudeContext
	pool  *keypool.Pool
	usage *usage.Store
	key   *config.KeyStatus
}

// NewClaudeExecutor creates an executor bound to the key pool and the usage
// store.
func NewClaudeExecutor(pool *keypool.Pool, store *usage.Store) *ClaudeExecutor {
	return &ClaudeExecutor{pool: pool, usage: store}
}

// Clone copies the executor so a leased key never leaks across attempts.
func (e *ClaudeExecutor) Clone() *ClaudeExecutor {
	c := *e
	if e.key != nil {
		k := e.key.Clone()
		c.key = &k
	}
	return &c
}

// TryChat drives up to max-retries+1 attempts with the same classification
// as the Gemini executor.
func (e *ClaudeExecutor) TryChat(ctx context.Context, body []byte) (*Reply, error) {
	cfg := config.Snapshot()
	maxRetries := 0
	if cfg != nil {
		maxRetries = cfg.MaxRetries
	}

	var lastErr error
	for i := 0; i < maxRetries+1; i++ {
		if i > 0 {
			log.Infof("claude: retry attempt %d", i)
		}
		if ctx.Err() != nil {
			log.Info("claude: request cancelled before attempt")
			return nil, connection.CancelCause(ctx)
		}

		attempt := e.Clone()
		resp, err := attempt.sendChat(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("claude: request cancelled during upstream call")
				return nil, connection.CancelCause(ctx)
			}
			var httpErr *client.HTTPError
			if errors.As(err, &httpErr) {
				if attempt.key != nil {
					log.Errorf("claude: request failed with key %s: %v", attempt.key.Ellipse(), err)
				} else {
					log.Errorf("claude: request failed: %v", err)
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
			log.Errorf("claude: non-retryable error: %v", err)
			return nil, err
		}

		reply, err := attempt.checkResponse(ctx, resp)
		if err != nil {
			if errors.Is(err, validator.ErrEmptyChoices) {
				log.Errorf("claude: empty choices, will retry: %v", err)
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

	log.Errorf("claude: retries exhausted after %d attempts", maxRetries+1)
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, ErrTooManyRetries
}

// sendChat performs one upstream call with a freshly leased key.
func (e *ClaudeExecutor) sendChat(ctx context.Context, body []byte) (*http.Response, error) {
	cfg := config.Snapshot()
	proxyURL := ""
	claudeCfg := config.ClaudeConfig{}
	if cfg != nil {
		proxyURL = cfg.ProxyURL
		claudeCfg = cfg.Claude
	}

	claudeClient, err := client.NewClaudeClient(proxyURL, claudeCfg)
	if err != nil {
		return nil, err
	}
	if err = e.requestKey(ctx); err != nil {
		return nil, err
	}
	return claudeClient.Send(ctx, e.Ctx.Variant, e.Ctx.Format, body, e.key.Key)
}

// checkResponse forwards streams and buffers everything else. Claude-native
// bodies carry no choices array, so only the OpenAI-compatible dialect gets
// the empty-choices check.
func (e *ClaudeExecutor) checkResponse(ctx context.Context, resp *http.Response) (*Reply, error) {
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

	if e.Ctx.Format == constant.OpenAI {
		if err = validator.CheckBody(body, e.Ctx.Format); err != nil {
			return nil, err
		}
	}
	return &Reply{Body: body}, nil
}

// requestKey leases a key from the pool and remembers it for reporting.
func (e *ClaudeExecutor) requestKey(ctx context.Context) error {
	key, err := e.pool.Request(ctx)
	if err != nil {
		log.Errorf("claude: failed to obtain key from pool: %v", err)
		return err
	}
	log.Infof("claude: leased key %s", key.Ellipse())
	e.key = &key
	return nil
}

// report400 removes a 400-failed key from the pool.
func (e *ClaudeExecutor) report400() {
	if e.key == nil {
		return
	}
	log.Infof("claude: removing 400-failed key %s from pool", e.key.Ellipse())
	if err := e.pool.Delete(*e.key); err != nil {
		log.Errorf("claude: failed to delete key after 400: %v", err)
	}
	e.usage.Record(e.key.Key, false)
}

// report403 removes a 403-failed key from the pool.
func (e *ClaudeExecutor) report403() {
	if e.key == nil {
		return
	}
	log.Infof("claude: removing 403-failed key %s from pool", e.key.Ellipse())
	if err := e.pool.Delete(*e.key); err != nil {
		log.Errorf("claude: failed to delete key after 403: %v", err)
	}
	e.usage.Record(e.key.Key, false)
}

// report429 puts the key on cooldown and returns it to the pool.
func (e *ClaudeExecutor) report429() {
	if e.key == nil {
		return
	}
	cfg := config.Snapshot()
	cooldown := 60 * time.Second
	if cfg != nil && cfg.CooldownSeconds > 0 {
		cooldown = time.Duration(cfg.CooldownSeconds) * time.Second
	}
	log.Infof("claude: setting %s cooldown for key %s", cooldown, e.key.Ellipse())
	key := e.key.Clone()
	key.SetCooldown(cooldown)
	e.pool.Return(key)
	e.usage.Record(key.Key, false)
}

// reportSuccess returns the key to the pool unchanged.
func (e *ClaudeExecutor) reportSuccess() {
	if e.key == nil {
		return
	}
	e.pool.Return(e.key.Clone())
	e.usage.Record(e.key.Key, true)
}
