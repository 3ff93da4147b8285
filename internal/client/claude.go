package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
)

// ClaudeClient dispatches requests to the Claude upstream family. The Web
// and Code variants differ only in their base endpoint; the dialect decides
// path and headers.
type ClaudeClient struct {
	httpClient *http.Client
	claudeCfg  config.ClaudeConfig
}

// NewClaudeClient creates a Claude upstream client with the given proxy.
func NewClaudeClient(proxyURL string, claudeCfg config.ClaudeConfig) (*ClaudeClient, error) {
	httpClient, err := NewHTTPClient(proxyURL)
	if err != nil {
		return nil, err
	}
	return &ClaudeClient{httpClient: httpClient, claudeCfg: claudeCfg}, nil
}

// Send posts the request body to the chosen Claude variant. The Claude
// dialect targets /v1/messages with x-api-key and anthropic-version headers;
// the OpenAI-compatible dialect targets /v1/chat/completions with a bearer
// header. 2xx responses are returned unparsed.
func (c *ClaudeClient) Send(ctx context.Context, variant, format string, body []byte, key string) (*http.Response, error) {
	endpoint := c.claudeCfg.WebEndpoint
	if variant == constant.ClaudeCode {
		endpoint = c.claudeCfg.CodeEndpoint
	}

	var req *http.Request
	var err error
	switch format {
	case constant.OpenAI:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
	default:
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/messages", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create Claude request: %w", err)
		}
		req.Header.Set("x-api-key", key)
		req.Header.Set("anthropic-version", c.claudeCfg.APIVersion)
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debugf("claude: %s request to %s for key %s", format, variant, config.EllipseSecret(key))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Claude API: %w", err)
	}
	return checkStatus(resp)
}
