package client

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/constant"
)

// GeminiClient dispatches requests to the Generative Language API and its
// Vertex AI variant. A client is built per request; it is cheap and carries
// only the HTTP client with proxy and timeouts applied.
type GeminiClient struct {
	httpClient *http.Client
}

// NewGeminiClient creates a Gemini upstream client with the given proxy.
func NewGeminiClient(proxyURL string) (*GeminiClient, error) {
	httpClient, err := NewHTTPClient(proxyURL)
	if err != nil {
		return nil, err
	}
	return &GeminiClient{httpClient: httpClient}, nil
}

// Send posts the request body to the Gemini API using the leased key.
// The Gemini dialect targets /v1beta/{path} with the key as a query
// parameter; the OpenAI-compatible dialect targets the openai sub-path with
// a bearer header. 2xx responses are returned unparsed.
func (c *GeminiClient) Send(ctx context.Context, format, path string, query url.Values, body []byte, key string) (*http.Response, error) {
	var req *http.Request
	var err error
	switch format {
	case constant.OpenAI:
		endpoint := fmt.Sprintf("%s/v1beta/openai/chat/completions", config.GeminiEndpoint)
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+key)
	default:
		endpoint := fmt.Sprintf("%s/v1beta/%s", config.GeminiEndpoint, path)
		q := url.Values{}
		for name, values := range query {
			q[name] = values
		}
		q.Set("key", key)
		endpoint = endpoint + "?" + q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("failed to create Gemini request: %w", err)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	log.Debugf("gemini: %s request for key %s", format, config.EllipseSecret(key))
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Gemini API: %w", err)
	}
	return checkStatus(resp)
}

// SendVertex posts the request to the Vertex AI endpoint using a bearer
// token minted from the configured service account. The generate method is
// chosen from the stream flag so fake streaming can downgrade the call.
func (c *GeminiClient) SendVertex(ctx context.Context, format, model string, stream bool, query url.Values, body []byte, credential string) (*http.Response, error) {
	token, err := VertexAccessToken(ctx, credential, c.httpClient)
	if err != nil {
		return nil, err
	}
	projectID := gjsonProjectID(credential)

	var endpoint string
	switch format {
	case constant.OpenAI:
		endpoint = fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1beta1/projects/%s/locations/global/endpoints/openapi/chat/completions",
			projectID)
	default:
		method := "generateContent"
		if stream {
			method = "streamGenerateContent"
		}
		endpoint = fmt.Sprintf(
			"https://aiplatform.googleapis.com/v1/projects/%s/locations/global/publishers/google/models/%s:%s",
			projectID, model, method)
		if len(query) > 0 {
			endpoint = endpoint + "?" + query.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request to Gemini Vertex API: %w", err)
	}
	return checkStatus(resp)
}
