// Package client dispatches requests to the upstream LLM APIs. It builds
// per-request HTTP clients with the configured proxy and timeouts, attaches
// the leased credential per upstream conventions, and converts non-2xx
// replies into typed HTTP errors.
package client

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/PoolProxyAPI/internal/util"
)

const (
	// requestTimeout bounds the whole upstream round trip.
	requestTimeout = 300 * time.Second
	// connectTimeout bounds the TCP connect.
	connectTimeout = 30 * time.Second
)

// HTTPError is an API-level error extracted from a non-2xx upstream reply.
type HTTPError struct {
	// Code is the upstream HTTP status code.
	Code int
	// Body is the raw upstream error body.
	Body string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("upstream HTTP %d: %s", e.Code, e.Body)
}

// NewHTTPClient builds the per-request HTTP client: 300 s overall timeout,
// 30 s connect timeout, optionally chained through the given proxy URL.
func NewHTTPClient(proxyURL string) (*http.Client, error) {
	httpClient := &http.Client{
		Timeout: requestTimeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{Timeout: connectTimeout}).DialContext,
		},
	}
	if proxyURL == "" {
		return httpClient, nil
	}
	httpClient, err := util.SetProxy(proxyURL, httpClient)
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream client: %w", err)
	}
	return httpClient, nil
}

// checkStatus passes 2xx responses through unparsed and converts everything
// else into an HTTPError with the drained body.
func checkStatus(resp *http.Response) (*http.Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			log.Warnf("failed to close upstream error body: %v", err)
		}
	}()
	body, _ := io.ReadAll(resp.Body)
	return nil, &HTTPError{Code: resp.StatusCode, Body: string(body)}
}
