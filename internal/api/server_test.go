package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/PoolProxyAPI/internal/config"
	"github.com/router-for-me/PoolProxyAPI/internal/connection"
	"github.com/router-for-me/PoolProxyAPI/internal/keypool"
)

func newTestServer(t *testing.T, cfg *config.Config) *httptest.Server {
	t.Helper()
	previous := config.Snapshot()
	cfg.NoFs = true
	config.Replace(cfg)
	t.Cleanup(func() { config.Replace(previous) })

	pool := keypool.NewPool(cfg.GeminiKeys, nil)
	t.Cleanup(pool.Close)
	registry := connection.NewRegistry()

	server := NewServer(cfg, pool, nil, registry, context.Background())
	testServer := httptest.NewServer(server.engine)
	t.Cleanup(testServer.Close)
	return testServer
}

func managementRequest(t *testing.T, method, url, password string, body any) *http.Response {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req, err := http.NewRequest(method, url, bytes.NewReader(payload))
	require.NoError(t, err)
	if password != "" {
		req.Header.Set("Authorization", "Bearer "+password)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	server := newTestServer(t, &config.Config{Port: 0})
	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestManagementRequiresPassword(t *testing.T) {
	server := newTestServer(t, &config.Config{ManagementPassword: "secret"})

	resp := managementRequest(t, http.MethodGet, server.URL+"/v0/management/keys", "", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := managementRequest(t, http.MethodGet, server.URL+"/v0/management/keys", "wrong", nil)
	defer func() { _ = resp2.Body.Close() }()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestManagementDisabledWithoutPassword(t *testing.T) {
	server := newTestServer(t, &config.Config{})

	resp := managementRequest(t, http.MethodGet, server.URL+"/v0/management/keys", "anything", nil)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestManagementKeyLifecycle(t *testing.T) {
	server := newTestServer(t, &config.Config{ManagementPassword: "secret"})
	base := server.URL + "/v0/management/keys"

	// Submit a key.
	resp := managementRequest(t, http.MethodPost, base, "secret", map[string]string{"key": "AIzaSy-new"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// The pool now lists it.
	resp = managementRequest(t, http.MethodGet, base, "secret", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listing struct {
		Keys []struct {
			Key       string `json:"key"`
			Available bool   `json:"available"`
		} `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	_ = resp.Body.Close()
	require.Len(t, listing.Keys, 1)
	assert.Equal(t, "AIzaSy-new", listing.Keys[0].Key)
	assert.True(t, listing.Keys[0].Available)

	// Delete it.
	resp = managementRequest(t, http.MethodDelete, base, "secret", map[string]string{"key": "AIzaSy-new"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Deleting again reports not found.
	resp = managementRequest(t, http.MethodDelete, base, "secret", map[string]string{"key": "AIzaSy-new"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestManagementConnections(t *testing.T) {
	server := newTestServer(t, &config.Config{ManagementPassword: "secret"})

	resp := managementRequest(t, http.MethodGet, server.URL+"/v0/management/connections", "secret", nil)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	// Only the in-flight management request itself may be registered.
	assert.LessOrEqual(t, payload.Count, 1)
}

func TestVertexWithoutCredentialReturns400(t *testing.T) {
	server := newTestServer(t, &config.Config{MaxRetries: 1, GeminiKeys: []config.KeyStatus{{Key: "K1"}}})

	resp, err := http.Post(server.URL+"/vertex/v1beta/models/gemini-2.5-pro:generateContent",
		"application/json", bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "Vertex credential not found", payload.Error.Message)
}
