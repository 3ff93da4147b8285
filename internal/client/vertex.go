package client

import (
	"context"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// cloudPlatformScope is the OAuth2 scope required by Vertex AI.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// VertexAccessToken exchanges the service-account JSON for a bearer token.
// The exchange reuses the upstream HTTP client so it honors the configured
// proxy.
func VertexAccessToken(ctx context.Context, credential string, httpClient *http.Client) (string, error) {
	conf, err := google.JWTConfigFromJSON([]byte(credential), cloudPlatformScope)
	if err != nil {
		return "", fmt.Errorf("failed to parse Vertex service account: %w", err)
	}
	if httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
	}
	token, err := conf.TokenSource(ctx).Token()
	if err != nil {
		return "", fmt.Errorf("failed to obtain Vertex access token: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("vertex token exchange returned an empty token")
	}
	return token.AccessToken, nil
}

func gjsonProjectID(credential string) string {
	return gjson.Get(credential, "project_id").String()
}
