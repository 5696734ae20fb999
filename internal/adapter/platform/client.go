package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/klpoland/lti-tool-provider/internal/domain/lti"
)

const (
	scoreContentType    = "application/vnd.ims.lis.v1.score+json"
	lineItemContentType = "application/vnd.ims.lis.v2.lineitem+json"
)

// Client encapsulates outbound HTTP calls to the learning platform.
type Client interface {
	FetchKeySet(ctx context.Context, keysURL string) (*jose.JSONWebKeySet, error)
	RequestAccessToken(ctx context.Context, tokenURL string, form url.Values) (*lti.TokenResponse, error)
	PostScore(ctx context.Context, scoresURL, bearerToken string, score lti.Score) error
	PostLineItem(ctx context.Context, lineItemsURL, bearerToken string, item lti.LineItem) error
}

// HTTPClient is the default implementation. JWKS fetches and token exchanges
// gate otherwise-valid launches, so the default client retries transient
// failures with backoff.
type HTTPClient struct {
	httpClient *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default Client. A nil client gets a
// retrying client with a 10s timeout.
func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		rc := retryablehttp.NewClient()
		rc.RetryMax = 3
		rc.Logger = nil
		rc.HTTPClient.Timeout = 10 * time.Second
		client = rc.StandardClient()
	}
	return &HTTPClient{httpClient: client}
}

// FetchKeySet retrieves the platform's published JWKS.
func (c *HTTPClient) FetchKeySet(ctx context.Context, keysURL string) (*jose.JSONWebKeySet, error) {
	if strings.TrimSpace(keysURL) == "" {
		return nil, fmt.Errorf("keyset url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, keysURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build keyset request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("keyset request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read keyset: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("keyset fetch failed: status=%d", resp.StatusCode)
	}

	var keySet jose.JSONWebKeySet
	if err := json.Unmarshal(body, &keySet); err != nil {
		return nil, fmt.Errorf("decode keyset: %w", err)
	}
	return &keySet, nil
}

// RequestAccessToken posts the form to the platform's access-token endpoint.
func (c *HTTPClient) RequestAccessToken(ctx context.Context, tokenURL string, form url.Values) (*lti.TokenResponse, error) {
	if strings.TrimSpace(tokenURL) == "" {
		return nil, fmt.Errorf("token url missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token request failed: status=%d", resp.StatusCode)
	}

	var token lti.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	return &token, nil
}

// PostScore submits an AGS score to a line item's /scores endpoint.
func (c *HTTPClient) PostScore(ctx context.Context, scoresURL, bearerToken string, score lti.Score) error {
	return c.postJSON(ctx, scoresURL, bearerToken, scoreContentType, score)
}

// PostLineItem creates an AGS line item on the platform.
func (c *HTTPClient) PostLineItem(ctx context.Context, lineItemsURL, bearerToken string, item lti.LineItem) error {
	return c.postJSON(ctx, lineItemsURL, bearerToken, lineItemContentType, item)
}

func (c *HTTPClient) postJSON(ctx context.Context, target, bearerToken, contentType string, payload any) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("target url missing")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post request: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post failed: status=%d", resp.StatusCode)
	}
	return nil
}
