// Package apiclient talks to the Lorekeeper REST backend. The bridge uses it
// for exactly two things: probing whether an opaque token is live, and
// just-in-time provisioning of a local account for an externally verified
// identity.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client calls the REST backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a backend client. baseURL is the API root, e.g.
// http://localhost:3000.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SetHTTPClient overrides the HTTP client. Tests use this.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Probe performs an authenticated read with the given bearer token. A nil
// error means the backend accepted the token.
func (c *Client) Probe(ctx context.Context, token string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/me", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach API: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API rejected token with status %d", resp.StatusCode)
	}
	return nil
}

type provisionRequest struct {
	Sub      string `json:"sub"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

type provisionResponse struct {
	Token string `json:"token"`
}

// Provision exchanges a verified external identity for a local opaque token
// via the backend's internal JIT provisioning endpoint. The account is
// created on first login.
func (c *Client) Provision(ctx context.Context, sub, username, email string) (string, error) {
	body, err := json.Marshal(provisionRequest{Sub: sub, Username: username, Email: email})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/internal/jit-provision", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach API: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("provisioning failed with status %d", resp.StatusCode)
	}

	var pr provisionResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return "", fmt.Errorf("failed to decode provisioning response: %w", err)
	}
	if pr.Token == "" {
		return "", fmt.Errorf("provisioning response missing token")
	}
	return pr.Token, nil
}

// Fetch performs an authenticated GET against the backend and returns the
// raw response body. path must start with a slash.
func (c *Client) Fetch(ctx context.Context, token, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach API: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API returned status %d for %s", resp.StatusCode, path)
	}
	return io.ReadAll(resp.Body)
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string {
	return c.baseURL
}
