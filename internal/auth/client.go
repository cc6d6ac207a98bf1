package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthorized marks a credential the auth server refuses to hand out.
// Callers treat it as fatal for the connection rather than retrying.
var ErrUnauthorized = errors.New("credential request unauthorized")

// Credential is everything a provider adapter needs to talk to the remote
// mailbox. OAuth providers fill the token fields; IMAP connections carry
// host and password credentials instead.
type Credential struct {
	AccessToken  string
	RefreshToken string
	Expiry       time.Time

	IMAPHost     string
	IMAPPort     int
	IMAPUsername string
	IMAPPassword string
}

// Client fetches per-connection credentials from the auth server. The auth
// server owns storage and token refresh; a fetched access token is always
// current.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a credential client for the given auth server.
func NewClient(authServerURL, apiKey string) *Client {
	return &Client{
		baseURL: authServerURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetValidCredential fetches the credential for a connection.
func (c *Client) GetValidCredential(ctx context.Context, connectionID string) (*Credential, error) {
	url := fmt.Sprintf("%s/api/auth/connections/%s/credential", c.baseURL, connectionID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, fmt.Errorf("connection %s: %w", connectionID, ErrUnauthorized)
	case http.StatusNotFound:
		return nil, fmt.Errorf("no credential for connection %s", connectionID)
	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("bad status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresAt    int64  `json:"expires_at"` // unix timestamp
		IMAPHost     string `json:"imap_host"`
		IMAPPort     int    `json:"imap_port"`
		IMAPUsername string `json:"imap_username"`
		IMAPPassword string `json:"imap_password"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	cred := &Credential{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		IMAPHost:     result.IMAPHost,
		IMAPPort:     result.IMAPPort,
		IMAPUsername: result.IMAPUsername,
		IMAPPassword: result.IMAPPassword,
	}
	if result.ExpiresAt > 0 {
		cred.Expiry = time.Unix(result.ExpiresAt, 0)
	}
	return cred, nil
}
