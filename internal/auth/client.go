// Package auth fetches bearer tokens from the external authentication
// service. The service itself is a black box: one POST, one token.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/kfurukawa/voicebridge/pkg/logger"
)

// Client is an HTTP client for the token endpoint.
type Client struct {
	tokenURL   string
	apiKey     string
	httpClient *http.Client
	logger     *logger.Logger
}

// Config contains the token service settings.
type Config struct {
	TokenURL       string
	APIKey         string
	TimeoutSeconds int
}

// NewClient creates a token client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		tokenURL: cfg.TokenURL,
		apiKey:   cfg.APIKey,
		logger:   log.Named("auth"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetToken requests a bearer token for the given session. Tokens are not
// cached or refreshed: expiry mid-connection requires a fresh connect.
func (c *Client) GetToken(ctx context.Context, sessionID string) (string, error) {
	reqBody, err := json.Marshal(map[string]string{"session_id": sessionID})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.tokenURL, bytes.NewBuffer(reqBody))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("token service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if result.Token == "" {
		return "", fmt.Errorf("token service returned an empty token")
	}

	c.logger.Debug("Fetched bearer token",
		logger.String("session_id", sessionID),
		logger.Int64("expires_at", result.ExpiresAt))

	return result.Token, nil
}
