package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/zephyros/executor/internal/common/logger"
)

const probeTimeout = 10 * time.Second

// UserInfo is the subset of the identity provider's user record the agent uses.
type UserInfo struct {
	ID       string `json:"id"`
	Email    string `json:"email,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// IdentityClient is a thin adapter over the identity provider's HTTP surface.
// Only two calls are used: the userinfo probe and the refresh-token grant.
type IdentityClient struct {
	baseURL string
	anonKey string
	http    *http.Client
	logger  *logger.Logger
}

// NewIdentityClient creates an identity provider client.
func NewIdentityClient(baseURL, anonKey string, log *logger.Logger) *IdentityClient {
	return &IdentityClient{
		baseURL: trimTrailingSlash(baseURL),
		anonKey: anonKey,
		http:    &http.Client{Timeout: probeTimeout},
		logger:  log,
	}
}

// ValidateToken probes the userinfo endpoint with the given token.
// Any non-2xx response, timeout, or transport error means "not valid".
func (c *IdentityClient) ValidateToken(ctx context.Context, token string) bool {
	_, err := c.UserInfo(ctx, token)
	return err == nil
}

// UserInfo fetches the user record behind a token.
func (c *IdentityClient) UserInfo(ctx context.Context, token string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo probe: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("userinfo probe: status %d", resp.StatusCode)
	}

	var info UserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode userinfo: %w", err)
	}
	return &info, nil
}

// refreshResponse is the identity provider's token grant response.
type refreshResponse struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int       `json:"expires_in"`
	User         *UserInfo `json:"user,omitempty"`
}

// Refresh exchanges a refresh token for a new session.
func (c *IdentityClient) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return nil, err
	}

	url := c.baseURL + "/auth/v1/token?grant_type=refresh_token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.anonKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("token refresh: status %d", resp.StatusCode)
	}

	var grant refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode token grant: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, fmt.Errorf("token refresh: empty access token")
	}

	session := &Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(grant.ExpiresIn) * time.Second),
	}
	if grant.User != nil {
		session.UserID = grant.User.ID
	}
	return session, nil
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
