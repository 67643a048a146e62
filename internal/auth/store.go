// Package auth manages the agent's bearer token for the orchestrator:
// in-memory and on-disk caching, live validation probes, and refresh.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zephyros/executor/internal/common/logger"
)

// expiryMargin is how close to expiry a token may be before it is treated
// as unusable.
const expiryMargin = 5 * time.Minute

// defaultTokenLifetime is assumed when a token is handed in directly and the
// identity provider did not report an expiry.
const defaultTokenLifetime = time.Hour

// ErrNotAuthenticated is returned when no valid session can be established.
var ErrNotAuthenticated = errors.New("not authenticated")

// Session is the persisted authentication state.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	UserID       string    `json:"user_id,omitempty"`
}

// usable reports whether the session is far enough from expiry to be worth
// probing.
func (s *Session) usable(now time.Time) bool {
	return s != nil && s.AccessToken != "" && s.ExpiresAt.Sub(now) >= expiryMargin
}

// TokenStore obtains, caches, validates, and refreshes the bearer token used
// on every orchestrator request. All failure paths collapse to "no valid
// session"; callers proceed unauthenticated and the orchestrator rejects them.
type TokenStore struct {
	identity  *IdentityClient
	cachePath string
	logger    *logger.Logger

	mu      sync.Mutex
	session *Session
}

// NewTokenStore creates a token store backed by the given identity client.
// The on-disk cache lives at ~/.zephyros/executor_auth.json unless cachePath
// overrides it.
func NewTokenStore(identity *IdentityClient, cachePath string, log *logger.Logger) (*TokenStore, error) {
	if cachePath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		cachePath = filepath.Join(home, ".zephyros", "executor_auth.json")
	}
	return &TokenStore{
		identity:  identity,
		cachePath: cachePath,
		logger:    log.WithFields(zap.String("component", "token-store")),
	}, nil
}

// AuthHeaders returns the Authorization header for orchestrator requests, or
// an empty map when no valid session exists.
func (s *TokenStore) AuthHeaders(ctx context.Context) map[string]string {
	token, err := s.validToken(ctx)
	if err != nil {
		return map[string]string{}
	}
	return map[string]string{"Authorization": "Bearer " + token}
}

// validToken returns a probed, unexpired access token, refreshing or loading
// from disk as needed.
func (s *TokenStore) validToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	// 1. In-memory session, probed live.
	if s.session.usable(now) {
		if s.identity.ValidateToken(ctx, s.session.AccessToken) {
			return s.session.AccessToken, nil
		}
		s.logger.Warn("cached token failed validation, attempting recovery")
	}

	// 2. On-disk cache.
	if cached := s.loadCache(); cached.usable(now) {
		if s.identity.ValidateToken(ctx, cached.AccessToken) {
			s.session = cached
			return cached.AccessToken, nil
		}
		s.logger.Warn("persisted session token is invalid")
	}

	// 3. Refresh grant.
	if refreshed := s.tryRefresh(ctx); refreshed != nil {
		s.session = refreshed
		s.saveCache(refreshed)
		return refreshed.AccessToken, nil
	}

	// 4. No valid session. Clear state so the next attempt starts clean.
	s.session = nil
	s.clearCache()
	s.logger.Warn("no valid authentication session; run `executor login`")
	return "", ErrNotAuthenticated
}

func (s *TokenStore) tryRefresh(ctx context.Context) *Session {
	refreshToken := ""
	if s.session != nil {
		refreshToken = s.session.RefreshToken
	}
	if refreshToken == "" {
		if cached := s.loadCache(); cached != nil {
			refreshToken = cached.RefreshToken
		}
	}
	if refreshToken == "" {
		return nil
	}

	refreshed, err := s.identity.Refresh(ctx, refreshToken)
	if err != nil {
		s.logger.WithError(err).Warn("session refresh failed")
		return nil
	}
	return refreshed
}

// LoginWithToken validates a handed-in token against the identity provider
// and persists the resulting session.
func (s *TokenStore) LoginWithToken(ctx context.Context, accessToken, refreshToken string) error {
	info, err := s.identity.UserInfo(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("token rejected by identity provider: %w", err)
	}

	session := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.Now().Add(defaultTokenLifetime),
		UserID:       info.ID,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = session
	s.saveCache(session)
	s.logger.Info("session established", zap.String("user_id", info.ID))
	return nil
}

// Logout clears the in-memory and on-disk session.
func (s *TokenStore) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.session = nil
	s.clearCache()
	s.logger.Info("logged out")
}

// WhoAmI returns the user behind the current session, or ErrNotAuthenticated.
func (s *TokenStore) WhoAmI(ctx context.Context) (*UserInfo, error) {
	token, err := s.validToken(ctx)
	if err != nil {
		return nil, err
	}
	return s.identity.UserInfo(ctx, token)
}

// loadCache reads the on-disk session. A missing or malformed file yields nil.
func (s *TokenStore) loadCache() *Session {
	data, err := os.ReadFile(s.cachePath)
	if err != nil {
		return nil
	}
	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		s.logger.WithError(err).Warn("failed to parse cached session")
		return nil
	}
	return &session
}

// saveCache writes the session atomically (write-tmp-then-rename) with
// owner-only permissions.
func (s *TokenStore) saveCache(session *Session) {
	if err := os.MkdirAll(filepath.Dir(s.cachePath), 0700); err != nil {
		s.logger.WithError(err).Warn("failed to create auth cache directory")
		return
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		s.logger.WithError(err).Warn("failed to encode session")
		return
	}
	tmp := s.cachePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		s.logger.WithError(err).Warn("failed to write session cache")
		return
	}
	if err := os.Rename(tmp, s.cachePath); err != nil {
		s.logger.WithError(err).Warn("failed to replace session cache")
	}
}

func (s *TokenStore) clearCache() {
	if err := os.Remove(s.cachePath); err != nil && !os.IsNotExist(err) {
		s.logger.WithError(err).Warn("failed to clear session cache")
	}
}
