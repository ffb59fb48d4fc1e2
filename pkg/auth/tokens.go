// Package auth resolves, validates, and refreshes the bearer token the
// realtime connection authenticates with. The credential store is the single
// source of truth; this package never caches tokens between calls.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskhive/taskhive-go/pkg/log"
	"github.com/taskhive/taskhive-go/pkg/storage"
)

// expirySkew is how close to expiry a token may get before the client treats
// it as expired and tries a refresh ahead of connecting.
const expirySkew = 60 * time.Second

// DefaultRefreshTimeout bounds the refresh round-trip when no timeout is
// configured. An unbounded refresh would stall the whole connect path.
const DefaultRefreshTimeout = 10 * time.Second

// ErrNoRefreshToken is returned by Refresh when the store holds no refresh
// token to exchange.
var ErrNoRefreshToken = errors.New("no refresh token in store")

type Config struct {
	// RefreshURL is the token refresh endpoint (POST, JSON body).
	RefreshURL string
	// Timeout bounds the refresh HTTP call. Zero means DefaultRefreshTimeout.
	Timeout time.Duration
	// HTTPClient overrides the client used for refresh calls. When set, its
	// own timeout wins and Timeout above is ignored.
	HTTPClient *http.Client
}

// TokenSource reads the credential pair from the shared store, reports
// expiry, and performs the refresh exchange.
type TokenSource struct {
	store  storage.Store
	client *http.Client
	url    string
	logger *log.Logger
}

func New(store storage.Store, cfg Config) *TokenSource {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = DefaultRefreshTimeout
		}
		client = &http.Client{Timeout: timeout}
	}
	return &TokenSource{
		store:  store,
		client: client,
		url:    cfg.RefreshURL,
		logger: log.ForComponent("auth"),
	}
}

// CurrentToken returns explicit when non-empty, else the stored access token,
// else "".
func (ts *TokenSource) CurrentToken(explicit string) string {
	if explicit != "" {
		return explicit
	}
	return storage.AccessToken(ts.store)
}

// Expired reports whether token is expired or expires within the skew window.
// A token that cannot be decoded, or carries no expiry claim, counts as
// expired: connecting with it would only move the failure to the server.
func (ts *TokenSource) Expired(token string) bool {
	exp, err := ExpiryTime(token)
	if err != nil {
		return true
	}
	return time.Until(exp) <= expirySkew
}

// ExpiryTime decodes the exp claim without verifying the signature; the
// client has no signing key, and the server re-validates on every connect.
func ExpiryTime(token string) (time.Time, error) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("decoding token: %w", err)
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, errors.New("token has no expiry claim")
	}
	return claims.ExpiresAt.Time, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type refreshResponse struct {
	Tokens struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token,omitempty"`
	} `json:"tokens"`
}

// Refresh exchanges the stored refresh token for a new access token. On
// success the new pair is written back to the store (the refresh token only
// when the server rotated it) and the new access token is returned. Any
// failure leaves the store untouched.
func (ts *TokenSource) Refresh(ctx context.Context) (string, error) {
	refresh := storage.RefreshToken(ts.store)
	if refresh == "" {
		return "", ErrNoRefreshToken
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: refresh})
	if err != nil {
		return "", fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ts.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := ts.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("refresh rejected: status %d", resp.StatusCode)
	}

	var parsed refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decoding refresh response: %w", err)
	}
	if parsed.Tokens.AccessToken == "" {
		return "", errors.New("refresh response missing access token")
	}

	if err := storage.SetTokens(ts.store, parsed.Tokens.AccessToken, parsed.Tokens.RefreshToken); err != nil {
		return "", fmt.Errorf("storing refreshed tokens: %w", err)
	}

	ts.logger.Debugf("access token refreshed")
	return parsed.Tokens.AccessToken, nil
}
