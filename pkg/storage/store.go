// Package storage holds the client-side credential store shared between the
// auth layer, the realtime connection manager, and the CLI. Tokens are the
// only thing persisted; the store is a flat key-value table so the login flow
// (which owns the lifecycle) can write it without knowing about this module's
// internals.
package storage

import "errors"

// Fixed keys under which the credential pair lives. Every reader and writer
// of the store uses these; changing them invalidates existing databases.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

// ErrNotFound is returned by Get when a key has no value.
var ErrNotFound = errors.New("key not found")

// Store is a minimal key-value credential store. Implementations must be safe
// for concurrent use; the rotation watch reads while the auth layer writes.
type Store interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// AccessToken returns the stored access token, or "" when absent or on error.
// The connection path treats a missing token the same as an empty one.
func AccessToken(s Store) string {
	v, err := s.Get(KeyAccessToken)
	if err != nil {
		return ""
	}
	return v
}

// RefreshToken returns the stored refresh token, or "" when absent.
func RefreshToken(s Store) string {
	v, err := s.Get(KeyRefreshToken)
	if err != nil {
		return ""
	}
	return v
}

// SetTokens writes the access token and, when non-empty, the refresh token.
// A rotation that returns only a new access token must not clobber the
// stored refresh token, hence the conditional write.
func SetTokens(s Store, access, refresh string) error {
	if err := s.Set(KeyAccessToken, access); err != nil {
		return err
	}
	if refresh != "" {
		return s.Set(KeyRefreshToken, refresh)
	}
	return nil
}

// ClearTokens removes both credential keys.
func ClearTokens(s Store) error {
	if err := s.Delete(KeyAccessToken); err != nil {
		return err
	}
	return s.Delete(KeyRefreshToken)
}
