// Package auth derives stable caller identities from configured API keys.
// A key never becomes the identity itself — owner IDs are a digest of the
// key, so rotating storage dumps never expose credentials.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
)

// ErrInvalidToken is returned for unknown keys and tokens.
var ErrInvalidToken = errors.New("invalid token")

// Keyring maps API keys to owner IDs. It backs both the REST API-key
// check and the terminal WebSocket token check.
type Keyring struct {
	users map[string]string // key → owner ID
}

// New creates a Keyring for the given API keys.
func New(keys []string) *Keyring {
	users := make(map[string]string, len(keys))
	for _, k := range keys {
		if k == "" {
			continue
		}
		users[k] = UserID(k)
	}
	return &Keyring{users: users}
}

// AddAlias registers an extra token resolving to an existing identity,
// e.g. a dedicated terminal token acting for the primary API key.
func (r *Keyring) AddAlias(token, ownerID string) {
	if token == "" || ownerID == "" {
		return
	}
	r.users[token] = ownerID
}

// Users returns the key → owner ID mapping for the REST gateway.
func (r *Keyring) Users() map[string]string {
	return r.users
}

// Authenticate resolves a token to its owner ID using constant-time
// comparison against every known key.
func (r *Keyring) Authenticate(token string) (string, error) {
	ownerID := ""
	for key, uid := range r.users {
		if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
			ownerID = uid
		}
	}
	if ownerID == "" {
		return "", ErrInvalidToken
	}
	return ownerID, nil
}

// UserID derives the stable owner ID for an API key.
func UserID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return "u-" + hex.EncodeToString(sum[:])[:12]
}
