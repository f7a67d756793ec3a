package api

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidAPIKey = errors.New("invalid API key")

// GenerateAPIKey returns a random key suitable for bearer authentication.
func GenerateAPIKey() (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// HashAPIKey returns the bcrypt hash stored in configuration.
func HashAPIKey(key string) (string, error) {
	if key == "" {
		return "", ErrInvalidAPIKey
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}
	return string(hash), nil
}

// KeyAuth checks bearer keys against a bcrypt hash. The last key that
// matched is remembered so repeat requests skip bcrypt.
type KeyAuth struct {
	hash []byte

	mu       sync.RWMutex
	verified string
}

func NewKeyAuth(hash string) (*KeyAuth, error) {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("invalid API key hash: %w", err)
	}
	return &KeyAuth{hash: []byte(hash)}, nil
}

// Validate reports whether key matches the configured hash.
func (a *KeyAuth) Validate(key string) error {
	if key == "" {
		return ErrInvalidAPIKey
	}

	a.mu.RLock()
	verified := a.verified
	a.mu.RUnlock()
	if verified != "" && subtle.ConstantTimeCompare([]byte(verified), []byte(key)) == 1 {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(key)); err != nil {
		return ErrInvalidAPIKey
	}

	a.mu.Lock()
	a.verified = key
	a.mu.Unlock()
	return nil
}

// Middleware rejects requests without a valid "Authorization: Bearer" key.
// Paths in open are served without a key.
func (a *KeyAuth) Middleware(open ...string) func(http.Handler) http.Handler {
	public := make(map[string]bool, len(open))
	for _, p := range open {
		public[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if public[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			key, ok := bearerToken(r)
			if !ok || a.Validate(key) != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="taskguard"`)
				writeError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
