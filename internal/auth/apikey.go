// Package auth provides authentication primitives for the travel API: API key/secret
// generation and bearer parsing, the permission vocabulary, password hashing, and JWT
// creation/verification for interactive user sessions.
// See internal/services/authenticator.go for the request-time API key flow.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	// KeyPrefix marks public API key identifiers
	KeyPrefix = "ak_"

	// KeyBytes is the number of random bytes in the public key
	KeyBytes = 32

	// SecretBytes is the number of random bytes in the secret
	SecretBytes = 64
)

var (
	// ErrMissingCredentials means no Authorization header or an empty bearer value
	ErrMissingCredentials = errors.New("missing credentials")
	// ErrMalformedCredentials means the bearer value is not of the form key:secret
	ErrMalformedCredentials = errors.New("malformed credentials")
)

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// GenerateCredentials returns a fresh public key ("ak_" + 32 random bytes, base64url)
// and secret (64 random bytes, base64url). The secret is shown to the caller once.
func GenerateCredentials() (key, secret string, err error) {
	k, err := randomToken(KeyBytes)
	if err != nil {
		return "", "", err
	}
	s, err := randomToken(SecretBytes)
	if err != nil {
		return "", "", err
	}
	return KeyPrefix + k, s, nil
}

// ParseBearer extracts key and secret from "Bearer <key>:<secret>". The value is
// split on the first colon only, so secrets may contain colons.
func ParseBearer(header string) (key, secret string, err error) {
	if header == "" {
		return "", "", ErrMissingCredentials
	}

	const scheme = "Bearer "
	if len(header) < len(scheme) || !strings.EqualFold(header[:len(scheme)], scheme) {
		return "", "", ErrMalformedCredentials
	}

	token := strings.TrimSpace(header[len(scheme):])
	if token == "" {
		return "", "", ErrMissingCredentials
	}

	parts := strings.SplitN(token, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", ErrMalformedCredentials
	}
	return parts[0], parts[1], nil
}

// SecretsEqual compares a presented secret with the stored one in constant time.
func SecretsEqual(presented, stored string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}
