package services

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnauthenticated matches every credential failure; see AuthError for the reason.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrRateLimited matches *RateLimitError
	ErrRateLimited = errors.New("Rate limit exceeded")
	// ErrBootstrapConflict is returned when bootstrap is attempted on a non-empty store
	ErrBootstrapConflict = errors.New("Bootstrap key already exists. Use regular generation endpoint.")
	// ErrAPIKeyNotFound is returned by lifecycle operations on an unknown id
	ErrAPIKeyNotFound = errors.New("API key not found")
)

// AuthError carries the client-facing reason a credential was rejected
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// Is reports AuthError as ErrUnauthenticated
func (e *AuthError) Is(target error) bool { return target == ErrUnauthenticated }

var (
	errMissingCredentials = &AuthError{Message: "Missing API credentials"}
	errMalformed          = &AuthError{Message: "Invalid API credentials format"}
	errInvalidKey         = &AuthError{Message: "Invalid API key"}
	errInvalidSecret      = &AuthError{Message: "Invalid API secret"}
)

// RateLimitError is returned when a key has used its quota for the current window
type RateLimitError struct {
	Limit      int
	Count      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("Rate limit exceeded: %d of %d requests used", e.Count, e.Limit)
}

// Is reports RateLimitError as ErrRateLimited
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }
