// Package services holds the business logic behind the HTTP handlers: the API key
// authenticator with its rolling-window rate limiter, and key lifecycle management.
package services

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/laasy/corptravel/internal/auth"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/telemetry"
)

// DefaultWindow is the rolling lookback used when none is configured
const DefaultWindow = time.Hour

// Column widths of api_key_usage. Longer request values are clipped rather than
// failing the ledger insert.
const (
	maxEndpointLength = 512
	maxMethodLength   = 16
	maxIPLength       = 64
)

// KeyLookup finds active keys by their public identifier
type KeyLookup interface {
	GetActiveByKey(ctx context.Context, apiKey string) (*models.APIKey, error)
}

// UsageLedger is the append-only request log the limiter counts against
type UsageLedger interface {
	Admit(ctx context.Context, keyID int64, rec *models.APIKeyUsage, windowStart time.Time) (repositories.Admission, error)
	CountSince(ctx context.Context, keyID int64, since time.Time) (int, error)
	OldestSince(ctx context.Context, keyID int64, since time.Time) (*time.Time, error)
}

// SecretOpener recovers a stored secret for comparison
type SecretOpener interface {
	Open(sealed string) (string, error)
}

// RequestInfo describes the request being admitted; it becomes the ledger row
type RequestInfo struct {
	Endpoint  string
	Method    string
	IPAddress string
	UserAgent string
}

// Principal is an authenticated key together with its window accounting
type Principal struct {
	Key       *models.APIKey
	Used      int
	Remaining int
}

// Authenticator validates bearer credentials and enforces the per-key rate limit
type Authenticator struct {
	keys   KeyLookup
	usage  UsageLedger
	cipher SecretOpener
	window time.Duration
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. A zero window means one hour.
func NewAuthenticator(keys KeyLookup, usage UsageLedger, cipher SecretOpener, window time.Duration) *Authenticator {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Authenticator{
		keys:   keys,
		usage:  usage,
		cipher: cipher,
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source; used by tests to move the window
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// Window returns the rolling lookback
func (a *Authenticator) Window() time.Duration { return a.window }

// Authenticate checks an Authorization header value and, if the key is valid and under
// its limit, records the request in the usage ledger. Failures never write a ledger row.
func (a *Authenticator) Authenticate(ctx context.Context, header string, info RequestInfo) (*Principal, error) {
	p, err := a.authenticate(ctx, header, info)
	switch {
	case err == nil:
		telemetry.APIKeyAuthTotal.WithLabelValues(telemetry.AuthOutcomeOK).Inc()
	case errors.Is(err, ErrUnauthenticated):
		telemetry.APIKeyAuthTotal.WithLabelValues(telemetry.AuthOutcomeUnauthenticated).Inc()
	case errors.Is(err, ErrRateLimited):
		telemetry.APIKeyAuthTotal.WithLabelValues(telemetry.AuthOutcomeRateLimited).Inc()
	default:
		telemetry.APIKeyAuthTotal.WithLabelValues(telemetry.AuthOutcomeError).Inc()
	}
	return p, err
}

func (a *Authenticator) authenticate(ctx context.Context, header string, info RequestInfo) (*Principal, error) {
	keyID, secret, err := auth.ParseBearer(header)
	if err != nil {
		if errors.Is(err, auth.ErrMissingCredentials) {
			return nil, errMissingCredentials
		}
		return nil, errMalformed
	}

	key, err := a.keys.GetActiveByKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, errInvalidKey
	}

	stored, err := a.cipher.Open(key.APISecret)
	if err != nil {
		slog.Error("failed to open stored api secret", "api_key_id", key.ID, "error", err)
		return nil, errInvalidSecret
	}
	if !auth.SecretsEqual(secret, stored) {
		return nil, errInvalidSecret
	}

	now := a.now()
	windowStart := now.Add(-a.window)
	rec := &models.APIKeyUsage{
		Endpoint:  clip(info.Endpoint, maxEndpointLength),
		Method:    clip(info.Method, maxMethodLength),
		IPAddress: clip(info.IPAddress, maxIPLength),
		UserAgent: info.UserAgent,
		CreatedAt: now,
	}

	adm, err := a.usage.Admit(ctx, key.ID, rec, windowStart)
	if err != nil {
		return nil, err
	}
	if adm.Key == nil {
		// deleted or deactivated after lookup
		return nil, errInvalidKey
	}
	if !adm.Admitted {
		return nil, &RateLimitError{
			Limit:      adm.Key.RateLimit,
			Count:      adm.Count,
			RetryAfter: a.retryAfter(ctx, key.ID, windowStart, now),
		}
	}

	return &Principal{
		Key:       adm.Key,
		Used:      adm.Count,
		Remaining: remaining(adm.Key.RateLimit, adm.Count),
	}, nil
}

// retryAfter is the time until the oldest in-window row ages out. On lookup failure
// it falls back to the full window.
func (a *Authenticator) retryAfter(ctx context.Context, keyID int64, windowStart, now time.Time) time.Duration {
	oldest, err := a.usage.OldestSince(ctx, keyID, windowStart)
	if err != nil || oldest == nil {
		return a.window
	}
	d := oldest.Add(a.window).Sub(now)
	if d < time.Second {
		d = time.Second
	}
	return d
}

// Usage reports how much of its quota a key has consumed in the current window
// without recording a request.
func (a *Authenticator) Usage(ctx context.Context, key *models.APIKey) (used, left int, err error) {
	used, err = a.usage.CountSince(ctx, key.ID, a.now().Add(-a.window))
	if err != nil {
		return 0, 0, err
	}
	return used, remaining(key.RateLimit, used), nil
}

func remaining(limit, used int) int {
	if used >= limit {
		return 0
	}
	return limit - used
}

// clip shortens s to at most n characters
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
