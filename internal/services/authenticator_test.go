package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type authFixture struct {
	store *memStore
	clock *fakeClock
	keys  *APIKeyService
	authn *Authenticator
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	store := newMemStore()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return &authFixture{
		store: store,
		clock: clock,
		keys:  NewAPIKeyService(store, store, prefixCipher{}, 0, 0),
		authn: NewAuthenticator(store, store, prefixCipher{}, time.Hour).WithClock(clock.Now),
	}
}

func (f *authFixture) issue(t *testing.T, limit int, perms ...string) *IssuedKey {
	t.Helper()
	k, err := f.keys.Generate(context.Background(), GenerateRequest{AppName: "CI", Permissions: perms, RateLimit: limit})
	require.NoError(t, err)
	return k
}

func bearer(k *IssuedKey) string {
	return "Bearer " + k.Key.APIKey + ":" + k.Secret
}

var info = RequestInfo{Endpoint: "/trips", Method: "GET", IPAddress: "10.0.0.1", UserAgent: "test"}

func TestAuthenticate_ValidCredentials(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5, "trips")

	p, err := f.authn.Authenticate(context.Background(), bearer(k), info)
	require.NoError(t, err)
	assert.Equal(t, k.Key.ID, p.Key.ID)
	assert.Equal(t, 1, p.Used)
	assert.Equal(t, 4, p.Remaining)
	require.NotNil(t, p.Key.LastUsed)
	assert.True(t, p.Key.LastUsed.Equal(f.clock.Now()))
	assert.Equal(t, 1, f.store.ledgerLen())
}

func TestAuthenticate_Rejections(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5, "trips")

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "Missing API credentials"},
		{"no colon", "Bearer " + k.Key.APIKey, "Invalid API credentials format"},
		{"wrong scheme", "Basic abc:def", "Invalid API credentials format"},
		{"empty secret", "Bearer " + k.Key.APIKey + ":", "Invalid API credentials format"},
		{"unknown key", "Bearer ak_nope:" + k.Secret, "Invalid API key"},
		{"wrong secret", "Bearer " + k.Key.APIKey + ":wrong", "Invalid API secret"},
		{"secret prefix only", "Bearer " + k.Key.APIKey + ":" + k.Secret[:10], "Invalid API secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.authn.Authenticate(context.Background(), tt.header, info)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrUnauthenticated), "want ErrUnauthenticated, got %v", err)
			assert.Equal(t, tt.wantMsg, err.Error())
		})
	}
	assert.Equal(t, 0, f.store.ledgerLen(), "failed checks must not write usage rows")
}

func TestAuthenticate_SecretWithColon(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5)
	// store a secret containing colons directly
	f.store.keys[k.Key.ID].APISecret = "sealed:a:b:c"

	_, err := f.authn.Authenticate(context.Background(), "Bearer "+k.Key.APIKey+":a:b:c", info)
	assert.NoError(t, err)
}

func TestAuthenticate_ClipsOversizedRequestInfo(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5, "bookings")
	long := RequestInfo{
		Endpoint:  "/bookings/" + strings.Repeat("é", 600),
		Method:    strings.Repeat("M", 40),
		IPAddress: strings.Repeat("1", 100),
		UserAgent: "test",
	}

	_, err := f.authn.Authenticate(context.Background(), bearer(k), long)
	require.NoError(t, err)
	require.Equal(t, 1, f.store.ledgerLen())
	rec := f.store.usage[0]
	assert.Equal(t, maxEndpointLength, utf8.RuneCountInString(rec.Endpoint))
	assert.True(t, utf8.ValidString(rec.Endpoint))
	assert.True(t, strings.HasPrefix(rec.Endpoint, "/bookings/é"))
	assert.Len(t, rec.Method, maxMethodLength)
	assert.Len(t, rec.IPAddress, maxIPLength)
}

func TestClip(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"", 3, ""},
		{"abc", 3, "abc"},
		{"abcd", 3, "abc"},
		{"ééé", 2, "éé"},
	}
	for _, tt := range tests {
		if got := clip(tt.in, tt.n); got != tt.want {
			t.Errorf("clip(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestAuthenticate_InactiveKey(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5)
	_, err := f.keys.Toggle(context.Background(), k.Key.ID)
	require.NoError(t, err)

	_, err = f.authn.Authenticate(context.Background(), bearer(k), info)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.keys.Toggle(context.Background(), k.Key.ID)
	require.NoError(t, err)
	_, err = f.authn.Authenticate(context.Background(), bearer(k), info)
	assert.NoError(t, err, "toggling twice restores access")
}

func TestAuthenticate_DeletedKey(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5)
	require.NoError(t, f.keys.Delete(context.Background(), k.Key.ID))

	_, err := f.authn.Authenticate(context.Background(), bearer(k), info)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticate_RollingWindow(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 2)
	ctx := context.Background()

	_, err := f.authn.Authenticate(ctx, bearer(k), info)
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	_, err = f.authn.Authenticate(ctx, bearer(k), info)
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	_, err = f.authn.Authenticate(ctx, bearer(k), info)
	require.Error(t, err)
	var rl *RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 2, rl.Limit)
	assert.Equal(t, 2, rl.Count)
	// oldest row was 11 minutes ago, so it ages out in 49 minutes
	assert.Equal(t, 49*time.Minute, rl.RetryAfter)
	assert.Equal(t, 2, f.store.ledgerLen(), "rate-limited calls must not write usage rows")

	// 61 minutes after the first request the first row has left the window
	f.clock.Advance(50 * time.Minute)
	p, err := f.authn.Authenticate(ctx, bearer(k), info)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Used)
	assert.Equal(t, 0, p.Remaining)
}

func TestAuthenticate_WindowBoundaryIsInclusive(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 1)
	ctx := context.Background()

	_, err := f.authn.Authenticate(ctx, bearer(k), info)
	require.NoError(t, err)

	// exactly one hour later the row sits on created_at >= now-1h and still counts
	f.clock.Advance(time.Hour)
	_, err = f.authn.Authenticate(ctx, bearer(k), info)
	assert.ErrorIs(t, err, ErrRateLimited)

	f.clock.Advance(time.Nanosecond)
	_, err = f.authn.Authenticate(ctx, bearer(k), info)
	assert.NoError(t, err)
}

func TestAuthenticate_ConcurrentRequestsNeverExceedLimit(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 10)

	var ok, limited int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.authn.Authenticate(context.Background(), bearer(k), info)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrRateLimited):
				atomic.AddInt32(&limited, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), ok)
	assert.Equal(t, int32(40), limited)
	assert.Equal(t, 10, f.store.ledgerLen())
}

func TestAuthenticate_StoreErrorPropagates(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5)
	f.store.err = errors.New("db down")

	_, err := f.authn.Authenticate(context.Background(), bearer(k), info)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUnauthenticated))
	assert.False(t, errors.Is(err, ErrRateLimited))
}

func TestAuthenticate_CorruptStoredSecret(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 5)
	f.store.keys[k.Key.ID].APISecret = "not-sealed"

	_, err := f.authn.Authenticate(context.Background(), bearer(k), info)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestUsage(t *testing.T) {
	f := newAuthFixture(t)
	k := f.issue(t, 3)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.authn.Authenticate(ctx, bearer(k), info)
		require.NoError(t, err)
	}

	used, left, err := f.authn.Usage(ctx, k.Key)
	require.NoError(t, err)
	assert.Equal(t, 2, used)
	assert.Equal(t, 1, left)
}

func TestNewAuthenticator_DefaultWindow(t *testing.T) {
	a := NewAuthenticator(nil, nil, nil, 0)
	assert.Equal(t, time.Hour, a.Window())
}
