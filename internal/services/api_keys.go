package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/laasy/corptravel/internal/auth"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/telemetry"
)

const (
	// DefaultBootstrapAppName names the bootstrap key when the caller gives none
	DefaultBootstrapAppName = "Admin Bootstrap"
	// SecretWarning accompanies every freshly issued secret
	SecretWarning = "Store the API secret securely. It cannot be retrieved again."
)

// KeyStore is the credential store used by APIKeyService
type KeyStore interface {
	CreateBootstrap(ctx context.Context, key *models.APIKey) (bool, error)
	Create(ctx context.Context, key *models.APIKey) error
	GetByID(ctx context.Context, id int64) (*models.APIKey, error)
	List(ctx context.Context) ([]*models.APIKey, error)
	Toggle(ctx context.Context, id int64) (*models.APIKey, error)
	Delete(ctx context.Context, id int64) (bool, error)
}

// UsageHistory lists ledger rows for a key
type UsageHistory interface {
	ListByKey(ctx context.Context, keyID int64, limit int) ([]*models.APIKeyUsage, error)
}

// SecretSealer encrypts a secret for storage
type SecretSealer interface {
	Seal(plaintext string) (string, error)
}

// IssuedKey is a newly created key with its plaintext secret, returned exactly once
type IssuedKey struct {
	Key    *models.APIKey
	Secret string
}

// GenerateRequest describes a key requested by an admin caller
type GenerateRequest struct {
	AppName     string
	Permissions []string
	RateLimit   int
	UserID      *int64
}

// APIKeyService implements key lifecycle operations
type APIKeyService struct {
	store              KeyStore
	usage              UsageHistory
	sealer             SecretSealer
	defaultRateLimit   int
	bootstrapRateLimit int
}

// NewAPIKeyService creates an APIKeyService. Non-positive limits fall back to 1000
// for generated keys and 10000 for the bootstrap key.
func NewAPIKeyService(store KeyStore, usage UsageHistory, sealer SecretSealer, defaultRateLimit, bootstrapRateLimit int) *APIKeyService {
	if defaultRateLimit <= 0 {
		defaultRateLimit = 1000
	}
	if bootstrapRateLimit <= 0 {
		bootstrapRateLimit = 10000
	}
	return &APIKeyService{
		store:              store,
		usage:              usage,
		sealer:             sealer,
		defaultRateLimit:   defaultRateLimit,
		bootstrapRateLimit: bootstrapRateLimit,
	}
}

func (s *APIKeyService) newKey(appName string, perms []string, rateLimit int, userID *int64) (*IssuedKey, error) {
	key, secret, err := auth.GenerateCredentials()
	if err != nil {
		return nil, err
	}
	sealed, err := s.sealer.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to seal api secret: %w", err)
	}
	return &IssuedKey{
		Key: &models.APIKey{
			AppName:     appName,
			APIKey:      key,
			APISecret:   sealed,
			IsActive:    true,
			Permissions: auth.NormalizePermissions(perms),
			RateLimit:   rateLimit,
			UserID:      userID,
		},
		Secret: secret,
	}, nil
}

// Bootstrap creates the first admin key. It fails with ErrBootstrapConflict once any
// key exists, active or not.
func (s *APIKeyService) Bootstrap(ctx context.Context, appName string) (*IssuedKey, error) {
	if appName == "" {
		appName = DefaultBootstrapAppName
	}
	issued, err := s.newKey(appName, auth.AdminPermissions(), s.bootstrapRateLimit, nil)
	if err != nil {
		return nil, err
	}

	created, err := s.store.CreateBootstrap(ctx, issued.Key)
	if err != nil {
		return nil, err
	}
	if !created {
		return nil, ErrBootstrapConflict
	}

	telemetry.APIKeyLifecycleTotal.WithLabelValues("bootstrap").Inc()
	slog.Info("bootstrap api key created", "api_key_id", issued.Key.ID, "app_name", appName)
	return issued, nil
}

// Generate creates a key with caller-chosen permissions and quota
func (s *APIKeyService) Generate(ctx context.Context, req GenerateRequest) (*IssuedKey, error) {
	limit := req.RateLimit
	if limit <= 0 {
		limit = s.defaultRateLimit
	}
	perms := req.Permissions
	if perms == nil {
		perms = []string{}
	}

	issued, err := s.newKey(req.AppName, perms, limit, req.UserID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Create(ctx, issued.Key); err != nil {
		return nil, err
	}

	telemetry.APIKeyLifecycleTotal.WithLabelValues("generate").Inc()
	slog.Info("api key generated", "api_key_id", issued.Key.ID, "app_name", req.AppName, "rate_limit", limit)
	return issued, nil
}

// List returns every key, newest first
func (s *APIKeyService) List(ctx context.Context) ([]*models.APIKey, error) {
	return s.store.List(ctx)
}

// Get returns one key or ErrAPIKeyNotFound
func (s *APIKeyService) Get(ctx context.Context, id int64) (*models.APIKey, error) {
	k, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrAPIKeyNotFound
	}
	return k, nil
}

// Toggle flips a key's active flag
func (s *APIKeyService) Toggle(ctx context.Context, id int64) (*models.APIKey, error) {
	k, err := s.store.Toggle(ctx, id)
	if err != nil {
		return nil, err
	}
	if k == nil {
		return nil, ErrAPIKeyNotFound
	}
	telemetry.APIKeyLifecycleTotal.WithLabelValues("toggle").Inc()
	slog.Info("api key toggled", "api_key_id", id, "is_active", k.IsActive)
	return k, nil
}

// Delete removes a key permanently. Its ledger rows stay behind.
func (s *APIKeyService) Delete(ctx context.Context, id int64) error {
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrAPIKeyNotFound
	}
	telemetry.APIKeyLifecycleTotal.WithLabelValues("delete").Inc()
	slog.Info("api key deleted", "api_key_id", id)
	return nil
}

// History returns the most recent ledger rows for an existing key
func (s *APIKeyService) History(ctx context.Context, id int64, limit int) ([]*models.APIKeyUsage, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.usage.ListByKey(ctx, id, limit)
}
