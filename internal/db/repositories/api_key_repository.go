// api_key_repository.go implements APIKeyRepository, providing database queries for the
// credential store: lookup by public key, creation, bootstrap, toggling and deletion.
package repositories

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/laasy/corptravel/internal/db/models"
)

const apiKeyColumns = `id, app_name, api_key, api_secret, is_active, permissions, rate_limit,
	user_id, created_at, updated_at, last_used, quota_notification_sent_at`

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAPIKey(row rowScanner, extra ...any) (*models.APIKey, error) {
	k := &models.APIKey{}
	var permsJSON []byte
	dest := []any{
		&k.ID,
		&k.AppName,
		&k.APIKey,
		&k.APISecret,
		&k.IsActive,
		&permsJSON,
		&k.RateLimit,
		&k.UserID,
		&k.CreatedAt,
		&k.UpdatedAt,
		&k.LastUsed,
		&k.QuotaNotificationSentAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(permsJSON, &k.Permissions); err != nil {
		return nil, fmt.Errorf("failed to decode permissions for key %d: %w", k.ID, err)
	}
	if k.Permissions == nil {
		k.Permissions = []string{}
	}
	return k, nil
}

func marshalPermissions(perms []string) ([]byte, error) {
	if perms == nil {
		perms = []string{}
	}
	return json.Marshal(perms)
}

// Count returns the number of stored keys, active or not
func (r *APIKeyRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count api keys: %w", err)
	}
	return n, nil
}

// Create inserts a new key and fills in its generated ID and timestamps
func (r *APIKeyRepository) Create(ctx context.Context, key *models.APIKey) error {
	return insertAPIKey(ctx, r.db, key)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertAPIKey(ctx context.Context, q queryRower, key *models.APIKey) error {
	permsJSON, err := marshalPermissions(key.Permissions)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO api_keys (app_name, api_key, api_secret, is_active, permissions, rate_limit, user_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at
	`
	err = q.QueryRowContext(ctx, query,
		key.AppName,
		key.APIKey,
		key.APISecret,
		key.IsActive,
		permsJSON,
		key.RateLimit,
		key.UserID,
	).Scan(&key.ID, &key.CreatedAt, &key.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert api key: %w", err)
	}
	return nil
}

// CreateBootstrap inserts key only if the credential store is empty. The emptiness
// check and the insert share a transaction holding an exclusive table lock, so two
// concurrent bootstrap calls cannot both succeed. created is false when keys exist.
func (r *APIKeyRepository) CreateBootstrap(ctx context.Context, key *models.APIKey) (created bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin bootstrap transaction: %w", err)
	}
	defer func() {
		if !created {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `LOCK TABLE api_keys IN EXCLUSIVE MODE`); err != nil {
		return false, fmt.Errorf("failed to lock api_keys: %w", err)
	}

	var n int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys`).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to count api keys: %w", err)
	}
	if n > 0 {
		return false, nil
	}

	if err := insertAPIKey(ctx, tx, key); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit bootstrap key: %w", err)
	}
	return true, nil
}

// GetByID retrieves a key by ID regardless of its active flag
func (r *APIKeyRepository) GetByID(ctx context.Context, id int64) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1`
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// GetActiveByKey retrieves an active key by its public identifier (for authentication)
func (r *APIKeyRepository) GetActiveByKey(ctx context.Context, apiKey string) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE api_key = $1 AND is_active = TRUE`
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, apiKey))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// List retrieves all keys, newest first
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys ORDER BY created_at DESC, id DESC`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Toggle flips is_active and returns the updated key, or nil if it does not exist
func (r *APIKeyRepository) Toggle(ctx context.Context, id int64) (*models.APIKey, error) {
	query := `
		UPDATE api_keys
		SET is_active = NOT is_active, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + apiKeyColumns
	k, err := scanAPIKey(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return k, nil
}

// Delete hard-deletes a key. Usage ledger rows are left in place.
// It reports whether a row was removed.
func (r *APIKeyRepository) Delete(ctx context.Context, id int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// QuotaUsage pairs a key with its ledger count in the current window
type QuotaUsage struct {
	Key  *models.APIKey
	Used int
}

// FindKeysNearQuota returns active user-owned keys whose usage since windowStart has
// reached percent of their rate_limit and that have not been notified in this window.
func (r *APIKeyRepository) FindKeysNearQuota(ctx context.Context, windowStart time.Time, percent int) ([]QuotaUsage, error) {
	query := `
		SELECT k.id, k.app_name, k.api_key, k.api_secret, k.is_active, k.permissions, k.rate_limit,
		       k.user_id, k.created_at, k.updated_at, k.last_used, k.quota_notification_sent_at,
		       COUNT(u.id) AS used
		FROM api_keys k
		JOIN api_key_usage u ON u.api_key_id = k.id AND u.created_at >= $1
		WHERE k.is_active = TRUE
		  AND k.user_id IS NOT NULL
		  AND (k.quota_notification_sent_at IS NULL OR k.quota_notification_sent_at < $1)
		GROUP BY k.id
		HAVING COUNT(u.id) * 100 >= k.rate_limit * $2
		ORDER BY k.id
	`
	rows, err := r.db.QueryContext(ctx, query, windowStart, percent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QuotaUsage, 0)
	for rows.Next() {
		var used int
		k, err := scanAPIKey(rows, &used)
		if err != nil {
			return nil, err
		}
		out = append(out, QuotaUsage{Key: k, Used: used})
	}
	return out, rows.Err()
}

// MarkQuotaNotificationSent records that a quota warning was sent at the given time
func (r *APIKeyRepository) MarkQuotaNotificationSent(ctx context.Context, id int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET quota_notification_sent_at = $1 WHERE id = $2`, at, id)
	return err
}
