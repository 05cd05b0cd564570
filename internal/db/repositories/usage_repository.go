// usage_repository.go implements UsageRepository over the append-only api_key_usage ledger:
// atomic admission (count + append + last_used), window counts, listing and pruning.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/laasy/corptravel/internal/db/models"
)

// UsageRepository handles usage ledger database operations
type UsageRepository struct {
	db *sql.DB
}

// NewUsageRepository creates a new UsageRepository
func NewUsageRepository(db *sql.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// Admission is the outcome of a single check-and-append attempt.
type Admission struct {
	// Key is the locked key row, or nil if the key vanished or was deactivated
	// between lookup and admission.
	Key *models.APIKey
	// Count is the number of ledger rows in the window, including the new one when admitted.
	Count int
	// Admitted is true when the usage row was appended.
	Admitted bool
}

// Admit performs the rate check and the ledger append as one unit. The key row is
// locked with SELECT ... FOR UPDATE, so concurrent requests for the same key are
// serialised and cannot both observe count = limit-1. The usage row and the
// last_used update commit together. rec.CreatedAt is the admission time.
func (r *UsageRepository) Admit(ctx context.Context, keyID int64, rec *models.APIKeyUsage, windowStart time.Time) (res Admission, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("failed to begin admission transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockQuery := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE id = $1 AND is_active = TRUE FOR UPDATE`
	key, err := scanAPIKey(tx.QueryRowContext(ctx, lockQuery, keyID))
	if err == sql.ErrNoRows {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("failed to lock api key %d: %w", keyID, err)
	}
	res.Key = key

	countQuery := `SELECT COUNT(*) FROM api_key_usage WHERE api_key_id = $1 AND created_at >= $2`
	if err := tx.QueryRowContext(ctx, countQuery, keyID, windowStart).Scan(&res.Count); err != nil {
		return res, fmt.Errorf("failed to count usage for key %d: %w", keyID, err)
	}
	if res.Count >= key.RateLimit {
		return res, nil
	}

	insertQuery := `
		INSERT INTO api_key_usage (api_key_id, endpoint, method, ip_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	rec.APIKeyID = keyID
	err = tx.QueryRowContext(ctx, insertQuery,
		keyID, rec.Endpoint, rec.Method, rec.IPAddress, rec.UserAgent, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return res, fmt.Errorf("failed to append usage for key %d: %w", keyID, err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE api_keys SET last_used = $1 WHERE id = $2`, rec.CreatedAt, keyID); err != nil {
		return res, fmt.Errorf("failed to update last_used for key %d: %w", keyID, err)
	}

	if err := tx.Commit(); err != nil {
		return res, fmt.Errorf("failed to commit admission for key %d: %w", keyID, err)
	}
	committed = true

	used := rec.CreatedAt
	key.LastUsed = &used
	res.Count++
	res.Admitted = true
	return res, nil
}

// CountSince returns the number of ledger rows for a key created at or after since
func (r *UsageRepository) CountSince(ctx context.Context, keyID int64, since time.Time) (int, error) {
	var n int
	query := `SELECT COUNT(*) FROM api_key_usage WHERE api_key_id = $1 AND created_at >= $2`
	if err := r.db.QueryRowContext(ctx, query, keyID, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count usage for key %d: %w", keyID, err)
	}
	return n, nil
}

// OldestSince returns the created_at of the oldest ledger row for a key at or after
// since, or nil when there is none. The rate limiter uses it to compute Retry-After.
func (r *UsageRepository) OldestSince(ctx context.Context, keyID int64, since time.Time) (*time.Time, error) {
	var oldest sql.NullTime
	query := `SELECT MIN(created_at) FROM api_key_usage WHERE api_key_id = $1 AND created_at >= $2`
	if err := r.db.QueryRowContext(ctx, query, keyID, since).Scan(&oldest); err != nil {
		return nil, fmt.Errorf("failed to read oldest usage for key %d: %w", keyID, err)
	}
	if !oldest.Valid {
		return nil, nil
	}
	return &oldest.Time, nil
}

func scanUsageRows(rows *sql.Rows) ([]*models.APIKeyUsage, error) {
	defer rows.Close()
	out := make([]*models.APIKeyUsage, 0)
	for rows.Next() {
		u := &models.APIKeyUsage{}
		if err := rows.Scan(&u.ID, &u.APIKeyID, &u.Endpoint, &u.Method, &u.IPAddress, &u.UserAgent, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// ListByKey returns the most recent ledger rows for a key, newest first
func (r *UsageRepository) ListByKey(ctx context.Context, keyID int64, limit int) ([]*models.APIKeyUsage, error) {
	query := `
		SELECT id, api_key_id, endpoint, method, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM api_key_usage
		WHERE api_key_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, keyID, limit)
	if err != nil {
		return nil, err
	}
	return scanUsageRows(rows)
}

// ListBefore returns up to limit of the oldest ledger rows created before cutoff
func (r *UsageRepository) ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.APIKeyUsage, error) {
	query := `
		SELECT id, api_key_id, endpoint, method, COALESCE(ip_address, ''), COALESCE(user_agent, ''), created_at
		FROM api_key_usage
		WHERE created_at < $1
		ORDER BY id ASC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	return scanUsageRows(rows)
}

// DeleteUpTo removes ledger rows created before cutoff whose id is at most maxID,
// so rows read by ListBefore are the only ones removed.
func (r *UsageRepository) DeleteUpTo(ctx context.Context, cutoff time.Time, maxID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM api_key_usage WHERE created_at < $1 AND id <= $2`, cutoff, maxID)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage ledger: %w", err)
	}
	return res.RowsAffected()
}
