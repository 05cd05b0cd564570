// Package repositories implements the data access layer for the travel API.
// Each repository type encapsulates all database queries for a domain entity;
// handlers never issue SQL directly.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/models"
)

const userColumns = `id, email, name, password_hash, role, profile, created_at, updated_at`

// UserRepository handles user database operations
type UserRepository struct {
	db *sqlx.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{db: db}
}

// Create inserts a user and fills in its ID and timestamps
func (r *UserRepository) Create(ctx context.Context, u *models.User) error {
	if u.Role == "" {
		u.Role = models.RoleTraveler
	}
	if len(u.Profile) == 0 {
		u.Profile = []byte(`{}`)
	}
	query := `
		INSERT INTO users (email, name, password_hash, role, profile)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query, u.Email, u.Name, u.PasswordHash, u.Role, []byte(u.Profile)).
		Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

// GetByID retrieves a user by ID, or nil if absent
func (r *UserRepository) GetByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByEmail retrieves a user by email (case-insensitive), or nil if absent
func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	err := r.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`, email)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// List retrieves all users ordered by ID
func (r *UserRepository) List(ctx context.Context) ([]*models.User, error) {
	users := make([]*models.User, 0)
	if err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users ORDER BY id`); err != nil {
		return nil, err
	}
	return users, nil
}

// Update persists email, name, role and profile. It returns false when the user does not exist.
func (r *UserRepository) Update(ctx context.Context, u *models.User) (bool, error) {
	if len(u.Profile) == 0 {
		u.Profile = []byte(`{}`)
	}
	query := `
		UPDATE users
		SET email = $2, name = $3, role = $4, profile = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`
	err := r.db.QueryRowxContext(ctx, query, u.ID, u.Email, u.Name, u.Role, []byte(u.Profile)).Scan(&u.UpdatedAt)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update user %d: %w", u.ID, err)
	}
	return true, nil
}

// UpdatePassword replaces a user's password hash
func (r *UserRepository) UpdatePassword(ctx context.Context, id int64, hash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, hash)
	if err != nil {
		return fmt.Errorf("failed to update password for user %d: %w", id, err)
	}
	return nil
}
