// travel_repository.go implements the sqlx-backed repositories for policies, bookings,
// trips and arranger delegations.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/models"
)

// PolicyRepository handles travel policy database operations
type PolicyRepository struct {
	db *sqlx.DB
}

// NewPolicyRepository creates a new PolicyRepository
func NewPolicyRepository(db *sqlx.DB) *PolicyRepository {
	return &PolicyRepository{db: db}
}

// List returns all policies ordered by ID
func (r *PolicyRepository) List(ctx context.Context) ([]*models.Policy, error) {
	policies := make([]*models.Policy, 0)
	query := `SELECT id, name, rules, status, created_at, updated_at FROM policies ORDER BY id`
	if err := r.db.SelectContext(ctx, &policies, query); err != nil {
		return nil, err
	}
	return policies, nil
}

// Create inserts a draft policy
func (r *PolicyRepository) Create(ctx context.Context, p *models.Policy) error {
	if p.Status == "" {
		p.Status = models.PolicyStatusDraft
	}
	if len(p.Rules) == 0 {
		p.Rules = []byte(`[]`)
	}
	query := `
		INSERT INTO policies (name, rules, status)
		VALUES ($1, $2, $3)
		RETURNING id, created_at, updated_at
	`
	if err := r.db.QueryRowxContext(ctx, query, p.Name, []byte(p.Rules), p.Status).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return fmt.Errorf("failed to create policy: %w", err)
	}
	return nil
}

// Publish marks a policy as published and returns it, or nil if absent
func (r *PolicyRepository) Publish(ctx context.Context, id int64) (*models.Policy, error) {
	var p models.Policy
	query := `
		UPDATE policies SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING id, name, rules, status, created_at, updated_at
	`
	err := r.db.GetContext(ctx, &p, query, id, models.PolicyStatusPublished)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// BookingRepository handles booking database operations
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// Create inserts a booking with a caller-assigned ID
func (r *BookingRepository) Create(ctx context.Context, b *models.Booking) error {
	query := `
		INSERT INTO bookings (id, user_id, api_key_id, items, total, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := r.db.QueryRowxContext(ctx, query,
		b.ID, b.UserID, b.APIKeyID, []byte(b.Items), b.Total, b.Currency, b.Status,
	).Scan(&b.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

// GetByID retrieves a booking, or nil if absent
func (r *BookingRepository) GetByID(ctx context.Context, id string) (*models.Booking, error) {
	var b models.Booking
	query := `SELECT id, user_id, api_key_id, items, total, currency, status, created_at FROM bookings WHERE id = $1`
	err := r.db.GetContext(ctx, &b, query, id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// TripRepository handles trip database operations
type TripRepository struct {
	db *sqlx.DB
}

// NewTripRepository creates a new TripRepository
func NewTripRepository(db *sqlx.DB) *TripRepository {
	return &TripRepository{db: db}
}

const tripSelect = `
	SELECT t.id, t.user_id, t.booking_id, t.title, t.segments, t.start_date, t.end_date,
	       t.status, t.created_at, u.email AS traveler
	FROM trips t
	LEFT JOIN users u ON u.id = t.user_id
`

// List returns trips for userID, or all trips when userID is nil
func (r *TripRepository) List(ctx context.Context, userID *int64) ([]*models.Trip, error) {
	trips := make([]*models.Trip, 0)
	var err error
	if userID != nil {
		err = r.db.SelectContext(ctx, &trips, tripSelect+` WHERE t.user_id = $1 ORDER BY t.start_date, t.id`, *userID)
	} else {
		err = r.db.SelectContext(ctx, &trips, tripSelect+` ORDER BY t.start_date, t.id`)
	}
	if err != nil {
		return nil, err
	}
	return trips, nil
}

// DelegationRepository persists arranger to traveler delegations
type DelegationRepository struct {
	db *sqlx.DB
}

// NewDelegationRepository creates a new DelegationRepository
func NewDelegationRepository(db *sqlx.DB) *DelegationRepository {
	return &DelegationRepository{db: db}
}

// Upsert records a delegation; repeating an existing pair is a no-op.
// It returns the number of travelers delegated to the arranger afterwards.
func (r *DelegationRepository) Upsert(ctx context.Context, arrangerID, travelerID int64) (int, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO arranger_delegations (arranger_id, traveler_id)
		VALUES ($1, $2)
		ON CONFLICT (arranger_id, traveler_id) DO NOTHING
	`, arrangerID, travelerID)
	if err != nil {
		return 0, fmt.Errorf("failed to store delegation: %w", err)
	}
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM arranger_delegations WHERE arranger_id = $1`, arrangerID); err != nil {
		return 0, err
	}
	return n, nil
}

// ListTravelers returns the users delegated to arrangerID, or every delegated
// traveler when arrangerID is nil.
func (r *DelegationRepository) ListTravelers(ctx context.Context, arrangerID *int64) ([]*models.User, error) {
	users := make([]*models.User, 0)
	base := `
		SELECT DISTINCT u.id, u.email, u.name, u.password_hash, u.role, u.profile, u.created_at, u.updated_at
		FROM arranger_delegations d
		JOIN users u ON u.id = d.traveler_id
	`
	var err error
	if arrangerID != nil {
		err = r.db.SelectContext(ctx, &users, base+` WHERE d.arranger_id = $1 ORDER BY u.id`, *arrangerID)
	} else {
		err = r.db.SelectContext(ctx, &users, base+` ORDER BY u.id`)
	}
	if err != nil {
		return nil, err
	}
	return users, nil
}
