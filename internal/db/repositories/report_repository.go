// report_repository.go implements ReportRepository, aggregating booking spend and
// policy compliance over a half-open time range.
package repositories

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// ReportRepository runs reporting aggregates over bookings
type ReportRepository struct {
	db *sqlx.DB
}

// NewReportRepository creates a new ReportRepository
func NewReportRepository(db *sqlx.DB) *ReportRepository {
	return &ReportRepository{db: db}
}

// CurrencySpend is the booking total for one currency
type CurrencySpend struct {
	Currency string  `db:"currency" json:"currency"`
	Total    float64 `db:"total" json:"total"`
	Bookings int     `db:"bookings" json:"bookings"`
}

// SpendByCurrency sums booking totals created in [from, to), largest currency first
func (r *ReportRepository) SpendByCurrency(ctx context.Context, from, to time.Time) ([]CurrencySpend, error) {
	out := make([]CurrencySpend, 0)
	query := `
		SELECT currency, COALESCE(SUM(total), 0) AS total, COUNT(*) AS bookings
		FROM bookings
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY currency
		ORDER BY total DESC, currency
	`
	if err := r.db.SelectContext(ctx, &out, query, from, to); err != nil {
		return nil, err
	}
	return out, nil
}

// ComplianceCounts holds booked item counts by policy status
type ComplianceCounts struct {
	InPolicy int `db:"in_policy"`
	Total    int `db:"total"`
}

// Compliance counts booked items created in [from, to). Items without a
// policyStatus are treated as in policy.
func (r *ReportRepository) Compliance(ctx context.Context, from, to time.Time) (ComplianceCounts, error) {
	var c ComplianceCounts
	query := `
		SELECT COUNT(*) FILTER (WHERE COALESCE(item->>'policyStatus', 'in') = 'in') AS in_policy,
		       COUNT(*) AS total
		FROM bookings b
		CROSS JOIN LATERAL jsonb_array_elements(b.items) AS item
		WHERE b.created_at >= $1 AND b.created_at < $2
	`
	err := r.db.GetContext(ctx, &c, query, from, to)
	return c, err
}
