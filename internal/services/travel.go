package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
)

// BookingStatusConfirmed is the status of every stored booking
const BookingStatusConfirmed = "confirmed"

var (
	// ErrUnknownMode is returned by SearchOffers for a mode other than flights, hotels or cars
	ErrUnknownMode = errors.New("unknown search mode")
	// ErrInvalidMonth is returned for a report month not in YYYY-MM form
	ErrInvalidMonth = errors.New("invalid month, want YYYY-MM")
)

// BookingStore persists bookings
type BookingStore interface {
	Create(ctx context.Context, b *models.Booking) error
}

// BookingService stores bookings. Items are copied as given; nothing is priced or
// checked against policy.
type BookingService struct {
	store BookingStore
}

// NewBookingService creates a BookingService
func NewBookingService(store BookingStore) *BookingService {
	return &BookingService{store: store}
}

// NewConfirmationID returns "CONF" followed by 16 upper-case hex characters
func NewConfirmationID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "CONF" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// Create books items on behalf of an API key and, when the key is bound to one, a user
func (s *BookingService) Create(ctx context.Context, items []models.BookingItem, apiKeyID, userID *int64) (*models.Booking, error) {
	id, err := NewConfirmationID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate booking id: %w", err)
	}
	if items == nil {
		items = []models.BookingItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, err
	}
	total, currency := models.SumItems(items)

	b := &models.Booking{
		ID:       id,
		UserID:   userID,
		APIKeyID: apiKeyID,
		Items:    raw,
		Total:    total,
		Currency: currency,
		Status:   BookingStatusConfirmed,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// SearchOffers returns ten deterministic mock offers for mode. Every fourth offer,
// starting with the first, is out of policy.
func SearchOffers(mode string) ([]models.Offer, error) {
	var label string
	switch mode {
	case models.ModeFlights:
		label = "Flight"
	case models.ModeHotels:
		label = "Hotel"
	case models.ModeCars:
		label = "Car"
	default:
		return nil, ErrUnknownMode
	}

	offers := make([]models.Offer, 0, 10)
	for i := 0; i < 10; i++ {
		o := models.Offer{
			ID:           fmt.Sprintf("%s-%d", mode, i),
			Mode:         mode,
			Name:         fmt.Sprintf("%s %d", label, i+1),
			Price:        120 + float64(i)*12.5,
			Currency:     "USD",
			PolicyStatus: "in",
		}
		if i%4 == 0 {
			o.PolicyStatus = "out"
		}
		if mode == models.ModeFlights {
			d := "NONSTOP • 2h 10m"
			o.Description = &d
		}
		offers = append(offers, o)
	}
	return offers, nil
}

// ReportStore runs the reporting aggregates
type ReportStore interface {
	SpendByCurrency(ctx context.Context, from, to time.Time) ([]repositories.CurrencySpend, error)
	Compliance(ctx context.Context, from, to time.Time) (repositories.ComplianceCounts, error)
}

// SpendReport is booking spend for one calendar month
type SpendReport struct {
	Month string `json:"month"`
	// Total and Currency describe the largest currency; ByCurrency has all of them
	Total      float64                      `json:"total"`
	Currency   string                       `json:"currency"`
	ByCurrency []repositories.CurrencySpend `json:"by_currency"`
}

// ComplianceReport is the share of booked items inside and outside policy
type ComplianceReport struct {
	Month        string  `json:"month"`
	Items        int     `json:"items"`
	InPolicyRate float64 `json:"inPolicyRate"`
	OOPRate      float64 `json:"oopRate"`
}

// ReportService builds monthly reports
type ReportService struct {
	store ReportStore
	now   func() time.Time
}

// NewReportService creates a ReportService
func NewReportService(store ReportStore) *ReportService {
	return &ReportService{store: store, now: time.Now}
}

// MonthRange parses "YYYY-MM" (empty means the current UTC month) into [start, end)
func MonthRange(month string, now time.Time) (string, time.Time, time.Time, error) {
	var start time.Time
	if month == "" {
		n := now.UTC()
		start = time.Date(n.Year(), n.Month(), 1, 0, 0, 0, 0, time.UTC)
	} else {
		t, err := time.Parse("2006-01", month)
		if err != nil {
			return "", time.Time{}, time.Time{}, ErrInvalidMonth
		}
		start = t
	}
	return start.Format("2006-01"), start, start.AddDate(0, 1, 0), nil
}

// Spend sums bookings made in month
func (s *ReportService) Spend(ctx context.Context, month string) (*SpendReport, error) {
	label, from, to, err := MonthRange(month, s.now())
	if err != nil {
		return nil, err
	}
	rows, err := s.store.SpendByCurrency(ctx, from, to)
	if err != nil {
		return nil, err
	}
	r := &SpendReport{Month: label, Currency: "USD", ByCurrency: rows}
	if len(rows) > 0 {
		r.Total = rows[0].Total
		r.Currency = rows[0].Currency
	}
	return r, nil
}

// Compliance computes policy rates over items booked in month. With no items both
// rates are zero.
func (s *ReportService) Compliance(ctx context.Context, month string) (*ComplianceReport, error) {
	label, from, to, err := MonthRange(month, s.now())
	if err != nil {
		return nil, err
	}
	c, err := s.store.Compliance(ctx, from, to)
	if err != nil {
		return nil, err
	}
	r := &ComplianceReport{Month: label, Items: c.Total}
	if c.Total > 0 {
		r.InPolicyRate = float64(c.InPolicy) / float64(c.Total)
		r.OOPRate = 1 - r.InPolicyRate
	}
	return r, nil
}
