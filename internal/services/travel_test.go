package services

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memBookings struct {
	saved []*models.Booking
	err   error
}

func (m *memBookings) Create(_ context.Context, b *models.Booking) error {
	if m.err != nil {
		return m.err
	}
	b.CreatedAt = time.Now()
	m.saved = append(m.saved, b)
	return nil
}

var confirmationRe = regexp.MustCompile(`^CONF[0-9A-F]{16}$`)

func TestNewConfirmationID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := NewConfirmationID()
		require.NoError(t, err)
		assert.Regexp(t, confirmationRe, id)
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestBookingService_Create(t *testing.T) {
	store := &memBookings{}
	svc := NewBookingService(store)
	keyID, userID := int64(3), int64(8)

	b, err := svc.Create(context.Background(), []models.BookingItem{
		{ID: "flights-1", Mode: models.ModeFlights, Price: 132.5, Currency: "EUR"},
		{ID: "hotels-2", Mode: models.ModeHotels, Price: 145},
	}, &keyID, &userID)
	require.NoError(t, err)

	assert.Regexp(t, confirmationRe, b.ID)
	assert.Equal(t, 277.5, b.Total)
	assert.Equal(t, "EUR", b.Currency)
	assert.Equal(t, BookingStatusConfirmed, b.Status)
	assert.Equal(t, &keyID, b.APIKeyID)

	var items []models.BookingItem
	require.NoError(t, json.Unmarshal(b.Items, &items))
	assert.Len(t, items, 2)
	assert.Len(t, store.saved, 1)
}

func TestBookingService_Empty(t *testing.T) {
	b, err := NewBookingService(&memBookings{}).Create(context.Background(), nil, nil, nil)
	require.NoError(t, err)
	assert.Zero(t, b.Total)
	assert.Equal(t, "USD", b.Currency)
	assert.JSONEq(t, `[]`, string(b.Items))
}

func TestBookingService_StoreError(t *testing.T) {
	_, err := NewBookingService(&memBookings{err: errors.New("boom")}).Create(context.Background(), nil, nil, nil)
	assert.Error(t, err)
}

func TestSearchOffers(t *testing.T) {
	for _, mode := range []string{models.ModeFlights, models.ModeHotels, models.ModeCars} {
		offers, err := SearchOffers(mode)
		require.NoError(t, err)
		require.Len(t, offers, 10)
		assert.Equal(t, mode+"-0", offers[0].ID)
		assert.Equal(t, 120.0, offers[0].Price)
		assert.Equal(t, 232.5, offers[9].Price)
		assert.Equal(t, "out", offers[0].PolicyStatus)
		assert.Equal(t, "in", offers[1].PolicyStatus)
		assert.Equal(t, "out", offers[8].PolicyStatus)
		assert.Equal(t, mode == models.ModeFlights, offers[0].Description != nil)
	}

	_, err := SearchOffers("trains")
	assert.ErrorIs(t, err, ErrUnknownMode)
}

func TestSearchOffers_Deterministic(t *testing.T) {
	a, _ := SearchOffers(models.ModeHotels)
	b, _ := SearchOffers(models.ModeHotels)
	assert.Equal(t, a, b)
	assert.Equal(t, "Hotel 1", a[0].Name)
}

type fakeReports struct {
	from, to   time.Time
	spend      []repositories.CurrencySpend
	compliance repositories.ComplianceCounts
}

func (f *fakeReports) SpendByCurrency(_ context.Context, from, to time.Time) ([]repositories.CurrencySpend, error) {
	f.from, f.to = from, to
	return f.spend, nil
}

func (f *fakeReports) Compliance(_ context.Context, from, to time.Time) (repositories.ComplianceCounts, error) {
	f.from, f.to = from, to
	return f.compliance, nil
}

func TestMonthRange(t *testing.T) {
	now := time.Date(2025, 10, 17, 9, 0, 0, 0, time.UTC)

	label, from, to, err := MonthRange("", now)
	require.NoError(t, err)
	assert.Equal(t, "2025-10", label)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2025, 11, 1, 0, 0, 0, 0, time.UTC), to)

	_, from, to, err = MonthRange("2024-12", now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), to)
	assert.Equal(t, 12, int(from.Month()))

	_, _, _, err = MonthRange("12/2024", now)
	assert.ErrorIs(t, err, ErrInvalidMonth)
}

func TestReportService_Spend(t *testing.T) {
	store := &fakeReports{spend: []repositories.CurrencySpend{
		{Currency: "USD", Total: 1250.5, Bookings: 4},
		{Currency: "EUR", Total: 300, Bookings: 1},
	}}
	r, err := NewReportService(store).Spend(context.Background(), "2025-10")
	require.NoError(t, err)
	assert.Equal(t, "2025-10", r.Month)
	assert.Equal(t, 1250.5, r.Total)
	assert.Equal(t, "USD", r.Currency)
	assert.Len(t, r.ByCurrency, 2)
	assert.Equal(t, time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC), store.from)
}

func TestReportService_SpendEmpty(t *testing.T) {
	r, err := NewReportService(&fakeReports{}).Spend(context.Background(), "2025-10")
	require.NoError(t, err)
	assert.Zero(t, r.Total)
	assert.Equal(t, "USD", r.Currency)
}

func TestReportService_Compliance(t *testing.T) {
	svc := NewReportService(&fakeReports{compliance: repositories.ComplianceCounts{InPolicy: 3, Total: 4}})
	r, err := svc.Compliance(context.Background(), "2025-10")
	require.NoError(t, err)
	assert.Equal(t, 4, r.Items)
	assert.InDelta(t, 0.75, r.InPolicyRate, 1e-9)
	assert.InDelta(t, 0.25, r.OOPRate, 1e-9)

	r, err = NewReportService(&fakeReports{}).Compliance(context.Background(), "")
	require.NoError(t, err)
	assert.Zero(t, r.InPolicyRate)
	assert.Zero(t, r.OOPRate)

	_, err = svc.Compliance(context.Background(), "bad")
	assert.ErrorIs(t, err, ErrInvalidMonth)
}
