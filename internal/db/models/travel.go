// Package models - travel.go defines policies, bookings, trips and arranger delegations.
package models

import (
	"encoding/json"
	"time"
)

// Policy statuses
const (
	PolicyStatusDraft     = "draft"
	PolicyStatusPublished = "published"
)

// Policy is a named set of travel rules. Rules are stored, not evaluated.
type Policy struct {
	ID        int64           `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Rules     json.RawMessage `db:"rules" json:"rules"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// PolicyRule is one stored rule, e.g. {"key":"price","op":"<=","value":"500"}
type PolicyRule struct {
	Key   string `json:"key" binding:"required"`
	Op    string `json:"op" binding:"required,oneof=<= < >= > == in"`
	Value string `json:"value"`
}

// Offer modes
const (
	ModeFlights = "flights"
	ModeHotels  = "hotels"
	ModeCars    = "cars"
)

// BookingItem is a single offer copied into a booking
type BookingItem struct {
	ID           string  `json:"id" binding:"required"`
	Mode         string  `json:"mode" binding:"required,oneof=flights hotels cars"`
	Price        float64 `json:"price" binding:"gte=0"`
	Currency     string  `json:"currency,omitempty" binding:"omitempty,currency"`
	PolicyStatus string  `json:"policyStatus,omitempty" binding:"omitempty,oneof=in out"`
}

// Booking stores the items a client booked together
type Booking struct {
	ID        string          `db:"id" json:"id"`
	UserID    *int64          `db:"user_id" json:"user_id,omitempty"`
	APIKeyID  *int64          `db:"api_key_id" json:"api_key_id,omitempty"`
	Items     json.RawMessage `db:"items" json:"items"`
	Total     float64         `db:"total" json:"total"`
	Currency  string          `db:"currency" json:"currency"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}

// SumItems returns the total price of items and the currency of the first item.
// An empty list totals zero in USD.
func SumItems(items []BookingItem) (float64, string) {
	currency := "USD"
	if len(items) > 0 && items[0].Currency != "" {
		currency = items[0].Currency
	}
	var total float64
	for _, it := range items {
		total += it.Price
	}
	return total, currency
}

// Trip statuses
const (
	TripStatusUpcoming  = "upcoming"
	TripStatusCompleted = "completed"
	TripStatusCanceled  = "canceled"
)

// Trip is a traveler itinerary, optionally linked to a booking
type Trip struct {
	ID        int64           `db:"id" json:"id"`
	UserID    *int64          `db:"user_id" json:"user_id,omitempty"`
	BookingID *string         `db:"booking_id" json:"booking_id,omitempty"`
	Title     string          `db:"title" json:"title"`
	Segments  json.RawMessage `db:"segments" json:"segments"`
	StartDate time.Time       `db:"start_date" json:"startDate"`
	EndDate   time.Time       `db:"end_date" json:"endDate"`
	Status    string          `db:"status" json:"status"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	// Joined from users
	Traveler *string `db:"traveler" json:"traveler,omitempty"`
}

// Delegation lets an arranger act for a traveler
type Delegation struct {
	ID         int64     `db:"id" json:"id"`
	ArrangerID int64     `db:"arranger_id" json:"arranger_id"`
	TravelerID int64     `db:"traveler_id" json:"traveler_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Offer is a bookable search result
type Offer struct {
	ID           string  `json:"id"`
	Mode         string  `json:"mode"`
	Name         string  `json:"name"`
	Description  *string `json:"description,omitempty"`
	Price        float64 `json:"price"`
	Currency     string  `json:"currency"`
	PolicyStatus string  `json:"policyStatus"`
}
