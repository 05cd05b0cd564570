// Package models defines the database model types for the travel API.
// Models are pure data types: business logic belongs in the service layer and
// query logic belongs in the repositories layer.
package models

import "time"

// APIKey is a machine-client credential pair with its permission set and hourly quota
type APIKey struct {
	ID        int64
	AppName   string
	APIKey    string // Public identifier, unique ("ak_..." form)
	APISecret string // Sealed with crypto.SecretCipher; never serialised
	IsActive  bool
	// Permissions are matched by exact string membership, e.g. ["bookings", "trips"]
	Permissions []string
	// RateLimit is the number of requests allowed per rolling window
	RateLimit int
	UserID    *int64 // Optional owning user
	CreatedAt time.Time
	UpdatedAt time.Time
	LastUsed  *time.Time
	// QuotaNotificationSentAt is set when a quota warning email was sent
	QuotaNotificationSentAt *time.Time
}

// HasPermission reports whether p is an exact member of the key's permission set.
func (k *APIKey) HasPermission(p string) bool {
	for _, have := range k.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// APIKeyUsage is one row of the append-only usage ledger
type APIKeyUsage struct {
	ID        int64
	APIKeyID  int64
	Endpoint  string
	Method    string
	IPAddress string
	UserAgent string
	CreatedAt time.Time
}
