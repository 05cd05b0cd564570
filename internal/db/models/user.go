// Package models - user.go defines the User model for travel platform accounts.
package models

import (
	"encoding/json"
	"time"
)

// Roles a user can hold. The role is stored explicitly on the user row.
const (
	RoleOrgAdmin      = "OrgAdmin"
	RoleTraveler      = "Traveler"
	RoleArranger      = "Arranger"
	RoleTravelManager = "TravelManager"
)

// ValidRole reports whether r is one of the known user roles.
func ValidRole(r string) bool {
	switch r {
	case RoleOrgAdmin, RoleTraveler, RoleArranger, RoleTravelManager:
		return true
	}
	return false
}

// User represents a user in the system
type User struct {
	ID           int64           `db:"id" json:"id"`
	Email        string          `db:"email" json:"email"`
	Name         *string         `db:"name" json:"name,omitempty"`
	PasswordHash *string         `db:"password_hash" json:"-"`
	Role         string          `db:"role" json:"role"`
	Profile      json.RawMessage `db:"profile" json:"profile,omitempty"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at" json:"updated_at"`
}
