// Package models - audit_log.go defines the AuditLog model for recording security-relevant
// events, capturing the acting credential, action, affected resource, client IP, and metadata.
package models

import "time"

// AuditLog represents an audit log entry for tracking mutations
type AuditLog struct {
	ID           string
	APIKeyID     *int64 // Nullable for unauthenticated actions such as bootstrap
	UserID       *int64
	Action       string                 // "POST /api-keys/generate", "PUT /travelers/:id"
	ResourceType *string                // "api_key", "policy", "booking", "traveler", "delegation"
	ResourceID   *string                // ID of affected resource
	Metadata     map[string]interface{} // JSONB: additional context
	IPAddress    *string
	CreatedAt    time.Time
}
