// Package auth - permissions.go defines the permission vocabulary carried by API keys and
// the exact-membership check used by the permission gate. There is no hierarchy: "admin"
// does not imply any other permission.
package auth

// Permission names
const (
	PermAdmin    = "admin"
	PermUsers    = "users"
	PermPolicies = "policies"
	PermBookings = "bookings"
	PermTrips    = "trips"
	PermReports  = "reports"
)

// AdminPermissions is the full set granted to the bootstrap key
func AdminPermissions() []string {
	return []string{PermAdmin, PermUsers, PermPolicies, PermBookings, PermTrips, PermReports}
}

// UserPermissions is the set suited to a traveler-facing client
func UserPermissions() []string {
	return []string{PermBookings, PermTrips}
}

// ReadonlyPermissions is the set suited to a read-only integration
func ReadonlyPermissions() []string {
	return []string{PermPolicies, PermTrips}
}

// PermissionSets maps preset names to their permission lists
func PermissionSets() map[string][]string {
	return map[string][]string{
		"admin":    AdminPermissions(),
		"user":     UserPermissions(),
		"readonly": ReadonlyPermissions(),
	}
}

// HasAll reports whether every required permission is an exact member of have.
// An empty have satisfies no requirement; an empty required list is always satisfied.
func HasAll(have []string, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, p := range have {
		set[p] = struct{}{}
	}
	for _, r := range required {
		if _, ok := set[r]; !ok {
			return false
		}
	}
	return true
}

// NormalizePermissions drops duplicates while preserving order
func NormalizePermissions(perms []string) []string {
	out := make([]string, 0, len(perms))
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
