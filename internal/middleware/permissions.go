// permissions.go implements the permission gate. Permissions are exact strings on the
// API key; there is no hierarchy, so "admin" does not imply "bookings".
package middleware

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/auth"
)

// RequirePermissions aborts with 403 unless the authenticated key holds every
// permission listed. It must run after APIKeyAuth.
func RequirePermissions(required ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		v, exists := c.Get(ContextKeyPermissions)
		if !exists {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		have, ok := v.([]string)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Invalid permissions format",
			})
			return
		}

		if !auth.HasAll(have, required...) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": fmt.Sprintf("Missing required permissions: %v", required),
			})
			return
		}

		c.Next()
	}
}
