// Package middleware provides Gin HTTP middleware for API key authentication, the
// permission gate, pre-auth throttling, security headers, and audit logging.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Security → Throttle → APIKeyAuth → Audit → RequirePermissions → Handler
//
// Security headers run first so they appear on all responses including errors.
// The IP throttle runs before credential checks so brute force is refused before any
// DB work. APIKeyAuth stores the key and its permissions in the context; the gate
// reads them. Audit is installed on the authenticated group ahead of the per-route
// gate, but it records after c.Next() returns, so it still sees the final status,
// including a 403 from the gate.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/auth"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/services"
)

// Context keys set by the authentication middleware
const (
	ContextKeyAPIKey      = "api_key"
	ContextKeyAPIKeyID    = "api_key_id"
	ContextKeyPermissions = "permissions"
	ContextKeyAuthMethod  = "auth_method"
	ContextKeyUserID      = "user_id"
	ContextKeyUserEmail   = "user_email"
	ContextKeyUserRole    = "user_role"
	ContextKeyRemaining   = "rate_limit_remaining"
)

// APIKeyAuthenticator validates a bearer header and records the request
type APIKeyAuthenticator interface {
	Authenticate(ctx context.Context, header string, info services.RequestInfo) (*services.Principal, error)
}

// APIKeyAuth requires "Authorization: Bearer <api_key>:<api_secret>". On success the
// key, its id and permissions are stored in the context and X-RateLimit-* headers are
// set. Unauthenticated requests get 401 and over-quota keys 429 with Retry-After.
func APIKeyAuth(authn APIKeyAuthenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		p, err := authn.Authenticate(c.Request.Context(), c.GetHeader("Authorization"), services.RequestInfo{
			Endpoint:  c.Request.URL.Path,
			Method:    c.Request.Method,
			IPAddress: c.ClientIP(),
			UserAgent: c.Request.UserAgent(),
		})
		if err != nil {
			var rl *services.RateLimitError
			switch {
			case errors.As(err, &rl):
				c.Header("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
				c.Header("X-RateLimit-Remaining", "0")
				c.Header("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
				c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
					"error": services.ErrRateLimited.Error(),
				})
			case errors.Is(err, services.ErrUnauthenticated):
				c.Header("WWW-Authenticate", `Bearer realm="api"`)
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": err.Error(),
				})
			default:
				slog.Error("api key authentication failed", "error", err, "path", c.Request.URL.Path)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "Authentication failed",
				})
			}
			return
		}

		c.Set(ContextKeyAPIKey, p.Key)
		c.Set(ContextKeyAPIKeyID, p.Key.ID)
		c.Set(ContextKeyPermissions, p.Key.Permissions)
		c.Set(ContextKeyAuthMethod, "api_key")
		c.Set(ContextKeyRemaining, p.Remaining)
		if p.Key.UserID != nil {
			c.Set(ContextKeyUserID, *p.Key.UserID)
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(p.Key.RateLimit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(p.Remaining))

		c.Next()
	}
}

// SessionAuth requires a user session token ("Authorization: Bearer <jwt>") issued by
// /auth/login or /auth/register.
func SessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Missing authorization header",
			})
			return
		}
		if len(header) < 7 || !strings.EqualFold(header[:7], "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authorization header must start with 'Bearer '",
			})
			return
		}

		claims, err := auth.ValidateJWT(strings.TrimSpace(header[7:]))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or expired token",
			})
			return
		}

		c.Set(ContextKeyUserID, claims.UserID)
		c.Set(ContextKeyUserEmail, claims.Email)
		c.Set(ContextKeyUserRole, claims.Role)
		c.Set(ContextKeyAuthMethod, "jwt")
		c.Next()
	}
}

// CurrentAPIKey returns the key stored by APIKeyAuth
func CurrentAPIKey(c *gin.Context) (*models.APIKey, bool) {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil, false
	}
	k, ok := v.(*models.APIKey)
	return k, ok && k != nil
}

// CurrentUserID returns the user bound to the request, from a session or a user-bound key
func CurrentUserID(c *gin.Context) (int64, bool) {
	v, ok := c.Get(ContextKeyUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(int64)
	return id, ok
}
