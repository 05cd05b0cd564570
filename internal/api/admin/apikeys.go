// Package admin implements the account-facing HTTP handlers: API key lifecycle,
// user login and registration, traveler management and the audit log. Except for
// bootstrap and the /auth routes, every handler here runs behind APIKeyAuth and the
// permission gate (see internal/middleware).
package admin

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/crypto"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/services"
	"github.com/laasy/corptravel/internal/validation"
)

const (
	defaultUsageLimit = 50
	maxUsageLimit     = 500
)

// APIKeyHandlers handles API key management endpoints
type APIKeyHandlers struct {
	cfg   *config.Config
	keys  *services.APIKeyService
	authn *services.Authenticator
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(cfg *config.Config, db *sql.DB, cipher *crypto.SecretCipher) *APIKeyHandlers {
	keyRepo := repositories.NewAPIKeyRepository(db)
	usageRepo := repositories.NewUsageRepository(db)
	return &APIKeyHandlers{
		cfg: cfg,
		keys: services.NewAPIKeyService(keyRepo, usageRepo, cipher,
			cfg.Auth.APIKeys.DefaultRateLimit, cfg.Auth.APIKeys.BootstrapRateLimit),
		authn: services.NewAuthenticator(keyRepo, usageRepo, cipher, cfg.Auth.APIKeys.Window),
	}
}

// Authenticator returns the credential checker shared with APIKeyAuth, so the
// status endpoint and the middleware count usage over the same window.
func (h *APIKeyHandlers) Authenticator() *services.Authenticator {
	return h.authn
}

// BootstrapRequest names the first admin key. The body is optional.
type BootstrapRequest struct {
	AppName string `json:"app_name" form:"app_name" binding:"omitempty,app_name"`
}

// GenerateAPIKeyRequest is the body (or query string) of POST /api-keys/generate
type GenerateAPIKeyRequest struct {
	AppName     string   `json:"app_name" form:"app_name" binding:"required,app_name"`
	Permissions []string `json:"permissions" form:"permissions" binding:"dive,permission"`
	RateLimit   int      `json:"rate_limit" form:"rate_limit" binding:"gte=0"`
	UserID      *int64   `json:"user_id" form:"user_id"`
}

// bindBodyOrQuery binds JSON when the request has a body and the query string otherwise
func bindBodyOrQuery(c *gin.Context, obj any) error {
	if c.Request.ContentLength != 0 {
		return c.ShouldBindJSON(obj)
	}
	return c.ShouldBindQuery(obj)
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func issuedKeyResponse(issued *services.IssuedKey) gin.H {
	k := issued.Key
	return gin.H{
		"id":          k.ID,
		"app_name":    k.AppName,
		"api_key":     k.APIKey,
		"api_secret":  issued.Secret,
		"permissions": k.Permissions,
		"rate_limit":  k.RateLimit,
		"user_id":     k.UserID,
		"created_at":  formatTime(&k.CreatedAt),
		"warning":     services.SecretWarning,
	}
}

// keyResponse is the metadata view of a key. The secret is never included.
func keyResponse(k *models.APIKey) gin.H {
	return gin.H{
		"id":          k.ID,
		"app_name":    k.AppName,
		"api_key":     k.APIKey,
		"is_active":   k.IsActive,
		"permissions": k.Permissions,
		"rate_limit":  k.RateLimit,
		"user_id":     k.UserID,
		"created_at":  formatTime(&k.CreatedAt),
		"last_used":   formatTime(k.LastUsed),
	}
}

func parseKeyID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid API key ID",
		})
		return 0, false
	}
	return id, true
}

// keyError answers a lifecycle failure: 404 for an unknown key, 500 otherwise
func keyError(c *gin.Context, err error, op string) {
	if errors.Is(err, services.ErrAPIKeyNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": services.ErrAPIKeyNotFound.Error(),
		})
		return
	}
	slog.Error("api key operation failed", "op", op, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Failed to " + op + " API key",
	})
}

// BootstrapHandler creates the first admin key while the store is empty
// POST /api-keys/bootstrap
func (h *APIKeyHandlers) BootstrapHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req BootstrapRequest
		if err := bindBodyOrQuery(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		issued, err := h.keys.Bootstrap(c.Request.Context(), req.AppName)
		if errors.Is(err, services.ErrBootstrapConflict) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		}
		if err != nil {
			slog.Error("bootstrap failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create bootstrap key",
			})
			return
		}

		c.Set(middleware.ContextKeyAuditResourceID, strconv.FormatInt(issued.Key.ID, 10))
		c.JSON(http.StatusOK, issuedKeyResponse(issued))
	}
}

// GenerateHandler issues a key with caller-chosen permissions and quota
// POST /api-keys/generate
func (h *APIKeyHandlers) GenerateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req GenerateAPIKeyRequest
		if err := bindBodyOrQuery(c, &req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		issued, err := h.keys.Generate(c.Request.Context(), services.GenerateRequest{
			AppName:     req.AppName,
			Permissions: req.Permissions,
			RateLimit:   req.RateLimit,
			UserID:      req.UserID,
		})
		if err != nil {
			slog.Error("api key generation failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to generate API key",
			})
			return
		}

		c.Set(middleware.ContextKeyAuditResourceID, strconv.FormatInt(issued.Key.ID, 10))
		c.JSON(http.StatusOK, issuedKeyResponse(issued))
	}
}

// ListHandler returns every key, newest first
// GET /api-keys/
func (h *APIKeyHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := h.keys.List(c.Request.Context())
		if err != nil {
			keyError(c, err, "list")
			return
		}

		resp := make([]gin.H, 0, len(keys))
		for _, k := range keys {
			resp = append(resp, keyResponse(k))
		}
		c.JSON(http.StatusOK, resp)
	}
}

// GetHandler returns one key's metadata
// GET /api-keys/:id
func (h *APIKeyHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseKeyID(c)
		if !ok {
			return
		}
		k, err := h.keys.Get(c.Request.Context(), id)
		if err != nil {
			keyError(c, err, "retrieve")
			return
		}
		c.JSON(http.StatusOK, keyResponse(k))
	}
}

// ToggleHandler flips a key between active and inactive
// PUT /api-keys/:id/toggle
func (h *APIKeyHandlers) ToggleHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseKeyID(c)
		if !ok {
			return
		}
		k, err := h.keys.Toggle(c.Request.Context(), id)
		if err != nil {
			keyError(c, err, "toggle")
			return
		}

		msg := "API key deactivated"
		if k.IsActive {
			msg = "API key activated"
		}
		c.JSON(http.StatusOK, gin.H{
			"id":        k.ID,
			"app_name":  k.AppName,
			"is_active": k.IsActive,
			"message":   msg,
		})
	}
}

// DeleteHandler hard-deletes a key
// DELETE /api-keys/:id
func (h *APIKeyHandlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseKeyID(c)
		if !ok {
			return
		}
		if err := h.keys.Delete(c.Request.Context(), id); err != nil {
			keyError(c, err, "delete")
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "API key deleted successfully",
		})
	}
}

// MyStatusHandler reports the calling key and its window usage
// GET /api-keys/my/status
func (h *APIKeyHandlers) MyStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		k, ok := middleware.CurrentAPIKey(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Missing API credentials",
			})
			return
		}

		used, left, err := h.authn.Usage(c.Request.Context(), k)
		if err != nil {
			slog.Error("failed to read key usage", "api_key_id", k.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to read API key usage",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":                 k.ID,
			"app_name":           k.AppName,
			"api_key":            k.APIKey,
			"permissions":        k.Permissions,
			"rate_limit":         k.RateLimit,
			"is_active":          k.IsActive,
			"last_used":          formatTime(k.LastUsed),
			"requests_in_window": used,
			"remaining":          left,
			"window_seconds":     int(h.authn.Window().Seconds()),
		})
	}
}

// UsageHandler lists the most recent ledger rows for a key
// GET /api-keys/:id/usage?limit=N
func (h *APIKeyHandlers) UsageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := parseKeyID(c)
		if !ok {
			return
		}

		limit := defaultUsageLimit
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": "limit must be a positive integer",
				})
				return
			}
			limit = min(n, maxUsageLimit)
		}

		rows, err := h.keys.History(c.Request.Context(), id, limit)
		if err != nil {
			keyError(c, err, "read usage for")
			return
		}

		resp := make([]gin.H, 0, len(rows))
		for _, u := range rows {
			resp = append(resp, gin.H{
				"id":         u.ID,
				"endpoint":   u.Endpoint,
				"method":     u.Method,
				"ip_address": u.IPAddress,
				"user_agent": u.UserAgent,
				"created_at": formatTime(&u.CreatedAt),
			})
		}
		c.JSON(http.StatusOK, gin.H{
			"api_key_id": id,
			"usage":      resp,
		})
	}
}
