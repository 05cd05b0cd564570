// audit.go implements read access to the audit log for admin keys.
package admin

import (
	"database/sql"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
)

// AuditHandlers handles audit log endpoints
type AuditHandlers struct {
	auditRepo *repositories.AuditRepository
}

// NewAuditHandlers creates a new AuditHandlers instance
func NewAuditHandlers(db *sql.DB) *AuditHandlers {
	return &AuditHandlers{
		auditRepo: repositories.NewAuditRepository(db),
	}
}

func auditResponse(l *models.AuditLog) gin.H {
	return gin.H{
		"id":            l.ID,
		"api_key_id":    l.APIKeyID,
		"user_id":       l.UserID,
		"action":        l.Action,
		"resource_type": l.ResourceType,
		"resource_id":   l.ResourceID,
		"metadata":      l.Metadata,
		"ip_address":    l.IPAddress,
		"created_at":    l.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// parseAuditFilters reads api_key_id, action, resource_type, start and end (RFC3339)
func parseAuditFilters(c *gin.Context) (repositories.AuditFilters, string) {
	var f repositories.AuditFilters
	if v := c.Query("api_key_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return f, "api_key_id must be an integer"
		}
		f.APIKeyID = &id
	}
	if v := c.Query("action"); v != "" {
		f.Action = &v
	}
	if v := c.Query("resource_type"); v != "" {
		f.ResourceType = &v
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"start", &f.StartDate}, {"end", &f.EndDate}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, p.name + " must be an RFC3339 timestamp"
		}
		*p.dst = &t
	}
	return f, ""
}

// ListAuditLogsHandler pages through audit entries with optional filters
// GET /audit-logs
func (h *AuditHandlers) ListAuditLogsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
		perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "20"))
		if page < 1 {
			page = 1
		}
		if perPage < 1 || perPage > 100 {
			perPage = 20
		}

		filters, msg := parseAuditFilters(c)
		if msg != "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": msg,
			})
			return
		}

		logs, total, err := h.auditRepo.ListAuditLogs(c.Request.Context(), filters, perPage, (page-1)*perPage)
		if err != nil {
			slog.Error("failed to list audit logs", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list audit logs",
			})
			return
		}

		resp := make([]gin.H, 0, len(logs))
		for _, l := range logs {
			resp = append(resp, auditResponse(l))
		}
		c.JSON(http.StatusOK, gin.H{
			"logs": resp,
			"pagination": gin.H{
				"page":     page,
				"per_page": perPage,
				"total":    total,
			},
		})
	}
}

// GetAuditLogHandler returns one audit entry
// GET /audit-logs/:id
func (h *AuditHandlers) GetAuditLogHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := uuid.Parse(c.Param("id")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid audit log ID",
			})
			return
		}
		l, err := h.auditRepo.GetAuditLog(c.Request.Context(), c.Param("id"))
		if err != nil {
			slog.Error("failed to load audit log", "id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve audit log",
			})
			return
		}
		if l == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Audit log not found",
			})
			return
		}
		c.JSON(http.StatusOK, auditResponse(l))
	}
}
