// audit.go records authenticated mutations in the audit_logs table and ships them to the
// configured audit destinations.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/audit"
	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/safego"
)

// ContextKeyAuditResourceID lets a handler name the resource it created or changed
const ContextKeyAuditResourceID = "audit_resource_id"

// AuditWriter persists audit rows
type AuditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// resourceTypes maps the first path segment to the audited resource type
var resourceTypes = map[string]string{
	"api-keys":  "api_key",
	"policies":  "policy",
	"bookings":  "booking",
	"travelers": "traveler",
	"arranger":  "delegation",
	"auth":      "user",
}

// ResourceTypeForPath returns the audit resource type for a request path, or ""
func ResourceTypeForPath(path string) string {
	seg := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(seg, '/'); i >= 0 {
		seg = seg[:i]
	}
	return resourceTypes[seg]
}

// AuditMiddleware writes one audit record per audited request after the handler has
// run. By default only successful writes are recorded; cfg can add reads and failures.
// Writes happen off the request goroutine so a slow database never delays a response.
func AuditMiddleware(writer AuditWriter, shipper audit.Shipper, cfg config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		method := c.Request.Method
		if method == http.MethodOptions || method == http.MethodHead {
			return
		}
		status := c.Writer.Status()
		if method == http.MethodGet && !cfg.LogReadOperations {
			return
		}
		if status >= 400 && !cfg.LogFailedRequests {
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		entry := &audit.LogEntry{
			Timestamp:    time.Now().UTC(),
			Action:       method + " " + route,
			RequestID:    GetRequestID(c),
			ResourceType: ResourceTypeForPath(c.Request.URL.Path),
			ResourceID:   c.GetString(ContextKeyAuditResourceID),
			IPAddress:    c.ClientIP(),
			AuthMethod:   c.GetString(ContextKeyAuthMethod),
			StatusCode:   status,
			Metadata:     map[string]interface{}{"status_code": status},
		}
		if entry.ResourceID == "" {
			entry.ResourceID = c.Param("id")
		}
		if id, ok := c.Get(ContextKeyAPIKeyID); ok {
			entry.APIKeyID, _ = id.(int64)
		}
		if uid, ok := CurrentUserID(c); ok {
			entry.UserID = uid
		}
		if entry.AuthMethod != "" {
			entry.Metadata["auth_method"] = entry.AuthMethod
		}
		if entry.RequestID != "" {
			entry.Metadata["request_id"] = entry.RequestID
		}

		safego.Go("audit-record", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			recordAudit(ctx, writer, shipper, entry)
		})
	}
}

func recordAudit(ctx context.Context, writer AuditWriter, shipper audit.Shipper, entry *audit.LogEntry) {
	if writer != nil {
		if err := writer.CreateAuditLog(ctx, auditRow(entry)); err != nil {
			slog.Error("failed to write audit log", "action", entry.Action, "error", err)
		}
	}
	if shipper != nil {
		if err := shipper.Ship(ctx, entry); err != nil {
			slog.Warn("failed to ship audit log", "action", entry.Action, "error", err)
		}
	}
}

func auditRow(e *audit.LogEntry) *models.AuditLog {
	row := &models.AuditLog{
		Action:    e.Action,
		Metadata:  e.Metadata,
		CreatedAt: e.Timestamp,
	}
	if e.APIKeyID != 0 {
		id := e.APIKeyID
		row.APIKeyID = &id
	}
	if e.UserID != 0 {
		uid := e.UserID
		row.UserID = &uid
	}
	if e.ResourceType != "" {
		rt := e.ResourceType
		row.ResourceType = &rt
	}
	if e.ResourceID != "" {
		rid := e.ResourceID
		row.ResourceID = &rid
	}
	if e.IPAddress != "" {
		ip := e.IPAddress
		row.IPAddress = &ip
	}
	return row
}
