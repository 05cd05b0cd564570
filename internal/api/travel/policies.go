// Package travel implements the corporate travel HTTP handlers: policies, bookings,
// trips, offer search and reports. All routes run behind APIKeyAuth; write routes
// additionally require the matching permission (see api/router.go).
package travel

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/validation"
)

// CreatePolicyRequest is the body of POST /policies. Rules are stored as given and
// never evaluated.
type CreatePolicyRequest struct {
	Name  string              `json:"name" binding:"required,max=255"`
	Rules []models.PolicyRule `json:"rules" binding:"dive"`
}

// ListPoliciesHandler lists every policy
// GET /policies
func ListPoliciesHandler(db *sqlx.DB) gin.HandlerFunc {
	policyRepo := repositories.NewPolicyRepository(db)

	return func(c *gin.Context) {
		policies, err := policyRepo.List(c.Request.Context())
		if err != nil {
			slog.Error("failed to list policies", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list policies",
			})
			return
		}
		c.JSON(http.StatusOK, policies)
	}
}

// CreatePolicyHandler saves a draft policy; its rules are stored, not evaluated
// POST /policies
func CreatePolicyHandler(db *sqlx.DB) gin.HandlerFunc {
	policyRepo := repositories.NewPolicyRepository(db)

	return func(c *gin.Context) {
		var req CreatePolicyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		rules := req.Rules
		if rules == nil {
			rules = []models.PolicyRule{}
		}
		raw, err := json.Marshal(rules)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid rules",
			})
			return
		}

		p := &models.Policy{Name: req.Name, Rules: raw, Status: models.PolicyStatusDraft}
		if err := policyRepo.Create(c.Request.Context(), p); err != nil {
			slog.Error("failed to create policy", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create policy",
			})
			return
		}

		c.Set(middleware.ContextKeyAuditResourceID, strconv.FormatInt(p.ID, 10))
		c.JSON(http.StatusOK, p)
	}
}

// PublishPolicyHandler marks a policy as published
// POST /policies/:id/publish
func PublishPolicyHandler(db *sqlx.DB) gin.HandlerFunc {
	policyRepo := repositories.NewPolicyRepository(db)

	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || id <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid policy ID",
			})
			return
		}

		p, err := policyRepo.Publish(c.Request.Context(), id)
		if err != nil {
			slog.Error("failed to publish policy", "id", id, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to publish policy",
			})
			return
		}
		if p == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Policy not found",
			})
			return
		}

		c.JSON(http.StatusOK, p)
	}
}
