// users.go implements traveler management and arranger delegation handlers.
package admin

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/services"
	"github.com/laasy/corptravel/internal/validation"
)

// UserHandlers handles traveler and arranger endpoints
type UserHandlers struct {
	userRepo       *repositories.UserRepository
	delegationRepo *repositories.DelegationRepository
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(db *sqlx.DB) *UserHandlers {
	return &UserHandlers{
		userRepo:       repositories.NewUserRepository(db),
		delegationRepo: repositories.NewDelegationRepository(db),
	}
}

// UpdateTravelerRequest changes a traveler's email and/or role
type UpdateTravelerRequest struct {
	Email *string `json:"email" binding:"omitempty,email"`
	Role  *string `json:"role" binding:"omitempty,user_role"`
}

// DelegateRequest grants an arranger access to a traveler. ArrangerID defaults to
// the user bound to the calling key.
type DelegateRequest struct {
	ArrangerID *int64 `json:"arranger_id"`
	TravelerID int64  `json:"traveler_id" binding:"required,gt=0"`
}

func travelerResponse(u *models.User) gin.H {
	name := services.DisplayNameFromEmail(u.Email)
	if u.Name != nil && *u.Name != "" {
		name = *u.Name
	}
	return gin.H{
		"id":    strconv.FormatInt(u.ID, 10),
		"name":  name,
		"email": u.Email,
		"role":  u.Role,
		"loyalty": gin.H{
			"air":   "",
			"hotel": "",
			"car":   "",
		},
	}
}

func travelerList(users []*models.User) []gin.H {
	resp := make([]gin.H, 0, len(users))
	for _, u := range users {
		resp = append(resp, travelerResponse(u))
	}
	return resp
}

// lookupTraveler loads the user named by the :id path parameter, answering 400 or 404
// itself when it returns nil
func (h *UserHandlers) lookupTraveler(c *gin.Context) *models.User {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid traveler ID",
		})
		return nil
	}
	u, err := h.userRepo.GetByID(c.Request.Context(), id)
	if err != nil {
		slog.Error("failed to load traveler", "id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to retrieve traveler",
		})
		return nil
	}
	if u == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Traveler not found",
		})
		return nil
	}
	return u
}

// ListTravelersHandler lists every user
// GET /travelers
func (h *UserHandlers) ListTravelersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		users, err := h.userRepo.List(c.Request.Context())
		if err != nil {
			slog.Error("failed to list travelers", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list travelers",
			})
			return
		}
		c.JSON(http.StatusOK, travelerList(users))
	}
}

// GetTravelerHandler returns one traveler
// GET /travelers/:id
func (h *UserHandlers) GetTravelerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if u := h.lookupTraveler(c); u != nil {
			c.JSON(http.StatusOK, travelerResponse(u))
		}
	}
}

// UpdateTravelerHandler changes a traveler's email or role
// PUT /travelers/:id
func (h *UserHandlers) UpdateTravelerHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpdateTravelerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		u := h.lookupTraveler(c)
		if u == nil {
			return
		}

		if req.Email != nil && *req.Email != u.Email {
			other, err := h.userRepo.GetByEmail(c.Request.Context(), *req.Email)
			if err != nil {
				slog.Error("email lookup failed", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to update traveler",
				})
				return
			}
			if other != nil {
				c.JSON(http.StatusBadRequest, gin.H{
					"error": services.ErrUserExists.Error(),
				})
				return
			}
			u.Email = *req.Email
		}
		if req.Role != nil {
			u.Role = *req.Role
		}

		ok, err := h.userRepo.Update(c.Request.Context(), u)
		if err != nil {
			slog.Error("failed to update traveler", "id", u.ID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to update traveler",
			})
			return
		}
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Traveler not found",
			})
			return
		}

		c.JSON(http.StatusOK, travelerResponse(u))
	}
}

// ArrangerTravelersHandler lists travelers delegated to the calling key's user, or
// every delegated traveler when the key is not bound to a user
// GET /arranger/travelers
func (h *UserHandlers) ArrangerTravelersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var arranger *int64
		if id, ok := middleware.CurrentUserID(c); ok {
			arranger = &id
		}

		users, err := h.delegationRepo.ListTravelers(c.Request.Context(), arranger)
		if err != nil {
			slog.Error("failed to list delegated travelers", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list travelers",
			})
			return
		}
		c.JSON(http.StatusOK, travelerList(users))
	}
}

// DelegateHandler records that an arranger books for a traveler
// POST /arranger/delegate
func (h *UserHandlers) DelegateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DelegateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		arrangerID := int64(0)
		if req.ArrangerID != nil {
			arrangerID = *req.ArrangerID
		} else if id, ok := middleware.CurrentUserID(c); ok {
			arrangerID = id
		}
		if arrangerID <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "arranger_id is required",
			})
			return
		}
		if arrangerID == req.TravelerID {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "An arranger cannot delegate to themselves",
			})
			return
		}

		ctx := c.Request.Context()
		for _, id := range []int64{arrangerID, req.TravelerID} {
			u, err := h.userRepo.GetByID(ctx, id)
			if err != nil {
				slog.Error("failed to load user", "id", id, "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Failed to store delegation",
				})
				return
			}
			if u == nil {
				c.JSON(http.StatusNotFound, gin.H{
					"error": "User not found",
				})
				return
			}
		}

		count, err := h.delegationRepo.Upsert(ctx, arrangerID, req.TravelerID)
		if err != nil {
			slog.Error("failed to store delegation", "arranger_id", arrangerID, "traveler_id", req.TravelerID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to store delegation",
			})
			return
		}

		c.Set(middleware.ContextKeyAuditResourceID, strconv.FormatInt(arrangerID, 10)+":"+strconv.FormatInt(req.TravelerID, 10))
		c.JSON(http.StatusOK, gin.H{
			"ok":    true,
			"count": count,
		})
	}
}
