package travel

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/models"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/services"
	"github.com/laasy/corptravel/internal/validation"
)

// BookingRequest is the body of POST /bookings
type BookingRequest struct {
	Items []models.BookingItem `json:"items" binding:"required,min=1,dive"`
}

// CreateBookingHandler stores the submitted items under a new confirmation id
// POST /bookings
func CreateBookingHandler(db *sqlx.DB) gin.HandlerFunc {
	bookings := services.NewBookingService(repositories.NewBookingRepository(db))

	return func(c *gin.Context) {
		var req BookingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		var keyID, userID *int64
		if k, ok := middleware.CurrentAPIKey(c); ok {
			keyID = &k.ID
		}
		if id, ok := middleware.CurrentUserID(c); ok {
			userID = &id
		}

		b, err := bookings.Create(c.Request.Context(), req.Items, keyID, userID)
		if err != nil {
			slog.Error("failed to create booking", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to create booking",
			})
			return
		}

		c.Set(middleware.ContextKeyAuditResourceID, b.ID)
		c.JSON(http.StatusOK, gin.H{
			"id":       b.ID,
			"total":    b.Total,
			"currency": b.Currency,
			"status":   b.Status,
		})
	}
}

// GetBookingHandler returns a stored booking
// GET /bookings/:id
func GetBookingHandler(db *sqlx.DB) gin.HandlerFunc {
	bookingRepo := repositories.NewBookingRepository(db)

	return func(c *gin.Context) {
		b, err := bookingRepo.GetByID(c.Request.Context(), c.Param("id"))
		if err != nil {
			slog.Error("failed to load booking", "id", c.Param("id"), "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retrieve booking",
			})
			return
		}
		if b == nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Booking not found",
			})
			return
		}
		c.JSON(http.StatusOK, b)
	}
}
