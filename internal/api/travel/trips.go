package travel

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/middleware"
)

// ListTripsHandler lists trips of the user bound to the calling key. Keys without a
// user see every trip.
// GET /trips
func ListTripsHandler(db *sqlx.DB) gin.HandlerFunc {
	tripRepo := repositories.NewTripRepository(db)

	return func(c *gin.Context) {
		var userID *int64
		if id, ok := middleware.CurrentUserID(c); ok {
			userID = &id
		}

		trips, err := tripRepo.List(c.Request.Context(), userID)
		if err != nil {
			slog.Error("failed to list trips", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to list trips",
			})
			return
		}
		c.JSON(http.StatusOK, trips)
	}
}
