package travel

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/laasy/corptravel/internal/services"
)

// SearchHandler returns mock offers for one mode. Query parameters (origin,
// destination, city, dates) are accepted and ignored.
// GET /search/flights, /search/hotels, /search/cars
func SearchHandler(mode string) gin.HandlerFunc {
	return func(c *gin.Context) {
		offers, err := services.SearchOffers(mode)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusOK, offers)
	}
}
