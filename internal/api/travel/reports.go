package travel

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/services"
)

func reportError(c *gin.Context, err error, name string) {
	if errors.Is(err, services.ErrInvalidMonth) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}
	slog.Error("report failed", "report", name, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": "Failed to build " + name + " report",
	})
}

// SpendReportHandler totals booking spend for a month
// GET /reports/spend?month=YYYY-MM
func SpendReportHandler(db *sqlx.DB) gin.HandlerFunc {
	reports := services.NewReportService(repositories.NewReportRepository(db))

	return func(c *gin.Context) {
		r, err := reports.Spend(c.Request.Context(), c.Query("month"))
		if err != nil {
			reportError(c, err, "spend")
			return
		}
		c.JSON(http.StatusOK, r)
	}
}

// ComplianceReportHandler reports the share of booked items in and out of policy
// GET /reports/compliance?month=YYYY-MM
func ComplianceReportHandler(db *sqlx.DB) gin.HandlerFunc {
	reports := services.NewReportService(repositories.NewReportRepository(db))

	return func(c *gin.Context) {
		r, err := reports.Compliance(c.Request.Context(), c.Query("month"))
		if err != nil {
			reportError(c, err, "compliance")
			return
		}
		c.JSON(http.StatusOK, r)
	}
}
