// auth.go implements the user account endpoints: email/password login, registration
// and the onboarding profile. Access tokens are HS256 JWTs carrying the user's role.
package admin

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/laasy/corptravel/internal/config"
	"github.com/laasy/corptravel/internal/db/repositories"
	"github.com/laasy/corptravel/internal/middleware"
	"github.com/laasy/corptravel/internal/services"
	"github.com/laasy/corptravel/internal/validation"
)

// AuthHandlers handles login, registration and profile endpoints
type AuthHandlers struct {
	cfg      *config.Config
	accounts *services.AccountService
}

// NewAuthHandlers creates a new AuthHandlers instance
func NewAuthHandlers(cfg *config.Config, db *sqlx.DB) *AuthHandlers {
	return &AuthHandlers{
		cfg:      cfg,
		accounts: services.NewAccountService(repositories.NewUserRepository(db), cfg.Auth.SessionTTL),
	}
}

// LoginRequest is the body of POST /auth/login
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// InitiateRegistrationRequest is the body of POST /auth/initiate-registration
type InitiateRegistrationRequest struct {
	Email string `json:"email" binding:"required,email"`
}

// RegisterRequest is the body of POST /auth/register
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role" binding:"omitempty,user_role"`
}

// ProfileRequest is the body of PUT /auth/profile. Role is the user's job title.
type ProfileRequest struct {
	FullName    string `json:"full_name" binding:"required"`
	Role        string `json:"role"`
	CompanyName string `json:"company_name"`
	TeamSize    string `json:"team_size"`
}

func (h *AuthHandlers) sessionResponse(s *services.Session) gin.H {
	return gin.H{
		"access_token": s.AccessToken,
		"token_type":   "bearer",
		"role":         s.Role,
		"expires_in":   int(h.accounts.TokenTTL().Seconds()),
	}
}

// LoginHandler exchanges an email and password for an access token
// POST /auth/login
func (h *AuthHandlers) LoginHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LoginRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		session, err := h.accounts.Login(c.Request.Context(), req.Email, req.Password)
		if errors.Is(err, services.ErrInvalidLogin) {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}
		if err != nil {
			slog.Error("login failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to log in",
			})
			return
		}

		c.JSON(http.StatusOK, h.sessionResponse(session))
	}
}

// InitiateRegistrationHandler tells the sign-up flow whether an email is already registered
// POST /auth/initiate-registration
func (h *AuthHandlers) InitiateRegistrationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req InitiateRegistrationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		exists, err := h.accounts.EmailExists(c.Request.Context(), req.Email)
		if err != nil {
			slog.Error("email lookup failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to check email",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"existing": exists,
		})
	}
}

// RegisterHandler creates an account and returns an access token
// POST /auth/register
func (h *AuthHandlers) RegisterHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req RegisterRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		session, err := h.accounts.Register(c.Request.Context(), req.Email, req.Password, req.Role)
		switch {
		case errors.Is(err, services.ErrUserExists), errors.Is(err, services.ErrInvalidRole):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
			return
		case err != nil:
			slog.Error("registration failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to register user",
			})
			return
		}

		c.Set(middleware.ContextKeyUserID, session.User.ID)
		c.JSON(http.StatusOK, h.sessionResponse(session))
	}
}

// ProfileHandler updates the session user's display name and onboarding profile
// PUT /auth/profile
func (h *AuthHandlers) ProfileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := middleware.CurrentUserID(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "User not authenticated",
			})
			return
		}

		var req ProfileRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": validation.Message(err),
			})
			return
		}

		u, err := h.accounts.UpdateProfile(c.Request.Context(), userID, services.ProfileUpdate{
			FullName:    req.FullName,
			JobRole:     req.Role,
			CompanyName: req.CompanyName,
			TeamSize:    req.TeamSize,
		})
		if errors.Is(err, services.ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": err.Error(),
			})
			return
		}
		if err != nil {
			slog.Error("profile update failed", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to update profile",
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"message": "Profile updated successfully",
			"user": gin.H{
				"id":    u.ID,
				"email": u.Email,
				"name":  u.Name,
				"role":  u.Role,
			},
		})
	}
}
