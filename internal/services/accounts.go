package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/laasy/corptravel/internal/auth"
	"github.com/laasy/corptravel/internal/db/models"
)

var (
	// ErrInvalidLogin covers unknown emails, wrong passwords and accounts without a password
	ErrInvalidLogin = errors.New("Invalid credentials")
	// ErrUserExists is returned when registering an email that is already taken
	ErrUserExists = errors.New("User with this email already exists")
	// ErrUserNotFound is returned when the session user no longer exists
	ErrUserNotFound = errors.New("User not found")
	// ErrInvalidRole is returned for a role outside the known set
	ErrInvalidRole = errors.New("Invalid role")
)

// UserStore is the subset of the user repository used by AccountService
type UserStore interface {
	Create(ctx context.Context, u *models.User) error
	GetByID(ctx context.Context, id int64) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	Update(ctx context.Context, u *models.User) (bool, error)
	UpdatePassword(ctx context.Context, id int64, hash string) error
}

// Session is the result of a successful login or registration
type Session struct {
	AccessToken string
	Role        string
	User        *models.User
}

// ProfileUpdate carries the onboarding profile fields. JobRole is free text stored in
// the profile, distinct from the account role.
type ProfileUpdate struct {
	FullName    string
	JobRole     string
	CompanyName string
	TeamSize    string
}

// AccountService implements login, registration and profile updates
type AccountService struct {
	users UserStore
	ttl   time.Duration
}

// NewAccountService creates an AccountService issuing tokens valid for ttl
func NewAccountService(users UserStore, ttl time.Duration) *AccountService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &AccountService{users: users, ttl: ttl}
}

// TokenTTL is the lifetime of issued access tokens
func (s *AccountService) TokenTTL() time.Duration { return s.ttl }

func (s *AccountService) issue(u *models.User) (*Session, error) {
	token, err := auth.GenerateJWT(u.ID, u.Email, u.Role, s.ttl)
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	return &Session{AccessToken: token, Role: u.Role, User: u}, nil
}

// Login verifies an email and password and returns a session token
func (s *AccountService) Login(ctx context.Context, email, password string) (*Session, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if u == nil || u.PasswordHash == nil || !auth.VerifyPassword(*u.PasswordHash, password) {
		return nil, ErrInvalidLogin
	}
	if !auth.IsBcryptHash(*u.PasswordHash) {
		s.upgradeHash(ctx, u, password)
	}
	return s.issue(u)
}

// upgradeHash replaces a legacy SHA-256 hash with bcrypt after a successful login.
// Failure is logged and the login proceeds.
func (s *AccountService) upgradeHash(ctx context.Context, u *models.User, password string) {
	h, err := auth.HashPassword(password)
	if err != nil {
		slog.Warn("failed to rehash legacy password", "user_id", u.ID, "error", err)
		return
	}
	if err := s.users.UpdatePassword(ctx, u.ID, h); err != nil {
		slog.Warn("failed to store upgraded password hash", "user_id", u.ID, "error", err)
	}
}

// EmailExists reports whether an account is registered for email
func (s *AccountService) EmailExists(ctx context.Context, email string) (bool, error) {
	u, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return false, err
	}
	return u != nil, nil
}

// Register creates an account with a bcrypt password hash. An empty role means Traveler.
func (s *AccountService) Register(ctx context.Context, email, password, role string) (*Session, error) {
	if role == "" {
		role = models.RoleTraveler
	}
	if !models.ValidRole(role) {
		return nil, ErrInvalidRole
	}

	existing, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrUserExists
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	name := DisplayNameFromEmail(email)
	u := &models.User{
		Email:        email,
		Name:         &name,
		PasswordHash: &hash,
		Role:         role,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}

	slog.Info("user registered", "user_id", u.ID, "role", role)
	return s.issue(u)
}

// UpdateProfile sets the display name and stores the onboarding fields in the profile
func (s *AccountService) UpdateProfile(ctx context.Context, userID int64, p ProfileUpdate) (*models.User, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}

	profile := map[string]any{}
	if len(u.Profile) > 0 {
		_ = json.Unmarshal(u.Profile, &profile)
	}
	profile["role"] = p.JobRole
	profile["company_name"] = p.CompanyName
	profile["team_size"] = p.TeamSize
	raw, err := json.Marshal(profile)
	if err != nil {
		return nil, err
	}

	name := p.FullName
	u.Name = &name
	u.Profile = raw
	ok, err := s.users.Update(ctx, u)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// DisplayNameFromEmail title-cases the local part of an address: "jane.doe@x" -> "Jane.Doe"
func DisplayNameFromEmail(email string) string {
	local := email
	if i := strings.IndexByte(email, '@'); i >= 0 {
		local = email[:i]
	}
	b := []byte(strings.ToLower(local))
	upper := true
	for i, ch := range b {
		if ch >= 'a' && ch <= 'z' {
			if upper {
				b[i] = ch - 'a' + 'A'
			}
			upper = false
		} else {
			upper = !(ch >= '0' && ch <= '9')
		}
	}
	return string(b)
}
