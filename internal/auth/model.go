package auth

import "time"

const (
	RoleUser  = "ROLE_USER"
	RoleAdmin = "ROLE_ADMIN"
)

type User struct {
	ID                string
	Email             string
	Name              *string
	PasswordHash      string
	Role              string
	PasswordChangedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (u User) Summary() UserSummary {
	return UserSummary{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
}

func (u User) Profile() UserProfile {
	return UserProfile{
		ID:        u.ID,
		Email:     u.Email,
		Name:      u.Name,
		Role:      u.Role,
		CreatedAt: u.CreatedAt,
		UpdatedAt: u.UpdatedAt,
	}
}

func (u User) Identity() Identity {
	identity := Identity{UserID: u.ID, Role: u.Role, Email: u.Email}
	if u.Name != nil {
		identity.Name = *u.Name
	}
	return identity
}

// Identity is what a verified access token vouches for.
type Identity struct {
	UserID string
	Role   string
	Email  string
	Name   string
}

type UserSummary struct {
	ID    string  `json:"id"`
	Email string  `json:"email"`
	Name  *string `json:"name"`
	Role  string  `json:"role"`
}

type UserProfile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      *string   `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type RegisteredUser struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type DeviceInfo struct {
	UserAgent string
	IP        string
}

// RefreshTokenRecord is one row of the rotation chain. TokenHash and
// ReplacedByToken hold SHA-256 digests, never raw tokens.
type RefreshTokenRecord struct {
	ID              string
	UserID          string
	TokenHash       string
	RememberMe      bool
	UserAgent       string
	IP              string
	IssuedAt        time.Time
	LastUsedAt      time.Time
	ExpiresAt       time.Time
	Revoked         bool
	ReplacedByToken *string
}

func (r RefreshTokenRecord) Rotated() bool {
	return r.ReplacedByToken != nil
}

func (r RefreshTokenRecord) Active(now time.Time) bool {
	return !r.Revoked && !r.Rotated() && now.Before(r.ExpiresAt)
}

type PasswordResetToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

type LoginAttempt struct {
	Email          string
	FailedAttempts int
	LockedUntil    *time.Time
}

// Session is the outcome of every flow that authenticates a caller. The
// access token goes to the cookie transport, the rest to the response body.
type Session struct {
	User             UserSummary
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshID        string
	RefreshExpiresAt time.Time
}

// ExternalClaims is the already-verified claim set handed over by the
// identity provider exchange.
type ExternalClaims struct {
	Subject string
	Email   string
	Name    string
}
