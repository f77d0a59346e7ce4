package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"

	defaultAccessTTL       = 15 * time.Minute
	defaultRefreshTTLShort = 7 * 24 * time.Hour
	defaultRefreshTTLLong  = 30 * 24 * time.Hour
)

type IssuerConfig struct {
	AccessSecret    string
	RefreshSecret   string
	Issuer          string
	Audience        string
	AccessTTL       time.Duration
	RefreshTTLShort time.Duration
	RefreshTTLLong  time.Duration
}

// Claims is shared by access and refresh tokens; Type tells them apart and
// each kind is signed with its own secret.
type Claims struct {
	Role  string `json:"role"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

type Issuer struct {
	accessSecret    []byte
	refreshSecret   []byte
	issuer          string
	audience        string
	accessTTL       time.Duration
	refreshTTLShort time.Duration
	refreshTTLLong  time.Duration
	now             func() time.Time
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.AccessSecret == "" || cfg.RefreshSecret == "" {
		return nil, errors.New("access and refresh secrets are required")
	}
	if cfg.AccessSecret == cfg.RefreshSecret {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("issuer and audience are required")
	}

	issuer := &Issuer{
		accessSecret:    []byte(cfg.AccessSecret),
		refreshSecret:   []byte(cfg.RefreshSecret),
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		accessTTL:       defaultAccessTTL,
		refreshTTLShort: defaultRefreshTTLShort,
		refreshTTLLong:  defaultRefreshTTLLong,
		now:             func() time.Time { return time.Now().UTC() },
	}
	if cfg.AccessTTL > 0 {
		issuer.accessTTL = cfg.AccessTTL
	}
	if cfg.RefreshTTLShort > 0 {
		issuer.refreshTTLShort = cfg.RefreshTTLShort
	}
	if cfg.RefreshTTLLong > 0 {
		issuer.refreshTTLLong = cfg.RefreshTTLLong
	}

	return issuer, nil
}

func (i *Issuer) AccessTTL() time.Duration {
	return i.accessTTL
}

func (i *Issuer) RefreshTTL(rememberMe bool) time.Duration {
	if rememberMe {
		return i.refreshTTLLong
	}
	return i.refreshTTLShort
}

// IssueAccess mints a short-lived access token for identity.
func (i *Issuer) IssueAccess(identity Identity) (string, time.Time, error) {
	return i.sign(identity, tokenTypeAccess, i.accessTTL, i.accessSecret)
}

// IssueRefresh mints a refresh token whose lifetime follows rememberMe.
func (i *Issuer) IssueRefresh(identity Identity, rememberMe bool) (string, time.Time, error) {
	return i.sign(identity, tokenTypeRefresh, i.RefreshTTL(rememberMe), i.refreshSecret)
}

func (i *Issuer) VerifyAccess(token string) (Identity, error) {
	return i.verify(token, tokenTypeAccess, i.accessSecret)
}

func (i *Issuer) VerifyRefresh(token string) (Identity, error) {
	return i.verify(token, tokenTypeRefresh, i.refreshSecret)
}

func (i *Issuer) sign(identity Identity, tokenType string, ttl time.Duration, secret []byte) (string, time.Time, error) {
	if identity.UserID == "" {
		return "", time.Time{}, errors.New("identity without subject")
	}

	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate jti: %w", err)
	}

	now := i.now()
	expiresAt := now.Add(ttl)
	claims := Claims{
		Role: identity.Role,
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti.String(),
		},
	}
	if tokenType == tokenTypeAccess {
		claims.Email = identity.Email
		claims.Name = identity.Name
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}

	return encoded, expiresAt, nil
}

func (i *Issuer) verify(tokenStr, tokenType string, secret []byte) (Identity, error) {
	if tokenStr == "" {
		return Identity{}, ErrInvalidToken
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if claims.Type != tokenType || claims.Subject == "" || claims.Role == "" {
		return Identity{}, ErrInvalidToken
	}

	return Identity{
		UserID: claims.Subject,
		Role:   claims.Role,
		Email:  claims.Email,
		Name:   claims.Name,
	}, nil
}
