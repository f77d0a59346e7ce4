package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"blog-auth/internal/observability"
)

const (
	defaultBcryptCost   = 12
	defaultMaxAttempts  = 5
	defaultLockWindow   = 15 * time.Minute
	defaultResetTTL     = 15 * time.Minute
	defaultMailTimeout  = 10 * time.Second
	resetTokenBytes     = 32
	externalPlaceholder = "!external-login"
)

// Store is the persistence the service needs. *Repository implements it on
// Postgres.
type Store interface {
	CreateUser(ctx context.Context, user User) error
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	UpsertExternalUser(ctx context.Context, user User) (User, error)
	UpsertAdmin(ctx context.Context, user User) (User, error)
	UpdateUserRole(ctx context.Context, id, role string, now time.Time) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) (int64, error)

	CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error)
	RotateRefreshToken(ctx context.Context, oldID string, next RefreshTokenRecord, now time.Time) error
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeActiveRefreshToken(ctx context.Context, tokenHash string, now time.Time) (bool, error)

	CreatePasswordReset(ctx context.Context, token PasswordResetToken) error
	ConsumePasswordReset(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, int64, error)

	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error
}

// ResetMailer delivers the raw reset token to its owner.
type ResetMailer interface {
	SendPasswordReset(ctx context.Context, to, token string, expiresAt time.Time) error
}

type SecurityConfig struct {
	BcryptCost   int
	MaxAttempts  int
	LockDuration time.Duration
	ResetTTL     time.Duration
	MailTimeout  time.Duration
}

type Service struct {
	store        Store
	issuer       *Issuer
	mailer       ResetMailer
	logger       *observability.Logger
	metrics      *observability.Metrics
	bcryptCost   int
	maxAttempts  int
	lockDuration time.Duration
	resetTTL     time.Duration
	mailTimeout  time.Duration
	dispatch     func(func())
	now          func() time.Time

	dummyOnce sync.Once
	dummyHash []byte
}

func NewService(store Store, issuer *Issuer, mailer ResetMailer, logger *observability.Logger) *Service {
	return &Service{
		store:        store,
		issuer:       issuer,
		mailer:       mailer,
		logger:       logger,
		bcryptCost:   defaultBcryptCost,
		maxAttempts:  defaultMaxAttempts,
		lockDuration: defaultLockWindow,
		resetTTL:     defaultResetTTL,
		mailTimeout:  defaultMailTimeout,
		dispatch:     func(fn func()) { go fn() },
		now:          func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *Service) WithSecurityConfig(cfg SecurityConfig) {
	if cfg.BcryptCost >= bcrypt.MinCost && cfg.BcryptCost <= bcrypt.MaxCost {
		s.bcryptCost = cfg.BcryptCost
	}
	if cfg.MaxAttempts > 0 {
		s.maxAttempts = cfg.MaxAttempts
	}
	if cfg.LockDuration > 0 {
		s.lockDuration = cfg.LockDuration
	}
	if cfg.ResetTTL > 0 {
		s.resetTTL = cfg.ResetTTL
	}
	if cfg.MailTimeout > 0 {
		s.mailTimeout = cfg.MailTimeout
	}
}

func (s *Service) WithMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

func (s *Service) Register(ctx context.Context, cmd RegisterCommand) (RegisteredUser, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(cmd.Password), s.bcryptCost)
	if err != nil {
		return RegisteredUser{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return RegisteredUser{}, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now()
	user := User{
		ID:           id.String(),
		Email:        cmd.Email,
		PasswordHash: string(hash),
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return RegisteredUser{}, err
	}

	s.logger.Info("user_registered", map[string]any{"user_id": user.ID})
	return RegisteredUser{ID: user.ID, Email: user.Email, CreatedAt: user.CreatedAt}, nil
}

// Login answers ErrInvalidCredentials for unknown emails and wrong passwords
// alike, and pays for a bcrypt comparison in both cases.
func (s *Service) Login(ctx context.Context, cmd LoginCommand) (Session, error) {
	now := s.now()
	attempt, err := s.store.GetLoginAttempt(ctx, cmd.Email)
	if err != nil {
		return Session{}, err
	}
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		s.metrics.Login("locked")
		return Session{}, ErrLoginLocked{Until: *attempt.LockedUntil}
	}

	user, err := s.store.GetUserByEmail(ctx, cmd.Email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return Session{}, err
		}
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(cmd.Password))
		return Session{}, s.loginFailed(ctx, cmd.Email, now)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(cmd.Password)); err != nil {
		return Session{}, s.loginFailed(ctx, cmd.Email, now)
	}

	if err := s.store.ResetLoginAttempt(ctx, cmd.Email); err != nil {
		return Session{}, err
	}

	session, err := s.issueSession(ctx, user, cmd.RememberMe, cmd.Device)
	if err != nil {
		return Session{}, err
	}

	s.metrics.Login("success")
	return session, nil
}

func (s *Service) loginFailed(ctx context.Context, email string, now time.Time) error {
	lockedUntil, err := s.store.RegisterFailedAttempt(ctx, email, s.maxAttempts, s.lockDuration, now)
	if err != nil {
		return err
	}
	if lockedUntil != nil {
		s.metrics.Login("locked")
		s.logger.Warn("login_locked", map[string]any{"until": lockedUntil.Format(time.RFC3339)})
		return ErrLoginLocked{Until: *lockedUntil}
	}

	s.metrics.Login("invalid_credentials")
	return ErrInvalidCredentials
}

// Logout revokes the presented refresh token when it is still active. It
// never fails the caller; the returned error is for logging only.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}

	revoked, err := s.store.RevokeActiveRefreshToken(ctx, hashToken(refreshToken), s.now())
	if err != nil {
		return err
	}
	if revoked {
		s.logger.Info("refresh_token_revoked", map[string]any{"reason": "logout"})
	}

	return nil
}

func (s *Service) Me(ctx context.Context, identity Identity) (UserProfile, error) {
	user, err := s.store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return UserProfile{}, ErrAccountNotFound
		}
		return UserProfile{}, err
	}

	return user.Profile(), nil
}

// ChangePassword swaps the password of the caller, invalidates every refresh
// record it holds and hands back a fresh session.
func (s *Service) ChangePassword(ctx context.Context, identity Identity, cmd ChangePasswordCommand) (Session, error) {
	user, err := s.store.GetUserByID(ctx, identity.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, ErrAccountNotFound
		}
		return Session{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(cmd.CurrentPassword)); err != nil {
		return Session{}, ErrWrongPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cmd.NewPassword), s.bcryptCost)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	revoked, err := s.store.UpdatePassword(ctx, user.ID, string(hash), now)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return Session{}, ErrAccountNotFound
		}
		return Session{}, err
	}
	user.PasswordHash = string(hash)
	user.PasswordChangedAt = &now

	s.logger.Info("password_changed", map[string]any{"user_id": user.ID, "revoked_sessions": revoked})
	return s.issueSession(ctx, user, false, cmd.Device)
}

func (s *Service) UpdateRole(ctx context.Context, userID, role string) (UserSummary, error) {
	if _, err := uuid.Parse(userID); err != nil {
		return UserSummary{}, ErrUserNotFound
	}

	user, err := s.store.UpdateUserRole(ctx, userID, role, s.now())
	if err != nil {
		return UserSummary{}, err
	}

	s.logger.Info("user_role_updated", map[string]any{"user_id": user.ID, "role": user.Role})
	return user.Summary(), nil
}

// LoginExternal signs in a user vouched for by the identity provider. It is
// called by the provider callback once the code exchange has verified the
// claims. The account is created on first sight with a credential bcrypt
// never accepts.
func (s *Service) LoginExternal(ctx context.Context, claims ExternalClaims, device DeviceInfo) (Session, error) {
	verr := &ValidationError{}
	email := normalizeEmail(claims.Email, "email", verr)
	if err := verr.orNil(); err != nil {
		return Session{}, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, fmt.Errorf("generate user id: %w", err)
	}

	now := s.now()
	candidate := User{
		ID:           id.String(),
		Email:        email,
		PasswordHash: externalPlaceholder,
		Role:         RoleUser,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if name := strings.TrimSpace(claims.Name); name != "" {
		candidate.Name = &name
	}

	user, err := s.store.UpsertExternalUser(ctx, candidate)
	if err != nil {
		return Session{}, err
	}

	s.logger.Info("external_login", map[string]any{"user_id": user.ID, "subject": claims.Subject})
	return s.issueSession(ctx, user, false, device)
}

// BootstrapAdmin seeds the ROLE_ADMIN account. Both values empty is a no-op.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = strings.TrimSpace(email)
	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	verr := &ValidationError{}
	email = normalizeEmail(email, "adminEmail", verr)
	checkNewPassword(password, "adminPassword", verr)
	if err := verr.orNil(); err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate user id: %w", err)
	}

	now := s.now()
	name := "Admin"
	user, err := s.store.UpsertAdmin(ctx, User{
		ID:           id.String(),
		Email:        email,
		Name:         &name,
		PasswordHash: string(hash),
		Role:         RoleAdmin,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil {
		return err
	}

	s.logger.Info("admin_bootstrapped", map[string]any{"user_id": user.ID})
	return nil
}

func (s *Service) issueSession(ctx context.Context, user User, rememberMe bool, device DeviceInfo) (Session, error) {
	session, record, err := s.mint(user, rememberMe, device, s.now())
	if err != nil {
		return Session{}, err
	}
	if err := s.store.CreateRefreshToken(ctx, record); err != nil {
		return Session{}, err
	}

	return session, nil
}

// mint signs a new access/refresh pair for user and builds the Active record
// that has to be persisted before the pair is handed out.
func (s *Service) mint(user User, rememberMe bool, device DeviceInfo, now time.Time) (Session, RefreshTokenRecord, error) {
	identity := user.Identity()

	accessToken, accessExpiresAt, err := s.issuer.IssueAccess(identity)
	if err != nil {
		return Session{}, RefreshTokenRecord{}, fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, refreshExpiresAt, err := s.issuer.IssueRefresh(identity, rememberMe)
	if err != nil {
		return Session{}, RefreshTokenRecord{}, fmt.Errorf("issue refresh token: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Session{}, RefreshTokenRecord{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	refreshExpiresAt = refreshExpiresAt.UTC().Truncate(time.Microsecond)
	record := RefreshTokenRecord{
		ID:         id.String(),
		UserID:     user.ID,
		TokenHash:  hashToken(refreshToken),
		RememberMe: rememberMe,
		UserAgent:  device.UserAgent,
		IP:         device.IP,
		IssuedAt:   now,
		LastUsedAt: now,
		ExpiresAt:  refreshExpiresAt,
	}

	return Session{
		User:             user.Summary(),
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     refreshToken,
		RefreshID:        record.ID,
		RefreshExpiresAt: refreshExpiresAt,
	}, record, nil
}

func (s *Service) dummy() []byte {
	s.dummyOnce.Do(func() {
		hash, err := bcrypt.GenerateFromPassword([]byte("timing-equaliser"), s.bcryptCost)
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomToken(size int) (string, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
