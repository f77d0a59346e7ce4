package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

// errRefreshNotActive reports that a conditional rotation matched no row:
// the record was rotated, revoked or expired by someone else first.
var errRefreshNotActive = errors.New("refresh token is no longer active")

type Repository struct {
	db *sql.DB
}

type CleanupResult struct {
	DeletedResetTokens   int64 `json:"deleted_reset_tokens"`
	DeletedLoginAttempts int64 `json:"deleted_login_attempts"`
	DeletedIPLimits      int64 `json:"deleted_ip_limits"`
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

const userColumns = `id, email, name, password_hash, role, password_changed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	var name sql.NullString
	var changedAt sql.NullTime
	if err := row.Scan(&user.ID, &user.Email, &name, &user.PasswordHash, &user.Role, &changedAt, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return User{}, err
	}
	if name.Valid {
		value := name.String
		user.Name = &value
	}
	if changedAt.Valid {
		value := changedAt.Time.UTC()
		user.PasswordChangedAt = &value
	}
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return user, nil
}

func (r *Repository) CreateUser(ctx context.Context, user User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
	`, user.ID, user.Email, nullableString(user.Name), user.PasswordHash, user.Role, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert user: %w", err)
	}

	return nil
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE email = $1
	`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}

	return user, nil
}

// UpsertExternalUser creates the user on first external login and only
// refreshes the display name afterwards.
func (r *Repository) UpsertExternalUser(ctx context.Context, user User) (User, error) {
	stored, err := scanUser(r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (email) DO UPDATE
		SET
			name = COALESCE(EXCLUDED.name, users.name),
			updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns,
		user.ID, user.Email, nullableString(user.Name), user.PasswordHash, user.Role, user.CreatedAt))
	if err != nil {
		return User{}, fmt.Errorf("upsert external user: %w", err)
	}

	return stored, nil
}

// UpsertAdmin inserts the seeded administrator or promotes the existing
// account with that email. An existing password is left as is.
func (r *Repository) UpsertAdmin(ctx context.Context, user User) (User, error) {
	stored, err := scanUser(r.db.QueryRowContext(ctx, `
		INSERT INTO users (id, email, name, password_hash, role, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (email) DO UPDATE
		SET
			role = EXCLUDED.role,
			updated_at = EXCLUDED.updated_at
		RETURNING `+userColumns,
		user.ID, user.Email, nullableString(user.Name), user.PasswordHash, user.Role, user.CreatedAt))
	if err != nil {
		return User{}, fmt.Errorf("upsert admin: %w", err)
	}

	return stored, nil
}

func (r *Repository) UpdateUserRole(ctx context.Context, id, role string, now time.Time) (User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx, `
		UPDATE users
		SET role = $2, updated_at = $3
		WHERE id = $1
		RETURNING `+userColumns,
		id, role, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("update user role: %w", err)
	}

	return user, nil
}

// UpdatePassword stores the new hash and revokes every live refresh record of
// the user in the same transaction.
func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string, now time.Time) (int64, error) {
	var revoked int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := setPasswordTx(ctx, tx, userID, passwordHash, now); err != nil {
			return err
		}
		count, err := revokeAllTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		revoked = count
		return nil
	})
	if err != nil {
		return 0, err
	}

	return revoked, nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, record RefreshTokenRecord) error {
	return insertRefreshToken(ctx, r.db, record)
}

func (r *Repository) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (RefreshTokenRecord, error) {
	var record RefreshTokenRecord
	var replacedBy sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, token_hash, remember_me, user_agent, ip, issued_at, last_used_at, expires_at, revoked, replaced_by_token
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(
		&record.ID,
		&record.UserID,
		&record.TokenHash,
		&record.RememberMe,
		&record.UserAgent,
		&record.IP,
		&record.IssuedAt,
		&record.LastUsedAt,
		&record.ExpiresAt,
		&record.Revoked,
		&replacedBy,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, ErrInvalidRefreshToken
		}
		return RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}
	if replacedBy.Valid {
		value := replacedBy.String
		record.ReplacedByToken = &value
	}
	record.IssuedAt = record.IssuedAt.UTC()
	record.LastUsedAt = record.LastUsedAt.UTC()
	record.ExpiresAt = record.ExpiresAt.UTC()

	return record, nil
}

// RotateRefreshToken retires oldID in favour of next. The retiring update is
// conditional, so of two concurrent rotations of one record only one commits.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldID string, next RefreshTokenRecord, now time.Time) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE auth_refresh_tokens
			SET revoked = TRUE, replaced_by_token = $2, last_used_at = $3
			WHERE id = $1
			  AND revoked = FALSE
			  AND replaced_by_token IS NULL
			  AND expires_at > $3
		`, oldID, next.TokenHash, now)
		if err != nil {
			return fmt.Errorf("retire refresh token: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("retire refresh token rows affected: %w", err)
		}
		if affected == 0 {
			return errRefreshNotActive
		}

		return insertRefreshToken(ctx, tx, next)
	})
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked = TRUE
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

// RevokeActiveRefreshToken revokes the record behind tokenHash unless it has
// already been rotated or revoked. The rotation link is never touched.
func (r *Repository) RevokeActiveRefreshToken(ctx context.Context, tokenHash string, now time.Time) (bool, error) {
	// replaced_by_token stays as is: rotation writes it once and reuse
	// detection reads it, so logout never nulls it.
	res, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked = TRUE, last_used_at = $2
		WHERE token_hash = $1
		  AND revoked = FALSE
		  AND replaced_by_token IS NULL
	`, tokenHash, now)
	if err != nil {
		return false, fmt.Errorf("revoke refresh token by hash: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke refresh token rows affected: %w", err)
	}

	return affected > 0, nil
}

// CreatePasswordReset supersedes every pending reset token of the user and
// stores the new one. The user row lock serialises concurrent requests.
func (r *Repository) CreatePasswordReset(ctx context.Context, token PasswordResetToken) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		var lockedID string
		err := tx.QueryRowContext(ctx, `
			SELECT id
			FROM users
			WHERE id = $1
			FOR UPDATE
		`, token.UserID).Scan(&lockedID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user row: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE auth_password_reset_tokens
			SET used_at = $2
			WHERE user_id = $1
			  AND used_at IS NULL
		`, token.UserID, token.CreatedAt); err != nil {
			return fmt.Errorf("supersede reset tokens: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_password_reset_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, token.ID, token.UserID, token.TokenHash, token.ExpiresAt, token.CreatedAt); err != nil {
			return fmt.Errorf("insert reset token: %w", err)
		}

		return nil
	})
}

// ConsumePasswordReset spends the reset token, stores the new password hash
// and revokes all refresh records of the owner, all or nothing.
func (r *Repository) ConsumePasswordReset(ctx context.Context, tokenHash, passwordHash string, now time.Time) (string, int64, error) {
	var userID string
	var revoked int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE auth_password_reset_tokens
			SET used_at = $2
			WHERE token_hash = $1
			  AND used_at IS NULL
			  AND expires_at > $2
			RETURNING user_id
		`, tokenHash, now).Scan(&userID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrInvalidResetToken
			}
			return fmt.Errorf("consume reset token: %w", err)
		}

		if err := setPasswordTx(ctx, tx, userID, passwordHash, now); err != nil {
			return err
		}

		count, err := revokeAllTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		revoked = count
		return nil
	})
	if err != nil {
		return "", 0, err
	}

	return userID, revoked, nil
}

func (r *Repository) GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error) {
	var attempt LoginAttempt
	attempt.Email = email

	var lockedUntil sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT failed_attempts, locked_until
		FROM auth_login_attempts
		WHERE email = $1
	`, email).Scan(&attempt.FailedAttempts, &lockedUntil)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return attempt, nil
		}
		return LoginAttempt{}, fmt.Errorf("query login attempt: %w", err)
	}
	if lockedUntil.Valid {
		value := lockedUntil.Time.UTC()
		attempt.LockedUntil = &value
	}

	return attempt, nil
}

func (r *Repository) RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	var nextLock *time.Time
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		var failed int
		var lockedUntil sql.NullTime
		err := tx.QueryRowContext(ctx, `
			SELECT failed_attempts, locked_until
			FROM auth_login_attempts
			WHERE email = $1
			FOR UPDATE
		`, email).Scan(&failed, &lockedUntil)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("lock login attempt row: %w", err)
		}

		if lockedUntil.Valid && now.Before(lockedUntil.Time) {
			until := lockedUntil.Time.UTC()
			nextLock = &until
			return nil
		}

		failed++
		var lockValue any
		if failed >= maxAttempts {
			until := now.Add(lockDuration)
			nextLock = &until
			lockValue = until
			failed = 0
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_login_attempts (email, failed_attempts, locked_until, updated_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (email)
			DO UPDATE SET
				failed_attempts = EXCLUDED.failed_attempts,
				locked_until = EXCLUDED.locked_until,
				updated_at = EXCLUDED.updated_at
		`, email, failed, lockValue, now); err != nil {
			return fmt.Errorf("upsert failed login attempt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return nextLock, nil
}

func (r *Repository) ResetLoginAttempt(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM auth_login_attempts
		WHERE email = $1
	`, email)
	if err != nil {
		return fmt.Errorf("reset login attempts: %w", err)
	}

	return nil
}

// AllowIP counts one hit for ip in a fixed window shared by every instance.
func (r *Repository) AllowIP(ctx context.Context, bucket, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-window)

	var hits int
	var windowStartedAt time.Time
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO auth_ip_limits (bucket, ip, window_started_at, hits, updated_at)
		VALUES ($1, $2, $3, 1, $3)
		ON CONFLICT (bucket, ip) DO UPDATE
		SET
			hits = CASE
				WHEN auth_ip_limits.window_started_at <= $4 THEN 1
				ELSE auth_ip_limits.hits + 1
			END,
			window_started_at = CASE
				WHEN auth_ip_limits.window_started_at <= $4 THEN $3
				ELSE auth_ip_limits.window_started_at
			END,
			updated_at = $3
		RETURNING hits, window_started_at
	`, bucket, ip, now, threshold).Scan(&hits, &windowStartedAt)
	if err != nil {
		return false, 0, fmt.Errorf("upsert ip rate limit: %w", err)
	}

	if hits <= maxHits {
		return true, 0, nil
	}

	retryAfter := windowStartedAt.Add(window).Sub(now)
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return false, retryAfter, nil
}

// CleanupStaleAuthData purges spent reset tokens and idle throttling rows.
// Refresh records are kept: they are the audit trail of the rotation chain.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, resetRetention, loginAttemptRetention time.Duration, batchSize int, now time.Time) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if resetRetention <= 0 {
		resetRetention = 7 * 24 * time.Hour
	}
	if loginAttemptRetention <= 0 {
		loginAttemptRetention = 30 * 24 * time.Hour
	}

	resetCutoff := now.Add(-resetRetention)
	loginCutoff := now.Add(-loginAttemptRetention)

	deletedResetTokens, err := r.deleteStale(ctx, "reset tokens", `
		WITH stale AS (
			SELECT id
			FROM auth_password_reset_tokens
			WHERE (used_at IS NOT NULL OR expires_at < $3)
			  AND created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_password_reset_tokens t
		USING stale
		WHERE t.id = stale.id
	`, resetCutoff, batchSize, now)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedLoginAttempts, err := r.deleteStale(ctx, "login attempts", `
		WITH stale AS (
			SELECT email
			FROM auth_login_attempts
			WHERE updated_at < $1
			  AND (locked_until IS NULL OR locked_until < $3)
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_login_attempts t
		USING stale
		WHERE t.email = stale.email
	`, loginCutoff, batchSize, now)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedIPLimits, err := r.deleteStale(ctx, "ip limits", `
		WITH stale AS (
			SELECT bucket, ip
			FROM auth_ip_limits
			WHERE updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
		DELETE FROM auth_ip_limits t
		USING stale
		WHERE t.bucket = stale.bucket AND t.ip = stale.ip
	`, loginCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedResetTokens:   deletedResetTokens,
		DeletedLoginAttempts: deletedLoginAttempts,
		DeletedIPLimits:      deletedIPLimits,
	}, nil
}

func (r *Repository) deleteStale(ctx context.Context, what, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete stale %s: %w", what, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale %s rows affected: %w", what, err)
	}

	return affected, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRefreshToken(ctx context.Context, db execer, record RefreshTokenRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, user_id, token_hash, remember_me, user_agent, ip, issued_at, last_used_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, record.UserID, record.TokenHash, record.RememberMe, record.UserAgent, record.IP, record.IssuedAt, record.LastUsedAt, record.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

func setPasswordTx(ctx context.Context, tx *sql.Tx, userID, passwordHash string, now time.Time) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, password_changed_at = $3, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, now)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func revokeAllTx(ctx context.Context, tx *sql.Tx, userID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked = TRUE
		WHERE user_id = $1
		  AND revoked = FALSE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke user refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
