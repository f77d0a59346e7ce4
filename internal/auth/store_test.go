package auth

import (
	"context"
	"sync"
	"time"
)

// memStore mirrors the conditional writes of Repository under one mutex.
type memStore struct {
	mu       sync.Mutex
	users    map[string]User
	refresh  map[string]RefreshTokenRecord
	resets   map[string]PasswordResetToken
	attempts map[string]LoginAttempt
	ipHits   map[string]int

	failNext error
}

func newMemStore() *memStore {
	return &memStore{
		users:    make(map[string]User),
		refresh:  make(map[string]RefreshTokenRecord),
		resets:   make(map[string]PasswordResetToken),
		attempts: make(map[string]LoginAttempt),
		ipHits:   make(map[string]int),
	}
}

func (m *memStore) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *memStore) CreateUser(_ context.Context, user User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	for _, existing := range m.users {
		if existing.Email == user.Email {
			return ErrEmailTaken
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return User{}, err
	}
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return User{}, ErrUserNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (m *memStore) UpsertExternalUser(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.users {
		if existing.Email == user.Email {
			if user.Name != nil {
				existing.Name = user.Name
			}
			existing.UpdatedAt = user.UpdatedAt
			m.users[id] = existing
			return existing, nil
		}
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) UpsertAdmin(_ context.Context, user User) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.users {
		if existing.Email == user.Email {
			existing.Role = user.Role
			existing.UpdatedAt = user.UpdatedAt
			m.users[id] = existing
			return existing, nil
		}
	}
	m.users[user.ID] = user
	return user, nil
}

func (m *memStore) UpdateUserRole(_ context.Context, id, role string, now time.Time) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	user.Role = role
	user.UpdatedAt = now
	m.users[id] = user
	return user, nil
}

func (m *memStore) UpdatePassword(_ context.Context, userID, passwordHash string, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.setPassword(userID, passwordHash, now); err != nil {
		return 0, err
	}
	return m.revokeAll(userID), nil
}

func (m *memStore) CreateRefreshToken(_ context.Context, record RefreshTokenRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	m.refresh[record.TokenHash] = record
	return nil
}

func (m *memStore) GetRefreshTokenByHash(_ context.Context, tokenHash string) (RefreshTokenRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refresh[tokenHash]
	if !ok {
		return RefreshTokenRecord{}, ErrInvalidRefreshToken
	}
	return record, nil
}

func (m *memStore) RotateRefreshToken(_ context.Context, oldID string, next RefreshTokenRecord, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, record := range m.refresh {
		if record.ID != oldID {
			continue
		}
		if record.Revoked || record.ReplacedByToken != nil || !now.Before(record.ExpiresAt) {
			return errRefreshNotActive
		}
		replacement := next.TokenHash
		record.Revoked = true
		record.ReplacedByToken = &replacement
		record.LastUsedAt = now
		m.refresh[hash] = record
		m.refresh[next.TokenHash] = next
		return nil
	}
	return errRefreshNotActive
}

func (m *memStore) RevokeRefreshToken(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for hash, record := range m.refresh {
		if record.ID == id {
			record.Revoked = true
			m.refresh[hash] = record
		}
	}
	return nil
}

func (m *memStore) RevokeActiveRefreshToken(_ context.Context, tokenHash string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	record, ok := m.refresh[tokenHash]
	if !ok || record.Revoked || record.ReplacedByToken != nil {
		return false, nil
	}
	record.Revoked = true
	record.LastUsedAt = now
	m.refresh[tokenHash] = record
	return true, nil
}

func (m *memStore) CreatePasswordReset(_ context.Context, token PasswordResetToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	if _, ok := m.users[token.UserID]; !ok {
		return ErrUserNotFound
	}
	for hash, pending := range m.resets {
		if pending.UserID == token.UserID && pending.UsedAt == nil {
			usedAt := token.CreatedAt
			pending.UsedAt = &usedAt
			m.resets[hash] = pending
		}
	}
	m.resets[token.TokenHash] = token
	return nil
}

func (m *memStore) ConsumePasswordReset(_ context.Context, tokenHash, passwordHash string, now time.Time) (string, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	token, ok := m.resets[tokenHash]
	if !ok || token.UsedAt != nil || !now.Before(token.ExpiresAt) {
		return "", 0, ErrInvalidResetToken
	}
	if err := m.setPassword(token.UserID, passwordHash, now); err != nil {
		return "", 0, err
	}
	usedAt := now
	token.UsedAt = &usedAt
	m.resets[tokenHash] = token
	return token.UserID, m.revokeAll(token.UserID), nil
}

func (m *memStore) GetLoginAttempt(_ context.Context, email string) (LoginAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt, ok := m.attempts[email]
	if !ok {
		return LoginAttempt{Email: email}, nil
	}
	return attempt, nil
}

func (m *memStore) RegisterFailedAttempt(_ context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	attempt := m.attempts[email]
	attempt.Email = email
	if attempt.LockedUntil != nil && now.Before(*attempt.LockedUntil) {
		until := *attempt.LockedUntil
		return &until, nil
	}
	attempt.FailedAttempts++
	attempt.LockedUntil = nil
	var lock *time.Time
	if attempt.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		attempt.LockedUntil = &until
		attempt.FailedAttempts = 0
		lock = &until
	}
	m.attempts[email] = attempt
	return lock, nil
}

func (m *memStore) ResetLoginAttempt(_ context.Context, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.attempts, email)
	return nil
}

func (m *memStore) AllowIP(_ context.Context, bucket, ip string, maxHits int, window time.Duration, _ time.Time) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, 0, err
	}
	key := bucket + "|" + ip
	m.ipHits[key]++
	if m.ipHits[key] > maxHits {
		return false, window, nil
	}
	return true, 0, nil
}

func (m *memStore) setPassword(userID, passwordHash string, now time.Time) error {
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	changedAt := now
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = &changedAt
	user.UpdatedAt = now
	m.users[userID] = user
	return nil
}

func (m *memStore) revokeAll(userID string) int64 {
	var count int64
	for hash, record := range m.refresh {
		if record.UserID == userID && !record.Revoked {
			record.Revoked = true
			m.refresh[hash] = record
			count++
		}
	}
	return count
}

func (m *memStore) recordByID(id string) (RefreshTokenRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, record := range m.refresh {
		if record.ID == id {
			return record, true
		}
	}
	return RefreshTokenRecord{}, false
}

func (m *memStore) pendingResets(userID string, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, token := range m.resets {
		if token.UserID == userID && token.UsedAt == nil && now.Before(token.ExpiresAt) {
			count++
		}
	}
	return count
}
