package auth

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuerConfig() IssuerConfig {
	return IssuerConfig{
		AccessSecret:    strings.Repeat("a", 32),
		RefreshSecret:   strings.Repeat("r", 32),
		Issuer:          "my-app",
		Audience:        "my-app-users",
		AccessTTL:       15 * time.Minute,
		RefreshTTLShort: 7 * 24 * time.Hour,
		RefreshTTLLong:  30 * 24 * time.Hour,
	}
}

func newTestIssuer(t *testing.T) *Issuer {
	t.Helper()
	issuer, err := NewIssuer(testIssuerConfig())
	require.NoError(t, err)
	return issuer
}

func TestIssuer_AccessRoundTrip(t *testing.T) {
	issuer := newTestIssuer(t)
	identity := Identity{UserID: "u1", Role: RoleAdmin, Email: "a@x.com", Name: "Ada"}

	token, expiresAt, err := issuer.IssueAccess(identity)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), expiresAt, 5*time.Second)

	got, err := issuer.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, identity, got)
}

func TestIssuer_RefreshTTLFollowsRememberMe(t *testing.T) {
	issuer := newTestIssuer(t)
	identity := Identity{UserID: "u1", Role: RoleUser}

	_, short, err := issuer.IssueRefresh(identity, false)
	require.NoError(t, err)
	_, long, err := issuer.IssueRefresh(identity, true)
	require.NoError(t, err)

	assert.WithinDuration(t, time.Now().Add(7*24*time.Hour), short, 5*time.Second)
	assert.WithinDuration(t, time.Now().Add(30*24*time.Hour), long, 5*time.Second)
}

func TestIssuer_RefreshTokensAreUnique(t *testing.T) {
	issuer := newTestIssuer(t)
	identity := Identity{UserID: "u1", Role: RoleUser}

	first, _, err := issuer.IssueRefresh(identity, false)
	require.NoError(t, err)
	second, _, err := issuer.IssueRefresh(identity, false)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestIssuer_TokenKindsAreNotInterchangeable(t *testing.T) {
	issuer := newTestIssuer(t)
	identity := Identity{UserID: "u1", Role: RoleUser}

	access, _, err := issuer.IssueAccess(identity)
	require.NoError(t, err)
	refresh, _, err := issuer.IssueRefresh(identity, false)
	require.NoError(t, err)

	_, err = issuer.VerifyRefresh(access)
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = issuer.VerifyAccess(refresh)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsExpired(t *testing.T) {
	issuer := newTestIssuer(t)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }

	token, _, err := issuer.IssueAccess(Identity{UserID: "u1", Role: RoleUser})
	require.NoError(t, err)

	issuer.now = func() time.Time { return time.Now().UTC() }
	_, err = issuer.VerifyAccess(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIssuer_RejectsWrongIssuerOrAudience(t *testing.T) {
	issuer := newTestIssuer(t)

	otherCfg := testIssuerConfig()
	otherCfg.Issuer = "someone-else"
	other, err := NewIssuer(otherCfg)
	require.NoError(t, err)
	token, _, err := other.IssueAccess(Identity{UserID: "u1", Role: RoleUser})
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	otherCfg = testIssuerConfig()
	otherCfg.Audience = "other-audience"
	other, err = NewIssuer(otherCfg)
	require.NoError(t, err)
	token, _, err = other.IssueAccess(Identity{UserID: "u1", Role: RoleUser})
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsBadSignatureAndNoneAlg(t *testing.T) {
	issuer := newTestIssuer(t)

	cfg := testIssuerConfig()
	cfg.AccessSecret = strings.Repeat("z", 32)
	forger, err := NewIssuer(cfg)
	require.NoError(t, err)
	forged, _, err := forger.IssueAccess(Identity{UserID: "u1", Role: RoleAdmin})
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(forged)
	assert.ErrorIs(t, err, ErrInvalidToken)

	unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Role: RoleAdmin,
		Type: tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u1",
			Issuer:    "my-app",
			Audience:  jwt.ClaimStrings{"my-app-users"},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	none, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.VerifyAccess(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssuer_RejectsGarbage(t *testing.T) {
	issuer := newTestIssuer(t)

	for _, token := range []string{"", "not.a.jwt", "a.b", strings.Repeat("x", 300)} {
		_, err := issuer.VerifyAccess(token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestNewIssuer_ValidatesConfig(t *testing.T) {
	cfg := testIssuerConfig()
	cfg.RefreshSecret = cfg.AccessSecret
	_, err := NewIssuer(cfg)
	assert.Error(t, err)

	cfg = testIssuerConfig()
	cfg.Audience = ""
	_, err = NewIssuer(cfg)
	assert.Error(t, err)
}
