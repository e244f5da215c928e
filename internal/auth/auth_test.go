package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	m := NewTokenManager("test-secret", "marketplace", time.Hour)

	raw, err := m.Issue("usr_renter", RoleRenter)
	require.NoError(t, err)

	p, err := m.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "usr_renter", p.Subject)
	assert.Equal(t, RoleRenter, p.Role)
}

func TestParse_WrongSecret(t *testing.T) {
	raw, err := NewTokenManager("one", "", time.Hour).Issue("usr_1", RoleOwner)
	require.NoError(t, err)

	_, err = NewTokenManager("two", "", time.Hour).Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Expired(t *testing.T) {
	m := NewTokenManager("secret", "", time.Minute)
	m.now = func() time.Time { return time.Now().Add(-time.Hour) }
	raw, err := m.Issue("usr_1", RoleOwner)
	require.NoError(t, err)

	_, err = NewTokenManager("secret", "", time.Minute).Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_WrongIssuer(t *testing.T) {
	raw, err := NewTokenManager("secret", "other", time.Hour).Issue("usr_1", RoleAdmin)
	require.NoError(t, err)

	_, err = NewTokenManager("secret", "marketplace", time.Hour).Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestParse_Empty(t *testing.T) {
	_, err := NewTokenManager("secret", "", time.Hour).Parse("")
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestParse_RejectsServiceRoleInJWT(t *testing.T) {
	m := NewTokenManager("secret", "", time.Hour)
	claims := Claims{
		Role: RoleService,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = m.Parse(raw)
	assert.ErrorIs(t, err, ErrUnknownRole)
}

func TestParse_RejectsNoneAlgorithm(t *testing.T) {
	m := NewTokenManager("secret", "", time.Hour)
	claims := Claims{Role: RoleAdmin, RegisteredClaims: jwt.RegisteredClaims{Subject: "attacker"}}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = m.Parse(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssue_UnknownRole(t *testing.T) {
	_, err := NewTokenManager("secret", "", time.Hour).Issue("usr_1", Role("root"))
	assert.ErrorIs(t, err, ErrUnknownRole)
}
