package auth_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/example/ridesync/internal/auth"
	"github.com/example/ridesync/internal/ride/domain"
)

func sign(t *testing.T, claims auth.Claims) domain.Credential {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return domain.Credential{Token: token}
}

func TestInspectReadsIdentity(t *testing.T) {
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	cred := sign(t, auth.Claims{
		Name:             "Dana",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u-7", ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour))},
	})

	claims, err := auth.Inspect(cred)
	require.NoError(t, err)
	require.Equal(t, domain.Identity{ID: "u-7", Name: "Dana"}, auth.Identity(claims, "", ""))
	require.Equal(t, domain.Identity{ID: "u-1", Name: "Dana"}, auth.Identity(claims, "u-1", ""))
	require.NoError(t, auth.CheckExpiry(claims, now))
	require.ErrorIs(t, auth.CheckExpiry(claims, now.Add(2*time.Hour)), domain.ErrCredentialExpired)
}

func TestInspectPrefersIDClaim(t *testing.T) {
	cred := sign(t, auth.Claims{UserID: domain.LooseID("42"), RegisteredClaims: jwt.RegisteredClaims{Subject: "ignored"}})
	claims, err := auth.Inspect(cred)
	require.NoError(t, err)
	require.Equal(t, "42", auth.Identity(claims, "", "").ID)
	require.NoError(t, auth.CheckExpiry(claims, time.Now()))
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := auth.Inspect(domain.Credential{Token: "not-a-jwt"})
	require.ErrorIs(t, err, auth.ErrMalformedToken)
	_, err = auth.Inspect(domain.Credential{})
	require.ErrorIs(t, err, auth.ErrMalformedToken)
}

func TestBearerToken(t *testing.T) {
	require.Equal(t, "abc", auth.BearerToken("Bearer abc"))
	require.Equal(t, "abc", auth.BearerToken("bearer abc"))
	require.Empty(t, auth.BearerToken("Basic abc"))
	require.Empty(t, auth.BearerToken("abc"))
	require.Empty(t, auth.BearerToken(""))
}
