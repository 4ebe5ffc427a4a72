package identity

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func signed(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("secret"))
	require.NoError(t, err)
	return token
}

func TestUserIDFromTokenStringClaim(t *testing.T) {
	id, err := UserIDFromToken(signed(t, jwt.MapClaims{"userId": "staff-7"}))
	require.NoError(t, err)
	require.Equal(t, "staff-7", id)
}

func TestUserIDFromTokenNumericClaim(t *testing.T) {
	id, err := UserIDFromToken(signed(t, jwt.MapClaims{"id": 42}))
	require.NoError(t, err)
	require.Equal(t, "42", id)
}

func TestUserIDFromTokenFallsBackToSubject(t *testing.T) {
	id, err := UserIDFromToken(signed(t, jwt.MapClaims{"sub": "u-1", "role": "admin"}))
	require.NoError(t, err)
	require.Equal(t, "u-1", id)
}

func TestUserIDFromTokenMissingClaim(t *testing.T) {
	_, err := UserIDFromToken(signed(t, jwt.MapClaims{"role": "admin"}))
	require.ErrorIs(t, err, ErrNoUserClaim)
}

func TestUserIDFromTokenMalformed(t *testing.T) {
	_, err := UserIDFromToken("not-a-token")
	require.Error(t, err)
}
