package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

var ErrNoUserClaim = errors.New("token carries no user id claim")

// userClaims lists the claim names the auth backend has used for the user id, in priority order.
var userClaims = []string{"userId", "user_id", "id", "sub"}

// UserIDFromToken extracts the caller's user id from a bearer token.
// The signature is not verified: the server validates the token, the client only needs to know who it is.
func UserIDFromToken(token string) (string, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse token: %w", err)
	}
	for _, name := range userClaims {
		switch v := claims[name].(type) {
		case string:
			if v != "" {
				return v, nil
			}
		case float64:
			return fmt.Sprintf("%.0f", v), nil
		}
	}
	return "", ErrNoUserClaim
}
