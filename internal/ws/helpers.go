package ws

import (
	"net/url"

	"github.com/google/uuid"
)

func newConnID() string {
	return uuid.NewString()
}

// dialURL appends the token as a query parameter and returns the full and the
// redacted form of the address.
func dialURL(raw, token string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	redacted := *u
	redacted.RawQuery = ""
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), redacted.String(), nil
}
