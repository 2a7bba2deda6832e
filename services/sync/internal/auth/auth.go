// Package auth resolves a connection's credentials to a verified identity and
// its location scope. Credential verification proper (passwords, sessions) is
// an external collaborator; this package only maps pre-issued tokens to
// identities, and both transports refuse a connection before any log access
// when no identity can be resolved.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrTokenNotFound = errors.New("token not found")
	ErrTokenExpired  = errors.New("token expired")
)

// Identity is what the external authenticator hands the core: who the caller
// is and which locations it may see.
type Identity struct {
	UserID    string
	Name      string
	Locations []string
}

// Allowed reports whether the identity's scope covers the given location.
func (id Identity) Allowed(locationID string) bool {
	for _, l := range id.Locations {
		if l == locationID {
			return true
		}
	}
	return false
}

// Authenticator resolves the identity attached to a request.
type Authenticator interface {
	Authenticate(r *http.Request) (Identity, error)
}

// BearerToken extracts the token from the Authorization header, falling back
// to the token query parameter for transports that cannot set headers
// (EventSource).
func BearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if strings.HasPrefix(h, "Bearer ") {
			return strings.TrimPrefix(h, "Bearer ")
		}
	}
	return r.URL.Query().Get("token")
}
