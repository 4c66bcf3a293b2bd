package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/ridesync/internal/ride/domain"
)

// ErrMalformedToken is returned when a credential is not a readable JWT.
var ErrMalformedToken = errors.New("malformed token")

// Claims carries the identity fields the backend puts in its tokens.
type Claims struct {
	UserID domain.LooseID `json:"id,omitempty"`
	Name   string         `json:"name,omitempty"`
	Role   string         `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Inspect reads the claims of a credential. The signature is not verified:
// the client holds no key and the backend re-validates every request.
func Inspect(cred domain.Credential) (*Claims, error) {
	if cred.Empty() {
		return nil, ErrMalformedToken
	}
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(cred.Token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// Identity derives the identity from claims, preferring explicit fallbacks
// returned by the login endpoint.
func Identity(claims *Claims, fallbackID, fallbackName string) domain.Identity {
	id := fallbackID
	if id == "" && claims != nil {
		id = string(claims.UserID)
		if id == "" {
			id = claims.Subject
		}
	}
	name := fallbackName
	if name == "" && claims != nil {
		name = claims.Name
	}
	return domain.Identity{ID: id, Name: name}
}

// CheckExpiry fails with domain.ErrCredentialExpired once exp has passed.
// Tokens without exp never expire on the client side.
func CheckExpiry(claims *Claims, now time.Time) error {
	if claims == nil || claims.ExpiresAt == nil {
		return nil
	}
	if !now.Before(claims.ExpiresAt.Time) {
		return fmt.Errorf("token expired at %s: %w", claims.ExpiresAt.Time.Format(time.RFC3339), domain.ErrCredentialExpired)
	}
	return nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
