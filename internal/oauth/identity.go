package oauth

import (
	"github.com/golang-jwt/jwt/v5"
)

// AccountNameFromIdentityToken extracts a display name from an OpenID Connect
// id_token, best effort. The token's signature belongs to the provider
// session, not to us, so the claims are parsed without verification and used
// for labelling only, never for authorization.
func AccountNameFromIdentityToken(idToken string) string {
	if idToken == "" {
		return ""
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return ""
	}
	for _, key := range []string{"name", "preferred_username", "email", "upn"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
