// Package middleware holds the native API's authentication and request
// middleware.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keelstore/keel/pkg/apperr"
)

// Claims are the token claims the gateway understands.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	// Owner is the token subject; used as object owner on writes.
	Owner string

	// Role scopes database access: "anon", "authenticated" or
	// "service_role".
	Role string
}

// VerifyToken validates an HMAC-signed JWT against the tenant secret.
func VerifyToken(secret, token string) (*Principal, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil || !parsed.Valid {
		return nil, apperr.InvalidJWT("invalid or expired token").WithCause(err)
	}

	role := claims.Role
	if role == "" {
		role = "authenticated"
	}
	return &Principal{Owner: claims.Subject, Role: role}, nil
}

// Authenticate extracts and verifies the request credentials: a bearer token
// in Authorization, the apikey header, or the tenant service key.
func Authenticate(r *http.Request, jwtSecret, serviceKey string) (*Principal, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, apperr.AccessDenied("missing authorization")
	}

	if serviceKey != "" && subtle.ConstantTimeCompare([]byte(token), []byte(serviceKey)) == 1 {
		return &Principal{Role: "service_role"}, nil
	}
	return VerifyToken(jwtSecret, token)
}

// bearerToken pulls the credential from Authorization or the apikey header.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return token
	}
	return r.Header.Get("ApiKey")
}
