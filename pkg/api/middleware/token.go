package middleware

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keelstore/keel/pkg/apperr"
)

// URLClaims carry a signed URL: the path being authorized plus the standard
// expiry. Subject holds the owner for signed uploads.
type URLClaims struct {
	URL string `json:"url"`
	jwt.RegisteredClaims
}

// SignURLToken mints a token authorizing the given path until the TTL runs
// out. owner may be empty; it becomes the object owner on signed uploads.
func SignURLToken(secret, path, owner string, ttl time.Duration) (string, error) {
	claims := URLClaims{
		URL: path,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   owner,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// VerifyURLToken validates a signed-URL token and checks it authorizes the
// requested path.
func VerifyURLToken(secret, token, path string) (*URLClaims, error) {
	claims := &URLClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(secret), nil
	})
	if err != nil {
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			return nil, apperr.ExpiredSignature()
		}
		return nil, apperr.InvalidSignature("invalid signed URL token").WithCause(err)
	}
	if !parsed.Valid {
		return nil, apperr.InvalidSignature("invalid signed URL token")
	}
	if claims.URL != path {
		return nil, apperr.InvalidSignature("token does not match the requested path")
	}
	return claims, nil
}
