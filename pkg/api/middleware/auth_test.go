package middleware

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keelstore/keel/pkg/apperr"
)

func mintToken(t *testing.T, secret, subject, role string, ttl time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestVerifyToken(t *testing.T) {
	token := mintToken(t, "secret", "user-1", "authenticated", time.Hour)

	p, err := VerifyToken("secret", token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if p.Owner != "user-1" || p.Role != "authenticated" {
		t.Errorf("principal = %+v", p)
	}
}

func TestVerifyToken_DefaultRole(t *testing.T) {
	token := mintToken(t, "secret", "user-1", "", time.Hour)

	p, err := VerifyToken("secret", token)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if p.Role != "authenticated" {
		t.Errorf("Role = %q, want authenticated", p.Role)
	}
}

func TestVerifyToken_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", mintToken(t, "other-secret", "user-1", "authenticated", time.Hour)},
		{"expired", mintToken(t, "secret", "user-1", "authenticated", -time.Minute)},
		{"garbage", "not.a.jwt"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := VerifyToken("secret", tc.token); err == nil {
				t.Error("token accepted")
			}
		})
	}
}

func TestVerifyToken_RejectsUnsignedAlg(t *testing.T) {
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "user-1"},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := VerifyToken("secret", token); err == nil {
		t.Error("alg=none token accepted")
	}
}

func TestAuthenticate_BearerToken(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/object/b/k", nil)
	r.Header.Set("Authorization", "Bearer "+mintToken(t, "secret", "user-1", "", time.Hour))

	p, err := Authenticate(r, "secret", "svc-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Owner != "user-1" {
		t.Errorf("Owner = %q", p.Owner)
	}
}

func TestAuthenticate_ApiKeyHeader(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/object/b/k", nil)
	r.Header.Set("ApiKey", mintToken(t, "secret", "user-2", "", time.Hour))

	p, err := Authenticate(r, "secret", "")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Owner != "user-2" {
		t.Errorf("Owner = %q", p.Owner)
	}
}

func TestAuthenticate_ServiceKey(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/bucket", nil)
	r.Header.Set("Authorization", "Bearer svc-key")

	p, err := Authenticate(r, "secret", "svc-key")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.Role != "service_role" {
		t.Errorf("Role = %q, want service_role", p.Role)
	}
}

func TestAuthenticate_MissingCredentials(t *testing.T) {
	r, _ := http.NewRequest(http.MethodGet, "/bucket", nil)

	_, err := Authenticate(r, "secret", "svc-key")
	if err == nil {
		t.Fatal("request without credentials accepted")
	}
	if appErr := apperr.As(err); appErr.Code != "AccessDenied" {
		t.Errorf("got %v, want AccessDenied", err)
	}
}
