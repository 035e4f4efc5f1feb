package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"prepaidmeter/backend/services/meter-service/internal/auth"
)

func protected(t *testing.T, tokens TokenValidator) (http.Handler, *string) {
	t.Helper()
	var subject string
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if claims, ok := ClaimsFromContext(r.Context()); ok {
			subject = claims.Subject
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return Auth(tokens)(next), &subject
}

func mint(t *testing.T, secret, subject, role string, ttl time.Duration) string {
	t.Helper()
	token, err := auth.NewTokenService(secret, ttl).GenerateToken(subject, role)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	return token
}

func expired(t *testing.T, secret string) string {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		Role: auth.RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "x",
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func serve(h http.Handler, header string) int {
	req := httptest.NewRequest(http.MethodPost, "/tickets", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code
}

func TestAuthAcceptsOperatorToken(t *testing.T) {
	h, subject := protected(t, auth.NewTokenService("secret", time.Hour))

	code := serve(h, "Bearer "+mint(t, "secret", "front-desk", auth.RoleOperator, time.Hour))
	if code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", code)
	}
	if *subject != "front-desk" {
		t.Fatalf("expected subject in context, got %q", *subject)
	}
}

func TestAuthRejectsBadTokens(t *testing.T) {
	h, _ := protected(t, auth.NewTokenService("secret", time.Hour))

	cases := map[string]string{
		"missing":   "",
		"scheme":    "Basic abc",
		"garbage":   "Bearer not-a-token",
		"wrong key": "Bearer " + mint(t, "other", "x", auth.RoleOperator, time.Hour),
		"expired":   "Bearer " + expired(t, "secret"),
	}
	for name, header := range cases {
		if code := serve(h, header); code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", name, code)
		}
	}
}

func TestAuthRequiresOperatorRole(t *testing.T) {
	h, _ := protected(t, auth.NewTokenService("secret", time.Hour))
	if code := serve(h, "Bearer "+mint(t, "secret", "viewer", "viewer", time.Hour)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
}

func TestAuthDisabledWithoutValidator(t *testing.T) {
	h, _ := protected(t, nil)
	if code := serve(h, ""); code != http.StatusNoContent {
		t.Fatalf("expected pass-through, got %d", code)
	}
}
