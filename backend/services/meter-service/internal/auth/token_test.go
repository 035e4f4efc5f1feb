package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)

	token, err := svc.GenerateToken("front-desk", RoleOperator)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	claims, err := svc.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "front-desk" || claims.Role != RoleOperator {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if claims.ExpiresAt == nil || time.Until(claims.ExpiresAt.Time) > time.Minute {
		t.Fatalf("unexpected expiry %v", claims.ExpiresAt)
	}
}

func TestGenerateRequiresSubjectAndSecret(t *testing.T) {
	if _, err := NewTokenService("secret", 0).GenerateToken(" ", RoleOperator); err == nil {
		t.Fatalf("expected error for empty subject")
	}
	if _, err := NewTokenService("", 0).GenerateToken("x", RoleOperator); err == nil {
		t.Fatalf("expected error for empty secret")
	}
}

func TestValidateRejectsForeignTokens(t *testing.T) {
	svc := NewTokenService("secret", time.Minute)

	other, _ := NewTokenService("other", time.Minute).GenerateToken("x", RoleOperator)
	if _, err := svc.ValidateToken(other); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for wrong key, got %v", err)
	}

	unsigned, _ := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if _, err := svc.ValidateToken(unsigned); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for unsigned token, got %v", err)
	}
}
