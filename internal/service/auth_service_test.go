package service

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"geopresence/internal/helper"
	"geopresence/internal/model"
)

func TestAccessTokenRoundTrip(t *testing.T) {
	InitAuthConfig("test-secret", "")

	subject := model.Subject{ID: "tech-7", DisplayName: "Rosa Quispe", Contact: "987654321", Role: "tecnico"}
	token, err := GenerateAccessToken(subject)
	if err != nil {
		t.Fatal(err)
	}

	claims, err := ValidateAccessToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject() != subject {
		t.Errorf("subject = %+v, want %+v", claims.Subject(), subject)
	}
	if claims.IsAdmin() {
		t.Error("tecnico must not be admin")
	}
}

func TestValidateAccessToken_Rejects(t *testing.T) {
	InitAuthConfig("test-secret", "")

	sign := func(method jwt.SigningMethod, key interface{}, c *Claims) string {
		s, err := jwt.NewWithClaims(method, c).SignedString(key)
		if err != nil {
			t.Fatal(err)
		}
		return s
	}
	expired := &Claims{SubjectID: "a", RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))}}

	tests := map[string]string{
		"wrong secret": sign(jwt.SigningMethodHS256, []byte("other"), &Claims{SubjectID: "a"}),
		"wrong alg":    sign(jwt.SigningMethodHS512, []byte("test-secret"), &Claims{SubjectID: "a"}),
		"expired":      sign(jwt.SigningMethodHS256, []byte("test-secret"), expired),
		"no subject":   sign(jwt.SigningMethodHS256, []byte("test-secret"), &Claims{Role: "admin"}),
		"garbage":      "not-a-token",
	}
	for name, token := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := ValidateAccessToken(token); err == nil {
				t.Error("expected rejection")
			}
		})
	}
}

func TestVerifyAdminPIN(t *testing.T) {
	InitAuthConfig("s", "")
	if err := VerifyAdminPIN("1234"); !errors.Is(err, ErrPINNotConfigured) {
		t.Fatalf("err = %v, want ErrPINNotConfigured", err)
	}

	hash, err := helper.HashPassword("1234")
	if err != nil {
		t.Fatal(err)
	}
	InitAuthConfig("s", hash)
	if err := VerifyAdminPIN("1234"); err != nil {
		t.Errorf("correct PIN rejected: %v", err)
	}
	if err := VerifyAdminPIN("0000"); !errors.Is(err, ErrInvalidPIN) {
		t.Errorf("err = %v, want ErrInvalidPIN", err)
	}
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry(nil)
	a := r.Open(model.Subject{ID: "a"}, "10.0.0.1")
	time.Sleep(time.Millisecond)
	b := r.Open(model.Subject{ID: "b"}, "10.0.0.2")

	r.SetState(a, "active")
	r.SetConsent(a, "granted")

	list := r.List()
	if len(list) != 2 || list[0].ID != a || list[0].State != "active" || list[0].Consent != "granted" {
		t.Fatalf("unexpected list %+v", list)
	}

	r.Close(a)
	r.Close(a)
	if list := r.List(); len(list) != 1 || list[0].ID != b {
		t.Fatalf("after close: %+v", list)
	}
}
