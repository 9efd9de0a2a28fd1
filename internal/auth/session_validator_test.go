package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
)

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    DefaultIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func newTestValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow)))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims := validClaims(clockNow.Add(-3 * time.Hour))
	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims := validClaims(clockNow)
	claims.Issuer = "someone-else"
	if _, err := validator.ValidateToken(signTestToken(t, claims)); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	signed := signTestToken(t, validClaims(time.Now()))

	fromQuery := httptest.NewRequest(http.MethodGet, "/text-demo?token="+signed, http.NoBody)
	if _, err := validator.ValidateRequest(fromQuery); err != nil {
		t.Fatalf("query token rejected: %v", err)
	}

	fromCookie := httptest.NewRequest(http.MethodGet, "/text-demo", http.NoBody)
	fromCookie.AddCookie(&http.Cookie{Name: DefaultCookieName, Value: signed})
	if _, err := validator.ValidateRequest(fromCookie); err != nil {
		t.Fatalf("cookie token rejected: %v", err)
	}

	fromHeader := httptest.NewRequest(http.MethodGet, "/text-demo", http.NoBody)
	fromHeader.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(fromHeader); err != nil {
		t.Fatalf("bearer token rejected: %v", err)
	}

	missing := httptest.NewRequest(http.MethodGet, "/text-demo", http.NoBody)
	if _, err := validator.ValidateRequest(missing); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionClaimsPermits(t *testing.T) {
	open := SessionClaims{}
	if !open.Permits("text:demo") {
		t.Fatalf("claims without rooms should permit any room")
	}
	scoped := SessionClaims{Rooms: []string{"text:demo"}}
	if !scoped.Permits("text:demo") || scoped.Permits("text:other") {
		t.Fatalf("scoped claims should only permit listed rooms")
	}
}
