package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// testService creates a Service with a known secret for testing JWT logic
// without requiring Redis (the jti guard is skipped when rdb is nil).
func testService() *Service {
	return &Service{
		clients:   map[string]string{"ci-runner": "s3cret"},
		jwtSecret: []byte("test-secret-key"),
		jwtTTL:    24 * time.Hour,
	}
}

func TestIssueAndValidateToken(t *testing.T) {
	svc := testService()

	token, expiresAt, err := svc.IssueToken(context.Background(), "ci-runner", "s3cret")
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	if time.Until(expiresAt) < 23*time.Hour {
		t.Errorf("expiresAt = %v, want ~24h out", expiresAt)
	}

	claims, err := svc.ValidateJWT(context.Background(), token)
	if err != nil {
		t.Fatalf("ValidateJWT: %v", err)
	}
	if claims.ClientID != "ci-runner" {
		t.Errorf("client_id = %q, want %q", claims.ClientID, "ci-runner")
	}
	if claims.IssuedAt.IsZero() || claims.ExpiresAt.IsZero() {
		t.Error("IssuedAt and ExpiresAt should be set")
	}
}

func TestIssueToken_WrongSecret(t *testing.T) {
	svc := testService()
	_, _, err := svc.IssueToken(context.Background(), "ci-runner", "wrong")
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestIssueToken_UnknownClient(t *testing.T) {
	svc := testService()
	_, _, err := svc.IssueToken(context.Background(), "nobody", "s3cret")
	if err != ErrInvalidCredentials {
		t.Errorf("expected ErrInvalidCredentials, got %v", err)
	}
}

func TestValidateJWT_Expired(t *testing.T) {
	svc := testService()
	now := time.Now().Add(-48 * time.Hour)
	claims := jwt.MapClaims{
		"sub": "ci-runner",
		"jti": "abc",
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(24 * time.Hour)), // expired 24h ago
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, _ := token.SignedString(svc.jwtSecret)

	_, err := svc.ValidateJWT(context.Background(), tokenStr)
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_Malformed(t *testing.T) {
	svc := testService()
	_, err := svc.ValidateJWT(context.Background(), "not-a-jwt")
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_WrongSigningSecret(t *testing.T) {
	svc := testService()
	claims := jwt.MapClaims{
		"sub": "ci-runner",
		"jti": "abc",
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, _ := token.SignedString([]byte("wrong-secret"))

	_, err := svc.ValidateJWT(context.Background(), tokenStr)
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateJWT_UnregisteredClient(t *testing.T) {
	svc := testService()
	// Signed correctly but for a client that is no longer configured.
	claims := jwt.MapClaims{
		"sub": "decommissioned",
		"jti": "abc",
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, _ := token.SignedString(svc.jwtSecret)

	_, err := svc.ValidateJWT(context.Background(), tokenStr)
	if err != ErrInvalidToken {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestJWTMiddleware_NoHeader(t *testing.T) {
	svc := testService()
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	svc := testService()
	tokenStr, _, _ := svc.IssueToken(context.Background(), "ci-runner", "s3cret")

	var gotClaims *ClientClaims
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if gotClaims == nil || gotClaims.ClientID != "ci-runner" {
		t.Errorf("claims mismatch, got %+v", gotClaims)
	}
}

func TestJWTMiddleware_InvalidToken(t *testing.T) {
	svc := testService()
	handler := svc.JWTMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestClaimsFromContext_NoClaims(t *testing.T) {
	claims := ClaimsFromContext(context.Background())
	if claims != nil {
		t.Errorf("expected nil claims, got %+v", claims)
	}
}

func TestHandleToken(t *testing.T) {
	h := NewHandler(testService())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/token",
		strings.NewReader(`{"client_id":"ci-runner","client_secret":"s3cret"}`))
	h.HandleToken(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp tokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.AccessToken == "" || resp.TokenType != "Bearer" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestHandleToken_BadCredentials(t *testing.T) {
	h := NewHandler(testService())

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/token",
		strings.NewReader(`{"client_id":"ci-runner","client_secret":"nope"}`))
	h.HandleToken(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
