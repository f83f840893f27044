// Package auth provides client-credential token issuance and JWT
// authentication for the run API.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// Errors returned by the auth service.
var (
	ErrInvalidCredentials = errors.New("auth: invalid client credentials")
	ErrInvalidToken       = errors.New("auth: invalid or expired JWT token")
)

// ClientClaims holds the authenticated client information extracted from a JWT.
type ClientClaims struct {
	ClientID  string    `json:"client_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service issues and validates JWTs for registered service clients. When a
// redis client is supplied, every issued token carries a jti that is tracked
// in redis for the token's lifetime, so tokens can be revoked and a reused
// jti from another deployment is rejected.
type Service struct {
	rdb       *redis.Client // nil disables the jti guard
	clients   map[string]string
	jwtSecret []byte
	jwtTTL    time.Duration
}

// NewService creates a new auth service. clients maps client_id to
// client_secret.
func NewService(rdb *redis.Client, jwtSecret string, clients map[string]string) *Service {
	return &Service{
		rdb:       rdb,
		clients:   clients,
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    24 * time.Hour,
	}
}

// IssueToken verifies client credentials and returns a signed JWT.
func (s *Service) IssueToken(ctx context.Context, clientID, clientSecret string) (string, time.Time, error) {
	secret, ok := s.clients[clientID]
	if !ok {
		return "", time.Time{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(clientSecret)) != 1 {
		return "", time.Time{}, ErrInvalidCredentials
	}

	jti, err := newJTI()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: generate jti: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(s.jwtTTL)
	claims := jwt.MapClaims{
		"sub": clientID,
		"jti": jti,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(expiresAt),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("auth: sign JWT: %w", err)
	}

	if s.rdb != nil {
		if err := s.rdb.Set(ctx, jtiKey(jti), clientID, s.jwtTTL).Err(); err != nil {
			return "", time.Time{}, fmt.Errorf("auth: track jti: %w", err)
		}
	}
	return token, expiresAt, nil
}

// ValidateJWT verifies a JWT and returns the client claims.
func (s *Service) ValidateJWT(ctx context.Context, tokenStr string) (*ClientClaims, error) {
	token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	clientID, _ := claims["sub"].(string)
	if clientID == "" {
		return nil, ErrInvalidToken
	}
	if _, registered := s.clients[clientID]; !registered {
		return nil, ErrInvalidToken
	}

	iat, _ := claims.GetIssuedAt()
	exp, _ := claims.GetExpirationTime()
	if iat == nil || exp == nil {
		return nil, ErrInvalidToken
	}

	if s.rdb != nil {
		jti, _ := claims["jti"].(string)
		if jti == "" {
			return nil, ErrInvalidToken
		}
		owner, err := s.rdb.Get(ctx, jtiKey(jti)).Result()
		if err != nil || owner != clientID {
			return nil, ErrInvalidToken
		}
	}

	return &ClientClaims{
		ClientID:  clientID,
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}, nil
}

// RevokeToken drops a token's jti so it stops validating. No-op without redis.
func (s *Service) RevokeToken(ctx context.Context, tokenStr string) error {
	if s.rdb == nil {
		return nil
	}
	token, _, err := jwt.NewParser().ParseUnverified(tokenStr, jwt.MapClaims{})
	if err != nil {
		return ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return ErrInvalidToken
	}
	return s.rdb.Del(ctx, jtiKey(jti)).Err()
}

func newJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// jtiKey returns the redis key tracking an issued token.
func jtiKey(jti string) string {
	return "auth:jti:" + jti
}

// --- JWT Middleware ---

type contextKey string

const clientClaimsKey contextKey = "clientClaims"

// JWTMiddleware returns a Chi middleware that validates JWT tokens from the
// Authorization header and injects ClientClaims into the request context.
// Invalid or missing tokens result in a 401 response.
func (s *Service) JWTMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"missing or invalid authorization header"}}`, http.StatusUnauthorized)
			return
		}

		tokenStr := strings.TrimPrefix(header, "Bearer ")
		claims, err := s.ValidateJWT(r.Context(), tokenStr)
		if err != nil {
			http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"invalid or expired token"}}`, http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), clientClaimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext extracts ClientClaims from the request context.
// Returns nil if no claims are present.
func ClaimsFromContext(ctx context.Context) *ClientClaims {
	claims, _ := ctx.Value(clientClaimsKey).(*ClientClaims)
	return claims
}
