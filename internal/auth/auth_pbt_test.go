package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"pgregory.net/rapid"
)

// Property: for any registered client and signing secret, issuing a token and
// validating it returns the same client id with a ~24h expiration.
func TestPropertyTokenRoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clientID := rapid.StringMatching(`[a-z][a-z0-9-]{2,30}`).Draw(rt, "client_id")
		clientSecret := rapid.StringMatching(`[a-zA-Z0-9]{8,64}`).Draw(rt, "client_secret")
		secret := rapid.StringMatching(`[a-zA-Z0-9]{8,64}`).Draw(rt, "secret")

		svc := &Service{
			clients:   map[string]string{clientID: clientSecret},
			jwtSecret: []byte(secret),
			jwtTTL:    24 * time.Hour,
		}

		tokenStr, _, err := svc.IssueToken(context.Background(), clientID, clientSecret)
		if err != nil {
			t.Fatalf("IssueToken failed: %v", err)
		}

		claims, err := svc.ValidateJWT(context.Background(), tokenStr)
		if err != nil {
			t.Fatalf("ValidateJWT failed: %v", err)
		}

		if claims.ClientID != clientID {
			t.Errorf("client id mismatch: got %q, want %q", claims.ClientID, clientID)
		}
		ttl := claims.ExpiresAt.Sub(claims.IssuedAt)
		if ttl < 23*time.Hour+59*time.Minute || ttl > 24*time.Hour+1*time.Minute {
			t.Errorf("TTL = %v, want ~24h", ttl)
		}
	})
}

// Property: expired, tampered, or malformed tokens never validate.
func TestPropertyInvalidTokenRejection(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		clientID := rapid.StringMatching(`[a-z][a-z0-9-]{2,30}`).Draw(rt, "client_id")
		secret := rapid.StringMatching(`[a-zA-Z0-9]{8,64}`).Draw(rt, "secret")

		svc := &Service{
			clients:   map[string]string{clientID: "whatever"},
			jwtSecret: []byte(secret),
			jwtTTL:    24 * time.Hour,
		}

		strategy := rapid.SampledFrom([]string{"expired", "wrong_secret", "malformed"}).Draw(rt, "strategy")

		var tokenStr string
		switch strategy {
		case "expired":
			hoursAgo := rapid.IntRange(25, 720).Draw(rt, "hours_ago")
			past := time.Now().Add(-time.Duration(hoursAgo) * time.Hour)
			claims := jwt.MapClaims{
				"sub": clientID,
				"jti": "abc",
				"iat": jwt.NewNumericDate(past),
				"exp": jwt.NewNumericDate(past.Add(24 * time.Hour)),
			}
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
			tokenStr, _ = tok.SignedString(svc.jwtSecret)

		case "wrong_secret":
			wrongSecret := rapid.StringMatching(`[a-zA-Z0-9]{8,64}`).
				Filter(func(s string) bool { return s != secret }).
				Draw(rt, "wrong_secret")
			claims := jwt.MapClaims{
				"sub": clientID,
				"jti": "abc",
				"iat": jwt.NewNumericDate(time.Now()),
				"exp": jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			}
			tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
			tokenStr, _ = tok.SignedString([]byte(wrongSecret))

		case "malformed":
			tokenStr = rapid.StringMatching(`[a-zA-Z0-9]{5,100}`).Draw(rt, "garbage")
		}

		claims, err := svc.ValidateJWT(context.Background(), tokenStr)
		if err == nil {
			t.Errorf("expected error for %s token, got valid claims: %+v", strategy, claims)
		}
		if claims != nil {
			t.Errorf("expected nil claims for %s token, got: %+v", strategy, claims)
		}
	})
}
