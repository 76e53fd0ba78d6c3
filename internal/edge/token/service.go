// Package token mints and verifies the two credentials of the edge plane:
// one-shot registration tokens (random, hash-at-rest) and short-lived JWT
// access tokens carrying the runtime identity.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"strato/internal/domain/edge"
)

const subjectRuntimeAccess = "runtime_access"

// Claims is the verified identity carried by a runtime access token.
type Claims struct {
	TenantID  uuid.UUID
	RuntimeID uuid.UUID
	TokenID   string
	ExpiresAt time.Time
}

// Service is stateless token cryptography. Secrets are injected once at
// construction.
type Service struct {
	secret    []byte
	method    jwt.SigningMethod
	accessTTL time.Duration
	now       func() time.Time
}

// NewService creates a token service. alg selects the HMAC variant
// (HS256/HS384/HS512); unknown values fall back to HS256. TTLs below 60s
// are raised to 60s.
func NewService(secret, alg string, accessTTL time.Duration) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret not configured")
	}
	if accessTTL < time.Minute {
		accessTTL = time.Minute
	}
	method := jwt.GetSigningMethod(alg)
	if _, ok := method.(*jwt.SigningMethodHMAC); !ok {
		method = jwt.SigningMethodHS256
	}
	return &Service{
		secret:    []byte(secret),
		method:    method,
		accessTTL: accessTTL,
		now:       time.Now,
	}, nil
}

// WithClock overrides the time source. Tests only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// MintRegistrationToken generates a 32-byte random URL-safe token and the
// SHA-256 hash persisted in its place.
func (s *Service) MintRegistrationToken() (raw string, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("mint registration token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashRegistrationToken(raw), nil
}

// HashRegistrationToken computes the at-rest hash of a raw registration
// token.
func HashRegistrationToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueAccessToken produces a signed bearer token for the runtime. The
// returned expiry matches the token's exp claim.
func (s *Service) IssueAccessToken(tenantID, runtimeID uuid.UUID) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTTL)
	claims := jwt.MapClaims{
		"sub":       subjectRuntimeAccess,
		"tenant_id": tenantID.String(),
		"ep_id":     runtimeID.String(),
		"jti":       uuid.NewString(),
		"iat":       now.Unix(),
		"nbf":       now.Unix(),
		"exp":       expiresAt.Unix(),
	}
	signed, err := jwt.NewWithClaims(s.method, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}
	return signed, expiresAt, nil
}

// VerifyAccessToken validates the signature, subject and time bounds and
// returns the runtime identity. Every failure collapses to ErrInvalidToken.
func (s *Service) VerifyAccessToken(tokenString string) (Claims, error) {
	parsed, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %s", t.Method.Alg())
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Claims{}, edge.ErrInvalidToken
	}
	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, edge.ErrInvalidToken
	}
	if sub, _ := mapClaims.GetSubject(); sub != subjectRuntimeAccess {
		return Claims{}, edge.ErrInvalidToken
	}
	tenantID, err := claimUUID(mapClaims, "tenant_id")
	if err != nil {
		return Claims{}, edge.ErrInvalidToken
	}
	runtimeID, err := claimUUID(mapClaims, "ep_id")
	if err != nil {
		return Claims{}, edge.ErrInvalidToken
	}
	out := Claims{TenantID: tenantID, RuntimeID: runtimeID}
	if jti, ok := mapClaims["jti"].(string); ok {
		out.TokenID = jti
	}
	if exp, err := mapClaims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func claimUUID(claims jwt.MapClaims, key string) (uuid.UUID, error) {
	v, ok := claims[key].(string)
	if !ok {
		return uuid.Nil, fmt.Errorf("claim %s missing", key)
	}
	return uuid.Parse(v)
}
