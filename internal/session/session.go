// Package session mints and verifies the short-lived token a candidate receives
// after redeeming an access grant. The token authorizes GET /me and nothing else.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"gatehouse/pkg/domain"
	dErrors "gatehouse/pkg/domain-errors"
	"gatehouse/pkg/requestcontext"
)

// MinKeyLength is the shortest accepted HMAC signing key.
const MinKeyLength = 32

// Claims are the candidate session claims. Subject carries the candidate ID.
type Claims struct {
	Stage   string `json:"stage"`
	GrantID string `json:"gid"`
	jwt.RegisteredClaims
}

// CandidateID parses the subject claim.
func (c *Claims) CandidateID() (domain.CandidateID, error) {
	return domain.ParseCandidateID(c.Subject)
}

// Token is a signed session token and its expiry.
type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Service signs and verifies HS256 candidate session tokens.
type Service struct {
	signingKey []byte
	issuer     string
	audience   string
	ttl        time.Duration
}

func New(signingKey, issuer, audience string, ttl time.Duration) (*Service, error) {
	if len(signingKey) < MinKeyLength {
		return nil, fmt.Errorf("session signing key must be at least %d bytes", MinKeyLength)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("session ttl must be positive")
	}
	return &Service{
		signingKey: []byte(signingKey),
		issuer:     issuer,
		audience:   audience,
		ttl:        ttl,
	}, nil
}

// Issue signs a session for candidate, bound to the grant it redeemed.
func (s *Service) Issue(ctx context.Context, candidate domain.CandidateID, grant domain.GrantID, stage domain.Stage) (*Token, error) {
	if candidate.IsNil() {
		return nil, dErrors.New(dErrors.CodeValidation, "candidate is required")
	}
	now := requestcontext.Now(ctx)
	expires := now.Add(s.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Stage:   stage.String(),
		GrantID: grant.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   candidate.String(),
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    s.issuer,
			Audience:  []string{s.audience},
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sign session")
	}
	return &Token{Value: signed, ExpiresAt: expires}, nil
}

// Verify checks signature, algorithm, issuer, audience and lifetime against
// the request clock.
func (s *Service) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "missing session")
	}
	now := requestcontext.Now(ctx)
	claims := new(Claims)
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, jwt.ErrTokenUnverifiable
		}
		return s.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithAudience(s.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "session expired")
		}
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid session")
	}
	if !parsed.Valid {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid session")
	}
	if _, err := claims.CandidateID(); err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid session")
	}
	return claims, nil
}

type claimsKey struct{}

// WithClaims stores verified claims on ctx.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// FromContext returns the claims stored by WithClaims.
func FromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok && c != nil
}
