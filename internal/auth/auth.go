// Package auth verifies bearer tokens and carries the resulting actor
// through the request context.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/example/bloodlink/internal/policy"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid or expired token")
	ErrRevokedToken = errors.New("token has been revoked")
)

const leeway = 30 * time.Second

type Claims struct {
	Role          string `json:"role"`
	InstitutionID string `json:"institution_id,omitempty"`
	jwt.RegisteredClaims
}

// Revocations is the store of revoked token ids.
type Revocations interface {
	Revoke(ctx context.Context, jti string, ttl time.Duration) error
	IsRevoked(ctx context.Context, jti string) (bool, error)
}

type Verifier struct {
	secret  []byte
	revoked Revocations
}

// NewVerifier checks HS256 tokens signed with secret. revoked may be nil.
func NewVerifier(secret string, revoked Revocations) *Verifier {
	return &Verifier{secret: []byte(secret), revoked: revoked}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

// Verify parses token and returns the actor it authenticates.
func (v *Verifier) Verify(ctx context.Context, token string) (policy.Actor, *Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithLeeway(leeway), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return policy.Actor{}, nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	actor := policy.Actor{ID: claims.Subject, Role: policy.Role(claims.Role), InstitutionID: claims.InstitutionID}
	if actor.ID == "" || !actor.Role.Valid() {
		return policy.Actor{}, nil, fmt.Errorf("%w: missing subject or unknown role", ErrInvalidToken)
	}
	if v.revoked != nil && claims.ID != "" {
		revoked, err := v.revoked.IsRevoked(ctx, claims.ID)
		if err != nil {
			return policy.Actor{}, nil, fmt.Errorf("check revocation: %w", err)
		}
		if revoked {
			return policy.Actor{}, nil, ErrRevokedToken
		}
	}
	return actor, claims, nil
}

// Revoke blacklists the token's id until it would have expired anyway.
func (v *Verifier) Revoke(ctx context.Context, claims *Claims) error {
	if v.revoked == nil || claims == nil || claims.ID == "" {
		return nil
	}
	ttl := time.Hour
	if claims.ExpiresAt != nil {
		ttl = time.Until(claims.ExpiresAt.Time) + leeway
	}
	if ttl <= 0 {
		return nil
	}
	return v.revoked.Revoke(ctx, claims.ID, ttl)
}

// Issue signs a token for actor. Used by operators and tests; real
// deployments get tokens from the identity provider.
func Issue(secret string, actor policy.Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Role:          string(actor.Role),
		InstitutionID: actor.InstitutionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

type actorKey struct{}

func WithActor(ctx context.Context, a policy.Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

func ActorFrom(ctx context.Context) (policy.Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(policy.Actor)
	return a, ok
}
