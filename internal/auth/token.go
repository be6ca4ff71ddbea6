// Package auth validates bearer tokens and stamps the request context with
// the caller's identity. Tokens are HMAC-signed JWTs carrying a tenant_id
// claim; with auth disabled every request runs as the demo identity.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ismaeldosil/valerie-gateway/internal/domain"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// DemoIdentity is the fixed identity injected when auth is disabled.
var DemoIdentity = domain.Identity{
	Tenant:  "demo-tenant",
	Subject: "demo@example.com",
	Roles:   []string{"demo-user"},
}

// Verifier validates HMAC-signed JWTs against a pre-shared secret.
type Verifier struct {
	secret []byte
	method jwt.SigningMethod
}

// NewVerifier creates a verifier for the given algorithm (HS256, HS384 or
// HS512).
func NewVerifier(secret []byte, algorithm string) (*Verifier, error) {
	var method jwt.SigningMethod
	switch algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return nil, fmt.Errorf("unsupported signing algorithm %q", algorithm)
	}
	return &Verifier{secret: secret, method: method}, nil
}

// Verify validates the token and extracts the identity. The tenant_id claim
// is required; user_roles and sub are optional.
func (v *Verifier) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != v.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Identity{}, ErrExpiredToken
		}
		return domain.Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return domain.Identity{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return domain.Identity{}, ErrInvalidToken
	}

	tenant, ok := claims["tenant_id"].(string)
	if !ok || tenant == "" {
		return domain.Identity{}, fmt.Errorf("%w: tenant_id", ErrMissingClaim)
	}

	identity := domain.Identity{Tenant: tenant}
	if sub, ok := claims["sub"].(string); ok {
		identity.Subject = sub
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		identity.ExpiresAt = exp.Time
	}
	if raw, ok := claims["user_roles"].([]any); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok {
				identity.Roles = append(identity.Roles, s)
			}
		}
	}

	return identity, nil
}

// Generate signs a token for the given identity, used by tests and the
// operator tooling.
func (v *Verifier) Generate(identity domain.Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"tenant_id": identity.Tenant,
		"iat":       now.Unix(),
		"exp":       now.Add(expiresIn).Unix(),
	}
	if identity.Subject != "" {
		claims["sub"] = identity.Subject
	}
	if len(identity.Roles) > 0 {
		claims["user_roles"] = identity.Roles
	}

	token := jwt.NewWithClaims(v.method, claims)
	return token.SignedString(v.secret)
}
