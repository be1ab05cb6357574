// ABOUTME: JWT token verification for authenticating gateway connections
// ABOUTME: Uses HS256 signing with configurable secret

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// Identity is the authenticated caller extracted from a verified token.
type Identity struct {
	UserID string
	Name   string
	Email  string
	Role   string
}

// IsAdmin returns true if the identity carries the admin role.
func (id *Identity) IsAdmin() bool {
	return id.Role == "ADMIN"
}

// Provider defines the interface for token verification. The gateway never
// inspects tokens itself; any scheme that resolves a token to an Identity
// can back it.
type Provider interface {
	VerifyToken(ctx context.Context, token string) (*Identity, error)
}

// JWTProvider implements Provider using HS256 signed JWTs
type JWTProvider struct {
	secret []byte
}

// NewJWTProvider creates a new JWT provider with the given secret
func NewJWTProvider(secret []byte) *JWTProvider {
	return &JWTProvider{secret: secret}
}

// VerifyToken validates the token and extracts the caller identity from its
// claims. The "sub" claim is required; name, email, and role are optional.
func (p *JWTProvider) VerifyToken(_ context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		// Validate the signing method is HS256
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	})

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	id := &Identity{UserID: sub}
	if name, ok := claims["name"].(string); ok {
		id.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		id.Email = email
	}
	if role, ok := claims["role"].(string); ok {
		id.Role = role
	}

	return id, nil
}

// Generate creates a new JWT token for the given identity with expiration
func (p *JWTProvider) Generate(id *Identity, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": id.UserID,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	if id.Name != "" {
		claims["name"] = id.Name
	}
	if id.Email != "" {
		claims["email"] = id.Email
	}
	if id.Role != "" {
		claims["role"] = id.Role
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(p.secret)
}
