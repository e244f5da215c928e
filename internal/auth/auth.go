// Package auth verifies bearer tokens for the escrow API.
//
// Users authenticate with HS256 JWTs issued by the marketplace's identity
// service; the token carries the user id as subject and a role claim. The
// rental module calls internal endpoints with a shared service token.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingToken = errors.New("missing bearer token")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownRole  = errors.New("unknown role")
)

// Role is what a caller may do.
type Role string

const (
	RoleRenter  Role = "renter"
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleService Role = "service"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleRenter, RoleOwner, RoleAdmin, RoleService:
		return true
	}
	return false
}

// Claims is the JWT payload.
type Claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

// Principal is the authenticated caller.
type Principal struct {
	Subject string
	Role    Role
}

// TokenManager issues and verifies access tokens.
type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenManager creates a manager. An empty issuer skips the issuer check.
func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenManager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a token for subject. Used by tests and local tooling; production
// tokens come from the identity service.
func (m *TokenManager) Issue(subject string, role Role) (string, error) {
	if !role.Valid() {
		return "", ErrUnknownRole
	}
	now := m.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// Parse verifies raw and returns the caller it identifies.
func (m *TokenManager) Parse(raw string) (*Principal, error) {
	if raw == "" {
		return nil, ErrMissingToken
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subject is empty", ErrInvalidToken)
	}
	if !claims.Role.Valid() || claims.Role == RoleService {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
	return &Principal{Subject: claims.Subject, Role: claims.Role}, nil
}
