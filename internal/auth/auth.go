// Package auth validates the opaque bearer token Upstream mints, binding
// the request's current user at the transport boundary. This gateway does
// not authenticate users itself and never mints tokens of its own (spec.md
// §1 Non-goals) — it only decodes and verifies the JWT Upstream already
// issued.
//
// Grounded on internal/auth/auth.go's AuthService, trimmed to the
// ValidateJWT half: no password hashing, no token issuance, no Google ID
// token verification, since none of those concerns exist in this domain.
package auth

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// AuthService validates bearer tokens against a shared signing secret.
type AuthService struct {
	jwtSecret []byte
}

// NewAuthService creates an AuthService. It requires a non-empty secret,
// the same HS256 key Upstream signs tokens with.
func NewAuthService(secret string) (*AuthService, error) {
	if secret == "" {
		return nil, errors.New("JWT secret cannot be empty")
	}
	return &AuthService{jwtSecret: []byte(secret)}, nil
}

// ValidateJWT parses and validates a JWT token string, returning the
// username (subject) stored within it.
func (s *AuthService) ValidateJWT(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}

	if claims, ok := token.Claims.(jwt.MapClaims); ok && token.Valid {
		if username, ok := claims["sub"].(string); ok {
			return username, nil
		}
	}

	return "", errors.New("invalid token")
}
