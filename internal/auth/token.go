// Package auth verifies the tokens relay connections present. Tokens are
// issued by the Chronicle API; Issue exists for tools and tests.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type Claims struct {
	Name string `json:"name"`
	Role string `json:"role"`
	// Document restricts the token to one document when set.
	Document string `json:"doc,omitempty"`
	jwt.RegisteredClaims
}

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrExpiredToken  = errors.New("expired token")
	ErrWrongDocument = errors.New("token not valid for document")
)

// IssueToken signs claims with HS256. A zero expiry defaults to ttl from now.
func IssueToken(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	if claims.ExpiresAt == nil {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func ParseToken(secret []byte, token string) (Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Claims{}, ErrExpiredToken
	}
	if err != nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Allows reports whether the claims may open documentID.
func (c Claims) Allows(documentID string) error {
	if c.Document != "" && c.Document != documentID {
		return ErrWrongDocument
	}
	return nil
}

// DisplayName falls back to the subject when the token carries no name.
func (c Claims) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.Subject
}
