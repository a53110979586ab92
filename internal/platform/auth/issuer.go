package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer signs HS256 access tokens.
type TokenIssuer struct {
	issuer string
	key    []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenIssuer(issuer string, key []byte, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{issuer: issuer, key: key, ttl: ttl, now: time.Now}
}

// IssuedToken is a signed token and its metadata.
type IssuedToken struct {
	AccessToken string    `json:"access_token"`
	TokenType   string    `json:"token_type"`
	ExpiresAt   time.Time `json:"expires_at"`
	ID          string    `json:"-"`
}

func (i *TokenIssuer) Issue(subject, name string, roles []string) (*IssuedToken, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Name:  name,
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	return &IssuedToken{AccessToken: signed, TokenType: "Bearer", ExpiresAt: exp, ID: claims.ID}, nil
}
