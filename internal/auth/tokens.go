package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenInvalidated = errors.New("token version invalidated")
)

// Claims are carried by both access and refresh tokens. Subject is the user id.
type Claims struct {
	Phone   string `json:"phone,omitempty"`
	Tier    string `json:"tier,omitempty"`
	Version int    `json:"ver"`
	Kind    string `json:"kind"`
	jwt.RegisteredClaims
}

func sign(claims Claims, secret string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func newClaims(subject, phone, tier, kind, issuer string, version int, now time.Time, ttl time.Duration) Claims {
	return Claims{
		Phone:   phone,
		Tier:    tier,
		Version: version,
		Kind:    kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}

// parse verifies signature, expiry and token kind.
func parse(tokenString, secret, kind string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Kind != kind || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
