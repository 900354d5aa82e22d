// Package auth verifies the platform-issued JWTs that identify chat
// callers. The chat server never provisions accounts; it only trusts
// tokens signed with the shared secret.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"rescue-chat/domain"
	"rescue-chat/errors"
)

// Claims is the identity payload carried by a platform token. RescueID
// is empty for callers who belong to no rescue.
type Claims struct {
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
	RescueID string   `json:"rescue_id,omitempty"`
	jwt.RegisteredClaims
}

type TokenManager struct {
	secret []byte
	issuer string
	ttl    time.Duration
}

func NewTokenManager(secret, issuer string, ttl time.Duration) *TokenManager {
	return &TokenManager{secret: []byte(secret), issuer: issuer, ttl: ttl}
}

// Generate signs a token for a user. Mostly used by tests and local
// tooling; production tokens come from the platform with the same
// secret and shape.
func (m *TokenManager) Generate(userID domain.UserID, roles []string, rescueID domain.RescueID) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID:   string(userID),
		Roles:    roles,
		RescueID: string(rescueID),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    m.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// Validate checks signature, expiry and signing method. Every failure
// maps onto ErrUnauthenticated; callers never see jwt internals.
func (m *TokenManager) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, errors.ErrUnauthenticated
	}
	return claims, nil
}
