package api

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// signToken issues a token for userID valid for ttl, the way the upstream
// identity provider does.
func (a *Authenticator) signToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
