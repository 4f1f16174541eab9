// Package auth validates the HS256 access tokens presented on connection
// handshakes. Token issuance is owned by the auth service; this side only
// verifies and extracts the user identity.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/lupamo/realtime-collab/internal/model"
)

var (
	// ErrAuthRequired means no credential was presented at all.
	ErrAuthRequired = errors.New("auth required")
	ErrInvalidToken = errors.New("invalid token")
)

type Auth struct {
	secret []byte
}

func New(secret string) *Auth {
	return &Auth{secret: []byte(secret)}
}

// Authenticate verifies the token and returns the user it identifies.
func (a *Auth) Authenticate(tokenStr string) (model.User, error) {
	if tokenStr == "" {
		return model.User{}, ErrAuthRequired
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return model.User{}, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.User{}, ErrInvalidToken
	}

	userID, ok := claims["user_id"].(float64)
	if !ok || userID <= 0 {
		return model.User{}, ErrInvalidToken
	}

	u := model.User{ID: int64(userID)}
	if email, ok := claims["email"].(string); ok {
		u.Email = email
	}
	if name, ok := claims["name"].(string); ok {
		u.Name = name
	}
	return u, nil
}

// Token signs a short-lived access token. Used by tests and tooling; the
// production issuer lives in the auth service.
func (a *Auth) Token(u model.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": u.ID,
		"email":   u.Email,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
		"type":    "access",
	}
	if u.Name != "" {
		claims["name"] = u.Name
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}
