package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dukerupert/goaltrack/internal/model"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims mirrors the access tokens issued by the hosted auth provider.
type Claims struct {
	Email        string       `json:"email"`
	UserMetadata UserMetadata `json:"user_metadata"`
	jwt.RegisteredClaims
}

type UserMetadata struct {
	FullName string `json:"full_name"`
}

// Verifier validates HS256 bearer tokens and turns them into profiles.
type Verifier struct {
	secret []byte
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Verify parses and validates a token and returns the user it identifies.
func (v *Verifier) Verify(tokenString string) (model.UserProfile, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return model.UserProfile{}, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return model.UserProfile{}, ErrInvalidToken
	}
	if claims.Subject == "" {
		return model.UserProfile{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}

	return model.UserProfile{
		ID:    claims.Subject,
		Email: claims.Email,
		Name:  claims.UserMetadata.FullName,
	}, nil
}

// Issue signs a token for u. The server never issues tokens in production;
// this exists for the CLI and tests.
func (v *Verifier) Issue(u model.UserProfile, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email:        u.Email,
		UserMetadata: UserMetadata{FullName: u.Name},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
