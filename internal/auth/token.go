// ABOUTME: HS256 user tokens for the conversation API, issued by the token CLI
// ABOUTME: The subject names the user; tokens carrying only a legacy userID claim are accepted too

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

// Issuer is stamped on every token this service issues.
const Issuer = "neon-gateway"

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = fmt.Errorf("jwt secret must be at least %d bytes", MinSecretLength)
)

// TokenVerifier resolves a user token to the user it was issued for.
type TokenVerifier interface {
	Verify(tokenString string) (userID string, err error)
}

// userClaims is the payload of a user token. LegacyUserID is read from
// tokens minted before the subject claim was used.
type userClaims struct {
	LegacyUserID string `json:"userID,omitempty"`
	jwt.RegisteredClaims
}

func (c *userClaims) user() string {
	if c.Subject != "" {
		return c.Subject
	}
	return c.LegacyUserID
}

// JWTVerifier signs and checks user tokens with a shared secret.
type JWTVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewJWTVerifier returns ErrWeakSecret for secrets shorter than MinSecretLength.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, ErrWeakSecret
	}
	return &JWTVerifier{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(5*time.Second),
		),
	}, nil
}

// Verify checks the signature and expiry and returns the user id.
func (v *JWTVerifier) Verify(tokenString string) (string, error) {
	var claims userClaims
	_, err := v.parser.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", ErrExpiredToken
	case err != nil:
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := claims.user()
	if userID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return userID, nil
}

// Generate issues a token for userID that expires after ttl.
func (v *JWTVerifier) Generate(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := userClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
