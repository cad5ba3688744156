// ABOUTME: Long-lived developer tokens for scripts and local tooling
// ABOUTME: Only the SHA-256 hash is stored; the plaintext is shown once when issued

package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/2389/neon-gateway/internal/store"
)

// Request headers that carry credentials besides Authorization.
const (
	AccessTokenHeader    = "X-Access-Token"
	DeveloperTokenHeader = "X-Developer-Token"
)

// DeveloperTokenPrefix marks plaintext developer tokens so they are easy to
// spot in shell history and secret scanners.
const DeveloperTokenPrefix = "neon_dev_"

// DeveloperTokenResolver maps a plaintext developer token to its user.
type DeveloperTokenResolver interface {
	Resolve(ctx context.Context, token string) (userID string, err error)
}

// DeveloperTokenStore is the slice of store.Store developer tokens need.
type DeveloperTokenStore interface {
	CreateDeveloperToken(ctx context.Context, token *store.DeveloperToken) error
	GetDeveloperTokenByHash(ctx context.Context, hash string) (*store.DeveloperToken, error)
}

// DeveloperTokens issues and resolves developer tokens backed by a store.
type DeveloperTokens struct {
	store DeveloperTokenStore
}

func NewDeveloperTokens(s DeveloperTokenStore) *DeveloperTokens {
	return &DeveloperTokens{store: s}
}

// HashDeveloperToken returns the hex SHA-256 of a plaintext token.
func HashDeveloperToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// GenerateDeveloperToken returns a fresh prefixed random token.
func GenerateDeveloperToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	return DeveloperTokenPrefix + base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue creates a token for userID and returns its plaintext.
func (d *DeveloperTokens) Issue(ctx context.Context, userID, name string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: user id", ErrMissingClaim)
	}
	plaintext, err := GenerateDeveloperToken()
	if err != nil {
		return "", err
	}
	if err := d.store.CreateDeveloperToken(ctx, &store.DeveloperToken{
		UserID:    userID,
		Name:      name,
		TokenHash: HashDeveloperToken(plaintext),
	}); err != nil {
		return "", fmt.Errorf("saving developer token: %w", err)
	}
	return plaintext, nil
}

// Resolve returns ErrInvalidToken for tokens that were never issued.
func (d *DeveloperTokens) Resolve(ctx context.Context, token string) (string, error) {
	if !strings.HasPrefix(token, DeveloperTokenPrefix) {
		return "", ErrInvalidToken
	}
	rec, err := d.store.GetDeveloperTokenByHash(ctx, HashDeveloperToken(token))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrInvalidToken
	}
	if err != nil {
		return "", fmt.Errorf("looking up developer token: %w", err)
	}
	return rec.UserID, nil
}
