// ABOUTME: Tests for developer token issuing and resolution
// ABOUTME: Runs against the in-memory store so no database is needed

package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/2389/neon-gateway/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeveloperTokens_IssueAndResolve(t *testing.T) {
	ctx := context.Background()
	s := store.NewMockStore()
	tokens := NewDeveloperTokens(s)

	plaintext, err := tokens.Issue(ctx, "user-1", "laptop")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, DeveloperTokenPrefix))

	userID, err := tokens.Resolve(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	rec, err := s.GetDeveloperTokenByHash(ctx, HashDeveloperToken(plaintext))
	require.NoError(t, err)
	assert.Equal(t, "laptop", rec.Name)
	assert.NotContains(t, rec.TokenHash, plaintext)
}

func TestDeveloperTokens_IssueGivesDistinctTokens(t *testing.T) {
	ctx := context.Background()
	tokens := NewDeveloperTokens(store.NewMockStore())

	a, err := tokens.Issue(ctx, "user-1", "a")
	require.NoError(t, err)
	b, err := tokens.Issue(ctx, "user-1", "b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDeveloperTokens_ResolveRejects(t *testing.T) {
	ctx := context.Background()
	tokens := NewDeveloperTokens(store.NewMockStore())
	_, err := tokens.Issue(ctx, "user-1", "")
	require.NoError(t, err)

	for _, token := range []string{"", "not-prefixed", DeveloperTokenPrefix + "never-issued"} {
		_, err := tokens.Resolve(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidToken, token)
	}
}

func TestDeveloperTokens_IssueNeedsUser(t *testing.T) {
	_, err := NewDeveloperTokens(store.NewMockStore()).Issue(context.Background(), "", "x")
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestHTTPAuthMiddleware_IssuedDeveloperToken(t *testing.T) {
	tokens := NewDeveloperTokens(store.NewMockStore())
	plaintext, err := tokens.Issue(context.Background(), "user-7", "ci")
	require.NoError(t, err)

	rec, got := serveWithHeaders(t, tokens, map[string]string{DeveloperTokenHeader: plaintext})

	assert.Equal(t, 200, rec.Code)
	require.NotNil(t, got)
	assert.Equal(t, "user-7", got.UserID)
}
