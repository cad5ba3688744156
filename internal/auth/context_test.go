// ABOUTME: Tests for AuthContext propagation helpers
// ABOUTME: Verifies WithAuth, FromContext, and MustFromContext

package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthContextRoundTrip(t *testing.T) {
	ctx := WithAuth(context.Background(), &AuthContext{UserID: "user-1"})

	got := FromContext(ctx)
	if assert.NotNil(t, got) {
		assert.Equal(t, "user-1", got.UserID)
	}
	assert.Equal(t, "user-1", MustFromContext(ctx).UserID)
}

func TestFromContext_Missing(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	assert.Panics(t, func() { MustFromContext(context.Background()) })
}
