// ABOUTME: Behavior tests shared by SQLiteStore and MockStore
// ABOUTME: Both implementations must agree on ordering, authorship rules, and summary ranges

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/toolcall"
)

func createTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Run("sqlite", func(t *testing.T) { fn(t, createTestStore(t)) })
	t.Run("mock", func(t *testing.T) { fn(t, NewMockStore()) })
}

// seed creates an organization, two tools (one disabled), a role, an agent,
// and a conversation.
func seed(t *testing.T, s Store) (*Agent, *Conversation) {
	t.Helper()
	ctx := context.Background()

	org := &Organization{Name: "Acme", Slug: "acme", Provider: "groq", Model: "llama3", LLMAPIKey: "k"}
	require.NoError(t, s.CreateOrganization(ctx, org))

	weather := &Tool{ToolDefinition: llm.ToolDefinition{
		Name:        "getWeather",
		Description: "Current weather",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"city":{"type":"string"}}}`),
		Endpoint:    "https://weather.example/{city}",
		Method:      "GET",
		Placement:   toolcall.PlacementRoute,
		Headers:     map[string]string{"X-Key": "abc"},
		Enabled:     true,
	}}
	require.NoError(t, s.CreateTool(ctx, weather))
	retired := &Tool{ToolDefinition: llm.ToolDefinition{
		Name: "oldTool", Endpoint: "https://old.example", Method: "POST", Placement: toolcall.PlacementBody,
	}}
	require.NoError(t, s.CreateTool(ctx, retired))

	role := &Role{Name: "Support", SystemPrompt: "You are support.", ToolIDs: []string{weather.ID, retired.ID}}
	require.NoError(t, s.CreateRole(ctx, role))

	agent := &Agent{Name: "Ava", Slug: "ava", OrganizationID: org.ID, RoleID: role.ID, Active: true}
	require.NoError(t, s.CreateAgent(ctx, agent))

	conv := &Conversation{OrganizationID: org.ID, AgentID: agent.ID, Name: "hello", CreatedBy: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, conv))
	return agent, conv
}

func userMessage(convID, content string) *Message {
	return &Message{ConversationID: convID, SenderID: "user-1", Type: MessageTypeText, Content: content}
}

func TestStore_OrganizationRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		org := &Organization{Name: "Acme", Slug: "acme", Provider: "gemini", Model: "gemini-2.0-flash"}
		require.NoError(t, s.CreateOrganization(ctx, org))
		assert.NotEmpty(t, org.ID)

		got, err := s.GetOrganization(ctx, org.ID)
		require.NoError(t, err)
		assert.Equal(t, "gemini", got.Provider)
		assert.Empty(t, got.LLMAPIKey)

		err = s.CreateOrganization(ctx, &Organization{Name: "Other", Slug: "acme"})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.GetOrganization(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_LoadAgentProfileReturnsEnabledTools(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		agent, _ := seed(t, s)

		profile, err := s.LoadAgentProfile(context.Background(), agent.ID)
		require.NoError(t, err)

		assert.Equal(t, agent.ID, profile.AgentID)
		assert.Equal(t, agent.OrganizationID, profile.OrganizationID)
		assert.Equal(t, "You are support.", profile.SystemPrompt)
		require.Len(t, profile.Tools, 1)
		tool := profile.Tools[0]
		assert.Equal(t, "getWeather", tool.Name)
		assert.Equal(t, toolcall.PlacementRoute, tool.Placement)
		assert.Equal(t, map[string]string{"X-Key": "abc"}, tool.Headers)
		assert.JSONEq(t, `{"type":"object","properties":{"city":{"type":"string"}}}`, string(tool.Parameters))

		_, err = s.LoadAgentProfile(context.Background(), "nobody")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_RoleKeepsToolLinks(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		agent, _ := seed(t, s)
		ctx := context.Background()

		role, err := s.GetRole(ctx, agent.RoleID)
		require.NoError(t, err)
		assert.Len(t, role.ToolIDs, 2)

		tools, err := s.ListTools(ctx)
		require.NoError(t, err)
		require.Len(t, tools, 2)
		assert.Equal(t, "getWeather", tools[0].Name)

		tool, err := s.GetTool(ctx, tools[1].ID)
		require.NoError(t, err)
		assert.False(t, tool.Enabled)
	})
}

func TestStore_MessagesKeepInsertionOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, conv := seed(t, s)
		ctx := context.Background()

		// Identical timestamps must not reorder messages.
		at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		var last int64
		for i := range 5 {
			msg := userMessage(conv.ID, fmt.Sprintf("m%d", i))
			msg.CreatedAt = at
			require.NoError(t, s.SaveMessage(ctx, msg))
			assert.Greater(t, msg.Seq, last)
			last = msg.Seq
		}

		msgs, err := s.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 5)
		for i, msg := range msgs {
			assert.Equal(t, fmt.Sprintf("m%d", i), msg.Content)
		}
	})
}

func TestStore_SaveMessageEnforcesAuthorship(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		agent, conv := seed(t, s)
		ctx := context.Background()

		both := userMessage(conv.ID, "x")
		both.AgentID = agent.ID
		assert.ErrorIs(t, s.SaveMessage(ctx, both), ErrInvalidMessage)

		noAgent := &Message{ConversationID: conv.ID, SenderID: "user-1", Type: MessageTypeAIReply, Content: "x"}
		assert.ErrorIs(t, s.SaveMessage(ctx, noAgent), ErrInvalidMessage)

		orphanReply := &Message{ConversationID: conv.ID, SenderID: "user-1", Type: MessageTypeReply, Content: "x"}
		assert.ErrorIs(t, s.SaveMessage(ctx, orphanReply), ErrInvalidMessage)

		unknown := userMessage(conv.ID, "x")
		unknown.Type = "shout"
		assert.ErrorIs(t, s.SaveMessage(ctx, unknown), ErrInvalidMessage)

		reply := &Message{ConversationID: conv.ID, AgentID: agent.ID, Type: MessageTypeAIReply, Content: "ok"}
		require.NoError(t, s.SaveMessage(ctx, reply))
		got, err := s.GetMessage(ctx, reply.ID)
		require.NoError(t, err)
		assert.Equal(t, agent.ID, got.AgentID)
		assert.Empty(t, got.SenderID)
	})
}

func TestStore_SoftDeleteAndPaging(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, conv := seed(t, s)
		ctx := context.Background()

		var ids []string
		for i := range 4 {
			msg := userMessage(conv.ID, fmt.Sprintf("m%d", i))
			require.NoError(t, s.SaveMessage(ctx, msg))
			ids = append(ids, msg.ID)
		}
		require.NoError(t, s.SoftDeleteMessage(ctx, ids[2], "user-1"))
		require.NoError(t, s.SoftDeleteMessage(ctx, ids[2], "someone-else"))
		assert.ErrorIs(t, s.SoftDeleteMessage(ctx, "missing", "user-1"), ErrNotFound)

		all, err := s.ListMessages(ctx, conv.ID)
		require.NoError(t, err)
		require.Len(t, all, 4)
		assert.True(t, all[2].Deleted())
		assert.Equal(t, "user-1", all[2].DeletedBy)

		pageOne, total, err := s.ListMessagesPage(ctx, conv.ID, 2, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, pageOne, 2)
		assert.Equal(t, "m3", pageOne[0].Content)
		assert.Equal(t, "m1", pageOne[1].Content)

		pageTwo, _, err := s.ListMessagesPage(ctx, conv.ID, 2, 2)
		require.NoError(t, err)
		require.Len(t, pageTwo, 1)
		assert.Equal(t, "m0", pageTwo[0].Content)
	})
}

func TestStore_ListConversationsByCreator(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		agent, first := seed(t, s)
		ctx := context.Background()

		second := &Conversation{
			OrganizationID: agent.OrganizationID, AgentID: agent.ID, CreatedBy: "user-1",
			CreatedAt: first.CreatedAt.Add(time.Minute),
		}
		require.NoError(t, s.CreateConversation(ctx, second))
		require.NoError(t, s.CreateConversation(ctx, &Conversation{
			OrganizationID: agent.OrganizationID, AgentID: agent.ID, CreatedBy: "user-2",
		}))

		convs, total, err := s.ListConversations(ctx, "user-1", 10, 0)
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		require.Len(t, convs, 2)
		assert.Equal(t, second.ID, convs[0].ID)
		assert.Equal(t, first.ID, convs[1].ID)

		_, err = s.GetConversation(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStore_SummaryRangeNeverDecreases(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, conv := seed(t, s)
		ctx := context.Background()

		_, err := s.GetSummary(ctx, conv.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.UpsertSummary(ctx, &Summary{ConversationID: conv.ID, Context: "v1", Range: 20}))
		// Same range with new text is allowed.
		require.NoError(t, s.UpsertSummary(ctx, &Summary{ConversationID: conv.ID, Context: "v1b", Range: 20}))
		err = s.UpsertSummary(ctx, &Summary{ConversationID: conv.ID, Context: "stale", Range: 6})
		assert.ErrorIs(t, err, ErrRangeRegression)

		got, err := s.GetSummary(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "v1b", got.Context)
		assert.Equal(t, 20, got.Range)

		require.NoError(t, s.UpsertSummary(ctx, &Summary{ConversationID: conv.ID, Context: "v2", Range: 40}))
		got, err = s.GetSummary(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, 40, got.Range)
	})
}

func TestStore_DeveloperTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		token := &DeveloperToken{UserID: "user-1", Name: "ci", TokenHash: "abc123"}
		require.NoError(t, s.CreateDeveloperToken(ctx, token))
		assert.NotEmpty(t, token.ID)

		got, err := s.GetDeveloperTokenByHash(ctx, "abc123")
		require.NoError(t, err)
		assert.Equal(t, "user-1", got.UserID)
		assert.Equal(t, "ci", got.Name)
		assert.Equal(t, token.ID, got.ID)

		_, err = s.GetDeveloperTokenByHash(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)

		err = s.CreateDeveloperToken(ctx, &DeveloperToken{UserID: "user-2", TokenHash: "abc123"})
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}
