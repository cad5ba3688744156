// ABOUTME: Tests for the conversation turn service
// ABOUTME: Verifies persist-first ordering, retries, fallback, inline rewriting, and cancellation

package conversation

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/neon-gateway/internal/compaction"
	"github.com/2389/neon-gateway/internal/inline"
	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/store"
)

// script is what one StreamCompletion call produces.
type script struct {
	tokens []string
	err    error
	block  bool // wait for ctx cancellation after the tokens
}

// mockProvider replays one script per attempt.
type mockProvider struct {
	mu      sync.Mutex
	scripts []script
	calls   int
	history [][]llm.Entry
	started chan struct{}
}

func (m *mockProvider) StreamCompletion(ctx context.Context, history []llm.Entry, systemPrompt, userMessage string, tools []llm.ToolDefinition) iter.Seq2[string, error] {
	m.mu.Lock()
	sc := m.scripts[min(m.calls, len(m.scripts)-1)]
	m.calls++
	m.history = append(m.history, history)
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, tok := range sc.tokens {
			if !yield(tok, nil) {
				return
			}
		}
		if sc.block {
			if m.started != nil {
				close(m.started)
			}
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		if sc.err != nil {
			yield("", sc.err)
		}
	}
}

func (m *mockProvider) SummarizeHistory(ctx context.Context, entries []llm.Entry) (string, error) {
	return "digest", nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// mockFactory hands out a fixed provider and records what it was asked for.
type mockFactory struct {
	mu       sync.Mutex
	provider llm.Provider
	err      error
	name     string
	creds    llm.Credentials
	model    string
}

func (f *mockFactory) Create(ctx context.Context, name string, creds llm.Credentials, model string) (llm.Provider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.name, f.creds, f.model = name, creds, model
	if f.err != nil {
		return nil, f.err
	}
	return f.provider, nil
}

type fixture struct {
	store   *store.MockStore
	org     *store.Organization
	agent   *store.Agent
	conv    *store.Conversation
	factory *mockFactory
	svc     *Service
}

func newFixture(t *testing.T, provider *mockProvider, parser ReplyParser) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMockStore()

	org := &store.Organization{Name: "Acme", Slug: "acme"}
	require.NoError(t, s.CreateOrganization(ctx, org))
	role := &store.Role{Name: "helper", SystemPrompt: "You are helpful"}
	require.NoError(t, s.CreateRole(ctx, role))
	agent := &store.Agent{Name: "Helper", Slug: "helper", OrganizationID: org.ID, RoleID: role.ID, Active: true}
	require.NoError(t, s.CreateAgent(ctx, agent))
	conv := &store.Conversation{OrganizationID: org.ID, AgentID: agent.ID, Name: "chat", CreatedBy: "user-1"}
	require.NoError(t, s.CreateConversation(ctx, conv))

	factory := &mockFactory{provider: provider}
	svc := New(s, factory, compaction.NewController(s, 0, nil), parser, Options{
		DefaultProvider: "openai",
		DefaultModel:    "gpt-4o-mini",
		Providers: map[string]ProviderSettings{
			"OpenAI": {APIKey: "sk-default", BaseURL: "http://llm.local"},
		},
	}, nil)

	return &fixture{store: s, org: org, agent: agent, conv: conv, factory: factory, svc: svc}
}

func (f *fixture) send(t *testing.T, ctx context.Context, content string) (*SendResponse, []*Event) {
	t.Helper()
	resp, err := f.svc.SendMessage(ctx, &SendRequest{
		ConversationID: f.conv.ID,
		SenderID:       "user-1",
		Content:        content,
	})
	require.NoError(t, err)

	var events []*Event
	for ev := range resp.Stream {
		events = append(events, ev)
	}
	return resp, events
}

func (f *fixture) messages(t *testing.T) []*store.Message {
	t.Helper()
	msgs, err := f.store.ListMessages(context.Background(), f.conv.ID)
	require.NoError(t, err)
	return msgs
}

func ofKind(events []*Event, kind EventKind) []*Event {
	var out []*Event
	for _, ev := range events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func tokenText(events []*Event) string {
	var b strings.Builder
	for _, ev := range events {
		switch ev.Kind {
		case EventToken:
			b.WriteString(ev.Token)
		case EventReplace:
			b.Reset()
			b.WriteString(ev.Token)
		case EventStatus:
			b.Reset()
		}
	}
	return b.String()
}

func TestService_SendMessage_PersistsReplyEqualToTokens(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"Hel", "lo ", "there"}}}}
	f := newFixture(t, provider, nil)

	resp, events := f.send(t, context.Background(), "Hi")

	assert.Equal(t, "Hello there", tokenText(events))
	done := ofKind(events, EventDone)
	require.Len(t, done, 1)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, resp.MessageID, msgs[0].ID)
	assert.Equal(t, store.MessageTypeText, msgs[0].Type)
	assert.Equal(t, "user-1", msgs[0].SenderID)

	reply := msgs[1]
	assert.Equal(t, done[0].MessageID, reply.ID)
	assert.Equal(t, store.MessageTypeAIReply, reply.Type)
	assert.Equal(t, f.agent.ID, reply.AgentID)
	assert.Empty(t, reply.SenderID)
	assert.Equal(t, resp.MessageID, reply.ReplyingToID)
	assert.Equal(t, "Hello there", reply.Content)
}

func TestService_SendMessage_ContextExcludesCurrentMessage(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"one"}}, {tokens: []string{"two"}}}}
	f := newFixture(t, provider, nil)

	f.send(t, context.Background(), "first")
	f.send(t, context.Background(), "second")

	require.Len(t, provider.history, 2)
	assert.Empty(t, provider.history[0])
	assert.Equal(t, []llm.Entry{
		{Role: llm.RoleUser, Content: "first"},
		{Role: llm.RoleAssistant, Content: "one"},
	}, provider.history[1])
}

func TestService_SendMessage_RetriesThenFallsBack(t *testing.T) {
	unavailable := &llm.ProviderError{Code: llm.ErrorCodeUnavailable, Message: "down", Retryable: true}
	provider := &mockProvider{scripts: []script{{err: unavailable}}}
	f := newFixture(t, provider, nil)

	_, events := f.send(t, context.Background(), "Hi")

	assert.Equal(t, 3, provider.callCount())
	statuses := ofKind(events, EventStatus)
	require.Len(t, statuses, 3)
	for i, ev := range statuses {
		assert.False(t, ev.Status)
		assert.True(t, strings.HasPrefix(ev.Message, fmt.Sprintf("Attempt %d/3 failed: ", i+1)), ev.Message)
	}
	tokens := ofKind(events, EventToken)
	require.Len(t, tokens, 1)
	assert.Equal(t, FallbackReply, tokens[0].Token)

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hi", msgs[0].Content)
	assert.Equal(t, FallbackReply, msgs[1].Content)
	assert.Equal(t, store.MessageTypeAIReply, msgs[1].Type)
	assert.Equal(t, msgs[1].ID, tokens[0].MessageID)

	kinds := make([]EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventStatus, EventStatus, EventStatus, EventToken}, kinds)
}

func TestService_SendMessage_RecoversOnSecondAttempt(t *testing.T) {
	provider := &mockProvider{scripts: []script{
		{tokens: []string{"partial"}, err: errors.New("connection reset")},
		{tokens: []string{"Recovered"}},
	}}
	f := newFixture(t, provider, nil)

	_, events := f.send(t, context.Background(), "Hi")

	require.Len(t, ofKind(events, EventStatus), 1)
	assert.Equal(t, "Recovered", tokenText(events))
	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Recovered", msgs[1].Content)
}

func TestService_SendMessage_ConfigErrorSkipsRetries(t *testing.T) {
	provider := &mockProvider{scripts: []script{{err: fmt.Errorf("%w: getWeather", llm.ErrToolNotFound)}}}
	f := newFixture(t, provider, nil)

	_, events := f.send(t, context.Background(), "Weather?")

	assert.Equal(t, 1, provider.callCount())
	require.Len(t, ofKind(events, EventStatus), 1)
	assert.Equal(t, FallbackReply, tokenText(events))
}

func TestService_SendMessage_AuthFailureSkipsRetries(t *testing.T) {
	auth := &llm.ProviderError{Code: llm.ErrorCodeAuth, Message: "bad key"}
	provider := &mockProvider{scripts: []script{{err: auth}}}
	f := newFixture(t, provider, nil)

	_, events := f.send(t, context.Background(), "Hi")

	assert.Equal(t, 1, provider.callCount())
	assert.Len(t, ofKind(events, EventStatus), 1)
}

func TestService_SendMessage_OtherProviderErrorsAreRetried(t *testing.T) {
	for _, code := range []llm.ErrorCode{llm.ErrorCodeInvalidRequest, llm.ErrorCodeContentBlocked} {
		t.Run(string(code), func(t *testing.T) {
			perr := &llm.ProviderError{Code: code, Message: "rejected"}
			provider := &mockProvider{scripts: []script{{err: perr}, {tokens: []string{"fine"}}}}
			f := newFixture(t, provider, nil)

			_, events := f.send(t, context.Background(), "Hi")

			assert.Equal(t, 2, provider.callCount())
			assert.Equal(t, "fine", tokenText(events))
		})
	}
}

// replyFailingStore refuses the first failures agent reply saves.
type replyFailingStore struct {
	*store.MockStore
	mu       sync.Mutex
	failures int
}

func (r *replyFailingStore) SaveMessage(ctx context.Context, msg *store.Message) error {
	if msg.Type == store.MessageTypeAIReply {
		r.mu.Lock()
		fail := r.failures > 0
		if fail {
			r.failures--
		}
		r.mu.Unlock()
		if fail {
			return errors.New("disk full")
		}
	}
	return r.MockStore.SaveMessage(ctx, msg)
}

func newReplyFailingFixture(t *testing.T, provider *mockProvider, failures int) *fixture {
	t.Helper()
	f := newFixture(t, provider, nil)
	rs := &replyFailingStore{MockStore: f.store, failures: failures}
	f.svc = New(rs, f.factory, compaction.NewController(rs, 0, nil), nil, f.svc.opts, nil)
	return f
}

func TestService_SendMessage_ReplySaveFailureIsRetried(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"hello"}}}}
	f := newReplyFailingFixture(t, provider, 1)

	_, events := f.send(t, context.Background(), "Hi")

	assert.Equal(t, 2, provider.callCount())
	statuses := ofKind(events, EventStatus)
	require.Len(t, statuses, 1)
	assert.Contains(t, statuses[0].Message, "saving reply")
	assert.Equal(t, "hello", tokenText(events))

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[1].Content)
	require.Len(t, ofKind(events, EventDone), 1)
	assert.Equal(t, msgs[1].ID, ofKind(events, EventDone)[0].MessageID)
}

func TestService_SendMessage_ReplySaveFailuresEndInFallback(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"hello"}}}}
	f := newReplyFailingFixture(t, provider, 3)

	_, events := f.send(t, context.Background(), "Hi")

	assert.Equal(t, 3, provider.callCount())
	assert.Len(t, ofKind(events, EventStatus), 3)
	assert.Equal(t, FallbackReply, tokenText(events))

	msgs := f.messages(t)
	require.Len(t, msgs, 2)
	assert.Equal(t, FallbackReply, msgs[1].Content)
}

func TestService_SendMessage_EmptyReplyIsRetried(t *testing.T) {
	provider := &mockProvider{scripts: []script{{}, {tokens: []string{"ok"}}}}
	f := newFixture(t, provider, nil)

	_, events := f.send(t, context.Background(), "Hi")

	assert.Equal(t, 2, provider.callCount())
	assert.Equal(t, "ok", tokenText(events))
}

func TestService_SendMessage_InlineCallRewritesReply(t *testing.T) {
	registry := inline.NewRegistry()
	registry.Register("lookup", inline.HandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		return fmt.Sprintf("found %v", args["id"]), nil
	}))
	parser := inline.NewParser(registry, nil)

	provider := &mockProvider{scripts: []script{{tokens: []string{"Result: ", `<function=lookup>{"id":7}</function>`}}}}
	f := newFixture(t, provider, parser)

	_, events := f.send(t, context.Background(), "Find 7")

	replaced := ofKind(events, EventReplace)
	require.Len(t, replaced, 1)
	assert.Equal(t, "Result: found 7", replaced[0].Token)
	assert.Equal(t, "Result: found 7", tokenText(events))
	assert.Equal(t, "Result: found 7", f.messages(t)[1].Content)
}

func TestService_SendMessage_InlineErrorKeepsReply(t *testing.T) {
	registry := inline.NewRegistry()
	registry.SetFallback(nil)
	parser := inline.NewParser(registry, nil)

	text := `<function=missing>{}</function>`
	provider := &mockProvider{scripts: []script{{tokens: []string{text}}}}
	f := newFixture(t, provider, parser)

	_, events := f.send(t, context.Background(), "Hi")

	assert.Empty(t, ofKind(events, EventReplace))
	assert.Equal(t, text, f.messages(t)[1].Content)
}

func TestService_SendMessage_CancellationPersistsNothingMore(t *testing.T) {
	provider := &mockProvider{
		scripts: []script{{tokens: []string{"par"}, block: true}},
		started: make(chan struct{}),
	}
	f := newFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	resp, err := f.svc.SendMessage(ctx, &SendRequest{ConversationID: f.conv.ID, SenderID: "user-1", Content: "Hi"})
	require.NoError(t, err)

	<-provider.started
	cancel()

	for range resp.Stream {
	}

	assert.Equal(t, 1, provider.callCount())
	msgs := f.messages(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, resp.MessageID, msgs[0].ID)
}

func TestService_SendMessage_ReplyType(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"ok"}}}}
	f := newFixture(t, provider, nil)
	first, _ := f.send(t, context.Background(), "Hi")

	resp, err := f.svc.SendMessage(context.Background(), &SendRequest{
		ConversationID: f.conv.ID,
		SenderID:       "user-1",
		Content:        "About that",
		ReplyingToID:   first.MessageID,
	})
	require.NoError(t, err)
	for range resp.Stream {
	}

	msg, err := f.store.GetMessage(context.Background(), resp.MessageID)
	require.NoError(t, err)
	assert.Equal(t, store.MessageTypeReply, msg.Type)
	assert.Equal(t, first.MessageID, msg.ReplyingToID)
}

func TestService_SendMessage_PreTurnErrors(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"ok"}}}}
	f := newFixture(t, provider, nil)
	ctx := context.Background()

	_, err := f.svc.SendMessage(ctx, &SendRequest{ConversationID: f.conv.ID, SenderID: "user-1", Content: "  "})
	assert.ErrorIs(t, err, ErrEmptyContent)

	_, err = f.svc.SendMessage(ctx, &SendRequest{ConversationID: "nope", SenderID: "user-1", Content: "Hi"})
	assert.ErrorIs(t, err, store.ErrNotFound)

	f.factory.err = fmt.Errorf("%w: %q", llm.ErrUnknownProvider, "acme-llm")
	_, err = f.svc.SendMessage(ctx, &SendRequest{ConversationID: f.conv.ID, SenderID: "user-1", Content: "Hi"})
	assert.ErrorIs(t, err, llm.ErrUnknownProvider)

	assert.Empty(t, f.messages(t))
}

func TestService_ResolveProvider(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"ok"}}}}
	f := newFixture(t, provider, nil)

	f.send(t, context.Background(), "Hi")
	assert.Equal(t, "openai", f.factory.name)
	assert.Equal(t, "gpt-4o-mini", f.factory.model)
	assert.Equal(t, llm.Credentials{APIKey: "sk-default", BaseURL: "http://llm.local"}, f.factory.creds)

	override := &store.Organization{Name: "Beta", Slug: "beta", Provider: "Groq", Model: "llama3", LLMAPIKey: "gsk-org"}
	require.NoError(t, f.store.CreateOrganization(context.Background(), override))
	_, err := f.svc.resolveProvider(context.Background(), override.ID)
	require.NoError(t, err)
	assert.Equal(t, "Groq", f.factory.name)
	assert.Equal(t, "llama3", f.factory.model)
	assert.Equal(t, "gsk-org", f.factory.creds.APIKey)
}

func TestService_ConcurrentTurnsAreSerialized(t *testing.T) {
	provider := &mockProvider{scripts: []script{{tokens: []string{"a", "b"}}}}
	f := newFixture(t, provider, nil)

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.send(t, context.Background(), fmt.Sprintf("msg %d", i))
		}()
	}
	wg.Wait()

	msgs := f.messages(t)
	require.Len(t, msgs, 8)
	for i := 0; i < len(msgs); i += 2 {
		userMsg, reply := msgs[i], msgs[i+1]
		assert.Equal(t, store.MessageTypeText, userMsg.Type, "turns must not interleave")
		assert.Equal(t, store.MessageTypeAIReply, reply.Type)
		assert.Equal(t, userMsg.ID, reply.ReplyingToID)
		assert.Equal(t, "ab", reply.Content)
	}
	assert.Equal(t, 0, f.svc.locks.held())
}

func TestService_SendMessage_WaitsForRunningTurnBeforeSaving(t *testing.T) {
	provider := &mockProvider{
		scripts: []script{{tokens: []string{"slow"}, block: true}},
		started: make(chan struct{}),
	}
	f := newFixture(t, provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	first, err := f.svc.SendMessage(ctx, &SendRequest{ConversationID: f.conv.ID, SenderID: "user-1", Content: "first"})
	require.NoError(t, err)
	<-provider.started

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer waitCancel()
	_, err = f.svc.SendMessage(waitCtx, &SendRequest{ConversationID: f.conv.ID, SenderID: "user-1", Content: "second"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	msgs := f.messages(t)
	require.Len(t, msgs, 1, "the second message is not saved while the first turn runs")
	assert.Equal(t, "first", msgs[0].Content)

	cancel()
	for range first.Stream {
	}
	assert.Equal(t, 0, f.svc.locks.held())
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var k KeyedMutex
	ctx := context.Background()

	unlock, err := k.Lock(ctx, "c1")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := k.Lock(ctx, "c1")
		if err == nil {
			close(acquired)
			u()
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second lock acquired while first held")
	case <-time.After(50 * time.Millisecond):
	}

	other, err := k.Lock(ctx, "c2")
	require.NoError(t, err)
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
}

func TestKeyedMutex_LockHonorsContext(t *testing.T) {
	var k KeyedMutex
	unlock, err := k.Lock(context.Background(), "c1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "c1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, k.held())
}
