// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while matching its ordering and range rules

package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/2389/neon-gateway/internal/llm"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	orgs          map[string]*Organization
	tools         map[string]*Tool
	roles         map[string]*Role
	agents        map[string]*Agent
	conversations map[string]*Conversation
	messages      map[string][]*Message // keyed by conversation ID
	summaries     map[string]*Summary
	devTokens     map[string]*DeveloperToken // keyed by hash
	seq           int64
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		orgs:          make(map[string]*Organization),
		tools:         make(map[string]*Tool),
		roles:         make(map[string]*Role),
		agents:        make(map[string]*Agent),
		conversations: make(map[string]*Conversation),
		messages:      make(map[string][]*Message),
		summaries:     make(map[string]*Summary),
		devTokens:     make(map[string]*DeveloperToken),
	}
}

// CreateOrganization stores an organization.
func (m *MockStore) CreateOrganization(ctx context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.orgs {
		if existing.Slug == org.Slug {
			return fmt.Errorf("organization %q: %w", org.Slug, ErrDuplicate)
		}
	}
	stamp(&org.ID, &org.CreatedAt)
	o := *org
	m.orgs[o.ID] = &o
	return nil
}

// GetOrganization retrieves an organization by ID.
func (m *MockStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *o
	return &result, nil
}

// CreateTool stores a tool.
func (m *MockStore) CreateTool(ctx context.Context, tool *Tool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tools {
		if existing.Name == tool.Name {
			return fmt.Errorf("tool %q: %w", tool.Name, ErrDuplicate)
		}
	}
	stamp(&tool.ID, &tool.CreatedAt)
	t := *tool
	m.tools[t.ID] = &t
	return nil
}

// GetTool retrieves a tool by ID.
func (m *MockStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tools[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *t
	return &result, nil
}

// ListTools returns all tools ordered by name.
func (m *MockStore) ListTools(ctx context.Context) ([]*Tool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tools := make([]*Tool, 0, len(m.tools))
	for _, t := range m.tools {
		tc := *t
		tools = append(tools, &tc)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	return tools, nil
}

// CreateRole stores a role.
func (m *MockStore) CreateRole(ctx context.Context, role *Role) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range role.ToolIDs {
		if _, ok := m.tools[id]; !ok {
			return fmt.Errorf("linking tool %s: %w", id, ErrNotFound)
		}
	}
	stamp(&role.ID, &role.CreatedAt)
	r := *role
	r.ToolIDs = slices.Clone(role.ToolIDs)
	m.roles[r.ID] = &r
	return nil
}

// GetRole retrieves a role by ID.
func (m *MockStore) GetRole(ctx context.Context, id string) (*Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *r
	result.ToolIDs = slices.Sorted(slices.Values(r.ToolIDs))
	return &result, nil
}

// CreateAgent stores an agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[agent.OrganizationID]; !ok {
		return fmt.Errorf("agent organization: %w", ErrNotFound)
	}
	if _, ok := m.roles[agent.RoleID]; !ok {
		return fmt.Errorf("agent role: %w", ErrNotFound)
	}
	stamp(&agent.ID, &agent.CreatedAt)
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

// GetAgent retrieves an agent by ID.
func (m *MockStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

// LoadAgentProfile resolves an agent's system prompt and enabled tools.
func (m *MockStore) LoadAgentProfile(ctx context.Context, agentID string) (*AgentProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	r, ok := m.roles[a.RoleID]
	if !ok {
		return nil, ErrNotFound
	}

	profile := &AgentProfile{
		AgentID:        a.ID,
		OrganizationID: a.OrganizationID,
		SystemPrompt:   r.SystemPrompt,
	}
	var tools []llm.ToolDefinition
	for _, id := range r.ToolIDs {
		if t, ok := m.tools[id]; ok && t.Enabled {
			tools = append(tools, t.ToolDefinition)
		}
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
	profile.Tools = tools
	return profile, nil
}

// CreateConversation stores a conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stamp(&conv.ID, &conv.CreatedAt)
	c := *conv
	m.conversations[c.ID] = &c
	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

// ListConversations returns one page of a user's conversations, newest first.
func (m *MockStore) ListConversations(ctx context.Context, createdBy string, limit, offset int) ([]*Conversation, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.CreatedBy == createdBy {
			cc := *c
			convs = append(convs, &cc)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreatedAt.Equal(convs[j].CreatedAt) {
			return convs[i].ID > convs[j].ID
		}
		return convs[i].CreatedAt.After(convs[j].CreatedAt)
	})
	return page(convs, limit, offset), len(convs), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit >= 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

// SaveMessage appends a message and assigns its sequence number.
func (m *MockStore) SaveMessage(ctx context.Context, msg *Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[msg.ConversationID]; !ok {
		return fmt.Errorf("inserting message: conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	stamp(&msg.ID, &msg.CreatedAt)
	m.seq++
	msg.Seq = m.seq

	msgCopy := *msg
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &msgCopy)
	return nil
}

func (m *MockStore) findMessage(id string) *Message {
	for _, msgs := range m.messages {
		for _, msg := range msgs {
			if msg.ID == id {
				return msg
			}
		}
	}
	return nil
}

// GetMessage retrieves a message by ID.
func (m *MockStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg := m.findMessage(id)
	if msg == nil {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

// ListMessages returns every message of a conversation in ascending order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		msgCopy := *msg
		result[i] = &msgCopy
	}
	return result, nil
}

// ListMessagesPage returns one page of visible messages, newest first.
func (m *MockStore) ListMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var visible []*Message
	msgs := m.messages[conversationID]
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].Deleted() {
			msgCopy := *msgs[i]
			visible = append(visible, &msgCopy)
		}
	}
	return page(visible, limit, offset), len(visible), nil
}

// SoftDeleteMessage marks a message deleted.
func (m *MockStore) SoftDeleteMessage(ctx context.Context, id, deletedBy string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg := m.findMessage(id)
	if msg == nil {
		return ErrNotFound
	}
	if msg.DeletedAt == nil {
		now := time.Now().UTC()
		msg.DeletedAt = &now
		msg.DeletedBy = deletedBy
	}
	return nil
}

// GetSummary retrieves the summary of a conversation.
func (m *MockStore) GetSummary(ctx context.Context, conversationID string) (*Summary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.summaries[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	result := *s
	return &result, nil
}

// UpsertSummary creates or replaces a summary, refusing to lower its range.
func (m *MockStore) UpsertSummary(ctx context.Context, summary *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.summaries[summary.ConversationID]; ok && summary.Range < existing.Range {
		return fmt.Errorf("%w: conversation %s", ErrRangeRegression, summary.ConversationID)
	}
	if summary.UpdatedAt.IsZero() {
		summary.UpdatedAt = time.Now().UTC()
	}
	s := *summary
	m.summaries[s.ConversationID] = &s
	return nil
}

// Close is a no-op for MockStore.
// CreateDeveloperToken stores a developer token.
func (m *MockStore) CreateDeveloperToken(ctx context.Context, token *DeveloperToken) error {
	if token.UserID == "" || token.TokenHash == "" {
		return fmt.Errorf("developer token needs a user and a hash")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.devTokens[token.TokenHash]; ok {
		return fmt.Errorf("developer token: %w", ErrDuplicate)
	}
	stamp(&token.ID, &token.CreatedAt)
	t := *token
	m.devTokens[t.TokenHash] = &t
	return nil
}

// GetDeveloperTokenByHash retrieves a developer token by its hash.
func (m *MockStore) GetDeveloperTokenByHash(ctx context.Context, hash string) (*DeveloperToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.devTokens[hash]
	if !ok {
		return nil, ErrNotFound
	}
	out := *t
	return &out, nil
}

func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
