// ABOUTME: Store interface and data types for neon-gateway persistence
// ABOUTME: Defines organizations, agents, tools, conversations, messages, and rolling summaries

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/neon-gateway/internal/llm"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrRangeRegression is returned when a summary upsert would lower the covered range
var ErrRangeRegression = errors.New("summary range cannot decrease")

// ErrInvalidMessage is returned when a message violates the authorship rules
var ErrInvalidMessage = errors.New("invalid message")

// ErrDuplicate is returned when a unique key is already taken
var ErrDuplicate = errors.New("already exists")

// MessageType tags who authored a message and how.
type MessageType string

const (
	MessageTypeText    MessageType = "text"     // user-authored message
	MessageTypeAIReply MessageType = "ai_reply" // agent-authored reply
	MessageTypeReply   MessageType = "reply"    // user-authored reply to another message
)

// Organization owns agents and optionally overrides the LLM provider.
type Organization struct {
	ID        string
	Name      string
	Slug      string
	Provider  string // empty means the configured default
	Model     string
	LLMAPIKey string
	CreatedAt time.Time
}

// Tool is a persisted HTTP tool definition.
type Tool struct {
	ID string
	llm.ToolDefinition
	CreatedAt time.Time
}

// Role is a persona: a system prompt plus the tools it may call.
type Role struct {
	ID           string
	Name         string
	Description  string
	SystemPrompt string
	ToolIDs      []string
	CreatedAt    time.Time
}

// Agent is an organization-scoped instance of a role.
type Agent struct {
	ID             string
	Name           string
	Slug           string
	OrganizationID string
	RoleID         string
	Active         bool
	CreatedAt      time.Time
}

// AgentProfile is everything a turn needs to know about the agent.
type AgentProfile struct {
	AgentID        string
	OrganizationID string
	SystemPrompt   string
	Tools          []llm.ToolDefinition // enabled tools only
}

// Conversation is a thread between a user and one agent.
type Conversation struct {
	ID             string
	OrganizationID string
	AgentID        string
	Name           string
	CreatedBy      string
	CreatedAt      time.Time
}

// Message is one append-only entry in a conversation. Exactly one of SenderID
// and AgentID is set.
type Message struct {
	ID             string
	ConversationID string
	Seq            int64 // assigned on save; defines ordering
	SenderID       string
	AgentID        string
	Type           MessageType
	Content        string
	ReplyingToID   string
	CreatedAt      time.Time
	DeletedAt      *time.Time
	DeletedBy      string
}

// Deleted reports whether the message was soft-deleted.
func (m *Message) Deleted() bool {
	return m.DeletedAt != nil
}

// Validate checks the authorship invariant.
func (m *Message) Validate() error {
	if m.ConversationID == "" {
		return fmt.Errorf("%w: conversation id is required", ErrInvalidMessage)
	}
	switch m.Type {
	case MessageTypeText, MessageTypeReply:
		if m.SenderID == "" || m.AgentID != "" {
			return fmt.Errorf("%w: %s messages must have a sender and no agent", ErrInvalidMessage, m.Type)
		}
	case MessageTypeAIReply:
		if m.AgentID == "" || m.SenderID != "" {
			return fmt.Errorf("%w: ai_reply messages must have an agent and no sender", ErrInvalidMessage)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.Type == MessageTypeReply && m.ReplyingToID == "" {
		return fmt.Errorf("%w: reply messages need replying_to", ErrInvalidMessage)
	}
	return nil
}

// Summary is the rolling digest of a conversation. Range counts the messages
// folded into Context so far.
type Summary struct {
	ConversationID string
	Context        string
	Range          int
	UpdatedAt      time.Time
}

// DeveloperToken is a long-lived API credential issued to a user. Only the
// SHA-256 hash of the token is stored.
type DeveloperToken struct {
	ID        string
	UserID    string
	Name      string
	TokenHash string
	CreatedAt time.Time
}

// Store defines the persistence operations used by the gateway
type Store interface {
	// Organizations
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)

	// Tools and roles
	CreateTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	ListTools(ctx context.Context) ([]*Tool, error)
	CreateRole(ctx context.Context, role *Role) error
	GetRole(ctx context.Context, id string) (*Role, error)

	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	LoadAgentProfile(ctx context.Context, agentID string) (*AgentProfile, error)

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, createdBy string, limit, offset int) ([]*Conversation, int, error)

	// Messages
	SaveMessage(ctx context.Context, msg *Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	ListMessagesPage(ctx context.Context, conversationID string, limit, offset int) ([]*Message, int, error)
	SoftDeleteMessage(ctx context.Context, id, deletedBy string) error

	// Summaries
	GetSummary(ctx context.Context, conversationID string) (*Summary, error)
	UpsertSummary(ctx context.Context, summary *Summary) error

	// Developer tokens
	CreateDeveloperToken(ctx context.Context, token *DeveloperToken) error
	GetDeveloperTokenByHash(ctx context.Context, hash string) (*DeveloperToken, error)

	// Close releases any resources held by the store
	Close() error
}
