// ABOUTME: Turn service: persists the user message, then streams a reply with bounded retries
// ABOUTME: Exhausted retries persist a fixed fallback reply so a turn always ends with an answer

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/2389/neon-gateway/internal/compaction"
	"github.com/2389/neon-gateway/internal/inline"
	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/store"
)

// FallbackReply is persisted and sent when every attempt of a turn failed.
const FallbackReply = "Sorry, there is a problem processing your request. Please try again later."

// DefaultMaxAttempts bounds the attempts per turn.
const DefaultMaxAttempts = 3

const (
	streamBufferSize = 16
	saveTimeout      = 5 * time.Second
)

// ErrEmptyContent is returned when a message has no content.
var ErrEmptyContent = errors.New("message content is required")

// Store is the persistence the service needs.
type Store interface {
	compaction.Store
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	LoadAgentProfile(ctx context.Context, agentID string) (*store.AgentProfile, error)
	SaveMessage(ctx context.Context, msg *store.Message) error
}

// ProviderFactory creates providers by name.
type ProviderFactory interface {
	Create(ctx context.Context, name string, creds llm.Credentials, model string) (llm.Provider, error)
}

// ContextBuilder assembles the bounded history for a turn.
type ContextBuilder interface {
	BuildContext(ctx context.Context, conversationID string, summarizer compaction.Summarizer, excludeID string) ([]llm.Entry, error)
}

// ReplyParser post-processes a finished reply before it is persisted.
type ReplyParser interface {
	Extract(ctx context.Context, text string) (string, error)
}

// ProviderSettings are the configured credentials for one provider.
type ProviderSettings struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Options configures a Service.
type Options struct {
	DefaultProvider string
	DefaultModel    string
	Providers       map[string]ProviderSettings // keyed by lower-case name
	MaxAttempts     int
}

// EventKind names what an Event carries.
type EventKind string

const (
	EventToken   EventKind = "token"   // a piece of the reply; the fallback token carries MessageID
	EventStatus  EventKind = "status"  // a failed attempt; discard tokens received so far
	EventReplace EventKind = "replace" // the reply was rewritten; Token holds the full text
	EventDone    EventKind = "done"    // the reply was persisted as MessageID
)

// Event is one item on a turn's stream.
type Event struct {
	Kind      EventKind `json:"-"`
	Status    bool      `json:"status"`
	Token     string    `json:"token,omitempty"`
	Message   string    `json:"message,omitempty"`
	MessageID string    `json:"message_id,omitempty"`
}

// SendRequest is a user message for a conversation.
type SendRequest struct {
	ConversationID string
	SenderID       string
	Content        string
	ReplyingToID   string
}

// SendResponse identifies the persisted user message and streams the reply.
type SendResponse struct {
	ConversationID string
	MessageID      string
	TurnID         string
	Stream         <-chan *Event
}

// Service runs conversation turns.
type Service struct {
	store     Store
	providers ProviderFactory
	history   ContextBuilder
	parser    ReplyParser
	opts      Options
	locks     KeyedMutex
	logger    *slog.Logger
}

// New creates a Service. parser may be nil.
func New(s Store, providers ProviderFactory, history ContextBuilder, parser ReplyParser, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	providerSettings := make(map[string]ProviderSettings, len(opts.Providers))
	for name, p := range opts.Providers {
		providerSettings[strings.ToLower(name)] = p
	}
	opts.Providers = providerSettings

	return &Service{
		store:     s,
		providers: providers,
		history:   history,
		parser:    parser,
		opts:      opts,
		logger:    logger.With("component", "conversation"),
	}
}

// turn is everything resolved before the reply is produced.
type turn struct {
	id       string
	conv     *store.Conversation
	profile  *store.AgentProfile
	provider llm.Provider
	userMsg  *store.Message
}

// SendMessage persists the user message and starts the reply. Errors are
// returned only when the turn cannot start: an invalid request, an unknown
// conversation or agent, or an unusable provider. Everything that fails
// afterwards is reported on the stream.
func (s *Service) SendMessage(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}

	conv, err := s.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	profile, err := s.store.LoadAgentProfile(ctx, conv.AgentID)
	if err != nil {
		return nil, fmt.Errorf("loading agent %s: %w", conv.AgentID, err)
	}
	provider, err := s.resolveProvider(ctx, conv.OrganizationID)
	if err != nil {
		return nil, err
	}

	userMsg := &store.Message{
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		Type:           store.MessageTypeText,
		Content:        req.Content,
		ReplyingToID:   req.ReplyingToID,
	}
	if req.ReplyingToID != "" {
		userMsg.Type = store.MessageTypeReply
	}

	// The lock covers the user message and the whole turn so that turns on one
	// conversation never interleave their messages.
	unlock, err := s.locks.Lock(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("waiting for conversation %s: %w", conv.ID, err)
	}
	// The user message is stored before any model call so it survives failures.
	if err := s.store.SaveMessage(ctx, userMsg); err != nil {
		unlock()
		return nil, fmt.Errorf("saving user message: %w", err)
	}

	t := &turn{
		id:       shortuuid.New(),
		conv:     conv,
		profile:  profile,
		provider: provider,
		userMsg:  userMsg,
	}
	s.logger.Info("turn started",
		"turn_id", t.id,
		"conversation_id", conv.ID,
		"agent_id", conv.AgentID,
		"message_id", userMsg.ID)

	out := make(chan *Event, streamBufferSize)
	go s.run(ctx, t, out, unlock)

	return &SendResponse{
		ConversationID: conv.ID,
		MessageID:      userMsg.ID,
		TurnID:         t.id,
		Stream:         out,
	}, nil
}

// resolveProvider picks the organization's provider override or the
// configured default and builds a fresh client for it.
func (s *Service) resolveProvider(ctx context.Context, orgID string) (llm.Provider, error) {
	org, err := s.store.GetOrganization(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("loading organization: %w", err)
	}

	name := org.Provider
	if name == "" {
		name = s.opts.DefaultProvider
	}
	settings := s.opts.Providers[strings.ToLower(name)]

	model := org.Model
	if model == "" {
		model = settings.Model
	}
	if model == "" {
		model = s.opts.DefaultModel
	}
	creds := llm.Credentials{APIKey: settings.APIKey, BaseURL: settings.BaseURL}
	if org.LLMAPIKey != "" {
		creds.APIKey = org.LLMAPIKey
	}

	provider, err := s.providers.Create(ctx, name, creds, model)
	if err != nil {
		return nil, fmt.Errorf("organization %s: %w", org.Slug, err)
	}
	return provider, nil
}

// run drives the attempt loop, then releases the conversation and closes out.
func (s *Service) run(ctx context.Context, t *turn, out chan<- *Event, unlock func()) {
	defer close(out)
	defer unlock()

	logger := s.logger.With("turn_id", t.id, "conversation_id", t.conv.ID)

	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		msg, err := s.attempt(ctx, t, out)
		if err == nil {
			logger.Info("turn completed", "attempt", attempt, "reply_id", msg.ID, "length", len(msg.Content))
			s.emit(ctx, out, &Event{Kind: EventDone, Status: true, MessageID: msg.ID})
			return
		}
		if ctx.Err() != nil {
			logger.Info("turn cancelled", "attempt", attempt)
			return
		}

		logger.Warn("attempt failed", "attempt", attempt, "max_attempts", s.opts.MaxAttempts, "error", err)
		status := &Event{
			Kind:    EventStatus,
			Status:  false,
			Message: fmt.Sprintf("Attempt %d/%d failed: %v", attempt, s.opts.MaxAttempts, err),
		}
		if !s.emit(ctx, out, status) {
			return
		}
		if !shouldRetry(err) {
			logger.Error("giving up on turn", "error", err)
			break
		}
	}

	s.fallback(ctx, t, out, logger)
}

// attempt streams one reply, forwarding tokens as they arrive, and persists
// it. A reply that cannot be saved fails the attempt.
func (s *Service) attempt(ctx context.Context, t *turn, out chan<- *Event) (*store.Message, error) {
	history, err := s.history.BuildContext(ctx, t.conv.ID, t.provider, t.userMsg.ID)
	if err != nil {
		return nil, fmt.Errorf("building context: %w", err)
	}

	var reply strings.Builder
	for token, err := range t.provider.StreamCompletion(ctx, history, t.profile.SystemPrompt, t.userMsg.Content, t.profile.Tools) {
		if err != nil {
			return nil, err
		}
		reply.WriteString(token)
		if !s.emit(ctx, out, &Event{Kind: EventToken, Status: true, Token: token}) {
			return nil, ctx.Err()
		}
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	text := reply.String()
	if strings.TrimSpace(text) == "" {
		return nil, &llm.ProviderError{Code: llm.ErrorCodeEmptyResponse, Message: "empty reply", Retryable: true}
	}

	final := s.rewrite(ctx, t, text)
	if final != text {
		if !s.emit(ctx, out, &Event{Kind: EventReplace, Status: true, Token: final}) {
			return nil, ctx.Err()
		}
	}

	msg, err := s.saveReply(t, final)
	if err != nil {
		return nil, fmt.Errorf("saving reply: %w", err)
	}
	return msg, nil
}

// rewrite applies the inline parser. A failed inline call keeps the reply as is.
func (s *Service) rewrite(ctx context.Context, t *turn, text string) string {
	if s.parser == nil {
		return text
	}
	parsed, err := s.parser.Extract(inline.WithTools(ctx, t.profile.Tools), text)
	if err != nil {
		s.logger.Warn("inline call failed, keeping reply as is", "turn_id", t.id, "error", err)
		return text
	}
	return parsed
}

// fallback persists and sends the fixed reply. The token event carries the
// id of the persisted fallback and ends the stream.
func (s *Service) fallback(ctx context.Context, t *turn, out chan<- *Event, logger *slog.Logger) {
	ev := &Event{Kind: EventToken, Status: true, Token: FallbackReply}
	msg, err := s.saveReply(t, FallbackReply)
	if err != nil {
		logger.Error("failed to save fallback reply", "error", err)
	} else {
		ev.MessageID = msg.ID
	}
	s.emit(ctx, out, ev)
}

// saveReply stores an agent reply. It uses its own context so a reply that
// finished is kept even if the caller goes away during the write.
func (s *Service) saveReply(t *turn, content string) (*store.Message, error) {
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	msg := &store.Message{
		ConversationID: t.conv.ID,
		AgentID:        t.profile.AgentID,
		Type:           store.MessageTypeAIReply,
		Content:        content,
		ReplyingToID:   t.userMsg.ID,
	}
	if err := s.store.SaveMessage(saveCtx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// emit sends ev unless ctx is done first.
func (s *Service) emit(ctx context.Context, out chan<- *Event, ev *Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// shouldRetry reports whether another attempt may succeed after err. Only
// configuration and authentication failures end the turn early.
func shouldRetry(err error) bool {
	if llm.IsConfigError(err) {
		return false
	}
	var perr *llm.ProviderError
	if errors.As(err, &perr) && perr.Code == llm.ErrorCodeAuth {
		return false
	}
	return true
}
