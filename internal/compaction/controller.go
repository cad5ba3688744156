// ABOUTME: History compaction: folds older messages into a rolling summary in fixed windows
// ABOUTME: Builds the model context as the summary plus the raw tail it does not cover

package compaction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/2389/neon-gateway/internal/llm"
	"github.com/2389/neon-gateway/internal/store"
)

// DefaultBatchSize is the number of messages folded per summarization call.
const DefaultBatchSize = 20

// SummaryPrefix introduces the rolling summary in a context.
const SummaryPrefix = "Summary so far: "

// Store is the persistence the controller needs.
type Store interface {
	ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error)
	GetSummary(ctx context.Context, conversationID string) (*store.Summary, error)
	UpsertSummary(ctx context.Context, summary *store.Summary) error
}

// Summarizer compresses entries into a digest.
type Summarizer interface {
	SummarizeHistory(ctx context.Context, entries []llm.Entry) (string, error)
}

// Controller builds bounded conversation contexts.
type Controller struct {
	store     Store
	batchSize int
	logger    *slog.Logger
}

// NewController creates a Controller. A batchSize below 1 means DefaultBatchSize.
func NewController(s Store, batchSize int, logger *slog.Logger) *Controller {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:     s,
		batchSize: batchSize,
		logger:    logger.With("component", "compaction"),
	}
}

// BatchSize returns the window size in use.
func (c *Controller) BatchSize() int {
	return c.batchSize
}

// BuildContext returns the context for the next completion in conversationID.
// Only messages before excludeID (the turn's own user message) are considered,
// so the summary range is always a prefix of the stored order and a message
// saved after the turn's own can never be counted as covered. When at least
// one full window of considered messages is not yet covered by the summary,
// the uncovered messages are folded window by window and the summary is
// persisted with its range set to the number of messages considered.
func (c *Controller) BuildContext(ctx context.Context, conversationID string, summarizer Summarizer, excludeID string) ([]llm.Entry, error) {
	all, err := c.store.ListMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	msgs := all
	if excludeID != "" {
		if i := slices.IndexFunc(all, func(m *store.Message) bool { return m.ID == excludeID }); i >= 0 {
			msgs = all[:i]
		}
	}
	total := len(msgs)

	summary, err := c.store.GetSummary(ctx, conversationID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading summary: %w", err)
	}

	covered, digest := 0, ""
	if summary != nil {
		covered, digest = min(summary.Range, total), summary.Context
	}

	if total-covered >= c.batchSize {
		digest, err = c.fold(ctx, summarizer, digest, msgs[covered:])
		if err != nil {
			return nil, err
		}

		next := &store.Summary{ConversationID: conversationID, Context: digest, Range: total}
		if err := c.store.UpsertSummary(ctx, next); err != nil {
			if !errors.Is(err, store.ErrRangeRegression) {
				return nil, fmt.Errorf("saving summary: %w", err)
			}
			// A newer summary landed first; build from it instead.
			c.logger.Warn("summary advanced concurrently", "conversation_id", conversationID)
			return c.BuildContext(ctx, conversationID, summarizer, excludeID)
		}
		c.logger.Info("compacted history",
			"conversation_id", conversationID,
			"from", covered,
			"range", total)
		covered = total
	}

	entries := make([]llm.Entry, 0, total-covered+1)
	if digest != "" {
		entries = append(entries, llm.Entry{Role: llm.RoleSystem, Content: SummaryPrefix + digest})
	}
	return append(entries, toEntries(msgs[covered:])...), nil
}

// fold summarizes msgs in chronological windows, threading the running digest.
func (c *Controller) fold(ctx context.Context, summarizer Summarizer, digest string, msgs []*store.Message) (string, error) {
	for start := 0; start < len(msgs); start += c.batchSize {
		window := toEntries(msgs[start:min(start+c.batchSize, len(msgs))])
		if len(window) == 0 {
			continue
		}

		prompt := make([]llm.Entry, 0, len(window)+1)
		if digest != "" {
			prompt = append(prompt, llm.Entry{Role: llm.RoleSystem, Content: SummaryPrefix + digest})
		}
		prompt = append(prompt, window...)

		next, err := summarizer.SummarizeHistory(ctx, prompt)
		if err != nil {
			return "", fmt.Errorf("summarizing window at %d: %w", start, err)
		}
		digest = next
	}
	return digest, nil
}

// toEntries maps visible messages to context entries.
func toEntries(msgs []*store.Message) []llm.Entry {
	entries := make([]llm.Entry, 0, len(msgs))
	for _, m := range msgs {
		if m.Deleted() {
			continue
		}
		role := llm.RoleUser
		if m.Type == store.MessageTypeAIReply {
			role = llm.RoleAssistant
		}
		entries = append(entries, llm.Entry{Role: role, Content: m.Content})
	}
	return entries
}
