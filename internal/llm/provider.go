// ABOUTME: Provider contract and the shared completion client that drives tool-call turns
// ABOUTME: Backends only stream deltas; Client handles catalog, call accumulation, and follow-up

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"

	"github.com/2389/neon-gateway/internal/toolcall"
)

// Provider is the capability set every LLM provider exposes to the conversation layer.
type Provider interface {
	// StreamCompletion yields text tokens for one user turn. The sequence is
	// single-pass; a non-nil error ends it.
	StreamCompletion(ctx context.Context, history []Entry, systemPrompt, userMessage string, tools []ToolDefinition) iter.Seq2[string, error]

	// SummarizeHistory compresses entries into a short, information-dense digest.
	SummarizeHistory(ctx context.Context, entries []Entry) (string, error)
}

// Backend is the provider-specific wire layer.
type Backend interface {
	// Stream requests a streaming completion. When tools is non-empty they are
	// advertised as callable functions with automatic invocation choice.
	Stream(ctx context.Context, entries []Entry, tools []ToolDefinition) iter.Seq2[Delta, error]

	// Complete requests a single non-streaming completion.
	Complete(ctx context.Context, entries []Entry) (string, error)
}

// ToolInvoker executes a tool HTTP call.
type ToolInvoker interface {
	Invoke(ctx context.Context, method, endpoint string, args map[string]any, placement toolcall.Placement, headers map[string]string) toolcall.Result
}

// Client implements Provider on top of a Backend.
type Client struct {
	backend Backend
	invoker ToolInvoker
	logger  *slog.Logger
}

// NewClient creates a Client.
func NewClient(backend Backend, invoker ToolInvoker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		backend: backend,
		invoker: invoker,
		logger:  logger.With("component", "llm"),
	}
}

// StreamCompletion streams the reply to userMessage. At most one tool call is
// honored per turn: when the first stream ends with a complete call, the tool
// runs synchronously and a second, tool-less completion is streamed.
func (c *Client) StreamCompletion(ctx context.Context, history []Entry, systemPrompt, userMessage string, tools []ToolDefinition) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		entries := make([]Entry, 0, len(history)+3)
		entries = append(entries, history...)
		entries = append(entries,
			Entry{Role: RoleSystem, Content: catalogPrompt(systemPrompt, tools)},
			Entry{Role: RoleUser, Content: userMessage},
		)

		var pending PendingToolCall
		for delta, err := range c.backend.Stream(ctx, entries, tools) {
			if err != nil {
				yield("", err)
				return
			}
			if delta.Call != nil {
				pending.Add(*delta.Call)
				continue
			}
			if delta.Text != "" && !yield(delta.Text, nil) {
				return
			}
		}

		if !pending.Started() {
			return
		}

		args, ok := pending.Arguments()
		if !ok {
			c.logger.Warn("abandoning incomplete tool call",
				"name", pending.Name(),
				"arguments", pending.RawArguments())
			return
		}

		tool, found := FindTool(tools, pending.Name())
		if !found {
			yield("", fmt.Errorf("%w: %s", ErrToolNotFound, pending.Name()))
			return
		}

		c.logger.Info("invoking tool", "name", tool.Name, "method", tool.Method, "endpoint", tool.Endpoint)
		result := c.invoker.Invoke(ctx, tool.Method, tool.Endpoint, args, tool.Placement, tool.Headers)
		if result.Failed() {
			c.logger.Warn("tool returned error", "name", tool.Name, "error", result.Error)
		}

		entries = append(entries, Entry{Role: RoleSystem, Content: toolResultPrompt(tool.Name, result)})

		for delta, err := range c.backend.Stream(ctx, entries, nil) {
			if err != nil {
				yield("", err)
				return
			}
			if delta.Call != nil {
				// The follow-up is not tool-call aware.
				c.logger.Debug("ignoring function call in follow-up completion", "name", delta.Call.Name)
				continue
			}
			if delta.Text != "" && !yield(delta.Text, nil) {
				return
			}
		}
	}
}

// SummarizeHistory issues one non-streaming completion over entries.
func (c *Client) SummarizeHistory(ctx context.Context, entries []Entry) (string, error) {
	messages, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("encoding entries: %w", err)
	}
	prompt := []Entry{
		{Role: RoleSystem, Content: "You are a helpful assistant."},
		{Role: RoleUser, Content: summaryInstruction + "\n\nMessages:\n" + string(messages)},
	}
	summary, err := c.backend.Complete(ctx, prompt)
	if err != nil {
		return "", err
	}
	if summary == "" {
		return "", &ProviderError{Code: ErrorCodeEmptyResponse, Message: "empty summary", Retryable: true}
	}
	return summary, nil
}

const summaryInstruction = "Summarize these messages into a short and detailed summary suitable for " +
	"history referencing. Keep it as short as possible without losing important information " +
	"from the conversation."

// catalogPrompt embeds the tool catalog verbatim as indented JSON.
func catalogPrompt(systemPrompt string, tools []ToolDefinition) string {
	items := make([]catalogItem, 0, len(tools))
	for _, t := range tools {
		items = append(items, catalogItem{Name: t.Name, Description: t.Description, Parameters: t.Schema()})
	}
	catalog, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		catalog = []byte("[]")
	}
	return fmt.Sprintf("%s, these are the tools available for you to use, %s. "+
		"Always check these tools when asked for your capability no matter what the history in the conversation says.",
		systemPrompt, catalog)
}

func toolResultPrompt(name string, result toolcall.Result) string {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(`{"error":"unencodable tool result"}`)
	}
	return fmt.Sprintf("this is the request response of %s: %s, understand the message and give a human "+
		"readable feedback about the user's request. Inform them what is the result of the requested "+
		"process after this attempt", name, payload)
}
