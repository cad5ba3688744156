// ABOUTME: Backend for OpenAI-compatible chat completion APIs (OpenAI, Groq)
// ABOUTME: Streams text and function-call deltas via github.com/sashabaranov/go-openai

package openai

import (
	"context"
	"errors"
	"io"
	"iter"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/2389/neon-gateway/internal/llm"
)

// GroqBaseURL is the OpenAI-compatible endpoint for Groq.
const GroqBaseURL = "https://api.groq.com/openai/v1"

const (
	summaryMaxTokens   = 300
	summaryTemperature = 0.3
)

// Register adds the "openai" and "groq" providers to the factory.
func Register(f *llm.Factory) {
	f.Register("openai", func(ctx context.Context, creds llm.Credentials, model string) (llm.Backend, error) {
		return New(creds, model)
	})
	f.Register("groq", func(ctx context.Context, creds llm.Credentials, model string) (llm.Backend, error) {
		if creds.BaseURL == "" {
			creds.BaseURL = GroqBaseURL
		}
		return New(creds, model)
	})
}

// Backend talks to one OpenAI-compatible endpoint with one model.
type Backend struct {
	client *goopenai.Client
	model  string
}

// New creates a Backend. BaseURL overrides the default OpenAI endpoint.
func New(creds llm.Credentials, model string) (*Backend, error) {
	if creds.APIKey == "" {
		return nil, llm.ErrMissingAPIKey
	}
	cfg := goopenai.DefaultConfig(creds.APIKey)
	if creds.BaseURL != "" {
		cfg.BaseURL = creds.BaseURL
	}
	return &Backend{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

// Stream implements llm.Backend.
func (b *Backend) Stream(ctx context.Context, entries []llm.Entry, tools []llm.ToolDefinition) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		req := goopenai.ChatCompletionRequest{
			Model:    b.model,
			Messages: toMessages(entries),
			Stream:   true,
		}
		if len(tools) > 0 {
			req.Tools = toTools(tools)
			req.ToolChoice = "auto"
		}

		stream, err := b.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			yield(llm.Delta{}, mapError(err))
			return
		}
		defer stream.Close()

		// Only the first tool call of a response is honored.
		callIndex := -1
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(llm.Delta{}, mapError(err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta

			if fc := delta.FunctionCall; fc != nil {
				if !yield(llm.Delta{Call: &llm.CallFragment{Name: fc.Name, Arguments: fc.Arguments}}, nil) {
					return
				}
				continue
			}

			if len(delta.ToolCalls) > 0 {
				for _, tc := range delta.ToolCalls {
					idx := 0
					if tc.Index != nil {
						idx = *tc.Index
					}
					if callIndex == -1 {
						callIndex = idx
					}
					if idx != callIndex {
						continue
					}
					frag := &llm.CallFragment{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
					if !yield(llm.Delta{Call: frag}, nil) {
						return
					}
				}
				continue
			}

			if delta.Content != "" {
				if !yield(llm.Delta{Text: delta.Content}, nil) {
					return
				}
			}
		}
	}
}

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, entries []llm.Entry) (string, error) {
	resp, err := b.client.CreateChatCompletion(ctx, goopenai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    toMessages(entries),
		MaxTokens:   summaryMaxTokens,
		Temperature: summaryTemperature,
	})
	if err != nil {
		return "", mapError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &llm.ProviderError{Code: llm.ErrorCodeEmptyResponse, Message: "no choices in response", Retryable: true}
	}
	return resp.Choices[0].Message.Content, nil
}

func toMessages(entries []llm.Entry) []goopenai.ChatCompletionMessage {
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(entries))
	for _, e := range entries {
		role := goopenai.ChatMessageRoleUser
		switch e.Role {
		case llm.RoleSystem:
			role = goopenai.ChatMessageRoleSystem
		case llm.RoleAssistant:
			role = goopenai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, goopenai.ChatCompletionMessage{Role: role, Content: e.Content})
	}
	return msgs
}

func toTools(tools []llm.ToolDefinition) []goopenai.Tool {
	out := make([]goopenai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, goopenai.Tool{
			Type: goopenai.ToolTypeFunction,
			Function: &goopenai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Schema(),
			},
		})
	}
	return out
}

// mapError converts SDK errors into llm.ProviderError.
func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return llm.StatusError(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return llm.StatusError(reqErr.HTTPStatusCode, reqErr.Error(), err)
	}
	return &llm.ProviderError{
		Code:       llm.ErrorCodeNetwork,
		Message:    "network error",
		Underlying: err,
		Retryable:  true,
	}
}
