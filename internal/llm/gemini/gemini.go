// ABOUTME: Backend for the Gemini API via google.golang.org/genai
// ABOUTME: Folds system entries into SystemInstruction and maps function-call parts to deltas

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"

	"google.golang.org/genai"

	"github.com/2389/neon-gateway/internal/llm"
)

const summaryMaxTokens = 300

// contentStreamer is the slice of the genai Models service used here.
type contentStreamer interface {
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Register adds the "gemini" provider to the factory.
func Register(f *llm.Factory) {
	f.Register("gemini", func(ctx context.Context, creds llm.Credentials, model string) (llm.Backend, error) {
		return New(ctx, creds, model)
	})
}

// Backend talks to Gemini with one model.
type Backend struct {
	models contentStreamer
	model  string
}

// New creates a Backend backed by a genai client.
func New(ctx context.Context, creds llm.Credentials, model string) (*Backend, error) {
	if creds.APIKey == "" {
		return nil, llm.ErrMissingAPIKey
	}
	cfg := &genai.ClientConfig{APIKey: creds.APIKey, Backend: genai.BackendGeminiAPI}
	if creds.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: creds.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, mapError(err)
	}
	return &Backend{models: client.Models, model: model}, nil
}

// Stream implements llm.Backend.
func (b *Backend) Stream(ctx context.Context, entries []llm.Entry, tools []llm.ToolDefinition) iter.Seq2[llm.Delta, error] {
	return func(yield func(llm.Delta, error) bool) {
		contents, system := toContents(entries)
		config := &genai.GenerateContentConfig{SystemInstruction: system}
		if len(tools) > 0 {
			config.Tools = []*genai.Tool{{FunctionDeclarations: toDeclarations(tools)}}
			config.ToolConfig = &genai.ToolConfig{
				FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
			}
		}

		called := false
		for resp, err := range b.models.GenerateContentStream(ctx, b.model, contents, config) {
			if err != nil {
				yield(llm.Delta{}, mapError(err))
				return
			}
			for _, part := range firstParts(resp) {
				switch {
				case part.FunctionCall != nil:
					// Gemini sends whole calls; only the first is kept.
					if called {
						continue
					}
					called = true
					if !yield(llm.Delta{Call: callFragment(part.FunctionCall)}, nil) {
						return
					}
				case part.Text != "" && !part.Thought:
					if !yield(llm.Delta{Text: part.Text}, nil) {
						return
					}
				}
			}
		}
	}
}

// Complete implements llm.Backend.
func (b *Backend) Complete(ctx context.Context, entries []llm.Entry) (string, error) {
	contents, system := toContents(entries)
	resp, err := b.models.GenerateContent(ctx, b.model, contents, &genai.GenerateContentConfig{
		SystemInstruction: system,
		MaxOutputTokens:   summaryMaxTokens,
		Temperature:       genai.Ptr[float32](0.3),
	})
	if err != nil {
		return "", mapError(err)
	}
	var sb strings.Builder
	for _, part := range firstParts(resp) {
		if !part.Thought {
			sb.WriteString(part.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &llm.ProviderError{Code: llm.ErrorCodeEmptyResponse, Message: "no text in response", Retryable: true}
	}
	return sb.String(), nil
}

func firstParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}
	return resp.Candidates[0].Content.Parts
}

func callFragment(fc *genai.FunctionCall) *llm.CallFragment {
	args := fc.Args
	if args == nil {
		args = map[string]any{}
	}
	raw, err := json.Marshal(args)
	if err != nil {
		raw = []byte("{}")
	}
	return &llm.CallFragment{Name: fc.Name, Arguments: string(raw)}
}

// toContents splits entries into conversation contents and a system instruction.
func toContents(entries []llm.Entry) ([]*genai.Content, *genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case llm.RoleSystem:
			system = append(system, e.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(e.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(e.Content, genai.RoleUser))
		}
	}
	if len(system) == 0 {
		return contents, nil
	}
	return contents, genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
}

func toDeclarations(tools []llm.ToolDefinition) []*genai.FunctionDeclaration {
	out := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		out = append(out, &genai.FunctionDeclaration{
			Name:                 t.Name,
			Description:          t.Description,
			ParametersJsonSchema: t.Schema(),
		})
	}
	return out
}

func mapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llm.StatusError(apiErr.Code, apiErr.Message, err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return llm.StatusError(apiErrPtr.Code, apiErrPtr.Message, err)
	}
	return &llm.ProviderError{
		Code:       llm.ErrorCodeNetwork,
		Message:    "network error",
		Underlying: err,
		Retryable:  true,
	}
}
