// ABOUTME: Inline handler that runs the agent's own HTTP tools when the model writes a marker
// ABOUTME: The turn attaches its agent's tools to the context; unknown names fall through

package inline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/2389/neon-gateway/internal/llm"
)

type toolsKey struct{}

// WithTools attaches the tools the current agent may call.
func WithTools(ctx context.Context, tools []llm.ToolDefinition) context.Context {
	return context.WithValue(ctx, toolsKey{}, tools)
}

// ToolsFromContext returns the tools attached by WithTools.
func ToolsFromContext(ctx context.Context) []llm.ToolDefinition {
	tools, _ := ctx.Value(toolsKey{}).([]llm.ToolDefinition)
	return tools
}

// ToolHandler dispatches a marker to the enabled agent tool of the same name
// through invoker. Names that are not agent tools go to next; a nil next
// fails them with llm.ErrToolNotFound.
func ToolHandler(invoker llm.ToolInvoker, next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, name string, args map[string]any) (string, error) {
		tool, ok := llm.FindTool(ToolsFromContext(ctx), name)
		if !ok || !tool.Enabled {
			if next == nil {
				return "", fmt.Errorf("%w: %s", llm.ErrToolNotFound, name)
			}
			return next.Handle(ctx, name, args)
		}

		result := invoker.Invoke(ctx, tool.Method, tool.Endpoint, args, tool.Placement, tool.Headers)
		if s, ok := result.Value.(string); ok && !result.Failed() {
			return s, nil
		}
		out, err := json.Marshal(result)
		if err != nil {
			return "", fmt.Errorf("encoding %s result: %w", name, err)
		}
		return string(out), nil
	})
}
