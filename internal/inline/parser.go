// ABOUTME: Fallback parser for <function=NAME>ARGS</function> markers in finished replies
// ABOUTME: Replaces the first marker with its handler's output and keeps surrounding text

package inline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

var markerPattern = regexp.MustCompile(`(?s)<function=(\w+)>(.*?)</function>`)

// Parser rewrites replies that carry an inline function call.
type Parser struct {
	registry *Registry
	logger   *slog.Logger
}

// NewParser creates a Parser dispatching through registry.
func NewParser(registry *Registry, logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Parser{
		registry: registry,
		logger:   logger.With("component", "inline"),
	}
}

// Extract looks for the first marker in text. Without a marker, or when its
// arguments are not a JSON object, text is returned unchanged. Otherwise the
// marker is replaced by the dispatch result.
func (p *Parser) Extract(ctx context.Context, text string) (string, error) {
	loc := markerPattern.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, nil
	}
	name := text[loc[2]:loc[3]]
	rawArgs := strings.TrimSpace(text[loc[4]:loc[5]])

	args := map[string]any{}
	if rawArgs != "" {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			p.logger.Warn("inline function call has invalid arguments", "name", name, "error", err)
			return text, nil
		}
		if args == nil {
			args = map[string]any{}
		}
	}

	p.logger.Info("dispatching inline function call", "name", name)
	result, err := p.registry.Dispatch(ctx, name, args)
	if err != nil {
		return text, fmt.Errorf("inline call %s: %w", name, err)
	}
	return text[:loc[0]] + result + text[loc[1]:], nil
}
