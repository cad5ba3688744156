// ABOUTME: Accumulator for a function call that arrives in fragments on the stream
// ABOUTME: Name is captured once; argument text is concatenated in arrival order

package llm

import (
	"encoding/json"
	"strings"
)

// PendingToolCall collects call fragments until the stream ends.
type PendingToolCall struct {
	name string
	args strings.Builder
	seen bool
}

// Add folds one fragment into the call.
func (p *PendingToolCall) Add(f CallFragment) {
	p.seen = true
	if f.Name != "" && p.name == "" {
		p.name = f.Name
	}
	p.args.WriteString(f.Arguments)
}

// Started reports whether any fragment arrived.
func (p *PendingToolCall) Started() bool {
	return p.seen
}

// Name returns the function name, empty if it never arrived.
func (p *PendingToolCall) Name() string {
	return p.name
}

// RawArguments returns the concatenated argument text.
func (p *PendingToolCall) RawArguments() string {
	return p.args.String()
}

// Arguments parses the accumulated text as a JSON object. The call is only
// complete when a name is set and the arguments form a valid object.
func (p *PendingToolCall) Arguments() (map[string]any, bool) {
	if p.name == "" {
		return nil, false
	}
	raw := strings.TrimSpace(p.args.String())
	if raw == "" || !json.Valid([]byte(raw)) {
		return nil, false
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, false
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, true
}
