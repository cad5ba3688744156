// ABOUTME: Shared types for LLM providers: context entries, tool definitions, stream deltas
// ABOUTME: Provider-neutral so the conversation layer never branches on provider identity

package llm

import (
	"encoding/json"

	"github.com/2389/neon-gateway/internal/toolcall"
)

// Role tags an entry in the conversation context.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single role-tagged item of the context passed to a provider.
type Entry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolDefinition describes an HTTP tool the model may invoke.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
	Endpoint    string
	Method      string
	Placement   toolcall.Placement
	Headers     map[string]string
	Enabled     bool
}

// catalogItem is the shape a tool takes when advertised to a model.
type catalogItem struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Schema returns the parameter schema, defaulting to an empty object schema.
func (t ToolDefinition) Schema() json.RawMessage {
	if len(t.Parameters) == 0 || !json.Valid(t.Parameters) {
		return json.RawMessage(`{"type":"object","properties":{}}`)
	}
	return t.Parameters
}

// FindTool returns the tool with the given name.
func FindTool(tools []ToolDefinition, name string) (ToolDefinition, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDefinition{}, false
}

// CallFragment is one piece of a function call as it arrives on the stream.
// Name arrives at most once per call; Arguments arrive incrementally.
type CallFragment struct {
	Name      string
	Arguments string
}

// Delta is a single streamed event from a backend: text or a call fragment.
type Delta struct {
	Text string
	Call *CallFragment
}
