// Package types holds the wire-level message shapes produced by the emitter.
package types

import (
	"encoding/json"
)

// Role enumerates the roles a RawMessage can hold.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleFunction  Role = "function"
)

// RawMessage is a single emitted chat message, ready to hand to a model
// provider. It is the leaf unit of a Result.Messages slice.
type RawMessage struct {
	Role Role `json:"role"`

	// Name disambiguates between multiple participants sharing a role
	// (e.g. multiple tool results in flight at once).
	Name string `json:"name,omitempty"`

	// Content holds the message body as an ordered slice of parts. A
	// message with a single text part still uses this form; the emitter
	// never falls back to a bare content string.
	Content []ContentPart `json:"content"`

	// ToolCalls is populated on assistant messages that invoke tools.
	ToolCalls []MessageToolCall `json:"tool_calls,omitempty"`

	// ToolCallID references the MessageToolCall.ID this message answers,
	// when Role == RoleTool.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// MessageToolCall represents a single tool invocation requested by the model.
type MessageToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// GetText concatenates every text part of the message, ignoring images,
// cache checkpoints, and opaque parts. Useful for logging and tests.
func (m *RawMessage) GetText() string {
	var text string
	for _, part := range m.Content {
		if part.Type == ContentTypeText {
			text += part.Text
		}
	}
	return text
}

// IsEmpty reports whether the message carries no content and no tool calls,
// meaning the emitter should drop it rather than emit it.
func (m *RawMessage) IsEmpty() bool {
	return len(m.Content) == 0 && len(m.ToolCalls) == 0
}
