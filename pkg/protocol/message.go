package protocol

import "strings"

// Role classifies who produced a message in a ticket conversation.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
	RoleTool  Role = "tool"
)

// Message is one immutable entry of a ticket-resolution conversation.
// Producer is the agent or tool name; it is empty for the original ticket text.
type Message struct {
	Role       Role              `json:"role"`
	Producer   string            `json:"producer,omitempty"`
	Content    string            `json:"content"`
	ToolCalls  []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	Facts      map[string]string `json:"facts,omitempty"`
}

// HasToolCalls reports whether the message requests tool executions.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAgent && len(m.ToolCalls) > 0
}

// Contains reports whether the message content contains substr.
func (m Message) Contains(substr string) bool {
	return strings.Contains(m.Content, substr)
}
