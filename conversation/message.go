// Package conversation holds the per-session data the orchestrator owns:
// the append-only transcript, the auto-approve flag, and any pending
// Interruption. The types carry no behavior beyond construction and
// inspection helpers so every backend can persist them as plain JSON.
package conversation

import (
	"bytes"
	"encoding/json"
	"time"
)

// Role identifies who produced a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCallRequest is a model-issued request to run one tool.
type ToolCallRequest struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolCallResult is the outcome of one ToolCallRequest. Exactly one of
// Output or Error is meaningful; a rejected result carries the human
// feedback in Error and in the owning Message's Text.
type ToolCallResult struct {
	CallID   string          `json:"call_id"`
	ToolName string          `json:"tool_name"`
	Output   json.RawMessage `json:"output,omitempty"`
	Error    string          `json:"error,omitempty"`
	Rejected bool            `json:"rejected,omitempty"`
}

// IsError reports whether the result should be presented to the model as a
// failure.
func (r ToolCallResult) IsError() bool {
	return r.Error != "" || r.Rejected
}

// Message is a single transcript entry.
type Message struct {
	Role       Role              `json:"role"`
	Text       string            `json:"text,omitempty"`
	ToolCalls  []ToolCallRequest `json:"tool_calls,omitempty"`
	ToolResult *ToolCallResult   `json:"tool_result,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewUserMessage creates a user entry.
func NewUserMessage(text string) Message {
	return Message{Role: RoleUser, Text: text, Timestamp: Now()}
}

// NewAssistantMessage creates an assistant entry. calls may be empty.
func NewAssistantMessage(text string, calls []ToolCallRequest) Message {
	return Message{Role: RoleAssistant, Text: text, ToolCalls: calls, Timestamp: Now()}
}

// NewToolResultMessage creates a tool entry wrapping a successful or failed
// execution.
func NewToolResultMessage(result ToolCallResult) Message {
	text := result.Error
	if !result.IsError() {
		text = string(result.Output)
	}
	return Message{Role: RoleTool, Text: text, ToolResult: &result, Timestamp: Now()}
}

// NewRejectedMessage creates the tool entry recorded when a human declines a
// call and sends feedback instead.
func NewRejectedMessage(call ToolCallRequest, feedback string) Message {
	return Message{
		Role: RoleTool,
		Text: feedback,
		ToolResult: &ToolCallResult{
			CallID:   call.ID,
			ToolName: call.Name,
			Error:    feedback,
			Rejected: true,
		},
		Timestamp: Now(),
	}
}

// HasToolCalls reports whether the entry is an assistant message requesting
// tools.
func (m Message) HasToolCalls() bool {
	return m.Role == RoleAssistant && len(m.ToolCalls) > 0
}

// NormalizeArguments returns raw in compact form. Text that is not valid
// JSON is kept as a JSON string so the transcript always serializes; tools
// then reject it as a non-object argument payload.
func NormalizeArguments(raw []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err == nil {
		return json.RawMessage(buf.Bytes())
	}
	quoted, _ := json.Marshal(string(raw))
	return json.RawMessage(quoted)
}

// Now returns the current UTC time without a monotonic clock reading, so
// timestamps compare equal after a JSON round-trip.
func Now() time.Time {
	return time.Now().UTC().Round(0)
}
