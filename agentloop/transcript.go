package agentloop

import (
	"github.com/martinemde/ralph/conversation"
	"github.com/martinemde/ralph/unifiedllm"
)

// rejectedPrefix introduces human feedback in the tool result the model
// sees for a declined call.
const rejectedPrefix = "The user declined this tool call and replied: "

// ConvertTranscriptToMessages converts the transcript into model messages.
// Tool output is truncated here only; the transcript keeps the full text.
func ConvertTranscriptToMessages(transcript []conversation.Message, charLimits, lineLimits map[string]int) []unifiedllm.Message {
	messages := make([]unifiedllm.Message, 0, len(transcript))
	for _, m := range transcript {
		switch m.Role {
		case conversation.RoleUser:
			messages = append(messages, unifiedllm.UserMessage(m.Text))
		case conversation.RoleAssistant:
			msg := unifiedllm.AssistantMessage(m.Text)
			for _, tc := range m.ToolCalls {
				msg.Content = append(msg.Content, unifiedllm.ToolCallPart(tc.ID, tc.Name, tc.Arguments))
			}
			messages = append(messages, msg)
		case conversation.RoleTool:
			if m.ToolResult == nil {
				continue
			}
			r := m.ToolResult
			content := m.Text
			switch {
			case r.Rejected:
				content = rejectedPrefix + m.Text
			case !r.IsError():
				content = TruncateToolOutput(content, r.ToolName, charLimits, lineLimits)
			}
			messages = append(messages, unifiedllm.ToolResultMessage(r.CallID, content, r.IsError()))
		}
	}
	return messages
}

// toolCallRequests converts model tool calls into transcript requests.
// Arguments are normalized and missing or repeated ids are replaced so ids
// stay unique within the turn.
func toolCallRequests(calls []unifiedllm.ToolCall, used map[string]bool, newID func() string) []conversation.ToolCallRequest {
	if len(calls) == 0 {
		return nil
	}
	out := make([]conversation.ToolCallRequest, 0, len(calls))
	for _, tc := range calls {
		id := tc.ID
		if id == "" || used[id] {
			id = newID()
		}
		used[id] = true
		out = append(out, conversation.ToolCallRequest{
			ID:        id,
			Name:      tc.Name,
			Arguments: conversation.NormalizeArguments(tc.Arguments),
		})
	}
	return out
}

// toolDefinitions converts registry definitions for a model request.
func toolDefinitions(reg *ToolRegistry) []unifiedllm.ToolDefinition {
	defs := reg.Definitions()
	out := make([]unifiedllm.ToolDefinition, len(defs))
	for i, d := range defs {
		out[i] = unifiedllm.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.Parameters}
	}
	return out
}
