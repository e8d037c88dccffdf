package unifiedllm

import (
	"encoding/json"
	"strings"
)

// StreamAccumulator collects stream events into a complete Response.
//
// Text is the concatenation of every TextDelta in arrival order. Tool call
// arguments are assembled from ToolCallDelta fragments unless the closing
// ToolCallEnd carries the complete arguments. When a provider emits no
// incremental events, the final Response attached to StreamFinish is used.
type StreamAccumulator struct {
	text    strings.Builder
	sawText bool
	calls   []*partialCall
	byID    map[string]*partialCall
	finish  *FinishReason
	usage   *Usage
	final   *Response
	err     error
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
	done json.RawMessage
}

// NewStreamAccumulator creates a new StreamAccumulator.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{byID: make(map[string]*partialCall)}
}

// Process ingests a single stream event.
func (sa *StreamAccumulator) Process(event StreamEvent) {
	switch event.Type {
	case TextDelta:
		sa.sawText = true
		sa.text.WriteString(event.Delta)
	case ToolCallStart:
		if event.ToolCall != nil {
			sa.call(event.ToolCall.ID, event.ToolCall.Name)
		}
	case ToolCallDelta:
		if event.ToolCall != nil {
			sa.call(event.ToolCall.ID, event.ToolCall.Name).args.WriteString(event.Delta)
		}
	case ToolCallEnd:
		if event.ToolCall != nil {
			pc := sa.call(event.ToolCall.ID, event.ToolCall.Name)
			if len(event.ToolCall.Arguments) > 0 {
				pc.done = event.ToolCall.Arguments
			}
		}
	case StreamFinish:
		sa.finish = event.FinishReason
		sa.usage = event.Usage
		sa.final = event.Response
	case StreamError:
		sa.err = event.Error
		if sa.err == nil {
			sa.err = &StreamErrorType{SDKError: SDKError{Message: "stream error without detail"}}
		}
	}
}

func (sa *StreamAccumulator) call(id, name string) *partialCall {
	if pc, ok := sa.byID[id]; ok {
		if pc.name == "" {
			pc.name = name
		}
		return pc
	}
	pc := &partialCall{id: id, name: name}
	sa.byID[id] = pc
	sa.calls = append(sa.calls, pc)
	return pc
}

// Err returns the error carried by a StreamError event, if any.
func (sa *StreamAccumulator) Err() error {
	return sa.err
}

// Finished reports whether a StreamFinish event was seen.
func (sa *StreamAccumulator) Finished() bool {
	return sa.finish != nil || sa.final != nil
}

// Text returns the assistant text accumulated so far.
func (sa *StreamAccumulator) Text() string {
	if !sa.sawText && sa.final != nil {
		return sa.final.Text()
	}
	return sa.text.String()
}

// ToolCalls returns the tool calls in the order they were first seen.
func (sa *StreamAccumulator) ToolCalls() []ToolCall {
	if len(sa.calls) == 0 && sa.final != nil {
		return sa.final.ToolCallsFromResponse()
	}
	calls := make([]ToolCall, 0, len(sa.calls))
	for _, pc := range sa.calls {
		args := pc.done
		if len(args) == 0 {
			args = json.RawMessage(pc.args.String())
		}
		calls = append(calls, ToolCall{ID: pc.id, Name: pc.name, Arguments: args})
	}
	return calls
}

// Response returns the accumulated response.
func (sa *StreamAccumulator) Response() *Response {
	resp := &Response{}
	if sa.final != nil {
		resp.ID = sa.final.ID
		resp.Model = sa.final.Model
		resp.Provider = sa.final.Provider
		resp.Usage = sa.final.Usage
		resp.FinishReason = sa.final.FinishReason
	}

	var content []ContentPart
	if text := sa.Text(); text != "" {
		content = append(content, TextPart(text))
	}
	calls := sa.ToolCalls()
	for _, tc := range calls {
		content = append(content, ToolCallPart(tc.ID, tc.Name, tc.Arguments))
	}
	resp.Message = Message{Role: RoleAssistant, Content: content}

	if sa.finish != nil {
		resp.FinishReason = *sa.finish
	}
	if resp.FinishReason.Reason == "" {
		resp.FinishReason = FinishReason{Reason: "stop"}
		if len(calls) > 0 {
			resp.FinishReason = FinishReason{Reason: "tool_calls"}
		}
	}
	if sa.usage != nil {
		resp.Usage = *sa.usage
	}
	return resp
}
