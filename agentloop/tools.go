package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/martinemde/ralph/conversation"
)

// ToolExecutor runs one tool call. args is always a JSON object. The result
// must be JSON-encodable; json.RawMessage and []byte holding valid JSON are
// passed through unchanged.
type ToolExecutor func(ctx context.Context, args json.RawMessage) (any, error)

// ToolDefinition describes a tool for the LLM (serializable metadata).
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// RegisteredTool pairs a tool definition with its executor.
type RegisteredTool struct {
	Definition ToolDefinition
	Executor   ToolExecutor
}

// ToolRegistry is the closed table of tools a session may call. It is
// validated once at construction and never changes afterwards.
type ToolRegistry struct {
	tools map[string]RegisteredTool
	order []string
}

// NewToolRegistry validates tools and builds the registry. Names must be
// non-empty and unique and every tool needs an executor.
func NewToolRegistry(tools ...RegisteredTool) (*ToolRegistry, error) {
	r := &ToolRegistry{tools: make(map[string]RegisteredTool, len(tools))}
	for _, t := range tools {
		name := t.Definition.Name
		if name == "" {
			return nil, fmt.Errorf("tool definition has no name")
		}
		if t.Executor == nil {
			return nil, fmt.Errorf("tool %q has no executor", name)
		}
		if _, dup := r.tools[name]; dup {
			return nil, fmt.Errorf("tool %q registered twice", name)
		}
		if t.Definition.Parameters == nil {
			t.Definition.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return r, nil
}

// Get returns a registered tool by name.
func (r *ToolRegistry) Get(name string) (RegisteredTool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Names returns the names of all registered tools in registration order.
func (r *ToolRegistry) Names() []string {
	return append([]string(nil), r.order...)
}

// Count returns the number of registered tools.
func (r *ToolRegistry) Count() int {
	return len(r.order)
}

// Execute runs one call and always returns a result for it. The returned
// error is non-nil when the result records a failure, so callers can log it.
func (r *ToolRegistry) Execute(ctx context.Context, call conversation.ToolCallRequest) (conversation.ToolCallResult, error) {
	result := conversation.ToolCallResult{CallID: call.ID, ToolName: call.Name}

	tool, ok := r.tools[call.Name]
	if !ok {
		err := &ToolExecutionError{ToolName: call.Name, CallID: call.ID, Cause: fmt.Errorf("unknown tool")}
		result.Error = fmt.Sprintf("Unknown tool: %s", call.Name)
		return result, err
	}

	args, err := objectArguments(call.Arguments)
	if err != nil {
		execErr := &ToolExecutionError{ToolName: call.Name, CallID: call.ID, Cause: err}
		result.Error = execErr.Error()
		return result, execErr
	}

	out, err := runExecutor(ctx, tool.Executor, args)
	if err == nil {
		result.Output, err = encodeOutput(out)
	}
	if err != nil {
		execErr := &ToolExecutionError{ToolName: call.Name, CallID: call.ID, Cause: err}
		result.Error = execErr.Error()
		result.Output = nil
		return result, execErr
	}
	return result, nil
}

func runExecutor(ctx context.Context, exec ToolExecutor, args json.RawMessage) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return exec(ctx, args)
}

// objectArguments checks that raw is a JSON object and returns it compacted.
func objectArguments(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, fmt.Errorf("arguments must be a JSON object")
	}
	return conversation.NormalizeArguments(trimmed), nil
}

func encodeOutput(out any) (json.RawMessage, error) {
	switch v := out.(type) {
	case nil:
		return json.RawMessage(`null`), nil
	case json.RawMessage:
		if json.Valid(v) {
			return conversation.NormalizeArguments(v), nil
		}
		return json.Marshal(string(v))
	case []byte:
		if json.Valid(v) {
			return conversation.NormalizeArguments(v), nil
		}
		return json.Marshal(string(v))
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode tool output: %w", err)
		}
		return b, nil
	}
}

// ParseToolArguments is a helper that unmarshals tool call arguments into a
// map for validation and access.
func ParseToolArguments(raw json.RawMessage) (map[string]interface{}, error) {
	var args map[string]interface{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("invalid tool arguments: %w", err)
	}
	return args, nil
}

// GetStringArg extracts a string argument from parsed tool arguments.
func GetStringArg(args map[string]interface{}, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetIntArg extracts an integer argument from parsed tool arguments.
func GetIntArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
