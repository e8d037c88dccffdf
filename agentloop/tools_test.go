package agentloop

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/martinemde/ralph/conversation"
)

func echoTool(name string) RegisteredTool {
	return RegisteredTool{
		Definition: ToolDefinition{Name: name, Description: "echo"},
		Executor: func(ctx context.Context, args json.RawMessage) (any, error) {
			return args, nil
		},
	}
}

func TestNewToolRegistryValidation(t *testing.T) {
	tests := []struct {
		name  string
		tools []RegisteredTool
		want  string
	}{
		{"empty name", []RegisteredTool{echoTool("")}, "name"},
		{"missing executor", []RegisteredTool{{Definition: ToolDefinition{Name: "query"}}}, "executor"},
		{"duplicate", []RegisteredTool{echoTool("query"), echoTool("query")}, "twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewToolRegistry(tt.tools...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestToolRegistryOrderAndDefaults(t *testing.T) {
	reg, err := NewToolRegistry(echoTool("query"), echoTool("create_campaign"), echoTool("send_campaign_email"))
	if err != nil {
		t.Fatal(err)
	}
	names := reg.Names()
	if strings.Join(names, ",") != "query,create_campaign,send_campaign_email" {
		t.Errorf("registration order lost: %v", names)
	}
	if reg.Count() != 3 {
		t.Errorf("expected 3 tools, got %d", reg.Count())
	}
	for _, d := range reg.Definitions() {
		if d.Parameters == nil {
			t.Errorf("%s: expected default parameter schema", d.Name)
		}
	}
}

func TestExecuteResults(t *testing.T) {
	reg, err := NewToolRegistry(
		echoTool("echo"),
		RegisteredTool{
			Definition: ToolDefinition{Name: "boom"},
			Executor: func(ctx context.Context, args json.RawMessage) (any, error) {
				panic("kaboom")
			},
		},
		RegisteredTool{
			Definition: ToolDefinition{Name: "rows"},
			Executor: func(ctx context.Context, args json.RawMessage) (any, error) {
				return []map[string]any{{"id": 1}}, nil
			},
		},
		RegisteredTool{
			Definition: ToolDefinition{Name: "bytes"},
			Executor: func(ctx context.Context, args json.RawMessage) (any, error) {
				return []byte("plain text"), nil
			},
		},
	)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := reg.Execute(ctx, conversation.ToolCallRequest{ID: "1", Name: "echo", Arguments: json.RawMessage(` { "a" : 1 } `)})
	if err != nil || string(res.Output) != `{"a":1}` {
		t.Errorf("echo: %s, %v", res.Output, err)
	}

	res, err = reg.Execute(ctx, conversation.ToolCallRequest{ID: "2", Name: "rows", Arguments: nil})
	if err != nil || string(res.Output) != `[{"id":1}]` {
		t.Errorf("rows: %s, %v", res.Output, err)
	}

	res, err = reg.Execute(ctx, conversation.ToolCallRequest{ID: "3", Name: "bytes"})
	if err != nil || string(res.Output) != `"plain text"` {
		t.Errorf("bytes: %s, %v", res.Output, err)
	}

	res, err = reg.Execute(ctx, conversation.ToolCallRequest{ID: "4", Name: "boom"})
	var execErr *ToolExecutionError
	if !errors.As(err, &execErr) || !strings.Contains(res.Error, "panic: kaboom") {
		t.Errorf("boom: %+v, %v", res, err)
	}
	if res.CallID != "4" || res.ToolName != "boom" || res.Output != nil {
		t.Errorf("failed result should carry only the error: %+v", res)
	}

	res, err = reg.Execute(ctx, conversation.ToolCallRequest{ID: "5", Name: "echo", Arguments: json.RawMessage(`[1,2]`)})
	if !errors.Is(err, ErrToolExecution) || !strings.Contains(res.Error, "JSON object") {
		t.Errorf("array args: %+v, %v", res, err)
	}

	res, err = reg.Execute(ctx, conversation.ToolCallRequest{ID: "6", Name: "nope"})
	if err == nil || res.Error != "Unknown tool: nope" {
		t.Errorf("unknown: %+v, %v", res, err)
	}
}

func TestArgumentHelpers(t *testing.T) {
	args, err := ParseToolArguments(json.RawMessage(`{"name":"Spring","limit":5}`))
	if err != nil {
		t.Fatal(err)
	}
	if s, ok := GetStringArg(args, "name"); !ok || s != "Spring" {
		t.Errorf("GetStringArg: %q %v", s, ok)
	}
	if n, ok := GetIntArg(args, "limit"); !ok || n != 5 {
		t.Errorf("GetIntArg: %d %v", n, ok)
	}
	if _, ok := GetStringArg(args, "limit"); ok {
		t.Error("limit is not a string")
	}
	if _, err := ParseToolArguments(json.RawMessage(`nope`)); err == nil {
		t.Error("expected parse error")
	}
}
