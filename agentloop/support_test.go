package agentloop

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/martinemde/ralph/conversation"
	"github.com/martinemde/ralph/unifiedllm"
)

func TestTruncateOutput(t *testing.T) {
	long := strings.Repeat("a", 50) + strings.Repeat("b", 50)

	if got := TruncateOutput("short", 10, TruncateHeadTail); got != "short" {
		t.Errorf("short output changed: %q", got)
	}
	if got := TruncateOutput(long, 0, TruncateTail); got != long {
		t.Error("a zero limit should disable truncation")
	}

	ht := TruncateOutput(long, 20, TruncateHeadTail)
	if !strings.HasPrefix(ht, strings.Repeat("a", 10)) || !strings.HasSuffix(ht, strings.Repeat("b", 10)) {
		t.Errorf("head_tail kept the wrong ends: %q", ht)
	}
	if !strings.Contains(ht, "80 characters were removed") {
		t.Errorf("missing warning: %q", ht)
	}

	tail := TruncateOutput(long, 20, TruncateTail)
	if !strings.HasSuffix(tail, strings.Repeat("b", 20)) || !strings.Contains(tail, "First 80 characters") {
		t.Errorf("unexpected tail truncation: %q", tail)
	}
}

func TestTruncateLines(t *testing.T) {
	var lines []string
	for i := 0; i < 10; i++ {
		lines = append(lines, fmt.Sprintf("row %d", i))
	}
	got := TruncateLines(strings.Join(lines, "\n"), 4)
	want := "row 0\nrow 1\n[... 6 lines omitted ...]\nrow 8\nrow 9"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if TruncateLines("a\nb", -1) != "a\nb" {
		t.Error("a negative limit should disable line truncation")
	}
}

func TestTruncateToolOutputLimits(t *testing.T) {
	out := strings.Repeat("x", 5000)
	if got := TruncateToolOutput(out, "create_campaign", nil, nil); !strings.Contains(got, "First 1000 characters") {
		t.Errorf("expected default tail limit, got %d chars", len(got))
	}
	if got := TruncateToolOutput(out, "create_campaign", map[string]int{"create_campaign": 10000}, nil); got != out {
		t.Error("explicit limit should override the default")
	}
	if got := TruncateToolOutput(out, "custom", nil, nil); got != out {
		t.Error("unknown tools fall back to the large default limit")
	}

	rows := strings.TrimSuffix(strings.Repeat("r\n", 500), "\n")
	if got := TruncateToolOutput(rows, "query", nil, nil); !strings.Contains(got, "lines omitted") {
		t.Error("query output should be line-limited")
	}
}

func assistantCall(name, args string) conversation.Message {
	return conversation.NewAssistantMessage("", []conversation.ToolCallRequest{{ID: name + args, Name: name, Arguments: json.RawMessage(args)}})
}

func TestDetectLoop(t *testing.T) {
	a := assistantCall("query", `{"q":1}`)
	b := assistantCall("query", `{"q":2}`)
	c := assistantCall("create_campaign", `{}`)

	tests := []struct {
		name       string
		transcript []conversation.Message
		window     int
		want       bool
	}{
		{"too short", []conversation.Message{a, a}, 4, false},
		{"same call", []conversation.Message{a, a, a, a}, 4, true},
		{"alternating", []conversation.Message{a, b, a, b}, 4, true},
		{"period three", []conversation.Message{a, b, c, a, b, c}, 6, true},
		{"varied", []conversation.Message{a, b, c, b}, 4, false},
		{"window of one", []conversation.Message{a, a}, 1, false},
		{"ignores text", []conversation.Message{a, conversation.NewUserMessage("hi"), a}, 2, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectLoop(tt.transcript, tt.window); got != tt.want {
				t.Errorf("DetectLoop = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConvertTranscriptToMessages(t *testing.T) {
	call := conversation.ToolCallRequest{ID: "c1", Name: "query", Arguments: json.RawMessage(`{"query":"SELECT 1"}`)}
	transcript := []conversation.Message{
		conversation.NewUserMessage("list customers"),
		conversation.NewAssistantMessage("Checking.", []conversation.ToolCallRequest{call}),
		conversation.NewToolResultMessage(conversation.ToolCallResult{CallID: "c1", ToolName: "query", Output: json.RawMessage(`[{"name":"Ada"}]`)}),
		conversation.NewRejectedMessage(call, "not that table"),
		conversation.NewToolResultMessage(conversation.ToolCallResult{CallID: "c1", ToolName: "query", Error: "Tool error (query): boom"}),
		{Role: conversation.RoleTool, Text: "orphan"},
	}

	msgs := ConvertTranscriptToMessages(transcript, nil, nil)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}
	if calls := msgs[1].ToolCalls(); len(calls) != 1 || calls[0].ID != "c1" || msgs[1].TextContent() != "Checking." {
		t.Errorf("unexpected assistant message %+v", msgs[1])
	}

	ok := msgs[2].Content[0].ToolResult
	if ok.Content != `[{"name":"Ada"}]` || ok.IsError {
		t.Errorf("unexpected result %+v", ok)
	}
	rejected := msgs[3].Content[0].ToolResult
	if rejected.Content != rejectedPrefix+"not that table" || !rejected.IsError {
		t.Errorf("unexpected rejection %+v", rejected)
	}
	failed := msgs[4].Content[0].ToolResult
	if failed.Content != "Tool error (query): boom" || !failed.IsError {
		t.Errorf("unexpected failure %+v", failed)
	}
}

func TestToolCallRequestsAssignsUniqueIDs(t *testing.T) {
	n := 0
	newID := func() string { n++; return fmt.Sprintf("gen%d", n) }
	used := map[string]bool{"c1": true}

	got := toolCallRequests([]unifiedllm.ToolCall{
		{ID: "c1", Name: "query", Arguments: json.RawMessage(` {"a": 1} `)},
		{ID: "", Name: "query"},
		{ID: "c2", Name: "query", Arguments: json.RawMessage(`{}`)},
		{ID: "c2", Name: "query", Arguments: json.RawMessage(`{}`)},
	}, used, newID)

	ids := []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID}
	if strings.Join(ids, ",") != "gen1,gen2,c2,gen3" {
		t.Errorf("unexpected ids %v", ids)
	}
	if string(got[0].Arguments) != `{"a":1}` || string(got[1].Arguments) != `{}` {
		t.Errorf("arguments not normalized: %s, %s", got[0].Arguments, got[1].Arguments)
	}
}

func TestBuildSystemPrompt(t *testing.T) {
	prompt := BuildSystemPrompt(PromptContext{
		Base:         "You are a CRM assistant.",
		Model:        "gpt-4.1-mini",
		Tools:        []ToolDefinition{{Name: "query", Description: "Run SQL"}, {Name: "send_campaign_email", Description: "Send a campaign"}},
		Protected:    func(name string) bool { return name == "send_campaign_email" },
		Instructions: "Always answer in French.",
		Now:          time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})

	for _, want := range []string{
		"You are a CRM assistant.",
		"Today's date: 2026-03-01",
		"Model: gpt-4.1-mini",
		"- query: Run SQL\n",
		"- send_campaign_email: Send a campaign (requires user approval before it runs)",
		"# User Instructions\n\nAlways answer in French.",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if strings.Index(prompt, "# Tools") > strings.Index(prompt, "# User Instructions") {
		t.Error("user instructions should come last")
	}

	auto := BuildSystemPrompt(PromptContext{
		Base:        "base",
		Tools:       []ToolDefinition{{Name: "send_campaign_email", Description: "Send"}},
		Protected:   func(string) bool { return true },
		AutoApprove: true,
	})
	if strings.Contains(auto, "requires user approval") || !strings.Contains(auto, "Auto-approve: true") {
		t.Errorf("auto-approve prompt wrong:\n%s", auto)
	}
}

func TestLoadInstructions(t *testing.T) {
	dir := t.TempDir()
	if got, err := LoadInstructions(filepath.Join(dir, "missing.md")); err != nil || got != "" {
		t.Errorf("missing file: %q, %v", got, err)
	}

	path := filepath.Join(dir, "RALPH.md")
	if err := os.WriteFile(path, []byte(strings.Repeat("x", maxInstructionBytes+10)), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := LoadInstructions(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(got, "[Instructions truncated at 32KB]") {
		t.Error("expected truncation marker")
	}
}

func TestErrorClassification(t *testing.T) {
	cause := errors.New("boom")
	tests := []struct {
		err      error
		sentinel error
		fatal    bool
		retry    bool
	}{
		{&ValidationError{Message: "bad"}, ErrValidation, false, true},
		{&InvalidStateError{Message: "busy"}, ErrInvalidState, false, true},
		{&ToolExecutionError{ToolName: "query", Cause: cause}, ErrToolExecution, false, false},
		{&ModelServiceError{Cause: cause}, ErrModelService, true, false},
		{&TurnLimitExceededError{Limit: 3}, ErrTurnLimitExceeded, true, false},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("outer: %w", tt.err)
		if !errors.Is(wrapped, tt.sentinel) {
			t.Errorf("%T: not matched by its sentinel", tt.err)
		}
		if IsTurnFatal(wrapped) != tt.fatal {
			t.Errorf("%T: IsTurnFatal = %v", tt.err, !tt.fatal)
		}
		if IsRetryableByCaller(wrapped) != tt.retry {
			t.Errorf("%T: IsRetryableByCaller = %v", tt.err, !tt.retry)
		}
	}
	if !errors.Is(&ToolExecutionError{Cause: cause}, cause) {
		t.Error("tool errors should unwrap to their cause")
	}
}
