package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

// mockAdapter is a test double for ProviderAdapter.
type mockAdapter struct {
	name     string
	response *Response
	err      error
	events   []StreamEvent
	closed   bool
}

func (m *mockAdapter) Name() string { return m.name }

func (m *mockAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.response, nil
}

func (m *mockAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	if m.err != nil {
		return nil, m.err
	}
	ch := make(chan StreamEvent, len(m.events))
	for _, e := range m.events {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func (m *mockAdapter) Close() error {
	m.closed = true
	return nil
}

func newMockAdapter(name, text string) *mockAdapter {
	return &mockAdapter{
		name: name,
		response: &Response{
			ID:       "resp_1",
			Model:    "crm-model",
			Provider: name,
			Message: Message{
				Role:    RoleAssistant,
				Content: []ContentPart{TextPart(text)},
			},
			FinishReason: FinishReason{Reason: "stop"},
			Usage:        Usage{InputTokens: 10, OutputTokens: 20, TotalTokens: 30},
		},
	}
}

func TestClientComplete(t *testing.T) {
	mock := newMockAdapter("primary", "Hello!")
	client := NewClient(WithProvider("primary", mock), WithDefaultProvider("primary"))

	resp, err := client.Complete(context.Background(), Request{
		Model:    "crm-model",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Errorf("expected text %q, got %q", "Hello!", resp.Text())
	}
	if resp.Provider != "primary" {
		t.Errorf("expected provider %q, got %q", "primary", resp.Provider)
	}
}

func TestClientProviderRouting(t *testing.T) {
	openai := newMockAdapter("openai", "from openai")
	ollama := newMockAdapter("ollama", "from ollama")

	client := NewClient(
		WithProvider("openai", openai),
		WithProvider("ollama", ollama),
		WithDefaultProvider("openai"),
	)

	resp, err := client.Complete(context.Background(), Request{
		Model:    "llama3",
		Messages: []Message{UserMessage("Hi")},
		Provider: "ollama",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from ollama" {
		t.Errorf("expected ollama response, got %q", resp.Text())
	}

	resp, err = client.Complete(context.Background(), Request{
		Model:    "gpt-4.1-mini",
		Messages: []Message{UserMessage("Hi")},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "from openai" {
		t.Errorf("expected openai response, got %q", resp.Text())
	}
}

func TestClientNoProvider(t *testing.T) {
	client := NewClient()
	_, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %T (%v)", err, err)
	}
}

func TestClientUnknownProvider(t *testing.T) {
	client := NewClient(WithProvider("openai", newMockAdapter("openai", "x")))
	_, err := client.Stream(context.Background(), Request{Provider: "missing"})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("expected ConfigurationError, got %T (%v)", err, err)
	}
	if !strings.Contains(err.Error(), "missing") {
		t.Errorf("error should name the provider: %v", err)
	}
}

func TestClientMiddlewareOrder(t *testing.T) {
	mock := newMockAdapter("test", "response")
	var order []int

	mw1 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 1)
		resp, err := next(ctx, req)
		order = append(order, -1)
		return resp, err
	}
	mw2 := func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error) {
		order = append(order, 2)
		resp, err := next(ctx, req)
		order = append(order, -2)
		return resp, err
	}

	client := NewClient(WithProvider("test", mock), WithMiddleware(mw1, mw2))
	if _, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expected := []int{1, 2, -2, -1}
	if len(order) != len(expected) {
		t.Fatalf("expected %d middleware calls, got %d", len(expected), len(order))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Errorf("position %d: expected %d, got %d", i, v, order[i])
		}
	}
}

func TestClientStream(t *testing.T) {
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: TextStart, TextID: "t0"},
			{Type: TextDelta, TextID: "t0", Delta: "Hello"},
			{Type: TextDelta, TextID: "t0", Delta: " world"},
			{Type: TextEnd, TextID: "t0"},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "stop"}},
		},
	}
	client := NewClient(WithProvider("test", mock))

	ch, err := client.Stream(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	acc := NewStreamAccumulator()
	count := 0
	for ev := range ch {
		acc.Process(ev)
		count++
	}
	if count != 6 {
		t.Errorf("expected 6 events, got %d", count)
	}
	if got := acc.Text(); got != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", got)
	}
}

func TestRegisterProviderSetsDefault(t *testing.T) {
	client := NewClient()
	client.RegisterProvider("late", newMockAdapter("late", "registered late"))

	resp, err := client.Complete(context.Background(), Request{Messages: []Message{UserMessage("Hi")}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Text() != "registered late" {
		t.Errorf("unexpected text %q", resp.Text())
	}
}

func TestClientClose(t *testing.T) {
	mock := newMockAdapter("test", "x")
	client := NewClient(WithProvider("test", mock))
	if err := client.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mock.closed {
		t.Error("expected adapter Close to be called")
	}
}

func TestLoggingStreamMiddlewarePassesEventsThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	args := json.RawMessage(`{"query":"SELECT 1"}`)
	mock := &mockAdapter{
		name: "test",
		events: []StreamEvent{
			{Type: StreamStart},
			{Type: ToolCallStart, ToolCall: &ToolCall{ID: "c1", Name: "query"}},
			{Type: ToolCallDelta, ToolCall: &ToolCall{ID: "c1"}, Delta: string(args)},
			{Type: ToolCallEnd, ToolCall: &ToolCall{ID: "c1", Name: "query"}},
			{Type: StreamFinish, FinishReason: &FinishReason{Reason: "tool_calls"}, Usage: &Usage{OutputTokens: 7}},
		},
	}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(LoggingStreamMiddleware(logger)))

	ch, err := client.Stream(context.Background(), Request{Model: "crm-model"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var types []StreamEventType
	for ev := range ch {
		types = append(types, ev.Type)
	}
	want := []StreamEventType{StreamStart, ToolCallStart, ToolCallDelta, ToolCallEnd, StreamFinish}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
	out := buf.String()
	if !strings.Contains(out, "llm_stream_start") || !strings.Contains(out, "llm_stream_finish") {
		t.Errorf("expected start and finish log lines, got %s", out)
	}
}

func TestLoggingStreamMiddlewareOpenError(t *testing.T) {
	mock := &mockAdapter{name: "test", err: &ServerError{ProviderError: ProviderError{SDKError: SDKError{Message: "boom"}}}}
	client := NewClient(WithProvider("test", mock), WithStreamMiddleware(LoggingStreamMiddleware(nil)))

	_, err := client.Stream(context.Background(), Request{})
	var se *ServerError
	if !errors.As(err, &se) {
		t.Fatalf("expected ServerError, got %v", err)
	}
}
