package unifiedllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// Markers that open a tool call payload inside generated text.
var toolCallMarkers = []string{`{"tool_calls"`, `[{"name"`}

// GollmAdapter wraps a gollm.LLM instance and implements ProviderAdapter.
// Tool calls are recovered from the generated text, so streamed text is held
// back whenever it could be the start of a tool call payload.
type GollmAdapter struct {
	provider string
	llm      gollm.LLM
	model    string

	// gollm options are set on the shared LLM before each call.
	mu sync.Mutex
}

// GollmAdapterOption configures a GollmAdapter.
type GollmAdapterOption func(*gollmAdapterConfig)

type gollmAdapterConfig struct {
	apiKey      string
	model       string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption
}

// WithAPIKey sets the API key for the adapter.
func WithAPIKey(key string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the adapter.
func WithModel(model string) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.model = model
	}
}

// WithMaxTokens sets the default max tokens.
func WithMaxTokens(n int) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.maxTokens = n
	}
}

// WithTemperature sets the default temperature.
func WithTemperature(t float64) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.temperature = t
	}
}

// WithGollmOptions adds extra gollm configuration options.
func WithGollmOptions(opts ...gollm.ConfigOption) GollmAdapterOption {
	return func(c *gollmAdapterConfig) {
		c.extraOpts = append(c.extraOpts, opts...)
	}
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5"
	case "ollama":
		return "llama3.1"
	default:
		return "gpt-4.1-mini"
	}
}

// NewGollmAdapter creates a new GollmAdapter for the given provider.
// If apiKey is empty, gollm will attempt to read it from environment variables.
func NewGollmAdapter(provider string, apiKey string, opts ...GollmAdapterOption) (*GollmAdapter, error) {
	cfg := &gollmAdapterConfig{
		apiKey:      apiKey,
		maxTokens:   4096,
		temperature: 0.1,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	model := cfg.model
	if model == "" {
		model = DefaultModel(provider)
	}

	gollmOpts := []gollm.ConfigOption{
		gollm.SetProvider(provider),
		gollm.SetModel(model),
		gollm.SetMaxTokens(cfg.maxTokens),
		gollm.SetTemperature(cfg.temperature),
		gollm.SetMaxRetries(0), // Retry lives in the orchestrator.
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if cfg.apiKey != "" {
		gollmOpts = append(gollmOpts, gollm.SetAPIKey(cfg.apiKey))
	}
	gollmOpts = append(gollmOpts, cfg.extraOpts...)

	llm, err := gollm.NewLLM(gollmOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gollm LLM for provider %s: %w", provider, err)
	}

	return &GollmAdapter{provider: provider, llm: llm, model: model}, nil
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// Complete sends a blocking request and returns the full response.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	text, err := a.llm.Generate(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}
	return a.buildResponse(req, text), nil
}

// Stream sends a streaming request and returns a channel of StreamEvent
// objects. Providers without streaming support produce one text delta.
func (a *GollmAdapter) Stream(ctx context.Context, req Request) (<-chan StreamEvent, error) {
	prompt := a.translateRequest(req)

	a.mu.Lock()
	a.applyRequestOptions(req)
	if !a.llm.SupportsStreaming() {
		text, err := a.llm.Generate(ctx, prompt)
		a.mu.Unlock()
		if err != nil {
			return nil, a.translateError(err)
		}
		ch := make(chan StreamEvent)
		go func() {
			defer close(ch)
			sent := false
			a.pump(ctx, req, func(context.Context) (string, error) {
				if sent {
					return "", io.EOF
				}
				sent = true
				return text, nil
			}, ch)
		}()
		return ch, nil
	}

	stream, err := a.llm.Stream(ctx, prompt)
	a.mu.Unlock()
	if err != nil {
		return nil, a.translateError(err)
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer stream.Close()
		a.pump(ctx, req, func(ctx context.Context) (string, error) {
			token, err := stream.Next(ctx)
			if err != nil {
				return "", err
			}
			if token == nil {
				return "", nil
			}
			return token.Text, nil
		}, ch)
	}()
	return ch, nil
}

// pump reads text tokens from next until io.EOF and converts them into
// stream events. Text that may open a tool call payload is withheld until it
// can be classified; recovered tool calls are emitted after the text.
func (a *GollmAdapter) pump(ctx context.Context, req Request, next func(context.Context) (string, error), out chan<- StreamEvent) {
	send := func(ev StreamEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !send(StreamEvent{Type: StreamStart}) {
		return
	}

	const textID = "text_0"
	var full strings.Builder
	emitted := 0
	capturing := false
	started := false

	emit := func(upto int) bool {
		if upto <= emitted {
			return true
		}
		if !started {
			if !send(StreamEvent{Type: TextStart, TextID: textID}) {
				return false
			}
			started = true
		}
		delta := full.String()[emitted:upto]
		emitted = upto
		return send(StreamEvent{Type: TextDelta, TextID: textID, Delta: delta})
	}

	for {
		token, err := next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			send(StreamEvent{Type: StreamError, Error: a.translateError(err)})
			return
		}
		if token == "" {
			continue
		}
		full.WriteString(token)
		if capturing {
			continue
		}

		text := full.String()
		if idx := markerIndex(text, emitted); idx >= 0 {
			capturing = true
			if !emit(idx) {
				return
			}
			continue
		}
		if !emit(safeEmitBoundary(text)) {
			return
		}
	}

	text := full.String()
	resp := a.buildResponse(req, text)
	calls := resp.ToolCallsFromResponse()

	visible := text
	if len(calls) > 0 {
		visible = stripToolCallJSON(text)
	}
	if !emit(len(visible)) {
		return
	}
	if started {
		if !send(StreamEvent{Type: TextEnd, TextID: textID}) {
			return
		}
	}

	for i := range calls {
		tc := calls[i]
		if !send(StreamEvent{Type: ToolCallStart, ToolCall: &ToolCall{ID: tc.ID, Name: tc.Name}}) {
			return
		}
		if !send(StreamEvent{Type: ToolCallDelta, ToolCall: &ToolCall{ID: tc.ID, Name: tc.Name}, Delta: string(tc.Arguments)}) {
			return
		}
		if !send(StreamEvent{Type: ToolCallEnd, ToolCall: &tc}) {
			return
		}
	}

	send(StreamEvent{
		Type:         StreamFinish,
		FinishReason: &resp.FinishReason,
		Usage:        &resp.Usage,
		Response:     resp,
	})
}

// markerIndex returns the index of the earliest tool call marker at or after
// from, or -1.
func markerIndex(text string, from int) int {
	best := -1
	for _, m := range toolCallMarkers {
		if idx := strings.Index(text[from:], m); idx >= 0 {
			if best < 0 || from+idx < best {
				best = from + idx
			}
		}
	}
	return best
}

// safeEmitBoundary returns how much of text can be emitted without risking
// a split marker. The tail that could still grow into a marker is kept, and
// the boundary never splits a UTF-8 sequence.
func safeEmitBoundary(text string) int {
	boundary := len(text)
	for _, m := range toolCallMarkers {
		for n := len(m) - 1; n > 0; n-- {
			if n <= len(text) && strings.HasSuffix(text, m[:n]) {
				if len(text)-n < boundary {
					boundary = len(text) - n
				}
				break
			}
		}
	}
	for boundary > 0 && boundary < len(text) && !utf8.RuneStart(text[boundary]) {
		boundary--
	}
	return boundary
}

// translateRequest converts a unified Request into a gollm Prompt. gollm
// takes a single prompt, so the conversation is flattened into labeled turns.
func (a *GollmAdapter) translateRequest(req Request) *gollm.Prompt {
	var systemPrompt strings.Builder
	var parts []string

	for _, msg := range req.Messages {
		switch msg.Role {
		case RoleSystem:
			systemPrompt.WriteString(msg.TextContent())
			systemPrompt.WriteString("\n")
		case RoleUser:
			parts = append(parts, msg.TextContent())
		case RoleAssistant:
			if text := msg.TextContent(); text != "" {
				parts = append(parts, "[Assistant]: "+text)
			}
			for _, tc := range msg.ToolCalls() {
				parts = append(parts, fmt.Sprintf("[Assistant called %s (%s)]: %s", tc.Name, tc.ID, string(tc.Arguments)))
			}
		case RoleTool:
			for _, part := range msg.Content {
				if part.Kind != ContentToolResult || part.ToolResult == nil {
					continue
				}
				prefix := "[Tool Result " + part.ToolResult.ToolCallID + "]"
				if part.ToolResult.IsError {
					prefix = "[Tool Error " + part.ToolResult.ToolCallID + "]"
				}
				parts = append(parts, prefix+": "+part.ToolResult.Content)
			}
		}
	}

	promptText := strings.Join(parts, "\n")
	if promptText == "" {
		promptText = "Hello"
	}

	var promptOpts []gollm.PromptOption
	if sp := strings.TrimSpace(systemPrompt.String()); sp != "" {
		promptOpts = append(promptOpts, gollm.WithSystemPrompt(sp, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		promptOpts = append(promptOpts, gollm.WithMaxLength(*req.MaxTokens))
	}
	if len(req.ToolDefs) > 0 {
		tools := make([]gollm.Tool, 0, len(req.ToolDefs))
		for _, t := range req.ToolDefs {
			tools = append(tools, gollm.Tool{
				Type: "function",
				Function: gollm.Function{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			})
		}
		promptOpts = append(promptOpts, gollm.WithTools(tools))
	}
	if req.ToolChoice != nil {
		promptOpts = append(promptOpts, gollm.WithToolChoice(req.ToolChoice.Mode))
	}

	return gollm.NewPrompt(promptText, promptOpts...)
}

// applyRequestOptions applies request-level parameters to the gollm LLM.
// Callers hold a.mu.
func (a *GollmAdapter) applyRequestOptions(req Request) {
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}
}

// buildResponse constructs a unified Response from the generated text.
func (a *GollmAdapter) buildResponse(req Request, text string) *Response {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var content []ContentPart
	calls := parseToolCalls(text)
	visible := text
	if len(calls) > 0 {
		visible = stripToolCallJSON(text)
	}
	if visible != "" {
		content = append(content, TextPart(visible))
	}
	for i := range calls {
		content = append(content, ContentPart{Kind: ContentToolCall, ToolCall: &calls[i]})
	}

	finish := FinishReason{Reason: "stop", Raw: "stop"}
	if len(calls) > 0 {
		finish = FinishReason{Reason: "tool_calls", Raw: "tool_calls"}
	}

	in := estimateTokens(req)
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      Message{Role: RoleAssistant, Content: content},
		FinishReason: finish,
		Usage: Usage{
			// gollm does not expose usage; estimate from text length.
			InputTokens:  in,
			OutputTokens: len(text) / 4,
			TotalTokens:  in + len(text)/4,
		},
	}
}

type rawToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	Function  *struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// parseToolCalls extracts tool calls embedded in generated text. Both a bare
// array of {"name","arguments"} objects and a {"tool_calls":[...]} envelope
// are recognized; trailing text after the JSON value is ignored.
func parseToolCalls(text string) []ToolCallData {
	start := markerIndex(text, 0)
	if start < 0 {
		return nil
	}

	dec := json.NewDecoder(strings.NewReader(text[start:]))
	var raw []rawToolCall
	if strings.HasPrefix(text[start:], `{"tool_calls"`) {
		var envelope struct {
			ToolCalls []rawToolCall `json:"tool_calls"`
		}
		if err := dec.Decode(&envelope); err != nil {
			return nil
		}
		raw = envelope.ToolCalls
	} else if err := dec.Decode(&raw); err != nil {
		return nil
	}

	calls := make([]ToolCallData, 0, len(raw))
	for _, rc := range raw {
		name, args := rc.Name, rc.Arguments
		if rc.Function != nil {
			if name == "" {
				name = rc.Function.Name
			}
			if len(args) == 0 {
				args = rc.Function.Arguments
			}
		}
		if name == "" {
			continue
		}
		id := rc.ID
		if id == "" {
			id = "call_" + uuid.New().String()[:8]
		}
		calls = append(calls, ToolCallData{ID: id, Name: name, Arguments: decodeArguments(args)})
	}
	return calls
}

// decodeArguments unwraps arguments that were encoded as a JSON string.
func decodeArguments(args json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(args)
	if len(trimmed) == 0 {
		return json.RawMessage(`{}`)
	}
	if trimmed[0] == '"' {
		var inner string
		if err := json.Unmarshal(trimmed, &inner); err == nil && json.Valid([]byte(inner)) {
			return json.RawMessage(inner)
		}
	}
	return json.RawMessage(trimmed)
}

// stripToolCallJSON returns the text before the first tool call marker.
func stripToolCallJSON(text string) string {
	if idx := markerIndex(text, 0); idx >= 0 {
		return strings.TrimRightFunc(text[:idx], unicode.IsSpace)
	}
	return text
}

// translateError converts a gollm error into the unified error hierarchy.
func (a *GollmAdapter) translateError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()

	msgLower := strings.ToLower(msg)
	switch {
	case strings.Contains(msgLower, "401") || strings.Contains(msgLower, "unauthorized") || strings.Contains(msgLower, "invalid key") || strings.Contains(msgLower, "invalid api key"):
		return &AuthenticationError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 401,
		}}
	case strings.Contains(msgLower, "403") || strings.Contains(msgLower, "forbidden"):
		return &AccessDeniedError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 403,
		}}
	case strings.Contains(msgLower, "404") || strings.Contains(msgLower, "not found"):
		return &NotFoundError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 404,
		}}
	case strings.Contains(msgLower, "429") || strings.Contains(msgLower, "rate limit"):
		return &RateLimitError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 429, Retryable: true,
		}}
	case strings.Contains(msgLower, "context length") || strings.Contains(msgLower, "too many tokens"):
		return &ContextLengthError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 413,
		}}
	case strings.Contains(msgLower, "500") || strings.Contains(msgLower, "internal server"):
		return &ServerError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider, StatusCode: 500, Retryable: true,
		}}
	case strings.Contains(msgLower, "timeout"):
		return &RequestTimeoutError{SDKError: SDKError{Message: msg, Cause: err}}
	case strings.Contains(msgLower, "content filter") || strings.Contains(msgLower, "safety"):
		return &ContentFilterError{ProviderError: ProviderError{
			SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider,
		}}
	default:
		return &ProviderError{
			SDKError:  SDKError{Message: msg, Cause: err},
			Provider:  a.provider,
			Retryable: true,
		}
	}
}

// estimateTokens provides a rough token count estimate from request messages.
func estimateTokens(req Request) int {
	total := 0
	for _, msg := range req.Messages {
		for _, part := range msg.Content {
			switch part.Kind {
			case ContentText:
				total += len(part.Text) / 4
			case ContentToolResult:
				if part.ToolResult != nil {
					total += len(part.ToolResult.Content) / 4
				}
			}
		}
	}
	if total == 0 {
		total = 10
	}
	return total
}
