// Package unifiedllm provides a provider-agnostic model client built on the
// gollm library (github.com/teilomillet/gollm).
//
// # Architecture
//
// The package is layered:
//
//   - Provider specification: the ProviderAdapter interface and shared types
//   - Provider utilities: retry with backoff and error classification
//   - Core client: provider routing and middleware
//   - Stream accumulation: StreamAccumulator folds events into a Response
//
// # Usage
//
//	adapter, _ := unifiedllm.NewGollmAdapter("openai", os.Getenv("OPENAI_API_KEY"))
//	client := unifiedllm.NewClient(
//	    unifiedllm.WithProvider("openai", adapter),
//	    unifiedllm.WithStreamMiddleware(unifiedllm.LoggingStreamMiddleware(logger)),
//	)
//
//	events, _ := client.Stream(ctx, unifiedllm.Request{
//	    Model:    "gpt-4.1-mini",
//	    Messages: []unifiedllm.Message{unifiedllm.UserMessage("Hello")},
//	})
//	acc := unifiedllm.NewStreamAccumulator()
//	for ev := range events {
//	    acc.Process(ev)
//	}
//	fmt.Println(acc.Text())
//
// # Tool Calling
//
// Tools are declared with ToolDefinition. The GollmAdapter recovers tool
// calls from generated text and reports them as ToolCallStart, ToolCallDelta
// and ToolCallEnd events after any leading text.
package unifiedllm
