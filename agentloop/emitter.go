package agentloop

import (
	"context"
	"strings"

	"github.com/martinemde/ralph/unifiedllm"
)

// streamConverter turns provider stream events for one assistant message
// into turn events.
//
// One tool call is active at a time. Fragments of other calls are buffered
// until the active call ends, and text that arrives while any call is open or
// queued is held until every call has been flushed. The first forwarded call
// is preceded by a tool_batch_start boundary.
type streamConverter struct {
	ctx  context.Context
	em   *EventEmitter
	acc  *unifiedllm.StreamAccumulator
	text strings.Builder

	active    string
	queue     []string
	buffered  map[string]*bufferedCall
	seen      map[string]bool
	heldText  []string
	batchOpen bool
}

type bufferedCall struct {
	events []Event
	ended  bool
}

func newStreamConverter(ctx context.Context, em *EventEmitter) *streamConverter {
	return &streamConverter{
		ctx:      ctx,
		em:       em,
		acc:      unifiedllm.NewStreamAccumulator(),
		buffered: make(map[string]*bufferedCall),
		seen:     make(map[string]bool),
	}
}

// Process forwards one provider event.
func (c *streamConverter) Process(ev unifiedllm.StreamEvent) error {
	c.acc.Process(ev)

	switch ev.Type {
	case unifiedllm.TextDelta:
		if ev.Delta == "" {
			return nil
		}
		c.text.WriteString(ev.Delta)
		if c.active != "" || len(c.queue) > 0 {
			c.heldText = append(c.heldText, ev.Delta)
			return nil
		}
		return c.emit(Event{Kind: EventTextDelta, Text: ev.Delta})

	case unifiedllm.ToolCallStart:
		if ev.ToolCall == nil {
			return nil
		}
		return c.startCall(ev.ToolCall.ID, ev.ToolCall.Name)

	case unifiedllm.ToolCallDelta:
		if ev.ToolCall == nil {
			return nil
		}
		if !c.seen[ev.ToolCall.ID] {
			if err := c.startCall(ev.ToolCall.ID, ev.ToolCall.Name); err != nil {
				return err
			}
		}
		if ev.Delta == "" {
			return nil
		}
		return c.callEvent(ev.ToolCall.ID, Event{Kind: EventToolCallArgumentsDelta, CallID: ev.ToolCall.ID, ArgumentsDelta: ev.Delta})

	case unifiedllm.ToolCallEnd:
		if ev.ToolCall == nil {
			return nil
		}
		id := ev.ToolCall.ID
		if !c.seen[id] {
			if err := c.startCall(id, ev.ToolCall.Name); err != nil {
				return err
			}
			if len(ev.ToolCall.Arguments) > 0 {
				if err := c.callEvent(id, Event{Kind: EventToolCallArgumentsDelta, CallID: id, ArgumentsDelta: string(ev.ToolCall.Arguments)}); err != nil {
					return err
				}
			}
		}
		if id == c.active {
			c.active = ""
			return c.advance()
		}
		if b, ok := c.buffered[id]; ok {
			b.ended = true
		}
	}
	return nil
}

// Finish flushes everything still buffered and returns the assembled
// response. Providers that never streamed text or calls get their final
// response replayed as one delta per item.
func (c *streamConverter) Finish() (*unifiedllm.Response, error) {
	c.active = ""
	for len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		if err := c.flushCall(id); err != nil {
			return nil, err
		}
	}

	resp := c.acc.Response()
	if len(c.seen) == 0 {
		for _, tc := range resp.ToolCallsFromResponse() {
			if err := c.startCall(tc.ID, tc.Name); err != nil {
				return nil, err
			}
			if err := c.callEvent(tc.ID, Event{Kind: EventToolCallArgumentsDelta, CallID: tc.ID, ArgumentsDelta: string(tc.Arguments)}); err != nil {
				return nil, err
			}
			c.active = ""
		}
	}
	if err := c.flushText(); err != nil {
		return nil, err
	}

	if c.text.Len() == 0 {
		if final := resp.Text(); final != "" {
			c.text.WriteString(final)
			if err := c.emit(Event{Kind: EventTextDelta, Text: final}); err != nil {
				return nil, err
			}
		}
	}
	return resp, nil
}

// Text is the concatenation of every emitted text delta.
func (c *streamConverter) Text() string {
	return c.text.String()
}

// BatchStarted reports whether a tool_batch_start boundary was emitted.
func (c *streamConverter) BatchStarted() bool {
	return c.batchOpen
}

// Err returns the error carried by a provider StreamError event.
func (c *streamConverter) Err() error {
	return c.acc.Err()
}

func (c *streamConverter) startCall(id, name string) error {
	if c.seen[id] {
		return nil
	}
	c.seen[id] = true
	started := Event{Kind: EventToolCallStarted, CallID: id, ToolName: name}
	if c.active == "" && len(c.queue) == 0 {
		c.active = id
		return c.emitCall(started)
	}
	c.buffered[id] = &bufferedCall{events: []Event{started}}
	c.queue = append(c.queue, id)
	return nil
}

func (c *streamConverter) callEvent(id string, ev Event) error {
	if id == c.active {
		return c.emitCall(ev)
	}
	if b, ok := c.buffered[id]; ok {
		b.events = append(b.events, ev)
	}
	return nil
}

// advance promotes queued calls after the active call ended. Calls that
// already ended are flushed whole; the first open one becomes active.
func (c *streamConverter) advance() error {
	for len(c.queue) > 0 {
		id := c.queue[0]
		c.queue = c.queue[1:]
		b := c.buffered[id]
		if err := c.flushCall(id); err != nil {
			return err
		}
		if !b.ended {
			c.active = id
			return nil
		}
	}
	return c.flushText()
}

func (c *streamConverter) flushCall(id string) error {
	b, ok := c.buffered[id]
	if !ok {
		return nil
	}
	delete(c.buffered, id)
	for _, ev := range b.events {
		if err := c.emitCall(ev); err != nil {
			return err
		}
	}
	return nil
}

func (c *streamConverter) flushText() error {
	held := c.heldText
	c.heldText = nil
	for _, t := range held {
		if err := c.emit(Event{Kind: EventTextDelta, Text: t}); err != nil {
			return err
		}
	}
	return nil
}

func (c *streamConverter) emitCall(ev Event) error {
	if !c.batchOpen {
		c.batchOpen = true
		if err := c.emit(Event{Kind: EventTurnBoundary, Phase: PhaseToolBatchStart}); err != nil {
			return err
		}
	}
	return c.emit(ev)
}

func (c *streamConverter) emit(ev Event) error {
	return c.em.Emit(c.ctx, ev)
}
