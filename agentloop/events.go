package agentloop

import (
	"context"
	"time"

	"github.com/martinemde/ralph/conversation"
)

// EventKind identifies the type of turn event.
type EventKind string

const (
	EventTextDelta              EventKind = "text_delta"
	EventToolCallStarted        EventKind = "tool_call_started"
	EventToolCallArgumentsDelta EventKind = "tool_call_arguments_delta"
	EventTurnBoundary           EventKind = "turn_boundary"
	EventToolResult             EventKind = "tool_result"
	EventInterrupted            EventKind = "interrupted"
	EventTurnComplete           EventKind = "turn_complete"
	EventWarning                EventKind = "warning"
	EventError                  EventKind = "error"
)

// BoundaryPhase tells which side of a tool batch a turn_boundary marks.
type BoundaryPhase string

const (
	PhaseToolBatchStart BoundaryPhase = "tool_batch_start"
	PhaseToolBatchEnd   BoundaryPhase = "tool_batch_end"
)

// Event is one item of a turn's event stream. Only the fields relevant to
// Kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`

	// Text is the delta for text_delta and the message for warning and error.
	Text string `json:"text,omitempty"`

	CallID         string        `json:"call_id,omitempty"`
	ToolName       string        `json:"tool_name,omitempty"`
	ArgumentsDelta string        `json:"arguments_delta,omitempty"`
	Phase          BoundaryPhase `json:"phase,omitempty"`

	Result       *conversation.ToolCallResult `json:"result,omitempty"`
	Interruption *conversation.Interruption   `json:"interruption,omitempty"`
}

// EventEmitter delivers turn events to one consumer. Sends block until the
// consumer pulls the event or the turn context ends.
type EventEmitter struct {
	sessionID string
	ch        chan Event
}

func newEventEmitter(sessionID string) *EventEmitter {
	return &EventEmitter{sessionID: sessionID, ch: make(chan Event)}
}

// Emit delivers ev, stamping the session id and time.
func (e *EventEmitter) Emit(ctx context.Context, ev Event) error {
	ev.SessionID = e.sessionID
	ev.Timestamp = time.Now().UTC()
	select {
	case e.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TurnStream is the pull-based result of Submit or Resume. Read Events until
// it closes, then call Wait for the turn's outcome. Wait alone drains any
// unread events.
type TurnStream struct {
	events <-chan Event
	done   chan struct{}
	err    error
}

// Events returns the event channel. It closes when the turn ends.
func (s *TurnStream) Events() <-chan Event {
	return s.events
}

// Wait discards unread events, blocks until the turn has finished and
// returns its error. A suspended turn returns nil; inspect the interrupted
// event or the session state for the pending interruption.
func (s *TurnStream) Wait() error {
	for range s.events {
	}
	<-s.done
	return s.err
}

// startTurn runs fn on its own goroutine. release runs before the stream
// closes so a new turn may start as soon as Wait returns.
func startTurn(sessionID string, release func(), fn func(em *EventEmitter) error) *TurnStream {
	em := newEventEmitter(sessionID)
	ts := &TurnStream{events: em.ch, done: make(chan struct{})}
	go func() {
		err := fn(em)
		release()
		ts.err = err
		close(em.ch)
		close(ts.done)
	}()
	return ts
}
