// Package checkpoint persists conversation.State per session so a turn can
// be suspended in one process and resumed in another.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/martinemde/ralph/conversation"
)

// Checkpointer maps a session id to its last saved state. Implementations
// must be safe for concurrent use across different session ids.
type Checkpointer interface {
	// Save atomically replaces the stored state for state.SessionID.
	Save(ctx context.Context, state conversation.State) error
	// Load returns the stored state, or conversation.NewState when the
	// session has never been saved.
	Load(ctx context.Context, sessionID string) (conversation.State, error)
	// Clear discards the session's state. Clearing an unknown session is not
	// an error.
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

func encodeState(state conversation.State) ([]byte, error) {
	if state.Version == 0 {
		state.Version = conversation.StateVersion
	}
	if state.Transcript == nil {
		state.Transcript = []conversation.Message{}
	}
	if err := state.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(state)
}

func decodeState(sessionID string, raw []byte) (conversation.State, error) {
	var state conversation.State
	if err := json.Unmarshal(raw, &state); err != nil {
		return conversation.State{}, fmt.Errorf("decode checkpoint for session %q: %w", sessionID, err)
	}
	if state.Transcript == nil {
		state.Transcript = []conversation.Message{}
	}
	if err := state.Validate(); err != nil {
		return conversation.State{}, fmt.Errorf("checkpoint for session %q: %w", sessionID, err)
	}
	if state.SessionID != sessionID {
		return conversation.State{}, fmt.Errorf("checkpoint for session %q is stored under %q", state.SessionID, sessionID)
	}
	return state, nil
}

func normalizeSessionID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("missing session id")
	}
	return id, nil
}
