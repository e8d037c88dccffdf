package conversation

import (
	"fmt"
	"time"
)

// StateVersion is the current persisted state layout.
const StateVersion = 1

// State is the durable snapshot of one session.
type State struct {
	Version     int           `json:"v"`
	SessionID   string        `json:"session_id"`
	Transcript  []Message     `json:"transcript"`
	AutoApprove bool          `json:"auto_approve"`
	Pending     *Interruption `json:"pending_interruption"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewState returns the empty state of a session that has never been saved.
func NewState(sessionID string) State {
	return State{
		Version:    StateVersion,
		SessionID:  sessionID,
		Transcript: []Message{},
	}
}

// Append adds entries to the end of the transcript.
func (s *State) Append(msgs ...Message) {
	s.Transcript = append(s.Transcript, msgs...)
}

// Last returns the final transcript entry.
func (s State) Last() (Message, bool) {
	if len(s.Transcript) == 0 {
		return Message{}, false
	}
	return s.Transcript[len(s.Transcript)-1], true
}

// Clone returns a copy whose transcript and pending interruption can be
// mutated without affecting s.
func (s State) Clone() State {
	out := s
	out.Transcript = make([]Message, len(s.Transcript))
	copy(out.Transcript, s.Transcript)
	if s.Pending != nil {
		p := *s.Pending
		p.Calls = append([]ToolCallRequest(nil), s.Pending.Calls...)
		p.Protected = append([]string(nil), s.Pending.Protected...)
		out.Pending = &p
	}
	return out
}

// Validate checks the structural invariants of a loaded state.
func (s State) Validate() error {
	if s.Version != StateVersion {
		return fmt.Errorf("unsupported state version %d", s.Version)
	}
	if s.SessionID == "" {
		return fmt.Errorf("state has no session id")
	}
	if s.Pending != nil && s.Pending.SessionID != s.SessionID {
		return fmt.Errorf("pending interruption belongs to session %q, not %q", s.Pending.SessionID, s.SessionID)
	}
	return nil
}
