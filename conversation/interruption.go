package conversation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Interruption is a tool-call batch suspended until a human decides how to
// proceed.
type Interruption struct {
	ID         string            `json:"id"`
	SessionID  string            `json:"session_id"`
	Calls      []ToolCallRequest `json:"calls"`
	Protected  []string          `json:"protected"`
	ActionHash string            `json:"action_hash"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Verify reports whether the stored calls still hash to ActionHash.
func (i Interruption) Verify() bool {
	return i.ActionHash != "" && i.ActionHash == ActionHash(i.Calls)
}

// ProtectedCall returns the first call whose id is in Protected.
func (i Interruption) ProtectedCall() (ToolCallRequest, bool) {
	for _, c := range i.Calls {
		for _, id := range i.Protected {
			if c.ID == id {
				return c, true
			}
		}
	}
	return ToolCallRequest{}, false
}

// ResumeAction selects how a suspended batch is resolved.
type ResumeAction string

const (
	ResumeContinue ResumeAction = "continue"
	ResumeUpdate   ResumeAction = "update"
	ResumeFeedback ResumeAction = "feedback"
)

// ResumeCommand is the human decision on a pending Interruption.
type ResumeCommand struct {
	Action ResumeAction `json:"action"`
	// Data holds the replacement arguments for update and the feedback text
	// for feedback.
	Data string `json:"data,omitempty"`
	// CallID picks the call an update replaces. Empty means the first
	// protected call.
	CallID string `json:"call_id,omitempty"`
}

// ParseResumeCommand decodes the {"action": ..., "data": ...} payload a UI
// sends back. data may be a string or any JSON value; non-string values are
// re-encoded so update payloads can be sent as objects.
func ParseResumeCommand(raw []byte) (ResumeCommand, error) {
	var wire struct {
		Action string          `json:"action"`
		Data   json.RawMessage `json:"data"`
		CallID string          `json:"call_id"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ResumeCommand{}, fmt.Errorf("invalid resume command: %w", err)
	}
	cmd := ResumeCommand{
		Action: ResumeAction(strings.ToLower(strings.TrimSpace(wire.Action))),
		CallID: wire.CallID,
	}
	if len(wire.Data) > 0 && string(wire.Data) != "null" {
		var s string
		if err := json.Unmarshal(wire.Data, &s); err == nil {
			cmd.Data = s
		} else {
			cmd.Data = string(wire.Data)
		}
	}
	switch cmd.Action {
	case ResumeContinue, ResumeUpdate, ResumeFeedback:
	default:
		return ResumeCommand{}, fmt.Errorf("unknown resume action %q", wire.Action)
	}
	return cmd, nil
}

// ActionHash returns the hex sha256 of the canonical JSON encoding of calls.
func ActionHash(calls []ToolCallRequest) string {
	type canonicalCall struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Arguments any    `json:"arguments"`
	}
	cc := make([]canonicalCall, len(calls))
	for i, c := range calls {
		cc[i] = canonicalCall{ID: c.ID, Name: c.Name, Arguments: canonicalValue(c.Arguments)}
	}
	b, _ := json.Marshal(cc)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// canonicalValue decodes raw so that re-encoding sorts object keys.
func canonicalValue(raw json.RawMessage) any {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return string(raw)
	}
	return v
}
