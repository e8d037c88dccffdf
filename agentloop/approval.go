package agentloop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/martinemde/ralph/conversation"
)

// ApprovalGate decides which tool calls need a human decision and turns
// suspended batches into Interruptions and back.
type ApprovalGate struct {
	protected map[string]struct{}
	audit     AuditSink
	log       *slog.Logger
}

// GateOption configures an ApprovalGate.
type GateOption func(*ApprovalGate)

// WithAuditSink records every suspension and resolution.
func WithAuditSink(sink AuditSink) GateOption {
	return func(g *ApprovalGate) {
		g.audit = sink
	}
}

// WithGateLogger sets the logger used for audit failures.
func WithGateLogger(log *slog.Logger) GateOption {
	return func(g *ApprovalGate) {
		if log != nil {
			g.log = log
		}
	}
}

// NewApprovalGate creates a gate protecting the named tools.
func NewApprovalGate(protectedTools []string, opts ...GateOption) *ApprovalGate {
	g := &ApprovalGate{protected: make(map[string]struct{}), log: slog.Default()}
	for _, name := range protectedTools {
		if name = strings.TrimSpace(name); name != "" {
			g.protected[name] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsProtected reports whether calls to name need approval.
func (g *ApprovalGate) IsProtected(name string) bool {
	_, ok := g.protected[name]
	return ok
}

// ProtectedTools returns the protected tool names, sorted.
func (g *ApprovalGate) ProtectedTools() []string {
	names := make([]string, 0, len(g.protected))
	for name := range g.protected {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks that every protected tool exists in reg.
func (g *ApprovalGate) Validate(reg *ToolRegistry) error {
	var unknown []string
	for _, name := range g.ProtectedTools() {
		if _, ok := reg.Get(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("protected tools not registered: %s", strings.Join(unknown, ", "))
	}
	return nil
}

// Review returns the ids of the calls in the batch that need approval. An
// empty result means the whole batch may run.
func (g *ApprovalGate) Review(autoApprove bool, calls []conversation.ToolCallRequest) []string {
	if autoApprove {
		return nil
	}
	var ids []string
	for _, c := range calls {
		if g.IsProtected(c.Name) {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Suspend records the batch as the session's pending Interruption. It fails
// with InvalidStateError when one is already pending.
func (g *ApprovalGate) Suspend(ctx context.Context, state *conversation.State, calls []conversation.ToolCallRequest, protected []string) (*conversation.Interruption, error) {
	if state.Pending != nil {
		return nil, &InvalidStateError{
			SessionID: state.SessionID,
			Message:   fmt.Sprintf("interruption %s is already pending", state.Pending.ID),
		}
	}
	intr := &conversation.Interruption{
		ID:         uuid.NewString(),
		SessionID:  state.SessionID,
		Calls:      append([]conversation.ToolCallRequest(nil), calls...),
		Protected:  append([]string(nil), protected...),
		ActionHash: conversation.ActionHash(calls),
		CreatedAt:  conversation.Now(),
	}
	state.Pending = intr
	g.emitAudit(ctx, AuditEvent{
		Kind:           AuditSuspended,
		SessionID:      state.SessionID,
		InterruptionID: intr.ID,
		ActionHash:     intr.ActionHash,
		Tools:          callNames(calls),
		Protected:      intr.Protected,
	})
	return intr, nil
}

// PlannedCall is one call of a resumed batch: either run with Arguments or
// rejected with Feedback.
type PlannedCall struct {
	Call      conversation.ToolCallRequest
	Arguments json.RawMessage
	Reject    bool
	Feedback  string
}

// ResumePlan is a validated ResumeCommand applied to the pending batch.
type ResumePlan struct {
	Interruption conversation.Interruption
	Action       conversation.ResumeAction
	Calls        []PlannedCall
}

// Plan validates cmd against the pending Interruption without mutating the
// state. It fails with InvalidStateError when nothing is pending or the
// stored batch no longer matches its hash, and with ValidationError for an
// unusable update payload.
func (g *ApprovalGate) Plan(state conversation.State, cmd conversation.ResumeCommand) (*ResumePlan, error) {
	intr := state.Pending
	if intr == nil {
		return nil, &InvalidStateError{SessionID: state.SessionID, Message: "no pending interruption to resume"}
	}
	if !intr.Verify() {
		return nil, &InvalidStateError{SessionID: state.SessionID, Message: fmt.Sprintf("interruption %s does not match its action hash", intr.ID)}
	}

	plan := &ResumePlan{Interruption: *intr, Action: cmd.Action}
	switch cmd.Action {
	case conversation.ResumeContinue:
		for _, c := range intr.Calls {
			plan.Calls = append(plan.Calls, PlannedCall{Call: c, Arguments: c.Arguments})
		}

	case conversation.ResumeUpdate:
		target := cmd.CallID
		if target == "" {
			pc, ok := intr.ProtectedCall()
			if !ok {
				return nil, &InvalidStateError{SessionID: state.SessionID, Message: "pending interruption has no protected call"}
			}
			target = pc.ID
		}
		args, err := parseUpdateArguments(cmd.Data)
		if err != nil {
			return nil, &ValidationError{SessionID: state.SessionID, Message: "update arguments are not a JSON object", Cause: err}
		}
		found := false
		for _, c := range intr.Calls {
			pc := PlannedCall{Call: c, Arguments: c.Arguments}
			if c.ID == target {
				pc.Arguments = args
				found = true
			}
			plan.Calls = append(plan.Calls, pc)
		}
		if !found {
			return nil, &ValidationError{SessionID: state.SessionID, Message: fmt.Sprintf("call %q is not part of the pending batch", target)}
		}

	case conversation.ResumeFeedback:
		for _, c := range intr.Calls {
			plan.Calls = append(plan.Calls, PlannedCall{Call: c, Reject: true, Feedback: cmd.Data})
		}

	default:
		return nil, &ValidationError{SessionID: state.SessionID, Message: fmt.Sprintf("unknown resume action %q", cmd.Action)}
	}
	return plan, nil
}

// Resolve destroys the pending Interruption the plan was built from.
func (g *ApprovalGate) Resolve(ctx context.Context, state *conversation.State, plan *ResumePlan) {
	if state.Pending == nil || state.Pending.ID != plan.Interruption.ID {
		return
	}
	state.Pending = nil
	ev := AuditEvent{
		Kind:           AuditResolved,
		SessionID:      state.SessionID,
		InterruptionID: plan.Interruption.ID,
		ActionHash:     plan.Interruption.ActionHash,
		Action:         string(plan.Action),
		Tools:          callNames(plan.Interruption.Calls),
		Protected:      plan.Interruption.Protected,
	}
	if plan.Action == conversation.ResumeFeedback && len(plan.Calls) > 0 {
		ev.Feedback = plan.Calls[0].Feedback
	}
	g.emitAudit(ctx, ev)
}

func (g *ApprovalGate) emitAudit(ctx context.Context, ev AuditEvent) {
	if g.audit == nil {
		return
	}
	ev.Timestamp = conversation.Now()
	if err := g.audit.Emit(ctx, ev); err != nil {
		g.log.Warn("approval_audit_sink_error", "session_id", ev.SessionID, "error", err.Error())
	}
}

// parseUpdateArguments parses the replacement argument text of an update.
func parseUpdateArguments(data string) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace([]byte(data))
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("payload is null")
	}
	return conversation.NormalizeArguments(trimmed), nil
}

func callNames(calls []conversation.ToolCallRequest) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}
