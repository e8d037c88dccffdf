package agentloop

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/martinemde/ralph/conversation"
)

func batch() []conversation.ToolCallRequest {
	return []conversation.ToolCallRequest{
		{ID: "c1", Name: "query", Arguments: json.RawMessage(`{"query":"SELECT 1"}`)},
		{ID: "c2", Name: "send_campaign_email", Arguments: json.RawMessage(`{"campaign_id":7}`)},
	}
}

type memoryAuditSink struct {
	events []AuditEvent
}

func (s *memoryAuditSink) Emit(_ context.Context, ev AuditEvent) error {
	s.events = append(s.events, ev)
	return nil
}

func (s *memoryAuditSink) Close() error { return nil }

func TestReviewSelectsProtectedCalls(t *testing.T) {
	g := NewApprovalGate([]string{"send_campaign_email", " "})
	if got := g.Review(false, batch()); !reflect.DeepEqual(got, []string{"c2"}) {
		t.Errorf("expected [c2], got %v", got)
	}
	if got := g.Review(true, batch()); len(got) != 0 {
		t.Errorf("auto-approve should bypass the gate, got %v", got)
	}
	if got := g.ProtectedTools(); !reflect.DeepEqual(got, []string{"send_campaign_email"}) {
		t.Errorf("unexpected protected set %v", got)
	}
}

func TestSuspendTwiceFails(t *testing.T) {
	sink := &memoryAuditSink{}
	g := NewApprovalGate([]string{"send_campaign_email"}, WithAuditSink(sink))
	state := conversation.NewState("s1")

	intr, err := g.Suspend(context.Background(), &state, batch(), []string{"c2"})
	if err != nil {
		t.Fatal(err)
	}
	if !intr.Verify() || state.Pending != intr {
		t.Fatalf("expected a verified pending interruption, got %+v", state.Pending)
	}

	_, err = g.Suspend(context.Background(), &state, batch(), []string{"c2"})
	var ise *InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
	if state.Pending.ID != intr.ID {
		t.Error("the first interruption must stay pending")
	}
	if len(sink.events) != 1 || sink.events[0].Kind != AuditSuspended {
		t.Errorf("expected one suspended audit record, got %+v", sink.events)
	}
}

func suspendedState(t *testing.T, g *ApprovalGate) conversation.State {
	t.Helper()
	state := conversation.NewState("s1")
	if _, err := g.Suspend(context.Background(), &state, batch(), []string{"c2"}); err != nil {
		t.Fatal(err)
	}
	return state
}

func TestPlanActions(t *testing.T) {
	g := NewApprovalGate([]string{"send_campaign_email"})
	state := suspendedState(t, g)

	plan, err := g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeContinue})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Calls) != 2 || plan.Calls[1].Reject || string(plan.Calls[1].Arguments) != `{"campaign_id":7}` {
		t.Errorf("unexpected continue plan %+v", plan.Calls)
	}

	plan, err = g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeUpdate, Data: ` {"campaign_id": 8} `})
	if err != nil {
		t.Fatal(err)
	}
	if string(plan.Calls[0].Arguments) != `{"query":"SELECT 1"}` {
		t.Errorf("unprotected call must keep its arguments, got %s", plan.Calls[0].Arguments)
	}
	if string(plan.Calls[1].Arguments) != `{"campaign_id":8}` {
		t.Errorf("protected call should be updated, got %s", plan.Calls[1].Arguments)
	}

	plan, err = g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeUpdate, CallID: "c1", Data: `{"query":"SELECT 2"}`})
	if err != nil {
		t.Fatal(err)
	}
	if string(plan.Calls[0].Arguments) != `{"query":"SELECT 2"}` {
		t.Errorf("targeted call should be updated, got %s", plan.Calls[0].Arguments)
	}

	_, err = g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeUpdate, CallID: "c9", Data: `{}`})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for an unknown target, got %v", err)
	}

	plan, err = g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeFeedback, Data: "not now"})
	if err != nil {
		t.Fatal(err)
	}
	for _, pc := range plan.Calls {
		if !pc.Reject || pc.Feedback != "not now" {
			t.Errorf("feedback must reject every call, got %+v", pc)
		}
	}

	_, err = g.Plan(state, conversation.ResumeCommand{Action: "approve"})
	if !errors.Is(err, ErrValidation) {
		t.Errorf("expected ErrValidation for an unknown action, got %v", err)
	}
	if state.Pending == nil {
		t.Error("Plan must not mutate the state")
	}
}

func TestResolveClearsPendingAndAudits(t *testing.T) {
	sink := &memoryAuditSink{}
	g := NewApprovalGate([]string{"send_campaign_email"}, WithAuditSink(sink))
	state := suspendedState(t, g)

	plan, err := g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeFeedback, Data: "use the spring list"})
	if err != nil {
		t.Fatal(err)
	}
	g.Resolve(context.Background(), &state, plan)
	if state.Pending != nil {
		t.Fatal("expected the interruption to be destroyed")
	}
	last := sink.events[len(sink.events)-1]
	if last.Kind != AuditResolved || last.Action != "feedback" || last.Feedback != "use the spring list" {
		t.Errorf("unexpected audit record %+v", last)
	}
	if !reflect.DeepEqual(last.Tools, []string{"query", "send_campaign_email"}) {
		t.Errorf("unexpected tools %v", last.Tools)
	}
}

func TestValidateRejectsUnknownProtectedTools(t *testing.T) {
	reg, err := NewToolRegistry((&recorder{}).tool("query", nil, nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := NewApprovalGate([]string{"query"}).Validate(reg); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err = NewApprovalGate([]string{"query", "wipe"}).Validate(reg)
	if err == nil || !strings.Contains(err.Error(), "wipe") {
		t.Errorf("expected unknown tool error, got %v", err)
	}
}

func TestParseApprovalPolicy(t *testing.T) {
	doc := []byte(`
protected_tools:
  - create_campaign
  - " send_campaign_email "
  - create_campaign
  - ""
`)
	p, err := ParseApprovalPolicy(doc)
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"create_campaign", "send_campaign_email"}; !reflect.DeepEqual(p.ProtectedTools, want) {
		t.Errorf("got %v, want %v", p.ProtectedTools, want)
	}

	merged := p.Merge(ApprovalPolicy{ProtectedTools: []string{"query", "create_campaign"}})
	if want := []string{"create_campaign", "send_campaign_email", "query"}; !reflect.DeepEqual(merged.ProtectedTools, want) {
		t.Errorf("merge: got %v, want %v", merged.ProtectedTools, want)
	}

	if _, err := ParseApprovalPolicy([]byte("protected_tools: [unclosed")); err == nil {
		t.Error("expected a parse error")
	}
}

func TestLoadApprovalPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approval.yaml")
	if err := os.WriteFile(path, []byte("protected_tools: [send_campaign_email]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadApprovalPolicy(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.ProtectedTools, []string{"send_campaign_email"}) {
		t.Errorf("unexpected policy %+v", p)
	}
	if _, err := LoadApprovalPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}
}

func TestJSONLAuditSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "approvals.jsonl")
	sink, err := NewJSONLAuditSink(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	g := NewApprovalGate([]string{"send_campaign_email"}, WithAuditSink(sink))
	state := suspendedState(t, g)
	plan, err := g.Plan(state, conversation.ResumeCommand{Action: conversation.ResumeContinue})
	if err != nil {
		t.Fatal(err)
	}
	g.Resolve(context.Background(), &state, plan)
	if err := sink.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var records []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var ev AuditEvent
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("bad line %q: %v", sc.Text(), err)
		}
		records = append(records, ev)
	}
	if len(records) != 2 || records[0].Kind != AuditSuspended || records[1].Kind != AuditResolved {
		t.Fatalf("unexpected records %+v", records)
	}
	if records[0].InterruptionID != records[1].InterruptionID || records[0].ActionHash == "" {
		t.Errorf("records should describe the same interruption: %+v", records)
	}
	if err := sink.Emit(context.Background(), AuditEvent{Kind: AuditResolved}); err == nil {
		t.Error("expected an error after close")
	}
}

func TestJSONLAuditSinkRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "approvals.jsonl")
	sink, err := NewJSONLAuditSink(path, 200)
	if err != nil {
		t.Fatal(err)
	}
	defer sink.Close()

	for i := 0; i < 5; i++ {
		ev := AuditEvent{Kind: AuditSuspended, SessionID: "s1", InterruptionID: strings.Repeat("x", 60), Tools: []string{"send_campaign_email"}}
		if err := sink.Emit(context.Background(), ev); err != nil {
			t.Fatal(err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) < 2 {
		t.Errorf("expected rotated files, got %d entries", len(entries))
	}
}
