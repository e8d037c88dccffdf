package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResumeCommand(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    ResumeCommand
		wantErr bool
	}{
		{
			name: "continue without data",
			raw:  `{"action":"continue"}`,
			want: ResumeCommand{Action: ResumeContinue},
		},
		{
			name: "update with string data",
			raw:  `{"action":"update","data":"{\"query\":\"SELECT 2\"}"}`,
			want: ResumeCommand{Action: ResumeUpdate, Data: `{"query":"SELECT 2"}`},
		},
		{
			name: "update with object data",
			raw:  `{"action":"update","data":{"query":"SELECT 2"}}`,
			want: ResumeCommand{Action: ResumeUpdate, Data: `{"query":"SELECT 2"}`},
		},
		{
			name: "feedback with call id",
			raw:  `{"action":" Feedback ","data":"use the loyalty template","call_id":"call_1"}`,
			want: ResumeCommand{Action: ResumeFeedback, Data: "use the loyalty template", CallID: "call_1"},
		},
		{
			name:    "unknown action",
			raw:     `{"action":"approve"}`,
			wantErr: true,
		},
		{
			name:    "not json",
			raw:     `continue`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseResumeCommand([]byte(tt.raw))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestActionHashIgnoresKeyOrder(t *testing.T) {
	a := []ToolCallRequest{{ID: "call_1", Name: "create_campaign", Arguments: json.RawMessage(`{"name":"spring","type":"loyalty"}`)}}
	b := []ToolCallRequest{{ID: "call_1", Name: "create_campaign", Arguments: json.RawMessage(`{ "type": "loyalty", "name": "spring" }`)}}
	c := []ToolCallRequest{{ID: "call_1", Name: "create_campaign", Arguments: json.RawMessage(`{"name":"summer","type":"loyalty"}`)}}

	assert.Equal(t, ActionHash(a), ActionHash(b))
	assert.NotEqual(t, ActionHash(a), ActionHash(c))
	assert.Len(t, ActionHash(a), 64)
}

func TestInterruptionVerify(t *testing.T) {
	calls := []ToolCallRequest{{ID: "call_1", Name: "send_campaign_email", Arguments: json.RawMessage(`{"campaign_id":1}`)}}
	in := Interruption{ID: "int_1", SessionID: "s1", Calls: calls, Protected: []string{"call_1"}, ActionHash: ActionHash(calls)}
	assert.True(t, in.Verify())

	in.Calls = []ToolCallRequest{{ID: "call_1", Name: "send_campaign_email", Arguments: json.RawMessage(`{"campaign_id":2}`)}}
	assert.False(t, in.Verify())

	call, ok := Interruption{Calls: calls, Protected: []string{"call_1"}}.ProtectedCall()
	require.True(t, ok)
	assert.Equal(t, "send_campaign_email", call.Name)
}

func TestNormalizeArguments(t *testing.T) {
	assert.JSONEq(t, `{"query":"SELECT 1"}`, string(NormalizeArguments([]byte(" {\n \"query\": \"SELECT 1\" } "))))
	assert.Equal(t, `{"query":"SELECT 1"}`, string(NormalizeArguments([]byte(`{ "query" : "SELECT 1" }`))))
	assert.Equal(t, `{}`, string(NormalizeArguments(nil)))
	assert.Equal(t, `"{query: oops"`, string(NormalizeArguments([]byte(`{query: oops`))))
}

func TestStateCloneIsIndependent(t *testing.T) {
	s := NewState("s1")
	s.Append(NewUserMessage("hi"))
	s.Pending = &Interruption{ID: "int_1", SessionID: "s1", Protected: []string{"call_1"}}

	c := s.Clone()
	c.Append(NewAssistantMessage("hello", nil))
	c.Pending.Protected[0] = "call_2"

	assert.Len(t, s.Transcript, 1)
	assert.Equal(t, "call_1", s.Pending.Protected[0])
	require.NoError(t, s.Validate())
}

func TestStateValidate(t *testing.T) {
	s := NewState("s1")
	s.Pending = &Interruption{SessionID: "other"}
	assert.Error(t, s.Validate())

	assert.Error(t, State{Version: 99, SessionID: "s1"}.Validate())
	assert.Error(t, State{Version: StateVersion}.Validate())
}

func TestToolResultMessageText(t *testing.T) {
	ok := NewToolResultMessage(ToolCallResult{CallID: "c1", ToolName: "query", Output: json.RawMessage(`[{"n":1}]`)})
	assert.Equal(t, `[{"n":1}]`, ok.Text)
	assert.False(t, ok.ToolResult.IsError())

	failed := NewToolResultMessage(ToolCallResult{CallID: "c1", ToolName: "query", Error: "boom"})
	assert.Equal(t, "boom", failed.Text)
	assert.True(t, failed.ToolResult.IsError())

	rejected := NewRejectedMessage(ToolCallRequest{ID: "c2", Name: "send_campaign_email"}, "not yet")
	assert.Equal(t, "not yet", rejected.Text)
	assert.True(t, rejected.ToolResult.Rejected)
	assert.Equal(t, RoleTool, rejected.Role)
}
