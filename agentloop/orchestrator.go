package agentloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/martinemde/ralph/checkpoint"
	"github.com/martinemde/ralph/conversation"
	"github.com/martinemde/ralph/unifiedllm"
	"golang.org/x/sync/semaphore"
)

// ModelBackend streams one model response. *unifiedllm.Client implements it.
type ModelBackend interface {
	Stream(ctx context.Context, req unifiedllm.Request) (<-chan unifiedllm.StreamEvent, error)
}

// Config holds configuration for an Orchestrator.
type Config struct {
	Provider             string                 `json:"provider,omitempty"`
	Model                string                 `json:"model"`
	SystemPrompt         string                 `json:"system_prompt,omitempty"`
	UserInstructions     string                 `json:"user_instructions,omitempty"`
	Temperature          *float64               `json:"temperature,omitempty"`
	MaxTokens            *int                   `json:"max_tokens,omitempty"`
	MaxToolRoundsPerTurn int                    `json:"max_tool_rounds_per_turn"`
	Retry                unifiedllm.RetryPolicy `json:"-"`
	EnableLoopDetection  bool                   `json:"enable_loop_detection"`
	LoopDetectionWindow  int                    `json:"loop_detection_window"`
	ToolOutputLimits     map[string]int         `json:"tool_output_limits,omitempty"`
	ToolLineLimits       map[string]int         `json:"tool_line_limits,omitempty"`
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		MaxToolRoundsPerTurn: 25,
		Retry:                unifiedllm.DefaultRetryPolicy(),
		EnableLoopDetection:  true,
		LoopDetectionWindow:  6,
	}
}

// step is a state of the turn machine.
type step int

const (
	stepModel step = iota
	stepRouter
	stepTools
	stepTerminal
)

func (s step) String() string {
	switch s {
	case stepModel:
		return "model_step"
	case stepRouter:
		return "router"
	case stepTools:
		return "tool_step"
	case stepTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("step(%d)", int(s))
	}
}

// Orchestrator drives turns through ModelStep, Router, ToolStep and
// Terminal, saving the session after every change. Turns of one session are
// serialized; different sessions run independently.
type Orchestrator struct {
	model ModelBackend
	tools *ToolRegistry
	gate  *ApprovalGate
	store checkpoint.Checkpointer
	cfg   Config
	log   *slog.Logger
	newID func() string

	mu       sync.Mutex
	sessions map[string]*semaphore.Weighted
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// NewOrchestrator wires the collaborators together. A nil gate protects
// nothing. The gate's protected tools must all be registered.
func NewOrchestrator(model ModelBackend, tools *ToolRegistry, gate *ApprovalGate, store checkpoint.Checkpointer, cfg Config, opts ...Option) (*Orchestrator, error) {
	if model == nil {
		return nil, fmt.Errorf("orchestrator needs a model backend")
	}
	if tools == nil {
		return nil, fmt.Errorf("orchestrator needs a tool registry")
	}
	if store == nil {
		return nil, fmt.Errorf("orchestrator needs a checkpointer")
	}
	if gate == nil {
		gate = NewApprovalGate(nil)
	}
	if err := gate.Validate(tools); err != nil {
		return nil, err
	}

	def := DefaultConfig()
	if cfg.MaxToolRoundsPerTurn <= 0 {
		cfg.MaxToolRoundsPerTurn = def.MaxToolRoundsPerTurn
	}
	if cfg.LoopDetectionWindow <= 0 {
		cfg.LoopDetectionWindow = def.LoopDetectionWindow
	}

	o := &Orchestrator{
		model:    model,
		tools:    tools,
		gate:     gate,
		store:    store,
		cfg:      cfg,
		log:      slog.Default(),
		newID:    func() string { return "call_" + uuid.NewString()[:8] },
		sessions: make(map[string]*semaphore.Weighted),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Tools returns the tool registry.
func (o *Orchestrator) Tools() *ToolRegistry { return o.tools }

// Gate returns the approval gate.
func (o *Orchestrator) Gate() *ApprovalGate { return o.gate }

// Submit appends userMessage to the session and starts a turn. Errors that
// occur before the turn starts are returned directly and leave the session
// unchanged.
func (o *Orchestrator) Submit(ctx context.Context, sessionID, userMessage string, autoApprove bool) (*TurnStream, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, &ValidationError{Message: "session id is required"}
	}
	if strings.TrimSpace(userMessage) == "" {
		return nil, &ValidationError{SessionID: sessionID, Message: "message is empty"}
	}

	release, err := o.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	state, err := o.store.Load(ctx, sessionID)
	if err != nil {
		release()
		return nil, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	if state.Pending != nil {
		release()
		return nil, &InvalidStateError{
			SessionID: sessionID,
			Message:   fmt.Sprintf("interruption %s is pending; resume it before sending a new message", state.Pending.ID),
		}
	}

	if n := closeUnansweredCalls(&state); n > 0 {
		o.log.Warn("unanswered_tool_calls_closed", "session_id", sessionID, "calls", n)
	}
	state.AutoApprove = autoApprove
	state.Append(conversation.NewUserMessage(userMessage))
	if err := o.save(ctx, &state); err != nil {
		release()
		return nil, err
	}

	t := o.newTurn(ctx, state)
	t.log.Info("turn_start", "auto_approve", autoApprove, "transcript_len", len(state.Transcript))
	return startTurn(sessionID, release, func(em *EventEmitter) error {
		t.em = em
		return t.run(stepModel)
	}), nil
}

// Resume resolves the session's pending Interruption with cmd and continues
// the turn at ModelStep. A malformed update fails with ValidationError and
// a missing or corrupt Interruption with InvalidStateError; in both cases
// nothing is changed.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string, cmd conversation.ResumeCommand) (*TurnStream, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, &ValidationError{Message: "session id is required"}
	}

	release, err := o.acquire(sessionID)
	if err != nil {
		return nil, err
	}
	state, err := o.store.Load(ctx, sessionID)
	if err != nil {
		release()
		return nil, fmt.Errorf("load session %q: %w", sessionID, err)
	}
	plan, err := o.gate.Plan(state, cmd)
	if err != nil {
		release()
		o.log.Info("resume_rejected", "session_id", sessionID, "action", string(cmd.Action), "error", err.Error())
		return nil, err
	}

	t := o.newTurn(ctx, state)
	t.log.Info("turn_resume", "action", string(cmd.Action), "interruption_id", plan.Interruption.ID)
	return startTurn(sessionID, release, func(em *EventEmitter) error {
		t.em = em
		if err := t.resolve(plan); err != nil {
			return t.fail(err)
		}
		return t.run(stepModel)
	}), nil
}

// Clear discards the session's transcript and any pending Interruption.
func (o *Orchestrator) Clear(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return &ValidationError{Message: "session id is required"}
	}
	release, err := o.acquire(sessionID)
	if err != nil {
		return err
	}
	defer release()
	if err := o.store.Clear(ctx, sessionID); err != nil {
		return fmt.Errorf("clear session %q: %w", sessionID, err)
	}
	o.log.Info("session_cleared", "session_id", sessionID)
	return nil
}

// State returns the last saved state of the session.
func (o *Orchestrator) State(ctx context.Context, sessionID string) (conversation.State, error) {
	return o.store.Load(ctx, strings.TrimSpace(sessionID))
}

// acquire claims the session's turn slot without waiting. The slot is
// dropped from the map on release, so only running sessions keep an entry.
func (o *Orchestrator) acquire(sessionID string) (func(), error) {
	o.mu.Lock()
	sem, ok := o.sessions[sessionID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		o.sessions[sessionID] = sem
	}
	acquired := sem.TryAcquire(1)
	o.mu.Unlock()

	if !acquired {
		return nil, &InvalidStateError{SessionID: sessionID, Message: "another turn is running for this session"}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			o.mu.Lock()
			defer o.mu.Unlock()
			sem.Release(1)
			if o.sessions[sessionID] == sem {
				delete(o.sessions, sessionID)
			}
		})
	}, nil
}

func (o *Orchestrator) save(ctx context.Context, state *conversation.State) error {
	state.UpdatedAt = conversation.Now()
	if err := o.store.Save(ctx, *state); err != nil {
		return fmt.Errorf("save session %q: %w", state.SessionID, err)
	}
	return nil
}

func (o *Orchestrator) newTurn(ctx context.Context, state conversation.State) *turn {
	return &turn{
		o:     o,
		ctx:   ctx,
		state: state,
		log:   o.log.With("session_id", state.SessionID),
		start: time.Now(),
	}
}

// turn is the running state machine of one Submit or Resume.
type turn struct {
	o      *Orchestrator
	ctx    context.Context
	em     *EventEmitter
	state  conversation.State
	rounds int
	log    *slog.Logger
	start  time.Time
}

func (t *turn) emit(ev Event) error {
	return t.em.Emit(t.ctx, ev)
}

func (t *turn) run(st step) error {
	for {
		switch st {
		case stepModel:
			if err := t.modelStep(); err != nil {
				return t.fail(err)
			}
			st = stepRouter

		case stepRouter:
			st = stepTerminal
			if last, ok := t.state.Last(); ok && last.HasToolCalls() {
				st = stepTools
			}

		case stepTools:
			suspended, err := t.toolStep()
			if err != nil {
				return t.fail(err)
			}
			if suspended {
				return nil
			}
			st = stepModel

		case stepTerminal:
			t.log.Info("turn_complete", "rounds", t.rounds, "transcript_len", len(t.state.Transcript), "duration", time.Since(t.start))
			return t.emit(Event{Kind: EventTurnComplete})

		default:
			return t.fail(fmt.Errorf("unknown turn step %s", st))
		}
	}
}

// fail logs a turn-ending error and reports it on the stream.
func (t *turn) fail(err error) error {
	t.log.Warn("turn_failed", "rounds", t.rounds, "error", err.Error())
	if t.ctx.Err() == nil {
		_ = t.emit(Event{Kind: EventError, Text: err.Error()})
	}
	return err
}

// modelStep streams one assistant message and appends it.
func (t *turn) modelStep() error {
	o := t.o
	req := unifiedllm.Request{
		Model:       o.cfg.Model,
		Provider:    o.cfg.Provider,
		Messages:    t.requestMessages(),
		ToolDefs:    toolDefinitions(o.tools),
		Temperature: o.cfg.Temperature,
		MaxTokens:   o.cfg.MaxTokens,
		Metadata:    map[string]string{"session_id": t.state.SessionID},
	}
	if len(req.ToolDefs) > 0 {
		req.ToolChoice = &unifiedllm.ToolChoice{Mode: "auto"}
	}

	policy := o.cfg.Retry
	policy.OnRetry = func(err error, attempt int, delay time.Duration) {
		t.log.Warn("model_stream_retry", "attempt", attempt, "delay", delay, "error", err.Error())
	}
	events, err := unifiedllm.Retry(t.ctx, policy, func(ctx context.Context) (<-chan unifiedllm.StreamEvent, error) {
		return o.model.Stream(ctx, req)
	})
	if err != nil {
		return &ModelServiceError{SessionID: t.state.SessionID, Cause: err}
	}

	conv := newStreamConverter(t.ctx, t.em)
	for ev := range events {
		if err := conv.Process(ev); err != nil {
			go drain(events)
			return err
		}
		if ev.Type == unifiedllm.StreamError {
			go drain(events)
			return &ModelServiceError{SessionID: t.state.SessionID, Cause: conv.Err()}
		}
	}
	if err := t.ctx.Err(); err != nil {
		return &ModelServiceError{SessionID: t.state.SessionID, Cause: err}
	}

	resp, err := conv.Finish()
	if err != nil {
		return err
	}

	calls := toolCallRequests(resp.ToolCallsFromResponse(), t.usedCallIDs(), o.newID)
	t.state.Append(conversation.NewAssistantMessage(conv.Text(), calls))
	if err := o.save(t.ctx, &t.state); err != nil {
		return err
	}
	t.log.Debug("model_step_done", "tool_calls", len(calls), "text_len", len(conv.Text()), "output_tokens", resp.Usage.OutputTokens)

	if len(calls) > 0 && o.cfg.EnableLoopDetection && DetectLoop(t.state.Transcript, o.cfg.LoopDetectionWindow) {
		msg := fmt.Sprintf("Loop detected: the last %d tool calls follow a repeating pattern.", o.cfg.LoopDetectionWindow)
		t.log.Warn("loop_detected", "window", o.cfg.LoopDetectionWindow)
		if err := t.emit(Event{Kind: EventWarning, Text: msg}); err != nil {
			return err
		}
	}
	return nil
}

func (t *turn) requestMessages() []unifiedllm.Message {
	cfg := t.o.cfg
	history := ConvertTranscriptToMessages(t.state.Transcript, cfg.ToolOutputLimits, cfg.ToolLineLimits)
	if cfg.SystemPrompt == "" && cfg.UserInstructions == "" {
		return history
	}
	prompt := BuildSystemPrompt(PromptContext{
		Base:         cfg.SystemPrompt,
		Model:        cfg.Model,
		Tools:        t.o.tools.Definitions(),
		Protected:    t.o.gate.IsProtected,
		AutoApprove:  t.state.AutoApprove,
		Instructions: cfg.UserInstructions,
	})
	return append([]unifiedllm.Message{unifiedllm.SystemMessage(prompt)}, history...)
}

func (t *turn) usedCallIDs() map[string]bool {
	used := make(map[string]bool)
	for _, m := range t.state.Transcript {
		for _, c := range m.ToolCalls {
			used[c.ID] = true
		}
	}
	return used
}

// toolStep resolves the batch requested by the last assistant message. It
// reports true when the batch was suspended for approval.
func (t *turn) toolStep() (bool, error) {
	o := t.o
	last, _ := t.state.Last()
	calls := last.ToolCalls

	if t.rounds >= o.cfg.MaxToolRoundsPerTurn {
		reason := fmt.Sprintf("Not executed: the turn exceeded %d tool rounds.", o.cfg.MaxToolRoundsPerTurn)
		for _, c := range calls {
			if err := t.record(conversation.NewToolResultMessage(conversation.ToolCallResult{CallID: c.ID, ToolName: c.Name, Error: reason})); err != nil {
				return false, err
			}
		}
		if err := t.endBatch(); err != nil {
			return false, err
		}
		return false, &TurnLimitExceededError{SessionID: t.state.SessionID, Limit: o.cfg.MaxToolRoundsPerTurn}
	}
	t.rounds++

	if protected := o.gate.Review(t.state.AutoApprove, calls); len(protected) > 0 {
		intr, err := o.gate.Suspend(t.ctx, &t.state, calls, protected)
		if err != nil {
			return false, err
		}
		if err := o.save(t.ctx, &t.state); err != nil {
			return false, err
		}
		t.log.Info("turn_suspended", "interruption_id", intr.ID, "protected", len(protected), "calls", len(calls))
		if err := t.emit(Event{Kind: EventTurnBoundary, Phase: PhaseToolBatchEnd}); err != nil {
			return false, err
		}
		return true, t.emit(Event{Kind: EventInterrupted, Interruption: intr})
	}

	for _, c := range calls {
		if err := t.record(conversation.NewToolResultMessage(t.execute(c))); err != nil {
			return false, err
		}
	}
	return false, t.endBatch()
}

// resolve executes a resume plan as the turn's first tool round. The
// Interruption is cleared in the same save as the first result, so an
// approved call never runs twice.
func (t *turn) resolve(plan *ResumePlan) error {
	t.rounds++
	if err := t.emit(Event{Kind: EventTurnBoundary, Phase: PhaseToolBatchStart}); err != nil {
		return err
	}
	for i, pc := range plan.Calls {
		var msg conversation.Message
		if pc.Reject {
			msg = conversation.NewRejectedMessage(pc.Call, pc.Feedback)
		} else {
			call := pc.Call
			call.Arguments = pc.Arguments
			msg = conversation.NewToolResultMessage(t.execute(call))
		}
		if i == 0 {
			t.o.gate.Resolve(context.WithoutCancel(t.ctx), &t.state, plan)
		}
		if err := t.record(msg); err != nil {
			return err
		}
	}
	return t.endBatch()
}

func (t *turn) execute(call conversation.ToolCallRequest) conversation.ToolCallResult {
	start := time.Now()
	res, err := t.o.tools.Execute(t.ctx, call)
	if err != nil {
		var execErr *ToolExecutionError
		if errors.As(err, &execErr) {
			t.log.Warn("tool_execution_failed", "tool", call.Name, "call_id", call.ID, "error", execErr.Cause.Error())
		}
		return res
	}
	t.log.Debug("tool_executed", "tool", call.Name, "call_id", call.ID, "duration", time.Since(start))
	return res
}

// record appends a tool entry, saves it and reports it on the stream. The
// save ignores cancellation: the call already ran.
func (t *turn) record(msg conversation.Message) error {
	t.state.Append(msg)
	if err := t.o.save(context.WithoutCancel(t.ctx), &t.state); err != nil {
		return err
	}
	return t.emit(Event{Kind: EventToolResult, CallID: msg.ToolResult.CallID, ToolName: msg.ToolResult.ToolName, Result: msg.ToolResult})
}

// endBatch closes the boundary of a resolved batch. Its results were saved
// as they were recorded.
func (t *turn) endBatch() error {
	return t.emit(Event{Kind: EventTurnBoundary, Phase: PhaseToolBatchEnd})
}

const unansweredCallError = "Not executed: the previous turn stopped before this call ran."

// closeUnansweredCalls records error results for calls of the last
// assistant message that never got one, as left by a turn stopped in the
// middle of a batch. It returns the number of results added.
func closeUnansweredCalls(state *conversation.State) int {
	last := -1
	for i := len(state.Transcript) - 1; i >= 0; i-- {
		m := state.Transcript[i]
		if m.Role == conversation.RoleTool {
			continue
		}
		if m.HasToolCalls() {
			last = i
		}
		break
	}
	if last < 0 {
		return 0
	}
	answered := make(map[string]bool)
	for _, m := range state.Transcript[last+1:] {
		if m.ToolResult != nil {
			answered[m.ToolResult.CallID] = true
		}
	}
	n := 0
	for _, c := range state.Transcript[last].ToolCalls {
		if answered[c.ID] {
			continue
		}
		state.Append(conversation.NewToolResultMessage(conversation.ToolCallResult{CallID: c.ID, ToolName: c.Name, Error: unansweredCallError}))
		n++
	}
	return n
}

func drain(ch <-chan unifiedllm.StreamEvent) {
	for range ch {
	}
}
