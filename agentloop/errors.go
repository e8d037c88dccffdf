package agentloop

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is classification. Every typed error below matches
// exactly one of them.
var (
	// ErrValidation marks a malformed caller payload. The session is unchanged
	// and the call may be retried with corrected input.
	ErrValidation = errors.New("validation error")

	// ErrInvalidState marks a request that does not fit the session's current
	// state, such as resuming without a pending interruption.
	ErrInvalidState = errors.New("invalid state")

	// ErrToolExecution marks a tool backend failure. It is recorded as an
	// error result and never ends the turn.
	ErrToolExecution = errors.New("tool execution failed")

	// ErrModelService marks a model backend failure. It ends the turn;
	// messages committed before the failure stay saved.
	ErrModelService = errors.New("model service error")

	// ErrTurnLimitExceeded marks a turn stopped by the tool round guard.
	ErrTurnLimitExceeded = errors.New("turn limit exceeded")
)

// ValidationError reports a malformed update payload or turn input.
type ValidationError struct {
	SessionID string
	Message   string
	Cause     error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("validation error: %s: %v", e.Message, e.Cause)
	}
	return "validation error: " + e.Message
}

func (e *ValidationError) Unwrap() error        { return e.Cause }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InvalidStateError reports an operation the session cannot accept right
// now. No state was mutated.
type InvalidStateError struct {
	SessionID string
	Message   string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid state for session %q: %s", e.SessionID, e.Message)
}

func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// ToolExecutionError wraps the failure of a single tool call.
type ToolExecutionError struct {
	ToolName string
	CallID   string
	Cause    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("Tool error (%s): %v", e.ToolName, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error        { return e.Cause }
func (e *ToolExecutionError) Is(target error) bool { return target == ErrToolExecution }

// ModelServiceError wraps a model backend failure. The cause is usually one
// of the unifiedllm error types and can be inspected with errors.As.
type ModelServiceError struct {
	SessionID string
	Cause     error
}

func (e *ModelServiceError) Error() string {
	return fmt.Sprintf("model service error in session %q: %v", e.SessionID, e.Cause)
}

func (e *ModelServiceError) Unwrap() error        { return e.Cause }
func (e *ModelServiceError) Is(target error) bool { return target == ErrModelService }

// TurnLimitExceededError reports that a turn requested more tool rounds than
// allowed.
type TurnLimitExceededError struct {
	SessionID string
	Limit     int
}

func (e *TurnLimitExceededError) Error() string {
	return fmt.Sprintf("session %q exceeded %d tool rounds in one turn", e.SessionID, e.Limit)
}

func (e *TurnLimitExceededError) Is(target error) bool { return target == ErrTurnLimitExceeded }

// IsTurnFatal reports whether err ended a turn before Terminal.
func IsTurnFatal(err error) bool {
	return errors.Is(err, ErrModelService) || errors.Is(err, ErrTurnLimitExceeded)
}

// IsRetryableByCaller reports whether the caller may resend the same request
// after fixing its input or waiting for the running turn.
func IsRetryableByCaller(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrInvalidState)
}
