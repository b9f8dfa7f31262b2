package hub

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ErrorCodeToolUnavailable is returned when no healthy instance offers a tool.
	ErrorCodeToolUnavailable = "TOOL_UNAVAILABLE"
	// ErrorCodeCircuitOpen is returned when the selected instance's breaker rejects traffic.
	ErrorCodeCircuitOpen = "CIRCUIT_OPEN"
	// ErrorCodeTimeout is returned when an invocation exceeds its timeout budget.
	ErrorCodeTimeout = "INVOCATION_TIMEOUT"
	// ErrorCodeInvocationFailed is returned when a spoke reports or causes a failure.
	ErrorCodeInvocationFailed = "INVOCATION_FAILED"
	// ErrorCodeBackpressure is returned when the global concurrency bound is exhausted.
	ErrorCodeBackpressure = "BACKPRESSURE"
	// ErrorCodeCancelled is returned when the caller abandons an invocation.
	ErrorCodeCancelled = "CANCELLED"
)

// InvokeError is a structured routing/invocation error that crosses the
// gateway boundary without losing its machine-readable code or retryability.
type InvokeError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
	Cause     error          `json:"-"`
}

func (e *InvokeError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	msg := strings.TrimSpace(e.Message)
	switch {
	case code == "" && msg == "":
		return ErrorCodeInvocationFailed
	case code == "":
		return msg
	case msg == "":
		return code
	default:
		return fmt.Sprintf("%s: %s", code, msg)
	}
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *InvokeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func newInvokeError(code, message string, retryable bool, cause error) *InvokeError {
	cleanCode := strings.TrimSpace(code)
	if cleanCode == "" {
		cleanCode = ErrorCodeInvocationFailed
	}
	cleanMsg := strings.TrimSpace(message)
	if cleanMsg == "" && cause != nil {
		cleanMsg = cause.Error()
	}
	return &InvokeError{
		Code:      cleanCode,
		Message:   cleanMsg,
		Retryable: retryable,
		Cause:     cause,
	}
}

func withInvokeErrorDetails(err *InvokeError, details map[string]any) *InvokeError {
	if err == nil {
		return nil
	}
	if len(details) == 0 {
		return err
	}
	if err.Details == nil {
		err.Details = make(map[string]any, len(details))
	}
	for key, value := range details {
		err.Details[key] = value
	}
	return err
}

// InvokeErrorFrom extracts a structured invocation error when present.
func InvokeErrorFrom(err error) (*InvokeError, bool) {
	if err == nil {
		return nil, false
	}
	var invokeErr *InvokeError
	if errors.As(err, &invokeErr) {
		return invokeErr, true
	}
	return nil, false
}

func invokeErrorCode(err error) string {
	if invokeErr, ok := InvokeErrorFrom(err); ok && invokeErr != nil {
		return invokeErr.Code
	}
	return ""
}
