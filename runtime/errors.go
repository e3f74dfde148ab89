package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies terminal run failures so operators can tell
// infrastructure breakage from content-level rejection.
type ErrorKind string

const (
	// KindStorageUnavailable signals the ledger could not complete a write or read.
	KindStorageUnavailable ErrorKind = "storage_unavailable"
	// KindEngineExecution signals an internal failure inside one engine call.
	KindEngineExecution ErrorKind = "engine_execution"
	// KindBlocked signals the engine judged the step content cannot proceed.
	KindBlocked ErrorKind = "blocked"
	// KindLoopExhausted signals the microloop cap was reached without verification.
	KindLoopExhausted ErrorKind = "loop_exhausted"
	// KindConfiguration signals a malformed flow or run spec, caught before dispatch.
	KindConfiguration ErrorKind = "configuration"
)

// ErrStorageUnavailable is wrapped by every ledger failure.
var ErrStorageUnavailable = errors.New("storage unavailable")

// RunError is the canonical error carried out of a failed run. It is
// JSON-serializable so it can land in meta.json and event payloads intact.
type RunError struct {
	Kind    ErrorKind `json:"kind"`
	FlowKey string    `json:"flow_key,omitempty"`
	Step    string    `json:"step,omitempty"`
	Message string    `json:"message"`
	Cause   error     `json:"-"`
}

func (e *RunError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Kind, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *RunError) Unwrap() error {
	return e.Cause
}

// ToMap converts the error to an event payload mapping.
func (e *RunError) ToMap() map[string]any {
	m := map[string]any{
		"kind":    string(e.Kind),
		"message": e.Message,
	}
	if e.Step != "" {
		m["step"] = e.Step
	}
	if e.FlowKey != "" {
		m["flow_key"] = e.FlowKey
	}
	return m
}

func newRunError(kind ErrorKind, flowKey, step, format string, args ...any) *RunError {
	return &RunError{
		Kind:    kind,
		FlowKey: flowKey,
		Step:    step,
		Message: fmt.Sprintf(format, args...),
	}
}
