package autotag

import (
	"errors"
	"fmt"
)

// ErrorKind classifies why a rule failed to evaluate. Every kind is caught
// at the dialect-evaluator boundary and surfaced only through the trace;
// none of them aborts the engine or a batch.
type ErrorKind string

const (
	// ErrKindConfig marks a malformed rule payload that slipped past
	// validation (missing keys, wrong shapes).
	ErrKindConfig ErrorKind = "config"

	// ErrKindTypeMismatch marks a comparison between incompatible types.
	ErrKindTypeMismatch ErrorKind = "type_mismatch"

	// ErrKindResourceLimit marks a script that exceeded its time or step
	// budget.
	ErrKindResourceLimit ErrorKind = "resource_limit"

	// ErrKindSandboxViolation marks a script that reached for a
	// capability the sandbox does not expose.
	ErrKindSandboxViolation ErrorKind = "sandbox_violation"

	// ErrKindEvaluation is the uncategorized dialect failure.
	ErrKindEvaluation ErrorKind = "evaluation"
)

// EvalError is the per-rule evaluation failure carried in trace entries.
type EvalError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func configErr(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrKindConfig, Message: fmt.Sprintf(format, args...)}
}

func typeMismatchErr(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrKindTypeMismatch, Message: fmt.Sprintf(format, args...)}
}

func resourceLimitErr(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrKindResourceLimit, Message: fmt.Sprintf(format, args...)}
}

func sandboxViolationErr(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrKindSandboxViolation, Message: fmt.Sprintf(format, args...)}
}

func evaluationErr(format string, args ...any) *EvalError {
	return &EvalError{Kind: ErrKindEvaluation, Message: fmt.Sprintf(format, args...)}
}

// asEvalError coerces an arbitrary error into an EvalError, defaulting to
// the uncategorized kind so the engine boundary never re-panics.
func asEvalError(err error) *EvalError {
	if err == nil {
		return nil
	}
	var ee *EvalError
	if errors.As(err, &ee) {
		return ee
	}
	return &EvalError{Kind: ErrKindEvaluation, Message: err.Error()}
}

// ErrTenantMismatch is returned by Engine.Evaluate when a rule for a
// different tenant reaches the engine. This is a caller bug, not a rule
// authoring bug, so unlike every EvalError it aborts the evaluation.
var ErrTenantMismatch = errors.New("rule tenant does not match record tenant")
