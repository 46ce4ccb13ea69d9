// Package errtax defines the runtime core's error taxonomy: a small set of
// kinds that every component classifies its failures into, so the Pipeline
// Executor and Session Manager can make uniform retry/propagation decisions
// without depending on concrete provider or storage error types.
//
// The shape is grounded on the teacher's model.ProviderError (kind +
// retryable + cause, errors.Is/As friendly) and extended to the full
// taxonomy the runtime core needs.
package errtax

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure into one of the categories the core
// reacts to explicitly.
type Kind string

const (
	// KindConfiguration indicates an invalid workspace or pipeline declaration.
	// Fatal to the conversation.
	KindConfiguration Kind = "configuration_error"
	// KindBudgetExhausted indicates a reservation would exceed the configured
	// budget. Fatal to the conversation unless the step has a fallback.
	KindBudgetExhausted Kind = "budget_exhausted"
	// KindProviderRetryable indicates a transient provider failure (rate
	// limit, network blip, 5xx). Retried by the Worker Scheduler.
	KindProviderRetryable Kind = "provider_retryable"
	// KindProviderTerminal indicates a non-retryable provider failure
	// (auth, invalid request, content policy).
	KindProviderTerminal Kind = "provider_terminal"
	// KindTimeout indicates a deadline was exceeded.
	KindTimeout Kind = "timeout"
	// KindSessionRotatedDuringCall indicates the session's active_generation
	// changed between call entry and completion.
	KindSessionRotatedDuringCall Kind = "session_rotated_during_call"
	// KindRotationFailed indicates summarization and its fallback both
	// failed during a rotation attempt.
	KindRotationFailed Kind = "rotation_failed"
	// KindIntegrityViolation indicates a boot-time inconsistency in the
	// State Store.
	KindIntegrityViolation Kind = "integrity_violation"
	// KindCancelled indicates cooperative cancellation. Never retried.
	KindCancelled Kind = "cancelled"
)

// Error is the runtime core's structured error type. It carries a Kind for
// classification, an optional Retryable override, and the originating cause.
type Error struct {
	kind      Kind
	component string
	message   string
	retryable bool
	cause     error
}

// New constructs an Error of the given kind. component identifies the
// emitting subsystem (e.g. "scheduler", "session"); message is a short
// human-readable description; cause may be nil.
func New(kind Kind, component, message string, cause error) *Error {
	if kind == "" {
		panic("errtax: kind is required")
	}
	return &Error{
		kind:      kind,
		component: component,
		message:   message,
		retryable: defaultRetryable(kind),
		cause:     cause,
	}
}

// WithRetryable overrides the default retryability for the kind. Used, for
// example, when a Timeout is retryable once per step policy but otherwise
// terminal.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.retryable = retryable
	return e
}

// Kind returns the error's classification.
func (e *Error) Kind() Kind { return e.kind }

// Component returns the subsystem that produced the error.
func (e *Error) Component() string { return e.component }

// Retryable reports whether the Worker Scheduler should retry the
// originating operation.
func (e *Error) Retryable() bool { return e.retryable }

func (e *Error) Error() string {
	msg := e.message
	if msg == "" && e.cause != nil {
		msg = e.cause.Error()
	}
	if e.component == "" {
		return fmt.Sprintf("%s: %s", e.kind, msg)
	}
	return fmt.Sprintf("%s[%s]: %s", e.kind, e.component, msg)
}

// Unwrap preserves the original error chain.
func (e *Error) Unwrap() error { return e.cause }

// As returns the first *Error in err's chain, if any.
func As(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Is reports whether err's chain contains an Error of the given kind.
func Is(err error, kind Kind) bool {
	te, ok := As(err)
	return ok && te.kind == kind
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindProviderRetryable, KindTimeout:
		return true
	default:
		return false
	}
}
