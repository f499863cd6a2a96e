package engine

import (
	"context"
	"errors"
	"fmt"

	ports "github.com/stewardhq/steward/steward/engine/ports"
)

// Kind classifies a turn failure. Every failure maps to exactly one kind,
// and each kind renders a distinct user-facing message; technical detail
// stays in logs.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindCapability     Kind = "capability_violation"
	KindMissingContext Kind = "missing_context"
	KindNotFound       Kind = "not_found"
	KindTimeout        Kind = "timeout"
	KindConflict       Kind = "store_conflict"
	KindInternal       Kind = "internal"
)

// Error is the engine's failure type. Detail is technical and log-only;
// UserMessage renders what the assistant says.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error { return e.Err }

// UserMessage renders the reply shown for this failure. Validation detail is
// domain-level (missing fields, bad statuses) and is the one kind whose
// detail the user may see.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidation:
		return fmt.Sprintf("I couldn't act on that: %s.", e.Detail)
	case KindCapability:
		return "That operation isn't available to the assistant handling this topic."
	case KindMissingContext:
		return "I need an active project first. Tell me which project we're working on, or let's set one up."
	case KindNotFound:
		return "I couldn't find that record. It may have been archived or never created."
	case KindTimeout:
		return "That step took too long and was stopped. Everything completed before it is saved; nothing else was changed."
	case KindConflict:
		return "That record changed while I was working on it. Please try again."
	default:
		return "Something went wrong on my side while handling that."
	}
}

// AsError extracts the engine error from any wrapped chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func validationErr(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Detail: fmt.Sprintf(format, args...)}
}

func capabilityErr(format string, args ...any) *Error {
	return &Error{Kind: KindCapability, Detail: fmt.Sprintf(format, args...)}
}

func missingContextErr(format string, args ...any) *Error {
	return &Error{Kind: KindMissingContext, Detail: fmt.Sprintf(format, args...)}
}

func timeoutErr(err error, format string, args ...any) *Error {
	return &Error{Kind: KindTimeout, Detail: fmt.Sprintf(format, args...), Err: err}
}

func internalErr(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Detail: fmt.Sprintf(format, args...), Err: err}
}

// fromStoreErr maps storage sentinels onto the taxonomy.
func fromStoreErr(err error, op string) *Error {
	switch {
	case errors.Is(err, ports.ErrNotFound):
		return &Error{Kind: KindNotFound, Detail: op, Err: err}
	case errors.Is(err, ports.ErrVersionConflict):
		return &Error{Kind: KindConflict, Detail: op, Err: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Detail: op, Err: err}
	default:
		return &Error{Kind: KindInternal, Detail: op, Err: err}
	}
}
