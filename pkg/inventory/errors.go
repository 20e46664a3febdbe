package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors. Typed errors below unwrap to these so callers can branch
// with errors.Is without caring about the payload.
var (
	ErrNotFound       = errors.New("inventory: not found")
	ErrAmbiguous      = errors.New("inventory: ambiguous item")
	ErrValidation     = errors.New("inventory: validation failed")
	ErrInterpretation = errors.New("inventory: interpretation failed")
	ErrCancelled      = errors.New("inventory: cancelled")
	ErrForbidden      = errors.New("inventory: forbidden")
	ErrDuplicate      = errors.New("inventory: item already exists")
)

// NotFoundError reports that nothing in the catalog plausibly matches Query.
type NotFoundError struct {
	Query string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("inventory: no catalog item matches %q", e.Query)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// AmbiguousError reports that Query matched several items and none of them
// was a confident match. Suggestions lists candidate names, best first.
type AmbiguousError struct {
	Query       string
	Suggestions []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("inventory: %q is ambiguous; did you mean %s", e.Query, strings.Join(e.Suggestions, ", "))
}

func (e *AmbiguousError) Unwrap() error { return ErrAmbiguous }

// ValidationError reports an invalid command field. Err carries the
// underlying cause when there is one (for example units.ErrUnknownUnit).
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("inventory: invalid %s: %s", e.Field, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Err}
}

// InterpretationError reports that the language-model provider failed or
// returned output that could not be parsed.
type InterpretationError struct {
	Utterance string
	Err       error
}

func (e *InterpretationError) Error() string {
	return fmt.Sprintf("inventory: interpret %q: %v", e.Utterance, e.Err)
}

func (e *InterpretationError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrInterpretation}
	}
	return []error{ErrInterpretation, e.Err}
}
