package domain

import (
	"errors"
	"strings"
)

// Sentinel errors for the sync core. Callers check them with errors.Is.
var (
	ErrValidation    = errors.New("validation failed")
	ErrDuplicateName = errors.New("a room with this name already exists")
	ErrBackend       = errors.New("backend request failed")
	ErrSubscription  = errors.New("change feed subscription failed")
	ErrNoSession     = errors.New("no active session")
)

// Error carries the operation that failed and the underlying cause alongside
// one of the sentinel kinds above.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Msg != "":
		b.WriteString(e.Msg)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewValidationError reports rejected input. No backend call has been made.
func NewValidationError(op, msg string, err error) *Error {
	return &Error{Kind: ErrValidation, Op: op, Msg: msg, Err: err}
}

// NewDuplicateNameError reports a room name that is already taken.
func NewDuplicateNameError(op, name string) *Error {
	return &Error{Kind: ErrDuplicateName, Op: op, Msg: "room name " + strings.TrimSpace(name) + " is already taken"}
}

// NewBackendError wraps a failure reported by the data backend.
func NewBackendError(op string, err error) *Error {
	return &Error{Kind: ErrBackend, Op: op, Err: err}
}

// NewSubscriptionError wraps a failure to open a change feed.
func NewSubscriptionError(op string, err error) *Error {
	return &Error{Kind: ErrSubscription, Op: op, Err: err}
}
