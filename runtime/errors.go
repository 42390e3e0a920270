package runtime

import (
	"errors"
	"fmt"
)

// ErrorKind classifies controller errors.
type ErrorKind int

const (
	// ErrorValidation indicates the backend (or the local extension check)
	// rejected an artifact.
	ErrorValidation ErrorKind = iota
	// ErrorPrecondition indicates an operation was invoked in a state that
	// does not permit it. Never reaches the backend.
	ErrorPrecondition
	// ErrorTransport indicates a backend request failed.
	ErrorTransport
	// ErrorJob indicates the job reported an error frame.
	ErrorJob
	// ErrorStreamLost indicates the event stream dropped before a terminal frame.
	ErrorStreamLost
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorValidation:
		return "validation"
	case ErrorPrecondition:
		return "precondition"
	case ErrorTransport:
		return "transport"
	case ErrorJob:
		return "job"
	case ErrorStreamLost:
		return "stream_lost"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified controller error.
type Error struct {
	// Kind classifies the error.
	Kind ErrorKind
	// Op is the controller operation that failed ("validate", "start", ...).
	Op string
	// Detail is the human-readable message.
	Detail string
	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Detail
	if e.Op == "" {
		msg = e.Detail
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// NewValidationError returns an ErrorValidation carrying the backend's detail.
func NewValidationError(op, detail string) *Error {
	return &Error{Kind: ErrorValidation, Op: op, Detail: detail}
}

// NewTransportError wraps a failed backend request.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: ErrorTransport, Op: op, Detail: "request failed", Err: err}
}

// classify wraps unclassified backend errors as transport errors.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return NewTransportError(op, err)
}

func preconditionError(op, detail string) *Error {
	return &Error{Kind: ErrorPrecondition, Op: op, Detail: detail}
}

func kindOf(err error) (ErrorKind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// IsValidationError returns true if the artifact was rejected.
func IsValidationError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorValidation
}

// IsPreconditionError returns true if the operation was not permitted in the current state.
func IsPreconditionError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorPrecondition
}

// IsTransportError returns true if a backend request failed.
func IsTransportError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorTransport
}

// IsJobError returns true if the job reported an error frame.
func IsJobError(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorJob
}

// IsStreamLost returns true if the event stream dropped.
func IsStreamLost(err error) bool {
	k, ok := kindOf(err)
	return ok && k == ErrorStreamLost
}
