package prefs

import (
	"fmt"
)

// Code classifies the errors returned by the Manager.
type Code uint8

const (
	CodeInvalidArgument      Code = iota + 1 // duplicate definition, malformed name or nil argument
	CodeUnknownPreference                    // operation on a name that is not defined
	CodeSerialization                        // value can not be encoded as JSON
	CodeMalformedStoredValue                 // stored text is not valid JSON, only logged
	CodeClosed                               // the manager was closed
)

func (c Code) String() string {
	switch c {
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeUnknownPreference:
		return "UnknownPreference"
	case CodeSerialization:
		return "SerializationError"
	case CodeMalformedStoredValue:
		return "MalformedStoredValue"
	case CodeClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Error is returned by all Manager operations. Name is the preference the
// operation was called for and may be empty. Err is the cause, if any.
type Error struct {
	Code Code
	Name string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("PrefsError (code %s)", e.Code)
	if e.Name != "" {
		msg += fmt.Sprintf(" preference %q", e.Name)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the cause of the error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a prefs error with the same code.
// This allows errors.Is(err, prefs.ErrUnknownPreference).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is
var (
	ErrInvalidArgument      = &Error{Code: CodeInvalidArgument}
	ErrUnknownPreference    = &Error{Code: CodeUnknownPreference}
	ErrSerialization        = &Error{Code: CodeSerialization}
	ErrMalformedStoredValue = &Error{Code: CodeMalformedStoredValue}
	ErrClosed               = &Error{Code: CodeClosed}
)

func newError(code Code, name string, format string, args ...any) *Error {
	return &Error{Code: code, Name: name, Err: fmt.Errorf(format, args...)}
}

func wrapError(code Code, name string, err error) *Error {
	return &Error{Code: code, Name: name, Err: err}
}
