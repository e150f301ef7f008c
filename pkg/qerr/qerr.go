package qerr

import (
	"errors"
	"fmt"
)

// Code represents a stable error category that callers can switch on.
type Code string

const (
	CodeUnknown        Code = "unknown"
	CodeInvalidSpec    Code = "invalid_spec"
	CodeDuplicateJob   Code = "duplicate_job"
	CodeNotFound       Code = "not_found"
	CodeUnknownJob     Code = "unknown_job"
	CodeCycle          Code = "cycle"
	CodeSecretNotFound Code = "secret_not_found"
	CodeDispatch       Code = "dispatch"
	CodeTimedOut       Code = "timed_out"
	CodeJobFailed      Code = "job_failed"
	CodeCancelled      Code = "cancelled"
	CodeUnauthorized   Code = "unauthorized"
)

// Coder is implemented by typed errors that belong to a stable category.
type Coder interface {
	ErrorCode() Code
}

// Error is a simple value type that carries a Code plus the underlying error.
type Error struct {
	Code Code
	err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.err == nil {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %v", e.Code, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

func (e *Error) ErrorCode() Code {
	return e.Code
}

// New wraps an error with the provided code. If err is nil a nil is returned.
func New(code Code, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, err: err}
}

// CodeOf walks the wrap chain and returns the first code found.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var c Coder
	if errors.As(err, &c) {
		return c.ErrorCode()
	}
	return CodeUnknown
}

// IsCode helps callers compare codes without type assertions.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}
