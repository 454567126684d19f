// Copyright 2024-2026 Aiku AI

// Package syncerr defines the error kinds shared by the sync daemon's clients
// and reconciler.
package syncerr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of failure.
type Code string

const (
	// CodeConfig is a missing or invalid configuration value. Fatal at startup.
	CodeConfig Code = "config"
	// CodeUpstream is a failed call to authentik or Discord.
	CodeUpstream Code = "upstream"
	// CodeNotConnected means the Discord gateway is not open or the guild is unavailable.
	CodeNotConnected Code = "not_connected"
	// CodeNotLinked means no authentik account carries the requested Discord ID.
	CodeNotLinked Code = "not_linked"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrConfig       = &Error{Code: CodeConfig, Message: "configuration error"}
	ErrUpstream     = &Error{Code: CodeUpstream, Message: "upstream error"}
	ErrNotConnected = &Error{Code: CodeNotConnected, Message: "not connected"}
	ErrNotLinked    = &Error{Code: CodeNotLinked, Message: "not linked"}
)

// Error is a coded error with an optional cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a code and message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Upstream wraps cause as an UpstreamError.
func Upstream(cause error, format string, args ...any) *Error {
	return Wrap(CodeUpstream, cause, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or "" if none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
