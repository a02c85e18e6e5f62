// Package apperr defines the error taxonomy shared by the campaign engine.
//
// Every error carries a machine-readable Code. Errors compare equal under
// errors.Is when their codes match, so callers can test against the exported
// sentinels without caring about the message.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeValidation  Code = "validation"
	CodeNotFound    Code = "not_found"
	CodeInvalidCode Code = "invalid_code"
	CodeExpired     Code = "expired"
	CodeExhausted   Code = "exhausted"
	CodeRevoked     Code = "revoked"
	CodeDispatch    Code = "dispatch"
	CodeCollision   Code = "collision"
	CodeConflict    Code = "conflict"
	CodePersistence Code = "persistence"
	CodeInternal    Code = "internal"
)

// Sentinels for errors.Is checks.
var (
	ErrValidation  = &Error{Code: CodeValidation, Message: "validation failed"}
	ErrNotFound    = &Error{Code: CodeNotFound, Message: "not found"}
	ErrInvalidCode = &Error{Code: CodeInvalidCode, Message: "invalid invitation code"}
	ErrExpired     = &Error{Code: CodeExpired, Message: "invitation code expired"}
	ErrExhausted   = &Error{Code: CodeExhausted, Message: "invitation code has no uses left"}
	ErrRevoked     = &Error{Code: CodeRevoked, Message: "invitation code revoked"}
	ErrDispatch    = &Error{Code: CodeDispatch, Message: "dispatch failed"}
	ErrCollision   = &Error{Code: CodeCollision, Message: "no free code found"}
	ErrPersistence = &Error{Code: CodePersistence, Message: "persistence failed"}
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

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates an error with a formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that wraps cause.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation is shorthand for New(CodeValidation, ...).
func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

// NotFound is shorthand for New(CodeNotFound, ...).
func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

// Persistence wraps a storage failure.
func Persistence(cause error, format string, args ...any) *Error {
	return Wrap(CodePersistence, cause, format, args...)
}

// CodeOf returns the code of the first *Error in err's chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
