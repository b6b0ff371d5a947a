// Package apperr defines the error taxonomy returned by the negotiation engine.
// Callers branch on Code; Message is safe to show to the end user.
package apperr

import (
	"errors"
	"fmt"
)

const (
	CodeNotFound    = "NOT_FOUND"
	CodeValidation  = "VALIDATION_ERROR"
	CodeConflict    = "CONFLICT"
	CodeUnavailable = "SERVICE_UNAVAILABLE"
	CodeInternal    = "INTERNAL_ERROR"
)

// Error carries a machine readable code and a renderable reason.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Err     error             `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so errors.Is(err, apperr.Conflict("")) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Wrap(err error, code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func NotFound(resource string) *Error {
	return New(CodeNotFound, resource+" not found")
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func Conflict(message string) *Error {
	return New(CodeConflict, message)
}

func Unavailable(message string, err error) *Error {
	return Wrap(err, CodeUnavailable, message)
}

func Internal(err error, message string) *Error {
	return Wrap(err, CodeInternal, message)
}

// Code returns the code of the first *Error in err's chain, or "" if there is none.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func IsNotFound(err error) bool    { return Code(err) == CodeNotFound }
func IsValidation(err error) bool  { return Code(err) == CodeValidation }
func IsConflict(err error) bool    { return Code(err) == CodeConflict }
func IsUnavailable(err error) bool { return Code(err) == CodeUnavailable }
