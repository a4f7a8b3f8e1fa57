package core

import (
	"errors"
	"fmt"
)

// Code is the stable error taxonomy shared by every layer (spec §7). A
// lower layer returns an *Error with the most specific Code it knows;
// internal/service maps driver/library errors into this taxonomy without
// discarding the cause chain.
type Code string

const (
	CodeInvalidInput      Code = "InvalidInput"
	CodeNotFound          Code = "NotFound"
	CodeAlreadyExists     Code = "AlreadyExists"
	CodeUnauthorized      Code = "Unauthorized"
	CodeForbidden         Code = "Forbidden"
	CodeDimensionMismatch Code = "DimensionMismatch"
	CodeNonFinite         Code = "NonFinite"
	CodeDurability        Code = "Durability"
	CodeUnavailable       Code = "Unavailable"
	CodeQuotaExceeded     Code = "QuotaExceeded"
	CodeConflict          Code = "Conflict"
	CodeInternal          Code = "Internal"
)

// Error is the concrete type every AkiDB layer returns for classified
// failures. Target identifies the resource the error is about (e.g. a
// collection id or an object-store endpoint) and is used to key the
// error-log rate limiter (spec §7: "rate-limit repeated error log lines
// per code+target").
type Error struct {
	Code    Code
	Message string
	Target  string
	Cause   error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s[%s]: %s", e.Code, e.Target, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error with no target and no cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a classified code to an underlying cause, preserving it in
// the unwrap chain for logs while giving callers a stable code to switch on.
func Wrap(code Code, target string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Code: code, Message: cause.Error(), Target: target, Cause: cause}
}

// WithTarget returns a copy of e with Target set, for callers that only
// learn the target after construction (e.g. a collection id resolved
// further up the call stack).
func (e *Error) WithTarget(target string) *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Target = target
	return &cp
}

// CodeOf extracts the Code from err if it (or something it wraps) is an
// *Error, otherwise CodeInternal — an unclassified error is always a bug to
// triage, never silently swallowed.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if err == nil {
		return ""
	}
	return CodeInternal
}

// Is reports whether target is an *Error with the same Code, so
// errors.Is(err, core.New(core.CodeNotFound, "")) matches any NotFound error.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Code == other.Code
	}
	return false
}
