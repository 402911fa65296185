// ABOUTME: Coded API errors returned by the write pipeline
// ABOUTME: Codes follow the document-store wire protocol; Kind() groups them for callers

package apierr

import (
	"errors"
	"fmt"
)

// Code is the numeric error code surfaced to clients.
type Code int

// Error codes used by the write pipeline.
const (
	OtherCause            Code = -1
	InternalServerError   Code = 1
	ObjectNotFound        Code = 101
	InvalidQuery          Code = 102
	InvalidClassName      Code = 103
	MissingObjectID       Code = 104
	InvalidKeyName        Code = 105
	InvalidJSON           Code = 107
	IncorrectType         Code = 111
	OperationForbidden    Code = 119
	InvalidACL            Code = 123
	InvalidEmailAddress   Code = 125
	InvalidInstallationID Code = 132
	MissingRequiredField  Code = 135
	ChangedImmutableField Code = 136
	DuplicateValue        Code = 137
	ScriptFailed          Code = 141
	ValidationError       Code = 142
	UsernameMissing       Code = 200
	PasswordMissing       Code = 201
	UsernameTaken         Code = 202
	EmailTaken            Code = 203
	SessionMissing        Code = 206
	AccountAlreadyLinked  Code = 208
	InvalidSessionToken   Code = 209
	UnsupportedService    Code = 252
)

// Kind is the coarse classification of an error code.
type Kind string

// Error kinds.
const (
	KindPermissionDenied    Kind = "permission_denied"
	KindValidation          Kind = "validation_error"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindDuplicateValue      Kind = "duplicate_value"
	KindUnsupportedProvider Kind = "unsupported_identity_provider"
	KindInternal            Kind = "internal_failure"
	KindOther               Kind = "other"
)

// Error is an API error with a code and a client-facing message.
type Error struct {
	Code    Code
	Message string
}

// New creates an Error.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Is matches any *Error with the same code, so errors.Is(err, apierr.New(code, ""))
// works regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Kind classifies the error code.
func (e *Error) Kind() Kind {
	switch e.Code {
	case OperationForbidden, SessionMissing, InvalidSessionToken, InvalidACL:
		return KindPermissionDenied
	case ValidationError, IncorrectType, InvalidKeyName, MissingObjectID, MissingRequiredField,
		InvalidEmailAddress, UsernameMissing, PasswordMissing, InvalidClassName, InvalidQuery, InvalidJSON:
		return KindValidation
	case ObjectNotFound:
		return KindNotFound
	case ChangedImmutableField, InvalidInstallationID, AccountAlreadyLinked:
		return KindConflict
	case DuplicateValue, UsernameTaken, EmailTaken:
		return KindDuplicateValue
	case UnsupportedService:
		return KindUnsupportedProvider
	case InternalServerError:
		return KindInternal
	default:
		return KindOther
	}
}

// CodeOf returns the code carried by err, or OtherCause when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return OtherCause
}

// KindOf returns the kind carried by err, or KindOther when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind()
	}
	return KindOther
}

// Has reports whether err carries the given code.
func Has(err error, code Code) bool {
	return CodeOf(err) == code
}
