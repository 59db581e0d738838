// Package errors provides the coded error type shared by every layer of the
// approvals service. Codes, not messages, decide how an error is surfaced to
// HTTP and gRPC callers.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// ErrorCode classifies an error for callers.
type ErrorCode string

const (
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyProcessed     ErrorCode = "ALREADY_PROCESSED"
	ErrCodeNotAuthorized        ErrorCode = "NOT_AUTHORIZED"
	ErrCodeNoMatchingFlow       ErrorCode = "NO_MATCHING_FLOW"
	ErrCodeEmptyFlow            ErrorCode = "EMPTY_FLOW"
	ErrCodeInvalidStep          ErrorCode = "INVALID_STEP"
	ErrCodeInvalidInput         ErrorCode = "INVALID_INPUT"
	ErrCodeConflict             ErrorCode = "CONFLICT"
	ErrCodeAwaitingResubmission ErrorCode = "AWAITING_RESUBMISSION"
	ErrCodeUnavailable          ErrorCode = "UNAVAILABLE"
	ErrCodeInternal             ErrorCode = "INTERNAL"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    ErrorCode
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Field != "" {
		msg = fmt.Sprintf("%s: %s", e.Field, msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code.
func New(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error. Wrapping nil returns nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s %q not found", resource, id)}
}

// InvalidInput reports a rejected request field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeInvalidInput, Field: field, Message: message}
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// ErrCodeInternal when there is none.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Is and As re-export the standard helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

// HTTPStatus maps an error code onto an HTTP status.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeAlreadyProcessed, ErrCodeConflict, ErrCodeAwaitingResubmission:
		return http.StatusConflict
	case ErrCodeNotAuthorized:
		return http.StatusForbidden
	case ErrCodeNoMatchingFlow, ErrCodeEmptyFlow, ErrCodeInvalidStep:
		return http.StatusUnprocessableEntity
	case ErrCodeInvalidInput:
		return http.StatusBadRequest
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps an error code onto a gRPC status code.
func GRPCCode(code ErrorCode) codes.Code {
	switch code {
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeAlreadyProcessed, ErrCodeAwaitingResubmission, ErrCodeNoMatchingFlow,
		ErrCodeEmptyFlow, ErrCodeInvalidStep:
		return codes.FailedPrecondition
	case ErrCodeConflict:
		return codes.AlreadyExists
	case ErrCodeNotAuthorized:
		return codes.PermissionDenied
	case ErrCodeInvalidInput:
		return codes.InvalidArgument
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}
