// Package apperr defines the error taxonomy shared by the delivery
// pipeline, the realtime channel and the REST surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type Code string

const (
	CodeUnknown           Code = "UNKNOWN"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodeAlreadyExists     Code = "ALREADY_EXISTS"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeUnauthenticated   Code = "UNAUTHENTICATED"
	CodeInvalidCredential Code = "INVALID_CREDENTIAL"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeInternal          Code = "INTERNAL"
)

// AppError is an error with a client-facing code and message.
type AppError struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	Cause      error         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.Cause }

// Is reports a match when target carries the same code and message, so
// errors built by constructors still match the package sentinels.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Message == t.Message
}

// New creates an AppError.
func New(code Code, message string) error {
	return &AppError{Code: code, Message: message}
}

// Wrap creates an AppError around cause.
func Wrap(code Code, message string, cause error) error {
	return &AppError{Code: code, Message: message, Cause: cause}
}

func InvalidArg(msg string) error { return New(CodeInvalidArgument, msg) }

func NotFound(msg string) error { return New(CodeNotFound, msg) }

func Forbidden(msg string) error { return New(CodePermissionDenied, msg) }

func Internal(cause error) error { return Wrap(CodeInternal, "internal server error", cause) }

// RateLimited builds a retryable rejection carrying the cooldown hint.
func RateLimited(retryAfter time.Duration) error {
	return &AppError{Code: CodeResourceExhausted, Message: msgRateLimited, RetryAfter: retryAfter}
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// RetryAfterOf returns the cooldown hint attached to err, if any.
func RetryAfterOf(err error) time.Duration {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.RetryAfter
	}
	return 0
}

// MessageOf returns the client-safe message of err. Causes are never
// included.
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeAlreadyExists:
		return http.StatusConflict
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeUnauthenticated, CodeInvalidCredential:
		return http.StatusUnauthorized
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
